package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/canopy-pm/canopy/internal/auth"
	"github.com/canopy-pm/canopy/internal/canopyerr"
)

const abbreviatedAccept = "application/vnd.npm.install-v1+json; q=1.0, application/json; q=0.8, */*"

// Client fetches package metadata and tarballs from an npm-compatible
// registry. Its retry policy is a narrowed version of go-retryablehttp's
// default: exponential backoff starting at 1s and capped at 10s, retrying
// only on connection/timeout errors and HTTP 5xx, up to MaxAttempts tries.
type Client struct {
	BaseURL     string
	Token       auth.Token
	MaxAttempts int
	Timeout     time.Duration

	log    *slog.Logger
	client *retryablehttp.Client
}

// NewClient builds a registry Client pointed at baseURL (e.g.
// "https://registry.npmjs.org"), with retries bounded by maxAttempts.
func NewClient(baseURL string, token auth.Token, maxAttempts int, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = maxAttempts - 1
	rc.Backoff = specBackoff
	rc.CheckRetry = specCheckRetry
	rc.HTTPClient.Timeout = 30 * time.Second

	return &Client{
		BaseURL:     baseURL,
		Token:       token,
		MaxAttempts: maxAttempts,
		log:         log,
		client:      rc,
	}
}

// specBackoff implements spec.md 4.2's retry formula exactly:
// min(1000*2^attempt, 10000) milliseconds.
func specBackoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	ms := math.Min(1000*math.Pow(2, float64(attemptNum)), 10000)
	return time.Duration(ms) * time.Millisecond
}

func specCheckRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp != nil && resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", abbreviatedAccept)
	req.Header.Set("User-Agent", "canopy/0 (+https://github.com/canopy-pm/canopy)")
	if !c.Token.Empty() {
		if warning := c.Token.ExpiryWarning(time.Now()); warning != "" {
			c.log.Warn(warning)
		}
		req.Header.Set("Authorization", "Bearer "+c.Token.String())
	}
	return req, nil
}

// GetAbbreviated fetches the abbreviated metadata document for a package,
// scoped-package names ("@scope/name") included: pathEscapePackageName
// writes the leading "@" as "%40" and "/" as "%2f" in the URL path.
func (c *Client) GetAbbreviated(ctx context.Context, name string) (*AbbreviatedDocument, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/"+pathEscapePackageName(name))
	if err != nil {
		return nil, canopyerr.NetworkFailure(name, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, canopyerr.NetworkFailure(name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, canopyerr.NotFound(name, fmt.Errorf("registry returned 404"))
	case resp.StatusCode != http.StatusOK:
		return nil, canopyerr.HTTPError(name, resp.StatusCode)
	}

	var doc AbbreviatedDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, canopyerr.HTTPError(name, resp.StatusCode)
	}
	return &doc, nil
}

func pathEscapePackageName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '@':
			out = append(out, "%40"...)
		case '/':
			out = append(out, "%2f"...)
		default:
			out = append(out, name[i])
		}
	}
	return string(out)
}

// FetchTarball issues a GET against an absolute tarball URL (as given in a
// Dist.Tarball field) and returns the streaming response body; the caller
// is responsible for closing it and for integrity verification.
func (c *Client) FetchTarball(ctx context.Context, url string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, canopyerr.NetworkFailure(url, err)
	}
	req.Header.Set("User-Agent", "canopy/0 (+https://github.com/canopy-pm/canopy)")
	if !c.Token.Empty() {
		req.Header.Set("Authorization", "Bearer "+c.Token.String())
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, canopyerr.NetworkFailure(url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, canopyerr.HTTPError(url, resp.StatusCode)
	}
	return resp, nil
}
