// Package metrics wires install-pipeline counters through an OTel meter
// provider exported as Prometheus, the same pairing the registry server
// this codebase was adapted from uses for its own download/upload counters.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds every counter the install pipeline and mirror server
// report through. Every method is nil-safe: a zero-value Metrics silently
// drops increments, so callers never have to special-case "metrics
// disabled".
type Metrics struct {
	ResolvePackagesTotal   metric.Int64Counter
	MetadataCacheHitTotal  metric.Int64Counter
	MetadataCacheMissTotal metric.Int64Counter
	FetchCacheHitTotal     metric.Int64Counter
	FetchDownloadTotal     metric.Int64Counter
	DownloadedBytesTotal   metric.Int64Counter
	IntegrityFailureTotal  metric.Int64Counter
	LinkHardlinkTotal      metric.Int64Counter
	LinkCopyFallbackTotal  metric.Int64Counter
	MirrorMetadataTotal    metric.Int64Counter
	MirrorTarballTotal     metric.Int64Counter
}

// New builds a Metrics with a fresh OTel meter provider backed by a
// Prometheus exporter, registering every counter canopy reports.
func New() (*Metrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("github.com/canopy-pm/canopy")

	m := &Metrics{}
	var errs []error
	must := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		return c
	}

	m.ResolvePackagesTotal = must("resolve_packages_total", "Total number of packages resolved against the registry")
	m.MetadataCacheHitTotal = must("metadata_cache_hit_total", "Total metadata lookups served from the local cache")
	m.MetadataCacheMissTotal = must("metadata_cache_miss_total", "Total metadata lookups that required a registry round trip")
	m.FetchCacheHitTotal = must("fetch_cache_hit_total", "Total tarball fetches served from the tarball cache")
	m.FetchDownloadTotal = must("fetch_download_total", "Total tarballs downloaded from the registry")
	m.DownloadedBytesTotal = must("downloaded_bytes_total", "Total tarball bytes downloaded from the registry")
	m.IntegrityFailureTotal = must("integrity_failure_total", "Total tarballs that failed integrity verification")
	m.LinkHardlinkTotal = must("link_hardlink_total", "Total files linked into a module tree via hardlink")
	m.LinkCopyFallbackTotal = must("link_copy_fallback_total", "Total files linked via copy because hardlinking failed (e.g. cross-device)")
	m.MirrorMetadataTotal = must("mirror_metadata_requests_total", "Total abbreviated metadata documents served by the mirror")
	m.MirrorTarballTotal = must("mirror_tarball_requests_total", "Total tarballs served by the mirror")

	if len(errs) > 0 {
		return nil, fmt.Errorf("metrics: %v", errs)
	}
	return m, nil
}

// ListenAndServe serves the Prometheus /metrics endpoint.
func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	return http.ListenAndServe(addr, mux)
}

func (m *Metrics) ResolvePackage(ctx context.Context) {
	if m == nil || m.ResolvePackagesTotal == nil {
		return
	}
	m.ResolvePackagesTotal.Add(ctx, 1)
}

func (m *Metrics) MetadataCacheHit(ctx context.Context) {
	if m == nil || m.MetadataCacheHitTotal == nil {
		return
	}
	m.MetadataCacheHitTotal.Add(ctx, 1)
}

func (m *Metrics) MetadataCacheMiss(ctx context.Context) {
	if m == nil || m.MetadataCacheMissTotal == nil {
		return
	}
	m.MetadataCacheMissTotal.Add(ctx, 1)
}

func (m *Metrics) FetchCacheHit(ctx context.Context) {
	if m == nil || m.FetchCacheHitTotal == nil {
		return
	}
	m.FetchCacheHitTotal.Add(ctx, 1)
}

func (m *Metrics) FetchDownload(ctx context.Context, bytes int64) {
	if m == nil || m.FetchDownloadTotal == nil {
		return
	}
	m.FetchDownloadTotal.Add(ctx, 1)
	m.DownloadedBytesTotal.Add(ctx, bytes)
}

func (m *Metrics) IntegrityFailure(ctx context.Context) {
	if m == nil || m.IntegrityFailureTotal == nil {
		return
	}
	m.IntegrityFailureTotal.Add(ctx, 1)
}

func (m *Metrics) LinkHardlink(ctx context.Context) {
	if m == nil || m.LinkHardlinkTotal == nil {
		return
	}
	m.LinkHardlinkTotal.Add(ctx, 1)
}

func (m *Metrics) LinkCopyFallback(ctx context.Context) {
	if m == nil || m.LinkCopyFallbackTotal == nil {
		return
	}
	m.LinkCopyFallbackTotal.Add(ctx, 1)
}

func (m *Metrics) MirrorMetadataServed(ctx context.Context) {
	if m == nil || m.MirrorMetadataTotal == nil {
		return
	}
	m.MirrorMetadataTotal.Add(ctx, 1)
}

func (m *Metrics) MirrorTarballServed(ctx context.Context) {
	if m == nil || m.MirrorTarballTotal == nil {
		return
	}
	m.MirrorTarballTotal.Add(ctx, 1)
}
