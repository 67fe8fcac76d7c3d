package mirror

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/a-h/kv"
)

// AccessLog records per-file read/write/delete activity in the shared kv
// store as one key per file, UTC day, and kind of access, written with the
// same upsert-by-zero-value-Put pattern the teacher uses to avoid
// read-modify-write races under concurrent access. Repeated accesses of the
// same kind on the same day overwrite one key rather than adding to it.
type AccessLog struct {
	store kv.Store
	now   func() time.Time
}

// NewAccessLog builds an AccessLog backed by store.
func NewAccessLog(store kv.Store) *AccessLog {
	return &AccessLog{store: store, now: time.Now}
}

// Stats is one file's accumulated access counts: each field is the number
// of distinct UTC days on which that kind of access was recorded.
type Stats struct {
	Filename string
	Reads    int
	Writes   int
	Deletes  int
}

func (a *AccessLog) Read(ctx context.Context, filename string) error {
	return a.record(ctx, filename, "r")
}

func (a *AccessLog) Write(ctx context.Context, filename string) error {
	return a.record(ctx, filename, "w")
}

func (a *AccessLog) Delete(ctx context.Context, filename string) error {
	return a.record(ctx, filename, "d")
}

func (a *AccessLog) record(ctx context.Context, filename, kind string) error {
	day := a.now().UTC().Truncate(24 * time.Hour).Format("2006-01-02")
	key := path.Join("/accesslog", url.PathEscape(filename), day, kind)
	return a.store.Put(ctx, key, -1, "")
}

// Get aggregates every recorded access for filename across all days.
func (a *AccessLog) Get(ctx context.Context, filename string) (Stats, error) {
	stats := Stats{Filename: filename}
	prefix := path.Join("/accesslog", url.PathEscape(filename)) + "/"
	rows, err := a.store.GetPrefix(ctx, prefix, 0, -1)
	if err != nil {
		return stats, fmt.Errorf("mirror: read access log for %s: %w", filename, err)
	}
	for _, row := range rows {
		parts := strings.Split(strings.TrimPrefix(row.Key, "/"), "/")
		if len(parts) != 4 {
			continue
		}
		switch parts[3] {
		case "r":
			stats.Reads++
		case "w":
			stats.Writes++
		case "d":
			stats.Deletes++
		}
	}
	return stats, nil
}
