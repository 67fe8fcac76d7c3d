package mirror

import (
	"context"
	"log/slog"
	"net/url"
	"path"
	"sync"

	"github.com/a-h/kv"
)

// DownloadEvent is one tarball serve to record against a package name.
type DownloadEvent struct {
	Name string
}

// downloadCounter persists per-package download counts in the shared kv
// store. Nothing in canopy reads the counts back out yet (get is used only
// by increment's read-modify-write), but the column exists for the same
// reason the teacher's registry keeps one: it is the first thing an
// operator asks for.
type downloadCounter struct {
	store kv.Store
}

func (d *downloadCounter) increment(ctx context.Context, name string) error {
	key := path.Join("/downloads", url.PathEscape(name))
	for {
		current, version, ok, err := d.get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			version = -1
		}
		if err := d.store.Put(ctx, key, version, current+1); err == nil {
			return nil
		}
	}
}

func (d *downloadCounter) get(ctx context.Context, key string) (count int, version int64, ok bool, err error) {
	version, ok, err = d.store.Get(ctx, key, &count)
	return count, version, ok, err
}

// newBufferedDownloadCounter starts a background goroutine draining events
// off a buffered channel into the kv store, matching the teacher's
// fire-and-forget counting so a slow store write never blocks the response
// that triggered it. shutdown drains and waits for the goroutine to exit.
func newBufferedDownloadCounter(ctx context.Context, log *slog.Logger, store kv.Store, bufferSize int) (events chan<- DownloadEvent, shutdown func()) {
	ch := make(chan DownloadEvent, bufferSize)
	counter := &downloadCounter{store: store}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for event := range ch {
			if err := counter.increment(ctx, event.Name); err != nil {
				log.Error("failed to record download", slog.String("package", event.Name), slog.Any("error", err))
			}
		}
	}()

	return ch, func() {
		close(ch)
		wg.Wait()
	}
}
