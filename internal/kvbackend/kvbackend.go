// Package kvbackend picks a github.com/a-h/kv.Store implementation for
// canopy: the install command's optional kv metadata cache, and the access
// log and download counter of the mirror command, each selected at startup
// the same way the teacher's own database layer does.
package kvbackend

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	rqlitehttp "github.com/rqlite/rqlite-go-http"

	"github.com/a-h/kv"
	"github.com/a-h/kv/postgreskv"
	"github.com/a-h/kv/rqlitekv"
	"github.com/a-h/kv/sqlitekv"
	"github.com/jackc/pgx/v5/pgxpool"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// New opens a kv.Store for backend ("sqlite", "rqlite", or "postgres") at
// dsn and runs its schema migration.
func New(ctx context.Context, backend, dsn string) (store kv.Store, closer func() error, err error) {
	switch backend {
	case "sqlite":
		store, closer, err = newSqliteStore(dsn)
	case "rqlite":
		store, closer, err = newRqliteStore(dsn)
	case "postgres":
		store, closer, err = newPostgresStore(dsn)
	default:
		return nil, nil, fmt.Errorf("kvbackend: unsupported backend %q", backend)
	}
	if err != nil {
		return nil, nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = closer()
		return nil, nil, fmt.Errorf("kvbackend: init %s: %w", backend, err)
	}
	return store, closer, nil
}

func newSqliteStore(dsn string) (kv.Store, func() error, error) {
	dsnURI, err := url.Parse(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("kvbackend: parse sqlite dsn: %w", err)
	}
	opts := sqlitex.PoolOptions{
		Flags: sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenURI,
	}
	if strings.EqualFold(dsnURI.Query().Get("_journal_mode"), "wal") {
		opts.Flags |= sqlite.OpenWAL
	}
	pool, err := sqlitex.NewPool(dsn, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("kvbackend: open sqlite pool: %w", err)
	}
	return sqlitekv.NewStore(pool), pool.Close, nil
}

func newRqliteStore(dsn string) (kv.Store, func() error, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("kvbackend: parse rqlite dsn: %w", err)
	}
	client := rqlitehttp.NewClient(dsn, nil)
	if u.User != nil {
		pwd, _ := u.User.Password()
		client.SetBasicAuth(u.User.Username(), pwd)
	}
	return rqlitekv.NewStore(client), func() error { return nil }, nil
}

func newPostgresStore(dsn string) (kv.Store, func() error, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("kvbackend: open postgres pool: %w", err)
	}
	return postgreskv.NewStore(pool), func() error { pool.Close(); return nil }, nil
}
