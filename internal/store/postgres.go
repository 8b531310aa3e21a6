package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannel is the LISTEN channel kv_store changes are announced on.
const NotifyChannel = "kv_store_changed"

// Schema creates the key-value table and the trigger that announces
// changed paths. The viewer never writes rows; publishers do.
const Schema = `
CREATE TABLE IF NOT EXISTS kv_store (
	path       TEXT PRIMARY KEY,
	value      JSONB,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE OR REPLACE FUNCTION kv_store_notify() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('kv_store_changed', COALESCE(NEW.path, OLD.path));
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS kv_store_changed ON kv_store;
CREATE TRIGGER kv_store_changed
	AFTER INSERT OR UPDATE OR DELETE ON kv_store
	FOR EACH ROW EXECUTE FUNCTION kv_store_notify();
`

// PostgresStore serves snapshots from a kv_store table and pushes changes
// using LISTEN/NOTIFY. Each subscription holds one pooled connection.
type PostgresStore struct {
	pool       *pgxpool.Pool
	retryDelay time.Duration
	log        *slog.Logger
}

// NewPostgresPool parses dsn, applies pool limits and checks connectivity.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

func NewPostgresStore(pool *pgxpool.Pool, log *slog.Logger) *PostgresStore {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresStore{pool: pool, retryDelay: 3 * time.Second, log: log}
}

// EnsureSchema applies Schema.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure kv_store schema: %w", err)
	}
	return nil
}

// Fetch resolves path against the nearest stored ancestor row.
func (s *PostgresStore) Fetch(ctx context.Context, path string) ([]byte, error) {
	return fetchPath(ctx, s.pool, path)
}

// rowQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const fetchSQL = `SELECT value #> $2::text[] FROM kv_store WHERE path = $1`

func fetchPath(ctx context.Context, q rowQuerier, path string) ([]byte, error) {
	for _, l := range ancestorLookups(path) {
		var raw []byte
		err := q.QueryRow(ctx, fetchSQL, l.row, l.rest).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch %q: %w", path, err)
		}
		// The row exists but holds nothing at rest.
		if raw == nil {
			return Null, nil
		}
		return raw, nil
	}
	return Null, nil
}

// rowLookup is one row that can hold a path and the segments to descend
// inside its value.
type rowLookup struct {
	row  string
	rest []string
}

// ancestorLookups lists the rows that can hold path, nearest first: the
// path itself, each ancestor, then the root row "".
func ancestorLookups(path string) []rowLookup {
	segs := SplitPath(path)
	out := make([]rowLookup, 0, len(segs)+1)
	for i := len(segs); i >= 0; i-- {
		out = append(out, rowLookup{row: strings.Join(segs[:i], "/"), rest: segs[i:]})
	}
	return out
}

func (s *PostgresStore) Subscribe(ctx context.Context, path string, onValue func([]byte), onError func(error)) (Unsubscribe, error) {
	path = CleanPath(path)
	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			err := s.listen(sctx, path, onValue)
			if sctx.Err() != nil {
				return
			}
			if onError != nil {
				onError(err)
			}
			s.log.Warn("postgres listen ended", slog.String("path", path), slog.Any("error", err))
			select {
			case <-sctx.Done():
				return
			case <-time.After(s.retryDelay):
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (s *PostgresStore) listen(ctx context.Context, path string, onValue func([]byte)) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer func() {
		// the connection returns to the pool, so stop listening on it
		uctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = conn.Exec(uctx, "UNLISTEN "+NotifyChannel)
	}()

	raw, err := s.Fetch(ctx, path)
	if err != nil {
		return err
	}
	onValue(raw)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		if !related(path, CleanPath(n.Payload)) {
			continue
		}
		raw, err := s.Fetch(ctx, path)
		if err != nil {
			return err
		}
		onValue(raw)
	}
}
