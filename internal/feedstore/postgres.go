package feedstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bitriver-submerger/internal/models"
)

// PostgresStore persists seen feed items to a Postgres table, letting
// multiple router instances share dedup state.
//
// Grounded on internal/auth.PostgresSessionStore's pool/DSN/timeout shape:
// pgxpool.ParseConfig + pgxpool.NewWithConfig, a per-operation
// context.WithTimeout, and an INSERT ... ON CONFLICT DO NOTHING for the
// idempotent-insert contract Store.Insert requires.
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

const defaultPostgresFeedTimeout = 5 * time.Second

// PostgresOption configures a PostgresStore.
type PostgresOption func(*postgresOptions)

type postgresOptions struct {
	timeout time.Duration
}

// WithTimeout bounds how long a single operation waits on Postgres.
func WithTimeout(timeout time.Duration) PostgresOption {
	return func(o *postgresOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// NewPostgresStore opens a Postgres-backed store using dsn. The caller is
// responsible for having migrated the feed_items table ahead of time:
//
//	CREATE TABLE feed_items (
//	    item_id TEXT PRIMARY KEY,
//	    title   TEXT NOT NULL,
//	    link    TEXT NOT NULL
//	)
func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("feedstore: postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("feedstore: parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("feedstore: open postgres pool: %w", err)
	}
	options := postgresOptions{timeout: defaultPostgresFeedTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return &PostgresStore{pool: pool, timeout: options.timeout}, nil
}

func (s *PostgresStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

func (s *PostgresStore) Exists(ctx context.Context, itemID string) (bool, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	row := s.pool.QueryRow(opCtx, `SELECT 1 FROM feed_items WHERE item_id = $1`, itemID)
	var discard int
	if err := row.Scan(&discard); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("feedstore: exists: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) Insert(ctx context.Context, record models.FeedItemRecord) error {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	_, err := s.pool.Exec(opCtx, `
INSERT INTO feed_items (item_id, title, link)
VALUES ($1, $2, $3)
ON CONFLICT (item_id) DO NOTHING
`, record.ItemID, record.Title, record.Link)
	if err != nil {
		return fmt.Errorf("feedstore: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

var _ Store = (*PostgresStore)(nil)
