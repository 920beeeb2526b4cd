package noncestore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQL is a sqlite-backed Store. It keeps the replay window intact across
// process restarts on a single host. The insert-if-absent is a transaction
// that deletes any expired row for the nonce before attempting the insert,
// so an expired nonce is accepted again without a separate sweeper.
type SQL struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQL opens (or creates) the sqlite database at path.
func NewSQL(path string) (*SQL, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open nonce db: %w", err)
	}
	// sqlite allows one writer; serialize through a single connection
	// rather than surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS nonces (
nonce TEXT PRIMARY KEY,
expires_at INTEGER NOT NULL
)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init nonce schema: %w", err)
	}
	return &SQL{db: db, now: time.Now}, nil
}

func (s *SQL) PutIfAbsent(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	now := s.now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM nonces WHERE nonce = ? AND expires_at <= ?`,
		nonce, now.UnixMilli()); err != nil {
		return false, fmt.Errorf("evict expired: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO nonces (nonce, expires_at) VALUES (?, ?) ON CONFLICT (nonce) DO NOTHING`,
		nonce, now.Add(ttl).UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert nonce: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return inserted == 1, nil
}

func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQL) Close() error {
	return s.db.Close()
}
