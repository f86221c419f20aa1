package nonce

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	_ "modernc.org/sqlite"
)

// SQLStore is the production nonce store: a single-file embedded SQL
// database in WAL mode, file permissions restricted to owner read/write,
// with a primary-key index on nonce that makes TryUse's INSERT atomic
// across any number of processes sharing the file.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (creating if necessary) the nonce database at path,
// enables WAL mode, creates the schema, and restricts file permissions to
// 0600. A permission-restriction failure is logged but not fatal — the
// schema and WAL mode are still usable, just with looser-than-intended
// filesystem ACLs, which is the same tradeoff the reference implementation
// this protocol was distilled from makes.
func OpenSQLStore(path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("nonce: empty database path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("nonce: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // a single writer connection serializes our own access atop sqlite's own locking

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("nonce: enable WAL: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS used_nonces (
			nonce BLOB PRIMARY KEY,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nonces_recorded_at ON used_nonces(recorded_at)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("nonce: init schema: %w", err)
		}
	}

	if err := os.Chmod(path, 0o600); err != nil {
		slog.Warn("nonce: failed to restrict database file permissions", "path", path, "error", err)
	}

	return &SQLStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) IsUsed(ctx context.Context, n [32]byte) bool {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM used_nonces WHERE nonce = ?`, n[:]).Scan(&count)
	if err != nil {
		// Fail-secure: any query error is treated as "used."
		slog.Error("nonce: is_used query failed, failing closed", "error", err)
		return true
	}
	return count > 0
}

// TryUse performs a bare INSERT (not INSERT OR IGNORE) so the primary-key
// constraint is what makes the claim atomic: a second concurrent insert of
// the same nonce fails at the storage layer regardless of how many
// processes have this file open.
func (s *SQLStore) TryUse(ctx context.Context, n [32]byte) bool {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO used_nonces (nonce, recorded_at) VALUES (?, ?)`,
		n[:], unixNow())
	return err == nil
}

// Release deletes a claimed nonce. A failure here is logged but leaves the
// nonce consumed — by design, since a release only ever follows a claim
// that never reached the chain, and the fail-secure side of that ambiguity
// is to keep it consumed.
func (s *SQLStore) Release(ctx context.Context, n [32]byte) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM used_nonces WHERE nonce = ?`, n[:]); err != nil {
		slog.Error("nonce: release failed, nonce remains consumed", "error", err)
	}
}

func (s *SQLStore) PurgeExpired(ctx context.Context, maxAgeSecs int64) int {
	now := unixNow()

	var minRecorded, maxRecorded sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(recorded_at), MAX(recorded_at) FROM used_nonces`).
		Scan(&minRecorded, &maxRecorded); err != nil {
		slog.Error("nonce: purge bounds query failed, skipping purge", "error", err)
		return 0
	}
	if !minRecorded.Valid {
		return 0 // table empty
	}

	if now < minRecorded.Int64 {
		slog.Warn("nonce: backward clock jump detected, skipping purge", "now", now, "min_recorded", minRecorded.Int64)
		return 0
	}
	if saturatingSub(now, maxRecorded.Int64) > maxAgeSecs*2 {
		slog.Warn("nonce: forward clock jump detected, skipping purge", "now", now, "max_recorded", maxRecorded.Int64)
		return 0
	}

	cutoff := saturatingSub(now, maxAgeSecs)
	res, err := s.db.ExecContext(ctx, `DELETE FROM used_nonces WHERE recorded_at < ?`, cutoff)
	if err != nil {
		slog.Error("nonce: purge delete failed", "error", err)
		return 0
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}
