// Package gateway implements the HTTP front-end that attaches payment
// requirements to owner-registered upstream endpoints and mediates the 402
// handshake: registration, the paid proxy, analytics, and mutation.
package gateway

import (
	"database/sql"
	"fmt"
	"math/big"
	"os"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
)

// DB wraps the endpoint registry: a single-file SQL database in WAL mode,
// one process-wide handle guarded by SQLite's own writer serialization.
type DB struct {
	conn *sql.DB
}

// Open creates (if needed) the schema at path and returns a ready DB.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("gateway: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gateway: enable WAL: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS endpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			slug TEXT UNIQUE NOT NULL,
			owner_address TEXT NOT NULL,
			target_url TEXT NOT NULL,
			price_usd TEXT NOT NULL DEFAULT '$0.01',
			price_amount TEXT NOT NULL,
			description TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_endpoints_slug ON endpoints(slug)`,
		`CREATE INDEX IF NOT EXISTS idx_endpoints_owner ON endpoints(owner_address)`,
		`CREATE TABLE IF NOT EXISTS endpoint_stats (
			slug TEXT PRIMARY KEY,
			request_count INTEGER NOT NULL DEFAULT 0,
			payment_count INTEGER NOT NULL DEFAULT 0,
			revenue_total TEXT NOT NULL DEFAULT '0',
			last_accessed_at INTEGER
		)`,
	}
	for _, stmt := range schema {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("gateway: init schema: %w", err)
		}
	}

	if path != ":memory:" {
		if err := os.Chmod(path, 0o600); err != nil {
			// Non-fatal: endpoint metadata is not secret the way nonces are,
			// but tightening permissions is still worth attempting.
			_ = err
		}
	}

	return &DB{conn: conn}, nil
}

func (d *DB) Close() error { return d.conn.Close() }

func scanEndpoint(row interface {
	Scan(dest ...any) error
}) (x402.Endpoint, error) {
	var e x402.Endpoint
	var description sql.NullString
	var active int
	err := row.Scan(&e.ID, &e.Slug, &e.OwnerAddress, &e.TargetURL, &e.PriceUSD, &e.PriceAmount,
		&description, &e.CreatedAt, &e.UpdatedAt, &active)
	if err != nil {
		return x402.Endpoint{}, err
	}
	e.Description = description.String
	e.Active = active == 1
	return e, nil
}

const endpointColumns = `id, slug, owner_address, target_url, price_usd, price_amount, description, created_at, updated_at, active`

func (d *DB) GetEndpoint(slug string) (*x402.Endpoint, error) {
	row := d.conn.QueryRow(`SELECT `+endpointColumns+` FROM endpoints WHERE slug = ? AND active = 1`, slug)
	e, err := scanEndpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gateway: get endpoint: %w", err)
	}
	return &e, nil
}

func (d *DB) ListEndpoints(limit, offset int) ([]x402.Endpoint, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := d.conn.Query(`SELECT `+endpointColumns+` FROM endpoints WHERE active = 1 ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("gateway: list endpoints: %w", err)
	}
	defer rows.Close()

	var out []x402.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("gateway: scan endpoint: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SlugExists reports whether slug is present, including pending (active=0)
// reservations — callers must treat a reservation as taken.
func (d *DB) SlugExists(slug string) (bool, error) {
	var count int
	if err := d.conn.QueryRow(`SELECT COUNT(*) FROM endpoints WHERE slug = ?`, slug).Scan(&count); err != nil {
		return false, fmt.Errorf("gateway: slug_exists: %w", err)
	}
	return count > 0, nil
}

// ReserveSlug claims slug inside one transaction: any previously
// soft-deleted row with the same slug is removed, then a placeholder
// (active=0, empty owner) row is inserted. The transaction starts with
// database/sql's default (deferred) BEGIN, not BEGIN IMMEDIATE, so the
// write lock is taken at the first write. The UNIQUE constraint on slug
// means a concurrent reservation of the same slug fails at the storage
// layer — this is what makes registration TOCTOU-safe.
func (d *DB) ReserveSlug(slug string) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("gateway: begin reservation: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.Exec(`DELETE FROM endpoints WHERE slug = ? AND active = 0`, slug); err != nil {
		return fmt.Errorf("gateway: clear stale reservation: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO endpoints (slug, owner_address, target_url, price_usd, price_amount, description, created_at, updated_at, active)
		 VALUES (?, '', '', '$0.00', '0', NULL, ?, ?, 0)`,
		slug, now, now,
	); err != nil {
		return x402.NewSlugExists(slug)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("gateway: commit reservation: %w", err)
	}
	return nil
}

// DeleteReservedSlug removes a pending reservation, used to unwind a
// registration whose platform-fee settlement failed.
func (d *DB) DeleteReservedSlug(slug string) error {
	_, err := d.conn.Exec(`DELETE FROM endpoints WHERE slug = ? AND active = 0`, slug)
	if err != nil {
		return fmt.Errorf("gateway: delete reserved slug: %w", err)
	}
	return nil
}

// ActivateEndpoint fills in a previously reserved slug's fields and flips
// active=1.
func (d *DB) ActivateEndpoint(slug, ownerAddress, targetURL, priceUSD, priceAmount, description string) (*x402.Endpoint, error) {
	now := time.Now().Unix()
	res, err := d.conn.Exec(
		`UPDATE endpoints SET owner_address=?, target_url=?, price_usd=?, price_amount=?, description=?, updated_at=?, active=1
		 WHERE slug = ? AND active = 0`,
		ownerAddress, targetURL, priceUSD, priceAmount, nullableString(description), now, slug,
	)
	if err != nil {
		return nil, fmt.Errorf("gateway: activate endpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, x402.NewInternal("failed to activate reserved slug %s", slug)
	}
	return d.GetEndpoint(slug)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// UpdateEndpoint applies a partial update; nil fields are left unchanged.
func (d *DB) UpdateEndpoint(slug string, targetURL, priceUSD, priceAmount, description *string) (*x402.Endpoint, error) {
	now := time.Now().Unix()
	sets := []string{"updated_at = ?"}
	args := []any{now}

	if targetURL != nil {
		sets = append(sets, "target_url = ?")
		args = append(args, *targetURL)
	}
	if priceUSD != nil {
		sets = append(sets, "price_usd = ?")
		args = append(args, *priceUSD)
	}
	if priceAmount != nil {
		sets = append(sets, "price_amount = ?")
		args = append(args, *priceAmount)
	}
	if description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullableString(*description))
	}
	args = append(args, slug)

	query := "UPDATE endpoints SET "
	for i, s := range sets {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += " WHERE slug = ? AND active = 1"

	res, err := d.conn.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("gateway: update endpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, x402.NewEndpointNotFound(slug)
	}
	return d.GetEndpoint(slug)
}

// DeleteEndpoint soft-deletes (active=0) an endpoint.
func (d *DB) DeleteEndpoint(slug string) error {
	now := time.Now().Unix()
	res, err := d.conn.Exec(`UPDATE endpoints SET active = 0, updated_at = ? WHERE slug = ? AND active = 1`, now, slug)
	if err != nil {
		return fmt.Errorf("gateway: delete endpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return x402.NewEndpointNotFound(slug)
	}
	return nil
}

// PurgeStaleReservations removes reservations that never completed
// registration (settlement failed without cleanup, or the process died
// mid-registration).
func (d *DB) PurgeStaleReservations(maxAgeSecs int64) (int, error) {
	cutoff := time.Now().Unix() - maxAgeSecs
	res, err := d.conn.Exec(`DELETE FROM endpoints WHERE active = 0 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("gateway: purge stale reservations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecordPayment upserts endpoint_stats: increments request/payment counts
// and adds amount (a base-10 integer string) to revenue_total. Revenue is
// stored as a decimal string and summed via big.Int-equivalent integer
// arithmetic to avoid the overflow and precision-loss a plain int64 total
// would suffer at high volume.
func (d *DB) RecordPayment(slug, amount string) error {
	var current string
	err := d.conn.QueryRow(`SELECT revenue_total FROM endpoint_stats WHERE slug = ?`, slug).Scan(&current)
	if err == sql.ErrNoRows {
		current = "0"
	} else if err != nil {
		return fmt.Errorf("gateway: read revenue: %w", err)
	}

	total, err := addDecimalStrings(current, amount)
	if err != nil {
		return fmt.Errorf("gateway: add revenue: %w", err)
	}

	now := time.Now().Unix()
	_, err = d.conn.Exec(
		`INSERT INTO endpoint_stats (slug, request_count, payment_count, revenue_total, last_accessed_at)
		 VALUES (?, 1, 1, ?, ?)
		 ON CONFLICT(slug) DO UPDATE SET
			request_count = request_count + 1,
			payment_count = payment_count + 1,
			revenue_total = excluded.revenue_total,
			last_accessed_at = excluded.last_accessed_at`,
		slug, total, now,
	)
	if err != nil {
		return fmt.Errorf("gateway: record payment: %w", err)
	}
	return nil
}

// RecordRequest increments request_count without a payment, for traffic
// that is rejected before settlement (e.g. a 402 the client never paid).
func (d *DB) RecordRequest(slug string) error {
	now := time.Now().Unix()
	_, err := d.conn.Exec(
		`INSERT INTO endpoint_stats (slug, request_count, payment_count, revenue_total, last_accessed_at)
		 VALUES (?, 1, 0, '0', ?)
		 ON CONFLICT(slug) DO UPDATE SET
			request_count = request_count + 1,
			last_accessed_at = excluded.last_accessed_at`,
		slug, now,
	)
	if err != nil {
		return fmt.Errorf("gateway: record request: %w", err)
	}
	return nil
}

func (d *DB) GetEndpointStats(slug string) (*x402.EndpointStats, error) {
	var s x402.EndpointStats
	var lastAccessed sql.NullInt64
	err := d.conn.QueryRow(
		`SELECT slug, request_count, payment_count, revenue_total, last_accessed_at FROM endpoint_stats WHERE slug = ?`,
		slug,
	).Scan(&s.Slug, &s.RequestCount, &s.PaymentCount, &s.RevenueTotal, &lastAccessed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gateway: get endpoint stats: %w", err)
	}
	if lastAccessed.Valid {
		s.LastAccessedAt = &lastAccessed.Int64
	}
	return &s, nil
}

// ListEndpointStats returns stats ordered by revenue descending. Revenue
// is a decimal string, so ordering compares length first (more digits
// means a larger number, since neither side carries a sign or leading
// zeros) and then lexicographically — the same trick the original
// SQL-only implementation used to avoid parsing into a fixed-width integer.
func (d *DB) ListEndpointStats(limit, offset int) ([]x402.EndpointStats, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := d.conn.Query(
		`SELECT slug, request_count, payment_count, revenue_total, last_accessed_at FROM endpoint_stats`,
	)
	if err != nil {
		return nil, fmt.Errorf("gateway: list endpoint stats: %w", err)
	}
	defer rows.Close()

	var all []x402.EndpointStats
	for rows.Next() {
		var s x402.EndpointStats
		var lastAccessed sql.NullInt64
		if err := rows.Scan(&s.Slug, &s.RequestCount, &s.PaymentCount, &s.RevenueTotal, &lastAccessed); err != nil {
			return nil, fmt.Errorf("gateway: scan endpoint stats: %w", err)
		}
		if lastAccessed.Valid {
			s.LastAccessedAt = &lastAccessed.Int64
		}
		all = append(all, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		if len(all[i].RevenueTotal) != len(all[j].RevenueTotal) {
			return len(all[i].RevenueTotal) > len(all[j].RevenueTotal)
		}
		return all[i].RevenueTotal > all[j].RevenueTotal
	})

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// addDecimalStrings adds two base-10 non-negative integer strings without
// floating point, matching the money-path rule observed throughout the
// payment path.
func addDecimalStrings(a, b string) (string, error) {
	ai, ok := new(big.Int).SetString(a, 10)
	if !ok {
		return "", fmt.Errorf("invalid decimal string %q", a)
	}
	bi, ok := new(big.Int).SetString(b, 10)
	if !ok {
		return "", fmt.Errorf("invalid decimal string %q", b)
	}
	return new(big.Int).Add(ai, bi).String(), nil
}
