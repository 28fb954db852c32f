// Package queuedb implements the durable on-disk queue backing the
// persistent delivery strategy: a single-file, WAL-journaled SQLite
// database holding records that survive a process crash between
// enqueue and successful delivery.
package queuedb

import (
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL,
	next_attempt_at INTEGER NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL CHECK (status IN ('QUEUED','INFLIGHT','FAILED','DONE')),
	payload BLOB NOT NULL,
	last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_status_next_attempt ON queue (status, next_attempt_at);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT
);
`

// Status is one of the four lifecycle states a queue row can be in.
type Status string

const (
	StatusQueued   Status = "QUEUED"
	StatusInflight Status = "INFLIGHT"
	StatusFailed   Status = "FAILED"
	StatusDone     Status = "DONE"
)

// Entry is one durable queue row.
type Entry struct {
	ID            int64
	CreatedAt     time.Time
	NextAttemptAt time.Time
	AttemptCount  int
	Status        Status
	Payload       []byte
	LastError     string
}

// DB wraps the sqlite handle backing the durable queue.
type DB struct {
	sql *sql.DB
}

// Open creates the parent directory if needed and opens (creating if
// absent) the queue database at path, in WAL mode with a single writer
// connection — SQLite's substitute for row-level locking.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("queuedb: create directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("queuedb: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-16000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("queuedb: set pragma %q: %w", p, err)
		}
	}

	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("queuedb: init schema: %w", err)
	}

	return &DB{sql: sqlDB}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error { return d.sql.Close() }

// Enqueue inserts one new QUEUED row and returns its id. Commit implies
// the WAL fsync that makes the row crash-durable.
func (d *DB) Enqueue(payload []byte) (int64, error) {
	now := time.Now().Unix()
	tx, err := d.sql.Begin()
	if err != nil {
		return 0, fmt.Errorf("queuedb: begin enqueue: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO queue (created_at, next_attempt_at, attempt_count, status, payload) VALUES (?, ?, 0, 'QUEUED', ?)`,
		now, now, payload,
	)
	if err != nil {
		return 0, fmt.Errorf("queuedb: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("queuedb: last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("queuedb: commit enqueue: %w", err)
	}
	return id, nil
}

// ClaimBatch marks up to limit eligible QUEUED rows as INFLIGHT and
// returns them, using BEGIN IMMEDIATE to serialize against any other
// writer (another process sharing the same DB_PATH) the way a
// SELECT ... FOR UPDATE would on an engine with row locks.
func (d *DB) ClaimBatch(limit int) ([]Entry, error) {
	// database/sql's Tx always issues a plain BEGIN; to get SQLite's
	// IMMEDIATE locking (required so a second process sharing this
	// DB_PATH can't also claim these rows) the transaction is driven by
	// hand over the single pooled connection instead (MaxOpenConns(1)
	// guarantees every Exec below reuses that one connection).
	if _, err := d.sql.Exec("BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("queuedb: begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			d.sql.Exec("ROLLBACK")
		}
	}()

	now := time.Now().Unix()
	rows, err := d.sql.Query(
		`SELECT id, created_at, next_attempt_at, attempt_count, status, payload, last_error
		 FROM queue WHERE status = 'QUEUED' AND next_attempt_at <= ? ORDER BY id LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("queuedb: select claimable: %w", err)
	}

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt, nextAttemptAt int64
		var lastErr sql.NullString
		if err := rows.Scan(&e.ID, &createdAt, &nextAttemptAt, &e.AttemptCount, &e.Status, &e.Payload, &lastErr); err != nil {
			rows.Close()
			return nil, fmt.Errorf("queuedb: scan claimable: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		e.NextAttemptAt = time.Unix(nextAttemptAt, 0).UTC()
		e.LastError = lastErr.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(entries) == 0 {
		committed = true
		if _, err := d.sql.Exec("COMMIT"); err != nil {
			return nil, fmt.Errorf("queuedb: commit empty claim: %w", err)
		}
		return nil, nil
	}

	ids := make([]any, len(entries))
	placeholders := ""
	for i, e := range entries {
		ids[i] = e.ID
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, now)
	args = append(args, ids...)
	if _, err := d.sql.Exec(
		fmt.Sprintf(`UPDATE queue SET status = 'INFLIGHT', next_attempt_at = ? WHERE id IN (%s)`, placeholders),
		args...,
	); err != nil {
		return nil, fmt.Errorf("queuedb: mark inflight: %w", err)
	}
	committed = true
	if _, err := d.sql.Exec("COMMIT"); err != nil {
		return nil, fmt.Errorf("queuedb: commit claim: %w", err)
	}

	claimedAt := time.Unix(now, 0).UTC()
	for i := range entries {
		entries[i].Status = StatusInflight
		entries[i].NextAttemptAt = claimedAt
	}
	return entries, nil
}

// MarkDone deletes a successfully delivered row outright rather than
// leaving a tombstone — Vacuum's 24h DONE retention only matters for
// callers that choose to soft-delete via MarkDoneSoft instead.
func (d *DB) MarkDone(id int64) error {
	_, err := d.sql.Exec(`DELETE FROM queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("queuedb: mark done: %w", err)
	}
	return nil
}

// MarkDoneSoft transitions a row to DONE instead of deleting it,
// leaving it for Vacuum to remove after the retention window — used
// when operators want a short post-delivery audit trail.
func (d *DB) MarkDoneSoft(id int64) error {
	_, err := d.sql.Exec(`UPDATE queue SET status = 'DONE' WHERE id = ?`, id)
	return err
}

// backoffBase and backoffCap define the retry schedule: min(base *
// 2^(n-1), cap) * jitter(0.8..1.2).
const (
	backoffBase = 1 * time.Second
	backoffCap  = 300 * time.Second
)

func backoffFor(attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}
	d := backoffBase * time.Duration(1<<uint(attemptCount-1))
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * jitter)
}

// Reschedule requeues a row for retry after a retryable failure,
// incrementing attempt_count and computing the next backoff delay.
func (d *DB) Reschedule(id int64, attemptCount int, lastErr string) error {
	next := time.Now().Add(backoffFor(attemptCount + 1)).Unix()
	_, err := d.sql.Exec(
		`UPDATE queue SET status = 'QUEUED', attempt_count = attempt_count + 1, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		next, lastErr, id,
	)
	if err != nil {
		return fmt.Errorf("queuedb: reschedule: %w", err)
	}
	return nil
}

// MarkFailed permanently quarantines a row, either because the failure
// was non-retryable or because MAX_RETRIES was exceeded.
func (d *DB) MarkFailed(id int64, lastErr string) error {
	_, err := d.sql.Exec(`UPDATE queue SET status = 'FAILED', last_error = ? WHERE id = ?`, lastErr, id)
	if err != nil {
		return fmt.Errorf("queuedb: mark failed: %w", err)
	}
	return nil
}

// ReclaimStaleInflight reverts INFLIGHT rows older than olderThan back
// to QUEUED; called at startup so a crash mid-delivery doesn't strand
// rows forever. Staleness is measured from next_attempt_at, which
// ClaimBatch stamps to the claim time (not the row's pre-claim
// eligibility time) precisely so a row that had been sitting QUEUED past
// its own eligibility for a long time isn't immediately reclaimable the
// instant another worker claims it.
func (d *DB) ReclaimStaleInflight(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := d.sql.Exec(
		`UPDATE queue SET status = 'QUEUED' WHERE status = 'INFLIGHT' AND next_attempt_at <= ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("queuedb: reclaim stale inflight: %w", err)
	}
	return res.RowsAffected()
}

// ReclaimAllInflight reverts every INFLIGHT row back to QUEUED, used on
// graceful shutdown so straggling rows are picked up on next start.
func (d *DB) ReclaimAllInflight() (int64, error) {
	res, err := d.sql.Exec(`UPDATE queue SET status = 'QUEUED' WHERE status = 'INFLIGHT'`)
	if err != nil {
		return 0, fmt.Errorf("queuedb: reclaim all inflight: %w", err)
	}
	return res.RowsAffected()
}

// Vacuum deletes DONE rows older than retention.
func (d *DB) Vacuum(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := d.sql.Exec(`DELETE FROM queue WHERE status = 'DONE' AND created_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queuedb: vacuum: %w", err)
	}
	return res.RowsAffected()
}

// StatusCounts reports the row count for each of the four statuses, the
// basis for the maintenance tool's `stats` subcommand.
func (d *DB) StatusCounts() (map[Status]int64, error) {
	rows, err := d.sql.Query(`SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queuedb: status counts: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int64{StatusQueued: 0, StatusInflight: 0, StatusFailed: 0, StatusDone: 0}
	for rows.Next() {
		var s Status
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

// ListFailed returns up to limit FAILED rows, most recent first.
func (d *DB) ListFailed(limit int) ([]Entry, error) {
	rows, err := d.sql.Query(
		`SELECT id, created_at, next_attempt_at, attempt_count, status, payload, last_error
		 FROM queue WHERE status = 'FAILED' ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("queuedb: list failed: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt, nextAttemptAt int64
		var lastErr sql.NullString
		if err := rows.Scan(&e.ID, &createdAt, &nextAttemptAt, &e.AttemptCount, &e.Status, &e.Payload, &lastErr); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		e.NextAttemptAt = time.Unix(nextAttemptAt, 0).UTC()
		e.LastError = lastErr.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RequeueFailed resets FAILED rows back to QUEUED with attempt_count=0.
// When ids is empty, every FAILED row is requeued.
func (d *DB) RequeueFailed(ids []int64) (int64, error) {
	if len(ids) == 0 {
		res, err := d.sql.Exec(`UPDATE queue SET status = 'QUEUED', attempt_count = 0, next_attempt_at = ? WHERE status = 'FAILED'`, time.Now().Unix())
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
	return d.requeueByIDs(ids)
}

func (d *DB) requeueByIDs(ids []int64) (int64, error) {
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().Unix())
	placeholders := ""
	for i, id := range ids {
		args = append(args, id)
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
	}
	query := fmt.Sprintf(`UPDATE queue SET status = 'QUEUED', attempt_count = 0, next_attempt_at = ? WHERE status = 'FAILED' AND id IN (%s)`, placeholders)
	res, err := d.sql.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeFailed hard-deletes FAILED rows. When ids is empty, every FAILED
// row is deleted.
func (d *DB) PurgeFailed(ids []int64) (int64, error) {
	if len(ids) == 0 {
		res, err := d.sql.Exec(`DELETE FROM queue WHERE status = 'FAILED'`)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
	args := make([]any, len(ids))
	placeholders := ""
	for i, id := range ids {
		args[i] = id
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
	}
	res, err := d.sql.Exec(fmt.Sprintf(`DELETE FROM queue WHERE status = 'FAILED' AND id IN (%s)`, placeholders), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
