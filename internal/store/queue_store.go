// Package store persists the case work queue in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"caseflow/internal/logging"
	"caseflow/internal/queue"
)

// QueueStore implements queue.Queue on a local SQLite database. One row per
// case; document links live in a child table keyed by kind so absent
// documents cost nothing.
type QueueStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// NewQueueStore opens (or creates) the queue database at the given path.
func NewQueueStore(path string) (*QueueStore, error) {
	logging.Store("Opening queue database at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreError("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreError("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreError("Failed to enable foreign keys: %v", err)
	}

	s := &QueueStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *QueueStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cases (
		id          TEXT PRIMARY KEY,
		client_id   TEXT NOT NULL DEFAULT '',
		name        TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'PENDING',
		err_reason  TEXT NOT NULL DEFAULT '',
		position    INTEGER NOT NULL DEFAULT 0,
		created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS case_documents (
		case_id TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
		kind    TEXT NOT NULL,
		link    TEXT NOT NULL,
		PRIMARY KEY (case_id, kind)
	);

	CREATE TABLE IF NOT EXISTS case_results (
		case_id     TEXT PRIMARY KEY REFERENCES cases(id) ON DELETE CASCADE,
		report_link TEXT NOT NULL,
		tokens_in   INTEGER NOT NULL DEFAULT 0,
		tokens_out  INTEGER NOT NULL DEFAULT 0,
		model       TEXT NOT NULL DEFAULT '',
		started_at  TIMESTAMP,
		finished_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		started_at  TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		completed   INTEGER NOT NULL DEFAULT 0,
		failed      INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *QueueStore) Close() error {
	return s.db.Close()
}

// Add inserts a new PENDING case with its document links. Queue position is
// assigned after the current tail.
func (s *QueueStore) Add(ctx context.Context, row queue.CaseRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &queue.PersistenceError{Op: "add", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cases (id, client_id, name, status, position)
		VALUES (?, ?, ?, 'PENDING', (SELECT COALESCE(MAX(position), 0) + 1 FROM cases))`,
		row.ID, row.ClientID, row.Name)
	if err != nil {
		return &queue.PersistenceError{Op: "add", Err: err}
	}

	for _, kind := range queue.KindOrder {
		link := row.Documents[kind]
		if link == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO case_documents (case_id, kind, link) VALUES (?, ?, ?)",
			row.ID, string(kind), link); err != nil {
			return &queue.PersistenceError{Op: "add", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &queue.PersistenceError{Op: "add", Err: err}
	}
	logging.Store("Case %s queued at tail", row.ID)
	return nil
}

// ListPending returns PENDING rows in queue order with their document links.
func (s *QueueStore) ListPending(ctx context.Context) ([]queue.CaseRow, error) {
	return s.list(ctx, "WHERE status = 'PENDING'")
}

// ListAll returns every row in queue order, for the CLI.
func (s *QueueStore) ListAll(ctx context.Context) ([]queue.CaseRow, error) {
	return s.list(ctx, "")
}

func (s *QueueStore) list(ctx context.Context, where string) ([]queue.CaseRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, client_id, name, status, err_reason, updated_at
		FROM cases %s ORDER BY position`, where))
	if err != nil {
		return nil, &queue.PersistenceError{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []queue.CaseRow
	for rows.Next() {
		var r queue.CaseRow
		var status string
		if err := rows.Scan(&r.ID, &r.ClientID, &r.Name, &status, &r.ErrReason, &r.UpdatedAt); err != nil {
			return nil, &queue.PersistenceError{Op: "list", Err: err}
		}
		r.Status = queue.Status(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &queue.PersistenceError{Op: "list", Err: err}
	}

	for i := range out {
		docs, err := s.documentsFor(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Documents = docs
	}
	return out, nil
}

func (s *QueueStore) documentsFor(ctx context.Context, id string) (map[queue.DocumentKind]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT kind, link FROM case_documents WHERE case_id = ?", id)
	if err != nil {
		return nil, &queue.PersistenceError{Op: "list documents", Err: err}
	}
	defer rows.Close()

	docs := make(map[queue.DocumentKind]string)
	for rows.Next() {
		var kind, link string
		if err := rows.Scan(&kind, &link); err != nil {
			return nil, &queue.PersistenceError{Op: "list documents", Err: err}
		}
		docs[queue.DocumentKind(kind)] = link
	}
	return docs, rows.Err()
}

// MarkProcessing transitions a PENDING row to PROCESSING.
func (s *QueueStore) MarkProcessing(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE cases SET status = 'PROCESSING', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'PENDING'`, id)
	if err != nil {
		return &queue.PersistenceError{Op: "mark processing", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrConflict(ctx, id, "mark processing")
	}
	return nil
}

// SetStatus writes a status transition. Re-writing the same terminal status
// is a no-op so a crashed-and-resumed run never double-transitions a row.
func (s *QueueStore) SetStatus(ctx context.Context, id string, status queue.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reason = queue.TruncateReason(reason)

	res, err := s.db.ExecContext(ctx, `
		UPDATE cases SET status = ?, err_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND (status NOT IN ('COMPLETED', 'ERROR') OR status = ?)`,
		string(status), reason, id, string(status))
	if err != nil {
		return &queue.PersistenceError{Op: "set status", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrConflict(ctx, id, "set status")
	}
	return nil
}

// WriteResult stores the completion record and marks the row COMPLETED in
// one transaction.
func (s *QueueStore) WriteResult(ctx context.Context, id string, result queue.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &queue.PersistenceError{Op: "write result", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO case_results (case_id, report_link, tokens_in, tokens_out, model, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id) DO UPDATE SET
			report_link = excluded.report_link,
			tokens_in   = excluded.tokens_in,
			tokens_out  = excluded.tokens_out,
			model       = excluded.model,
			started_at  = excluded.started_at,
			finished_at = excluded.finished_at`,
		id, result.ReportLink, result.TokensIn, result.TokensOut, result.Model,
		result.StartedAt, result.FinishedAt)
	if err != nil {
		return &queue.PersistenceError{Op: "write result", Err: err}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE cases SET status = 'COMPLETED', err_reason = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status != 'ERROR'`, id)
	if err != nil {
		return &queue.PersistenceError{Op: "write result", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrConflictTx(ctx, tx, id, "write result")
	}

	if err := tx.Commit(); err != nil {
		return &queue.PersistenceError{Op: "write result", Err: err}
	}
	return nil
}

// Result returns the stored completion record, or nil when none exists.
func (s *QueueStore) Result(ctx context.Context, id string) (*queue.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r queue.Result
	var started, finished sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT report_link, tokens_in, tokens_out, model, started_at, finished_at
		FROM case_results WHERE case_id = ?`, id).
		Scan(&r.ReportLink, &r.TokensIn, &r.TokensOut, &r.Model, &started, &finished)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &queue.PersistenceError{Op: "read result", Err: err}
	}
	r.StartedAt = started.Time
	r.FinishedAt = finished.Time
	return &r, nil
}

// RequeueStale resets PROCESSING rows that have not been touched within the
// threshold back to PENDING.
func (s *QueueStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// CURRENT_TIMESTAMP stores UTC text; compare against the same shape.
	cutoff := time.Now().Add(-olderThan).UTC().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE cases SET status = 'PENDING', updated_at = CURRENT_TIMESTAMP
		WHERE status = 'PROCESSING' AND updated_at < datetime(?, 'unixepoch')`, cutoff)
	if err != nil {
		return 0, &queue.PersistenceError{Op: "requeue stale", Err: err}
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("Requeued %d stale PROCESSING rows older than %s", n, olderThan)
	}
	return int(n), nil
}

// Reset returns an ERROR row to PENDING for another run, clearing the reason.
func (s *QueueStore) Reset(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE cases SET status = 'PENDING', err_reason = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'ERROR'`, id)
	if err != nil {
		return &queue.PersistenceError{Op: "reset", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrConflict(ctx, id, "reset")
	}
	return nil
}

// RecordRun writes one row to the run ledger.
func (s *QueueStore) RecordRun(ctx context.Context, runID string, startedAt, finishedAt time.Time, completed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, finished_at, completed, failed)
		VALUES (?, ?, ?, ?, ?)`,
		runID, startedAt, finishedAt, completed, failed)
	if err != nil {
		return &queue.PersistenceError{Op: "record run", Err: err}
	}
	return nil
}

// missingOrConflict tells a missing row apart from a disallowed transition.
func (s *QueueStore) missingOrConflict(ctx context.Context, id, op string) error {
	var status string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM cases WHERE id = ?", id).Scan(&status)
	if err == sql.ErrNoRows {
		return &queue.PersistenceError{Op: op, Err: queue.ErrNotFound}
	}
	if err != nil {
		return &queue.PersistenceError{Op: op, Err: err}
	}
	// Idempotent terminal writes are filtered by the caller's WHERE clause;
	// reaching here with a terminal status means a conflicting transition.
	return &queue.PersistenceError{Op: op, Err: fmt.Errorf("case %s is %s", id, status)}
}

func (s *QueueStore) missingOrConflictTx(ctx context.Context, tx *sql.Tx, id, op string) error {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM cases WHERE id = ?", id).Scan(&status)
	if err == sql.ErrNoRows {
		return &queue.PersistenceError{Op: op, Err: queue.ErrNotFound}
	}
	if err != nil {
		return &queue.PersistenceError{Op: op, Err: err}
	}
	return &queue.PersistenceError{Op: op, Err: fmt.Errorf("case %s is %s", id, status)}
}
