package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/anvil/internal/model"

	_ "modernc.org/sqlite"
)

const createWorkTable = `
CREATE TABLE IF NOT EXISTS work_items (
    id           TEXT PRIMARY KEY,
    operation_id TEXT NOT NULL,
    action       TEXT NOT NULL,
    isolation    TEXT NOT NULL,
    status       TEXT NOT NULL,
    output       BLOB,
    error        TEXT NOT NULL DEFAULT '',
    daemon_id    TEXT NOT NULL DEFAULT '',
    duration_ms  INTEGER,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME
)`

const createWorkIndexes = `
CREATE INDEX IF NOT EXISTS work_items_operation ON work_items (operation_id);
CREATE INDEX IF NOT EXISTS work_items_created ON work_items (created_at)`

const createLogTable = `
CREATE TABLE IF NOT EXISTS work_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    work_id    TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const workColumns = `id, operation_id, action, isolation, status, output, error,
	daemon_id, duration_ms, created_at, started_at, finished_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range []struct{ name, sql string }{
		{"set WAL mode", "PRAGMA journal_mode=WAL"},
		{"set busy timeout", "PRAGMA busy_timeout = 5000"},
		{"create work table", createWorkTable},
		{"create work indexes", createWorkIndexes},
		{"create log table", createLogTable},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", stmt.name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWork(row scanner) (*model.WorkRecord, error) {
	r := &model.WorkRecord{}
	err := row.Scan(
		&r.ID, &r.OperationID, &r.Action, &r.Isolation, &r.Status, &r.Output, &r.Error,
		&r.DaemonID, &r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	return r, err
}

// CreateWork inserts a new work record.
func (s *SQLiteStore) CreateWork(ctx context.Context, r *model.WorkRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO work_items (`+workColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OperationID, r.Action, string(r.Isolation), r.Status, r.Output, r.Error,
		r.DaemonID, r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert work: %w", err)
	}
	return nil
}

// GetWork retrieves a work record by ID.
func (s *SQLiteStore) GetWork(ctx context.Context, id string) (*model.WorkRecord, error) {
	r, err := scanWork(s.db.QueryRowContext(ctx,
		`SELECT `+workColumns+` FROM work_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get work: %w", err)
	}
	return r, nil
}

// ListWork returns matching records ordered by created_at DESC, along with
// the total number of matches.
func (s *SQLiteStore) ListWork(ctx context.Context, f Filter) ([]*model.WorkRecord, int, error) {
	var (
		conds []string
		args  []any
	)
	if f.OperationID != "" {
		conds = append(conds, "operation_id = ?")
		args = append(args, f.OperationID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM work_items"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count work: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+workColumns+` FROM work_items`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list work: %w", err)
	}
	defer rows.Close()

	records := []*model.WorkRecord{}
	for rows.Next() {
		r, err := scanWork(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan work: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate work: %w", err)
	}
	return records, total, nil
}

// currentStatus reads the status of id inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM work_items WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return status, nil
}

// UpdateWorkStatus moves a record to status. Moving to running sets
// started_at; terminal statuses set finished_at.
func (s *SQLiteStore) UpdateWorkStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx, "UPDATE work_items SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.IsTerminal(status):
		_, err = tx.ExecContext(ctx, "UPDATE work_items SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx, "UPDATE work_items SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update work status: %w", err)
	}
	return tx.Commit()
}

// UpdateWork writes the outcome fields of r. The status change must be a
// valid transition; a nil StartedAt keeps the stored value.
func (s *SQLiteStore) UpdateWork(ctx context.Context, r *model.WorkRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, r.ID)
	if err != nil {
		return err
	}
	if from != r.Status && !model.ValidTransition(from, r.Status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, r.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE work_items SET status = ?, output = ?, error = ?, daemon_id = ?, duration_ms = ?,
			started_at = COALESCE(?, started_at), finished_at = ?
		WHERE id = ?`,
		r.Status, r.Output, r.Error, r.DaemonID, r.DurationMS, r.StartedAt, r.FinishedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update work: %w", err)
	}
	return tx.Commit()
}

// GetWorkStats aggregates counts and the mean duration of finished work.
func (s *SQLiteStore) GetWorkStats(ctx context.Context) (*WorkStats, error) {
	stats := &WorkStats{
		CountByStatus:    map[string]int{},
		CountByIsolation: map[string]int{},
		CountByAction:    map[string]int{},
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_ms) FROM work_items").Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("count work: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	for _, group := range []struct {
		column string
		into   map[string]int
	}{
		{"status", stats.CountByStatus},
		{"isolation", stats.CountByIsolation},
		{"action", stats.CountByAction},
	} {
		if err := countBy(ctx, tx, group.column, group.into); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func countBy(ctx context.Context, tx *sql.Tx, column string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM work_items GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// InsertLogLine appends one output line for a work item.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, workID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO work_logs (work_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		workID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns the lines of a work item ordered by seq.
func (s *SQLiteStore) GetLogLines(ctx context.Context, workID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, work_id, seq, line, created_at FROM work_logs WHERE work_id = ? ORDER BY seq ASC", workID)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	lines := []model.LogLine{}
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.WorkID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}
