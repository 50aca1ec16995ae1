// Package sqlite persists workflow histories and approval correlations in a
// single SQLite file using the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"videoflow/internal/correlation"
	"videoflow/internal/durable"
	"videoflow/internal/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_instances (
	id             TEXT PRIMARY KEY,
	workflow       TEXT NOT NULL,
	parent_id      TEXT NOT NULL DEFAULT '',
	parent_task_id INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	input          TEXT,
	output         TEXT,
	error          TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	completed_at   TEXT
);
CREATE INDEX IF NOT EXISTS workflow_instances_status_idx ON workflow_instances (status, created_at);

CREATE TABLE IF NOT EXISTS workflow_events (
	instance_id TEXT NOT NULL REFERENCES workflow_instances (id),
	seq         INTEGER NOT NULL,
	type        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	PRIMARY KEY (instance_id, seq)
);

CREATE TABLE IF NOT EXISTS approval_correlations (
	code        TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
`

// Store implements durable.Store and correlation.Store on one database.
type Store struct {
	db   *sql.DB
	path string
}

var (
	_ durable.Store     = (*Store)(nil)
	_ correlation.Store = (*Store)(nil)
)

// Open creates or opens the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps the pragmas in effect and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateInstance(ctx context.Context, inst *durable.Instance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances
			(id, workflow, parent_id, parent_task_id, status, input, output, error, created_at, updated_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`, inst.ID, inst.Workflow, inst.ParentID, inst.ParentTaskID, string(inst.Status),
		textArg(inst.Input), textArg(inst.Output), inst.Error,
		formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt), formatTimePtr(inst.CompletedAt))
	if err != nil {
		if isConstraint(err) {
			return errors.AlreadyExists("instance", inst.ID)
		}
		return errors.Wrap(err, "sqlite.CreateInstance", "insert instance")
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (*durable.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow, parent_id, parent_task_id, status, input, output, error, created_at, updated_at, completed_at
		FROM workflow_instances
		WHERE id=?
	`, id)
	inst, err := scanInstance(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("instance", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite.GetInstance", "select instance")
	}
	return inst, nil
}

func (s *Store) UpdateInstance(ctx context.Context, inst *durable.Instance) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET status=?, output=?, error=?, updated_at=?, completed_at=?
		WHERE id=?
	`, string(inst.Status), textArg(inst.Output), inst.Error,
		formatTime(inst.UpdatedAt), formatTimePtr(inst.CompletedAt), inst.ID)
	if err != nil {
		return errors.Wrap(err, "sqlite.UpdateInstance", "update instance")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("instance", inst.ID)
	}
	return nil
}

// AppendEvents inserts events in one transaction. A seq that is already
// taken is reported as a conflict.
func (s *Store) AppendEvents(ctx context.Context, instanceID string, events []durable.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite.AppendEvents", "begin")
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM workflow_events WHERE instance_id=?
	`, instanceID).Scan(&last)
	if err != nil {
		return errors.Wrap(err, "sqlite.AppendEvents", "read last seq")
	}

	for _, ev := range events {
		if ev.Seq != last+1 {
			return errors.Newf(errors.CodeConflict, "event seq %d does not follow %d", ev.Seq, last)
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return errors.Wrap(err, "sqlite.AppendEvents", "encode event")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_events (instance_id, seq, type, payload, recorded_at)
			VALUES (?,?,?,?,?)
		`, instanceID, ev.Seq, string(ev.Type), string(payload), formatTime(ev.Timestamp))
		if err != nil {
			if isConstraint(err) {
				return errors.Newf(errors.CodeConflict, "event seq %d rejected: %v", ev.Seq, err)
			}
			return errors.Wrap(err, "sqlite.AppendEvents", "insert event")
		}
		last = ev.Seq
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite.AppendEvents", "commit")
	}
	return nil
}

func (s *Store) LoadHistory(ctx context.Context, instanceID string) ([]durable.Event, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM workflow_events
		WHERE instance_id=?
		ORDER BY seq
	`, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite.LoadHistory", "select events")
	}
	defer rows.Close()

	var out []durable.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "sqlite.LoadHistory", "scan event")
		}
		var ev durable.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, errors.Wrap(err, "sqlite.LoadHistory", "decode event")
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite.LoadHistory", "iterate events")
	}
	return out, nil
}

func (s *Store) ListInstances(ctx context.Context, f durable.Filter) ([]durable.Instance, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Workflow != "" {
		where = append(where, "workflow=?")
		args = append(args, f.Workflow)
	}

	q := `SELECT id, workflow, parent_id, parent_task_id, status, input, output, error, created_at, updated_at, completed_at
		FROM workflow_instances`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite.ListInstances", "select instances")
	}
	defer rows.Close()

	out := []durable.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite.ListInstances", "scan instance")
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// Put stores an approval correlation. Codes are write-once.
func (s *Store) Put(ctx context.Context, code, instanceID string) error {
	if err := correlation.Validate(code, instanceID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_correlations (code, instance_id, created_at) VALUES (?,?,?)
	`, code, instanceID, formatTime(time.Now()))
	if err != nil {
		if isConstraint(err) {
			return correlation.Exists(code)
		}
		return errors.Wrap(err, "sqlite.Put", "insert correlation")
	}
	return nil
}

// Resolve returns the instance waiting on code.
func (s *Store) Resolve(ctx context.Context, code string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT instance_id FROM approval_correlations WHERE code=?
	`, code).Scan(&id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", correlation.NotFound(code)
	}
	if err != nil {
		return "", errors.Wrap(err, "sqlite.Resolve", "select correlation")
	}
	return id, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (*durable.Instance, error) {
	var (
		inst                 durable.Instance
		status               string
		input, output        sql.NullString
		createdAt, updatedAt string
		completedAt          sql.NullString
	)
	err := row.Scan(
		&inst.ID,
		&inst.Workflow,
		&inst.ParentID,
		&inst.ParentTaskID,
		&status,
		&input,
		&output,
		&inst.Error,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.Status = durable.Status(status)
	if input.Valid {
		inst.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		inst.Output = json.RawMessage(output.String)
	}
	if inst.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if inst.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		inst.CompletedAt = &t
	}
	return &inst, nil
}

// isConstraint reports a primary key or unique constraint violation.
func isConstraint(err error) bool {
	var se *sqlite.Error
	if stderrors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

// Timestamps are stored as fixed-width RFC3339 text so they sort correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func textArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
