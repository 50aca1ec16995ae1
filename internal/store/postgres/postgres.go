// Package postgres persists workflow histories and approval correlations in
// PostgreSQL through a pgx connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

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
	input          JSONB,
	output         JSONB,
	error          TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS workflow_instances_status_idx ON workflow_instances (status, created_at DESC);

CREATE TABLE IF NOT EXISTS workflow_events (
	instance_id TEXT NOT NULL REFERENCES workflow_instances (id),
	seq         BIGINT NOT NULL,
	type        TEXT NOT NULL,
	payload     JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (instance_id, seq)
);

CREATE TABLE IF NOT EXISTS approval_correlations (
	code        TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store implements durable.Store and correlation.Store on one pool.
type Store struct {
	db *pgxpool.Pool
}

var (
	_ durable.Store     = (*Store)(nil)
	_ correlation.Store = (*Store)(nil)
)

// New wraps an existing pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Connect opens a pool for databaseURL and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "postgres.Connect", "open pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "postgres.Connect", "ping")
	}
	return pool, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "postgres.Migrate", "apply schema")
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) CreateInstance(ctx context.Context, inst *durable.Instance) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO workflow_instances
			(id, workflow, parent_id, parent_task_id, status, input, output, error, created_at, updated_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, inst.ID, inst.Workflow, inst.ParentID, inst.ParentTaskID, string(inst.Status),
		jsonArg(inst.Input), jsonArg(inst.Output), inst.Error,
		inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return errors.AlreadyExists("instance", inst.ID)
		}
		return errors.Wrap(err, "postgres.CreateInstance", "insert instance")
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (*durable.Instance, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, workflow, parent_id, parent_task_id, status, input, output, error, created_at, updated_at, completed_at
		FROM workflow_instances
		WHERE id=$1
	`, id)
	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("instance", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "postgres.GetInstance", "select instance")
	}
	return inst, nil
}

func (s *Store) UpdateInstance(ctx context.Context, inst *durable.Instance) error {
	cmd, err := s.db.Exec(ctx, `
		UPDATE workflow_instances
		SET status=$2, output=$3, error=$4, updated_at=$5, completed_at=$6
		WHERE id=$1
	`, inst.ID, string(inst.Status), jsonArg(inst.Output), inst.Error, inst.UpdatedAt, inst.CompletedAt)
	if err != nil {
		return errors.Wrap(err, "postgres.UpdateInstance", "update instance")
	}
	if cmd.RowsAffected() == 0 {
		return errors.NotFound("instance", inst.ID)
	}
	return nil
}

// AppendEvents inserts events in one transaction. A seq that is already
// taken is reported as a conflict.
func (s *Store) AppendEvents(ctx context.Context, instanceID string, events []durable.Event) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "postgres.AppendEvents", "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var last int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM workflow_events WHERE instance_id=$1
	`, instanceID).Scan(&last)
	if err != nil {
		return errors.Wrap(err, "postgres.AppendEvents", "read last seq")
	}

	for _, ev := range events {
		if ev.Seq != last+1 {
			return errors.Newf(errors.CodeConflict, "event seq %d does not follow %d", ev.Seq, last)
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return errors.Wrap(err, "postgres.AppendEvents", "encode event")
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_events (instance_id, seq, type, payload, recorded_at)
			VALUES ($1,$2,$3,$4,$5)
		`, instanceID, ev.Seq, string(ev.Type), string(payload), ev.Timestamp)
		if err != nil {
			if IsUniqueViolation(err) {
				return errors.Newf(errors.CodeConflict, "event seq %d already recorded", ev.Seq)
			}
			return errors.Wrap(err, "postgres.AppendEvents", "insert event")
		}
		last = ev.Seq
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "postgres.AppendEvents", "commit")
	}
	return nil
}

func (s *Store) LoadHistory(ctx context.Context, instanceID string) ([]durable.Event, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT payload FROM workflow_events
		WHERE instance_id=$1
		ORDER BY seq
	`, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, "postgres.LoadHistory", "select events")
	}
	defer rows.Close()

	var out []durable.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "postgres.LoadHistory", "scan event")
		}
		var ev durable.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, errors.Wrap(err, "postgres.LoadHistory", "decode event")
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "postgres.LoadHistory", "iterate events")
	}
	return out, nil
}

func (s *Store) ListInstances(ctx context.Context, f durable.Filter) ([]durable.Instance, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if f.Workflow != "" {
		args = append(args, f.Workflow)
		where = append(where, fmt.Sprintf("workflow=$%d", len(args)))
	}

	q := `SELECT id, workflow, parent_id, parent_task_id, status, input, output, error, created_at, updated_at, completed_at
		FROM workflow_instances`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "postgres.ListInstances", "select instances")
	}
	defer rows.Close()

	out := []durable.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, "postgres.ListInstances", "scan instance")
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
	_, err := s.db.Exec(ctx, `
		INSERT INTO approval_correlations (code, instance_id) VALUES ($1,$2)
	`, code, instanceID)
	if err != nil {
		if IsUniqueViolation(err) {
			return correlation.Exists(code)
		}
		return errors.Wrap(err, "postgres.Put", "insert correlation")
	}
	return nil
}

// Resolve returns the instance waiting on code.
func (s *Store) Resolve(ctx context.Context, code string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		SELECT instance_id FROM approval_correlations WHERE code=$1
	`, code).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", correlation.NotFound(code)
	}
	if err != nil {
		return "", errors.Wrap(err, "postgres.Resolve", "select correlation")
	}
	return id, nil
}

func scanInstance(row pgx.Row) (*durable.Instance, error) {
	var (
		inst          durable.Instance
		status        string
		input, output []byte
		completedAt   *time.Time
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
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.Status = durable.Status(status)
	inst.Input = input
	inst.Output = output
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	if completedAt != nil {
		t := completedAt.UTC()
		inst.CompletedAt = &t
	}
	return &inst, nil
}

// jsonArg passes raw JSON as text so pgx does not re-encode it, and maps an
// empty document to NULL.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
