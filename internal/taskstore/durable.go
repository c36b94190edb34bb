package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// Durable is the backing store contract. Postgres is the production
// implementation; tests may substitute an in-memory fake.
type Durable interface {
	Upsert(ctx context.Context, t Task) error
	Get(ctx context.Context, taskID string) (Task, bool, error)
	Close() error
}

// PostgresStore implements Durable against a `tasks` table with
// upsert-on-conflict semantics, mirroring the teacher's tabular
// durable-store convention.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects using the standard lib/pq driver and ensures
// the tasks table exists.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("taskstore: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("taskstore: ping: %w", err)
	}
	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (p *PostgresStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id          TEXT PRIMARY KEY,
	vessel_id        TEXT NOT NULL,
	task_type        TEXT NOT NULL,
	payload          JSONB NOT NULL,
	priority         INTEGER NOT NULL DEFAULT 0,
	timeout_seconds  INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	submitted_at     TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ,
	result           JSONB
)`
	_, err := p.db.Exec(schema)
	return err
}

func (p *PostgresStore) Upsert(ctx context.Context, t Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return err
	}
	var result []byte
	if t.Result != nil {
		result, err = json.Marshal(t.Result)
		if err != nil {
			return err
		}
	}

	const q = `
INSERT INTO tasks (task_id, vessel_id, task_type, payload, priority, timeout_seconds, status, submitted_at, completed_at, result)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (task_id) DO UPDATE SET
	status = EXCLUDED.status,
	completed_at = EXCLUDED.completed_at,
	result = EXCLUDED.result`

	_, err = p.db.ExecContext(ctx, q,
		t.TaskID, t.VesselID, string(t.TaskType), payload, t.Priority, t.TimeoutSeconds,
		string(t.Status), t.SubmittedAt, t.CompletedAt, result)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, taskID string) (Task, bool, error) {
	const q = `
SELECT task_id, vessel_id, task_type, payload, priority, timeout_seconds, status, submitted_at, completed_at, result
FROM tasks WHERE task_id = $1`

	row := p.db.QueryRowContext(ctx, q, taskID)

	var t Task
	var taskType, status string
	var payload, result []byte
	if err := row.Scan(&t.TaskID, &t.VesselID, &taskType, &payload, &t.Priority, &t.TimeoutSeconds,
		&status, &t.SubmittedAt, &t.CompletedAt, &result); err != nil {
		if err == sql.ErrNoRows {
			return Task{}, false, nil
		}
		return Task{}, false, err
	}
	t.TaskType = Type(taskType)
	t.Status = Status(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return Task{}, false, err
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return Task{}, false, err
		}
	}
	return t, true, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }
