package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/jihunglin/skalds/internal/task"
)

// PostgresStore implements Store against PostgreSQL via pgx, with the same
// pool tuning the teacher applies in store/postgres.go.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore dials connString and verifies connectivity.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// Ping reports whether the store is currently reachable, used by
// GET /api/system/health (spec §6).
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *task.Task) error {
	query := `
		INSERT INTO tasks (id, class_name, source, executor, mode, lifecycle_status, priority,
			attachments, dependencies, create_date_time, update_date_time, deadline_date_time, is_persistent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.pool.Exec(ctx, query,
		t.ID, t.ClassName, t.Source, t.Executor, t.Mode, t.LifecycleStatus, t.Priority,
		nullableJSON(t.Attachments), t.Dependencies, t.CreatedAt, t.UpdatedAt, t.DeadlineAt, t.IsPersistent,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return errors.Wrap(err, "store: create task")
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	query := `
		SELECT id, class_name, source, executor, mode, lifecycle_status, priority,
			attachments, dependencies, create_date_time, update_date_time, deadline_date_time, is_persistent
		FROM tasks WHERE id = $1
	`
	row := s.pool.QueryRow(ctx, query, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: get task")
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter, page, pageSize int) ([]*task.Task, int, error) {
	where, args := buildWhere(filter)

	var total int
	countQuery := "SELECT count(*) FROM tasks " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "store: count tasks")
	}

	offset := (page - 1) * pageSize
	listQuery := fmt.Sprintf(`
		SELECT id, class_name, source, executor, mode, lifecycle_status, priority,
			attachments, dependencies, create_date_time, update_date_time, deadline_date_time, is_persistent
		FROM tasks %s ORDER BY create_date_time ASC LIMIT %d OFFSET %d
	`, where, pageSize, offset)

	rows, err := s.pool.Query(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "store: list tasks")
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "store: scan task")
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) ListMonitoredTasks(ctx context.Context) ([]*task.Task, error) {
	tasks, _, err := s.ListTasks(ctx, TaskFilter{LifecycleStatus: []task.Status{task.StatusAssigning, task.StatusRunning}}, 1, 1<<30)
	return tasks, err
}

func (s *PostgresStore) ListDispatchableTasks(ctx context.Context) ([]*task.Task, error) {
	query := `
		SELECT id, class_name, source, executor, mode, lifecycle_status, priority,
			attachments, dependencies, create_date_time, update_date_time, deadline_date_time, is_persistent
		FROM tasks
		WHERE mode = $1 AND lifecycle_status IN ($2, $3)
		ORDER BY priority DESC, create_date_time ASC
	`
	rows, err := s.pool.Query(ctx, query, task.ModePassive, task.StatusCreated, task.StatusPaused)
	if err != nil {
		return nil, errors.Wrap(err, "store: list dispatchable tasks")
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "store: scan task")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateLifecycleStatus performs the compare-and-set required by spec §4.2:
// the UPDATE only takes effect if the row's current status is in
// task.AllowedFrom(to); a zero rows-affected result means the CAS lost.
func (s *PostgresStore) UpdateLifecycleStatus(ctx context.Context, id string, to task.Status) error {
	allowed := task.AllowedFrom(to)
	query := `
		UPDATE tasks SET lifecycle_status = $1, update_date_time = $2
		WHERE id = $3 AND lifecycle_status = ANY($4)
	`
	tag, err := s.pool.Exec(ctx, query, to, time.Now(), id, statusStrings(allowed))
	if err != nil {
		return errors.Wrap(err, "store: update lifecycle status")
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetTask(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrCASLost
	}
	return nil
}

func (s *PostgresStore) UpdateExecutor(ctx context.Context, id string, skaldID *string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET executor = $1, update_date_time = $2 WHERE id = $3`, skaldID, time.Now(), id)
	if err != nil {
		return errors.Wrap(err, "store: update executor")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateAttachments(ctx context.Context, id string, payload json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET attachments = $1, update_date_time = $2 WHERE id = $3`, nullableJSON(payload), time.Now(), id)
	if err != nil {
		return errors.Wrap(err, "store: update attachments")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*task.Task, error) {
	var t task.Task
	var attachments []byte
	if err := row.Scan(
		&t.ID, &t.ClassName, &t.Source, &t.Executor, &t.Mode, &t.LifecycleStatus, &t.Priority,
		&attachments, &t.Dependencies, &t.CreatedAt, &t.UpdatedAt, &t.DeadlineAt, &t.IsPersistent,
	); err != nil {
		return nil, err
	}
	t.Attachments = attachments
	return &t, nil
}

func buildWhere(f TaskFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	n := 0
	next := func() int { n++; return n }

	if len(f.LifecycleStatus) > 0 {
		clauses = append(clauses, fmt.Sprintf("lifecycle_status = ANY($%d)", next()))
		args = append(args, statusStrings(f.LifecycleStatus))
	}
	if f.ClassName != "" {
		clauses = append(clauses, fmt.Sprintf("class_name = $%d", next()))
		args = append(args, f.ClassName)
	}
	if f.Executor != "" {
		clauses = append(clauses, fmt.Sprintf("executor = $%d", next()))
		args = append(args, f.Executor)
	}
	if f.ID != "" {
		clauses = append(clauses, fmt.Sprintf("id = $%d", next()))
		args = append(args, f.ID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	where := "WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

func statusStrings(statuses []task.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func isUniqueViolation(err error) bool {
	return err != nil && (contains(err.Error(), "duplicate key") || contains(err.Error(), "unique constraint"))
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
