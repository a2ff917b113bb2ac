package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/common"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/model"
)

type JobRepository interface {
	CreateJob(ctx context.Context, tx *sql.Tx, job *model.Job) error
	CreateTask(ctx context.Context, tx *sql.Tx, task *model.Task) error
	// FindLatestJob returns the most recently created job for operation and
	// creator, or common.ErrNotFound.
	FindLatestJob(ctx context.Context, operation, creator string) (*model.Job, error)
	FindTasksByJob(ctx context.Context, jobID string) ([]model.Task, error)
	UpdateJobStatus(ctx context.Context, id string, next model.Status) error
	UpdateTaskStatus(ctx context.Context, id string, next model.Status) error
	LinkTaskError(ctx context.Context, taskID, errorID string) error
	// FailOngoingJobs fails ongoing jobs of operation and their ongoing tasks.
	FailOngoingJobs(ctx context.Context, operation, creator string) (int, error)
}

type pgJobRepository struct {
	db *sql.DB
}

func NewPgJobRepository(db *sql.DB) JobRepository {
	return &pgJobRepository{db: db}
}

func (r *pgJobRepository) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return r.db.ExecContext(ctx, query, args...)
}

func (r *pgJobRepository) CreateJob(ctx context.Context, tx *sql.Tx, j *model.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	j.CreatedAt, j.ModifiedAt = now, now

	query := `INSERT INTO jobs (id, operation, creator, status, created_at, modified_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := r.exec(ctx, tx, query, j.ID, j.Operation, j.Creator, j.Status, j.CreatedAt, j.ModifiedAt); err != nil {
		if common.IsUniqueViolation(err) {
			return fmt.Errorf("job %s already exists: %w", j.ID, common.ErrConflict)
		}
		return fmt.Errorf("pgJobRepository.CreateJob: %w", err)
	}
	return nil
}

func (r *pgJobRepository) CreateTask(ctx context.Context, tx *sql.Tx, t *model.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.ModifiedAt = now, now

	query := `INSERT INTO tasks (id, job_id, operation, task_index, status, error_id, created_at, modified_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := r.exec(ctx, tx, query, t.ID, t.JobID, t.Operation, t.Index, t.Status, t.ErrorID, t.CreatedAt, t.ModifiedAt); err != nil {
		if common.IsUniqueViolation(err) {
			return fmt.Errorf("task %s already exists: %w", t.ID, common.ErrConflict)
		}
		return fmt.Errorf("pgJobRepository.CreateTask: %w", err)
	}
	return nil
}

func (r *pgJobRepository) FindLatestJob(ctx context.Context, operation, creator string) (*model.Job, error) {
	query := `SELECT id, operation, creator, status, created_at, modified_at
	          FROM jobs WHERE operation = $1 AND creator = $2
	          ORDER BY created_at DESC LIMIT 1`
	j := &model.Job{}
	err := r.db.QueryRowContext(ctx, query, operation, creator).Scan(
		&j.ID, &j.Operation, &j.Creator, &j.Status, &j.CreatedAt, &j.ModifiedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("pgJobRepository.FindLatestJob: %w", err)
	}
	return j, nil
}

func (r *pgJobRepository) FindTasksByJob(ctx context.Context, jobID string) ([]model.Task, error) {
	query := `SELECT id, job_id, operation, task_index, status, error_id, created_at, modified_at
	          FROM tasks WHERE job_id = $1 ORDER BY task_index ASC`
	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("pgJobRepository.FindTasksByJob: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var t model.Task
		var errorID sql.NullString
		if err := rows.Scan(&t.ID, &t.JobID, &t.Operation, &t.Index, &t.Status, &errorID, &t.CreatedAt, &t.ModifiedAt); err != nil {
			return nil, fmt.Errorf("pgJobRepository.FindTasksByJob scan: %w", err)
		}
		if errorID.Valid {
			t.ErrorID = &errorID.String
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgJobRepository.FindTasksByJob rows: %w", err)
	}
	return tasks, nil
}

func (r *pgJobRepository) UpdateJobStatus(ctx context.Context, id string, next model.Status) error {
	return r.updateStatus(ctx, "jobs", id, next)
}

func (r *pgJobRepository) UpdateTaskStatus(ctx context.Context, id string, next model.Status) error {
	return r.updateStatus(ctx, "tasks", id, next)
}

// updateStatus only touches rows whose current status may move to next.
// table is one of the two fixed names above.
func (r *pgJobRepository) updateStatus(ctx context.Context, table, id string, next model.Status) error {
	query := `UPDATE ` + table + ` SET status = $1, modified_at = now()
	          WHERE id = $2 AND status = ANY($3)`
	res, err := r.db.ExecContext(ctx, query, next, id, predecessorStrings(next))
	if err != nil {
		return fmt.Errorf("pgJobRepository.updateStatus(%s): %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current model.Status
	err = r.db.QueryRowContext(ctx, `SELECT status FROM `+table+` WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("pgJobRepository.updateStatus(%s): %w", table, err)
	}
	return fmt.Errorf("%s %s: %s -> %s: %w", table, id, current, next, common.ErrInvalidTransition)
}

func (r *pgJobRepository) LinkTaskError(ctx context.Context, taskID, errorID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE tasks SET error_id = $1, modified_at = now() WHERE id = $2`, errorID, taskID)
	if err != nil {
		return fmt.Errorf("pgJobRepository.LinkTaskError: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *pgJobRepository) FailOngoingJobs(ctx context.Context, operation, creator string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("pgJobRepository.FailOngoingJobs begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        UPDATE tasks SET status = $1, modified_at = now()
        WHERE status = $2 AND job_id IN (
            SELECT id FROM jobs WHERE operation = $3 AND creator = $4 AND status = $2
        )`, model.StatusFailure, model.StatusOngoing, operation, creator)
	if err != nil {
		return 0, fmt.Errorf("pgJobRepository.FailOngoingJobs tasks: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = $1, modified_at = now() WHERE operation = $2 AND creator = $3 AND status = $4`,
		model.StatusFailure, operation, creator, model.StatusOngoing)
	if err != nil {
		return 0, fmt.Errorf("pgJobRepository.FailOngoingJobs jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("pgJobRepository.FailOngoingJobs commit: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
