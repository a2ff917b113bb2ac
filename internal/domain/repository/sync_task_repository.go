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

type SyncTaskRepository interface {
	// CreateSyncTask returns common.ErrConflict when creator already has a
	// task in the same non-terminal status.
	CreateSyncTask(ctx context.Context, task *model.SyncTask) error
	// FindSyncTaskByStatus returns the oldest task of creator in status.
	FindSyncTaskByStatus(ctx context.Context, creator string, status model.Status) (*model.SyncTask, error)
	// MaxWatermark returns nil when no task of creator has a watermark yet.
	MaxWatermark(ctx context.Context, creator string) (*time.Time, error)
	UpdateSyncTaskStatus(ctx context.Context, id string, next model.Status) error
	// AdvanceWatermark never moves a watermark backwards.
	AdvanceWatermark(ctx context.Context, id string, watermark time.Time) error
	FailOngoingSyncTasks(ctx context.Context, creator string) (int, error)
	ListRecentSyncTasks(ctx context.Context, creator string, limit int) ([]model.SyncTask, error)
}

type pgSyncTaskRepository struct {
	db *sql.DB
}

func NewPgSyncTaskRepository(db *sql.DB) SyncTaskRepository {
	return &pgSyncTaskRepository{db: db}
}

func (r *pgSyncTaskRepository) CreateSyncTask(ctx context.Context, t *model.SyncTask) error {
	if !t.Status.Valid() {
		return fmt.Errorf("unknown sync task status %q: %w", t.Status, common.ErrBadRequest)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.ModifiedAt = now, now

	query := `INSERT INTO sync_tasks (id, creator, status, watermark, created_at, modified_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, query, t.ID, t.Creator, t.Status, t.Watermark, t.CreatedAt, t.ModifiedAt)
	if err != nil {
		if common.IsUniqueViolation(err) {
			return fmt.Errorf("a %s sync task already exists: %w", t.Status, common.ErrConflict)
		}
		return fmt.Errorf("pgSyncTaskRepository.CreateSyncTask: %w", err)
	}
	return nil
}

func (r *pgSyncTaskRepository) FindSyncTaskByStatus(ctx context.Context, creator string, status model.Status) (*model.SyncTask, error) {
	query := `SELECT id, creator, status, watermark, created_at, modified_at
	          FROM sync_tasks WHERE creator = $1 AND status = $2
	          ORDER BY created_at ASC LIMIT 1`
	t, err := scanSyncTask(r.db.QueryRowContext(ctx, query, creator, status))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("pgSyncTaskRepository.FindSyncTaskByStatus: %w", err)
	}
	return t, nil
}

func (r *pgSyncTaskRepository) MaxWatermark(ctx context.Context, creator string) (*time.Time, error) {
	var wm sql.NullTime
	err := r.db.QueryRowContext(ctx, `SELECT MAX(watermark) FROM sync_tasks WHERE creator = $1`, creator).Scan(&wm)
	if err != nil {
		return nil, fmt.Errorf("pgSyncTaskRepository.MaxWatermark: %w", err)
	}
	if !wm.Valid {
		return nil, nil
	}
	ts := wm.Time.UTC()
	return &ts, nil
}

func (r *pgSyncTaskRepository) UpdateSyncTaskStatus(ctx context.Context, id string, next model.Status) error {
	query := `UPDATE sync_tasks SET status = $1, modified_at = now()
	          WHERE id = $2 AND status = ANY($3)`
	res, err := r.db.ExecContext(ctx, query, next, id, predecessorStrings(next))
	if err != nil {
		if common.IsUniqueViolation(err) {
			return fmt.Errorf("another sync task is already %s: %w", next, common.ErrConflict)
		}
		return fmt.Errorf("pgSyncTaskRepository.UpdateSyncTaskStatus: %w", err)
	}
	return r.checkTransition(ctx, res, id, next)
}

func (r *pgSyncTaskRepository) checkTransition(ctx context.Context, res sql.Result, id string, next model.Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pgSyncTaskRepository.checkTransition: %w", err)
	}
	if n == 1 {
		return nil
	}
	var current model.Status
	err = r.db.QueryRowContext(ctx, `SELECT status FROM sync_tasks WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("pgSyncTaskRepository.checkTransition: %w", err)
	}
	return fmt.Errorf("sync task %s: %s -> %s: %w", id, current, next, common.ErrInvalidTransition)
}

func (r *pgSyncTaskRepository) AdvanceWatermark(ctx context.Context, id string, watermark time.Time) error {
	query := `UPDATE sync_tasks SET watermark = $1, modified_at = now()
	          WHERE id = $2 AND (watermark IS NULL OR watermark < $1)`
	res, err := r.db.ExecContext(ctx, query, watermark.UTC(), id)
	if err != nil {
		return fmt.Errorf("pgSyncTaskRepository.AdvanceWatermark: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sync_tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("pgSyncTaskRepository.AdvanceWatermark: %w", err)
		}
		if !exists {
			return common.ErrNotFound
		}
	}
	return nil
}

func (r *pgSyncTaskRepository) FailOngoingSyncTasks(ctx context.Context, creator string) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_tasks SET status = $1, modified_at = now() WHERE creator = $2 AND status = $3`,
		model.StatusFailure, creator, model.StatusOngoing)
	if err != nil {
		return 0, fmt.Errorf("pgSyncTaskRepository.FailOngoingSyncTasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *pgSyncTaskRepository) ListRecentSyncTasks(ctx context.Context, creator string, limit int) ([]model.SyncTask, error) {
	query := `SELECT id, creator, status, watermark, created_at, modified_at
	          FROM sync_tasks WHERE creator = $1
	          ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, creator, limit)
	if err != nil {
		return nil, fmt.Errorf("pgSyncTaskRepository.ListRecentSyncTasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.SyncTask
	for rows.Next() {
		t, err := scanSyncTask(rows)
		if err != nil {
			return nil, fmt.Errorf("pgSyncTaskRepository.ListRecentSyncTasks scan: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgSyncTaskRepository.ListRecentSyncTasks rows: %w", err)
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncTask(row rowScanner) (*model.SyncTask, error) {
	t := &model.SyncTask{}
	var wm sql.NullTime
	if err := row.Scan(&t.ID, &t.Creator, &t.Status, &wm, &t.CreatedAt, &t.ModifiedAt); err != nil {
		return nil, err
	}
	if wm.Valid {
		ts := wm.Time.UTC()
		t.Watermark = &ts
	}
	return t, nil
}

func predecessorStrings(next model.Status) []string {
	var out []string
	for _, s := range model.Predecessors(next) {
		out = append(out, string(s))
	}
	return out
}
