package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/model"
)

type ErrorRepository interface {
	CreateError(ctx context.Context, rec *model.ErrorRecord) error
	ListErrorsByTarget(ctx context.Context, targetID string) ([]model.ErrorRecord, error)
	ListRecentErrors(ctx context.Context, limit int) ([]model.ErrorRecord, error)
}

type pgErrorRepository struct {
	db *sql.DB
}

func NewPgErrorRepository(db *sql.DB) ErrorRepository {
	return &pgErrorRepository{db: db}
}

func (r *pgErrorRepository) CreateError(ctx context.Context, e *model.ErrorRecord) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()

	var target sql.NullString
	if e.TargetID != "" {
		target = sql.NullString{String: e.TargetID, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_errors (id, message, target_id, created_at) VALUES ($1, $2, $3, $4)`,
		e.ID, e.Message, target, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgErrorRepository.CreateError: %w", err)
	}
	return nil
}

func (r *pgErrorRepository) ListErrorsByTarget(ctx context.Context, targetID string) ([]model.ErrorRecord, error) {
	return r.list(ctx, `SELECT id, message, target_id, created_at FROM sync_errors
	                    WHERE target_id = $1 ORDER BY created_at ASC`, targetID)
}

func (r *pgErrorRepository) ListRecentErrors(ctx context.Context, limit int) ([]model.ErrorRecord, error) {
	return r.list(ctx, `SELECT id, message, target_id, created_at FROM sync_errors
	                    ORDER BY created_at DESC LIMIT $1`, limit)
}

func (r *pgErrorRepository) list(ctx context.Context, query string, args ...any) ([]model.ErrorRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgErrorRepository.list: %w", err)
	}
	defer rows.Close()

	var out []model.ErrorRecord
	for rows.Next() {
		var e model.ErrorRecord
		var target sql.NullString
		if err := rows.Scan(&e.ID, &e.Message, &target, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgErrorRepository.list scan: %w", err)
		}
		e.TargetID = target.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgErrorRepository.list rows: %w", err)
	}
	return out, nil
}
