package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
)

// IdentityRepository — интерфейс для таблицы remote_identities.
type IdentityRepository interface {
	// GetByUsername возвращает связь по точному имени пользователя LMS.
	GetByUsername(ctx context.Context, username string) (*model.RemoteIdentity, error)
	// Upsert создаёт или обновляет связь.
	Upsert(ctx context.Context, ri *model.RemoteIdentity) error
	// Count возвращает количество связей.
	Count(ctx context.Context) (int, error)
}

// identityRepo — реализация IdentityRepository.
type identityRepo struct {
	db DBTX
}

// NewIdentityRepository создаёт репозиторий связей учётных записей LMS.
func NewIdentityRepository(db DBTX) IdentityRepository {
	return &identityRepo{db: db}
}

func (r *identityRepo) GetByUsername(ctx context.Context, username string) (*model.RemoteIdentity, error) {
	query := `
		SELECT remote_username, register_number, remote_user_id, created_at, updated_at
		FROM remote_identities
		WHERE remote_username = $1`

	ri := &model.RemoteIdentity{}
	err := r.db.QueryRow(ctx, query, username).Scan(
		&ri.RemoteUsername, &ri.RegisterNumber, &ri.RemoteUserID, &ri.CreatedAt, &ri.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения связи %s: %w", username, err)
	}
	return ri, nil
}

func (r *identityRepo) Upsert(ctx context.Context, ri *model.RemoteIdentity) error {
	query := `
		INSERT INTO remote_identities (remote_username, register_number, remote_user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (remote_username) DO UPDATE
		SET register_number = EXCLUDED.register_number,
			remote_user_id = EXCLUDED.remote_user_id,
			updated_at = now()
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query, ri.RemoteUsername, ri.RegisterNumber, ri.RemoteUserID).
		Scan(&ri.CreatedAt, &ri.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка сохранения связи %s: %w", ri.RemoteUsername, err)
	}
	return nil
}

func (r *identityRepo) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM remote_identities`).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта связей: %w", err)
	}
	return count, nil
}
