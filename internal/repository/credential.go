package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
)

// CredentialRepository — интерфейс для таблицы lms_credentials.
type CredentialRepository interface {
	// Get возвращает привязку студента по регистрационному номеру.
	Get(ctx context.Context, regNo string) (*model.LMSCredential, error)
	// Upsert создаёт или заменяет привязку. Учётная запись LMS,
	// привязанная к другому номеру, — ErrConflict.
	Upsert(ctx context.Context, c *model.LMSCredential) error
	// Delete удаляет привязку; отсутствие — ErrNotFound.
	Delete(ctx context.Context, regNo string) error
	// Count возвращает количество привязок.
	Count(ctx context.Context) (int, error)
}

// credentialRepo — реализация CredentialRepository.
type credentialRepo struct {
	db DBTX
}

// NewCredentialRepository создаёт репозиторий привязок LMS.
func NewCredentialRepository(db DBTX) CredentialRepository {
	return &credentialRepo{db: db}
}

func (r *credentialRepo) Get(ctx context.Context, regNo string) (*model.LMSCredential, error) {
	query := `
		SELECT register_number, remote_user_id, remote_username, token_ciphertext, created_at, updated_at
		FROM lms_credentials
		WHERE register_number = $1`

	c := &model.LMSCredential{}
	err := r.db.QueryRow(ctx, query, regNo).Scan(
		&c.RegisterNumber, &c.RemoteUserID, &c.RemoteUsername, &c.TokenCiphertext, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения привязки LMS %s: %w", regNo, err)
	}
	return c, nil
}

func (r *credentialRepo) Upsert(ctx context.Context, c *model.LMSCredential) error {
	query := `
		INSERT INTO lms_credentials (register_number, remote_user_id, remote_username, token_ciphertext)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (register_number) DO UPDATE
		SET remote_user_id = EXCLUDED.remote_user_id,
			remote_username = EXCLUDED.remote_username,
			token_ciphertext = EXCLUDED.token_ciphertext,
			updated_at = now()
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query, c.RegisterNumber, c.RemoteUserID, c.RemoteUsername, c.TokenCiphertext).
		Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: учётная запись LMS %d привязана к другому номеру", ErrConflict, c.RemoteUserID)
		}
		return fmt.Errorf("ошибка сохранения привязки LMS %s: %w", c.RegisterNumber, err)
	}
	return nil
}

func (r *credentialRepo) Delete(ctx context.Context, regNo string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM lms_credentials WHERE register_number = $1`, regNo)
	if err != nil {
		return fmt.Errorf("ошибка удаления привязки LMS %s: %w", regNo, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *credentialRepo) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM lms_credentials`).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта привязок LMS: %w", err)
	}
	return count, nil
}
