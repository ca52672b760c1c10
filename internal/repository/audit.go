package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
)

// AuditRepository — интерфейс для таблицы audit_entries (только дописывание).
type AuditRepository interface {
	// Append добавляет запись журнала.
	Append(ctx context.Context, e *model.AuditEntry) error
	// List возвращает записи (опционально по артефакту) в порядке появления.
	List(ctx context.Context, artifactID *string, limit, offset int) ([]*model.AuditEntry, error)
}

// auditRepo — реализация AuditRepository.
type auditRepo struct {
	db DBTX
}

// NewAuditRepository создаёт репозиторий журнала аудита.
func NewAuditRepository(db DBTX) AuditRepository {
	return &auditRepo{db: db}
}

// nullIfEmpty — пустая строка сохраняется как NULL.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *auditRepo) Append(ctx context.Context, e *model.AuditEntry) error {
	query := `
		INSERT INTO audit_entries (action, actor_kind, actor_id, actor_username, actor_ip,
			artifact_id, request, response, error, remote_function, remote_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`

	err := r.db.QueryRow(ctx, query,
		e.Action, e.Actor.Kind, e.Actor.ID, nullIfEmpty(e.Actor.Username), nullIfEmpty(e.Actor.IP),
		e.ArtifactID, []byte(e.Request), []byte(e.Response), []byte(e.Error),
		e.RemoteFunction, e.RemoteStatus,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка записи аудита %s: %w", e.Action, err)
	}
	return nil
}

func (r *auditRepo) List(ctx context.Context, artifactID *string, limit, offset int) ([]*model.AuditEntry, error) {
	query := `
		SELECT id, action, actor_kind, actor_id, COALESCE(actor_username, ''), COALESCE(actor_ip, ''),
			artifact_id, request, response, error, remote_function, remote_status, created_at
		FROM audit_entries
		WHERE ($1::uuid IS NULL OR artifact_id = $1)
		ORDER BY id
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, artifactID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения журнала аудита: %w", err)
	}
	defer rows.Close()

	var result []*model.AuditEntry
	for rows.Next() {
		e := &model.AuditEntry{}
		var request, response, errPayload []byte
		if err := rows.Scan(
			&e.ID, &e.Action, &e.Actor.Kind, &e.Actor.ID, &e.Actor.Username, &e.Actor.IP,
			&e.ArtifactID, &request, &response, &errPayload,
			&e.RemoteFunction, &e.RemoteStatus, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи аудита: %w", err)
		}
		e.Request, e.Response, e.Error = request, response, errPayload
		result = append(result, e)
	}
	return result, rows.Err()
}
