package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
)

// QueueRepository — интерфейс для таблицы submission_queue.
// Живая запись (queued/in_flight) — не более одной на артефакт, это
// гарантирует частичный уникальный индекс submission_queue_live_artifact_uq.
type QueueRepository interface {
	// Upsert создаёт живую запись или обновляет существующую (статус снова queued).
	Upsert(ctx context.Context, e *model.QueueEntry) error
	// GetLive возвращает живую запись артефакта.
	GetLive(ctx context.Context, artifactID string) (*model.QueueEntry, error)
	// ClaimDue забирает созревшие записи в in_flight (FOR UPDATE SKIP LOCKED).
	// Записи, зависшие в in_flight с момента staleBefore, забираются повторно.
	ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*model.QueueEntry, error)
	// Release возвращает in_flight-запись в queued без изменения счётчика.
	Release(ctx context.Context, id string, nextAttemptAt time.Time) error
	// Exhaust помечает живую запись исчерпанной; если живой записи нет — создаёт исчерпанную.
	Exhaust(ctx context.Context, e *model.QueueEntry) error
	// DeleteLive удаляет живую запись артефакта (если есть).
	DeleteLive(ctx context.Context, artifactID string) error
	// RetryNow переносит следующую попытку живой записи на at.
	RetryNow(ctx context.Context, artifactID string, at time.Time) error
	// Stats возвращает счётчики очереди.
	Stats(ctx context.Context, now time.Time) (model.QueueStats, error)
}

// queueRepo — реализация QueueRepository.
type queueRepo struct {
	db DBTX
}

// NewQueueRepository создаёт репозиторий очереди повторов.
func NewQueueRepository(db DBTX) QueueRepository {
	return &queueRepo{db: db}
}

const queueColumns = `
	id, artifact_id, status, priority, retry_count, max_retries,
	next_attempt_at, last_error, created_at, updated_at`

func scanQueueEntry(row rowScanner) (*model.QueueEntry, error) {
	e := &model.QueueEntry{}
	err := row.Scan(
		&e.ID, &e.ArtifactID, &e.Status, &e.Priority, &e.RetryCount, &e.MaxRetries,
		&e.NextAttemptAt, &e.LastError, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *queueRepo) Upsert(ctx context.Context, e *model.QueueEntry) error {
	query := `
		INSERT INTO submission_queue (artifact_id, status, priority, retry_count,
			max_retries, next_attempt_at, last_error)
		VALUES ($1, 'queued', $2, $3, $4, $5, $6)
		ON CONFLICT (artifact_id) WHERE status IN ('queued', 'in_flight') DO UPDATE
		SET status = 'queued',
			retry_count = EXCLUDED.retry_count,
			max_retries = EXCLUDED.max_retries,
			next_attempt_at = EXCLUDED.next_attempt_at,
			last_error = EXCLUDED.last_error,
			updated_at = now()
		RETURNING ` + queueColumns

	got, err := scanQueueEntry(r.db.QueryRow(ctx, query,
		e.ArtifactID, e.Priority, e.RetryCount, e.MaxRetries, e.NextAttemptAt, e.LastError,
	))
	if err != nil {
		return fmt.Errorf("ошибка постановки в очередь: %w", err)
	}
	*e = *got
	return nil
}

func (r *queueRepo) GetLive(ctx context.Context, artifactID string) (*model.QueueEntry, error) {
	query := `SELECT ` + queueColumns + `
		FROM submission_queue
		WHERE artifact_id = $1 AND status IN ('queued', 'in_flight')`

	e, err := scanQueueEntry(r.db.QueryRow(ctx, query, artifactID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи очереди: %w", err)
	}
	return e, nil
}

func (r *queueRepo) ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*model.QueueEntry, error) {
	query := `
		UPDATE submission_queue q
		SET status = 'in_flight', updated_at = now()
		FROM (
			SELECT id FROM submission_queue
			WHERE ((status = 'queued' AND next_attempt_at <= $1)
				OR (status = 'in_flight' AND updated_at < $2))
				AND retry_count < max_retries
			ORDER BY priority, next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		) due
		WHERE q.id = due.id
		RETURNING q.id, q.artifact_id, q.status, q.priority, q.retry_count, q.max_retries,
			q.next_attempt_at, q.last_error, q.created_at, q.updated_at`

	rows, err := r.db.Query(ctx, query, now, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки очереди: %w", err)
	}
	defer rows.Close()

	var result []*model.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи очереди: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING не сохраняет порядок подзапроса
	slices.SortFunc(result, func(a, b *model.QueueEntry) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return a.NextAttemptAt.Compare(b.NextAttemptAt)
	})
	return result, nil
}

func (r *queueRepo) Release(ctx context.Context, id string, nextAttemptAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE submission_queue SET status = 'queued', next_attempt_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'in_flight'`, id, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("ошибка возврата записи в очередь: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *queueRepo) Exhaust(ctx context.Context, e *model.QueueEntry) error {
	query := `
		UPDATE submission_queue
		SET status = 'exhausted', retry_count = $2, last_error = $3, updated_at = now()
		WHERE artifact_id = $1 AND status IN ('queued', 'in_flight')
		RETURNING ` + queueColumns

	got, err := scanQueueEntry(r.db.QueryRow(ctx, query, e.ArtifactID, e.RetryCount, e.LastError))
	if err == nil {
		*e = *got
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("ошибка исчерпания записи очереди: %w", err)
	}

	// Живой записи нет (исчерпание на первой попытке) — фиксируем факт отдельной записью
	insert := `
		INSERT INTO submission_queue (artifact_id, status, priority, retry_count,
			max_retries, next_attempt_at, last_error)
		VALUES ($1, 'exhausted', $2, $3, $4, $5, $6)
		RETURNING ` + queueColumns

	got, err = scanQueueEntry(r.db.QueryRow(ctx, insert,
		e.ArtifactID, e.Priority, e.RetryCount, e.MaxRetries, e.NextAttemptAt, e.LastError,
	))
	if err != nil {
		return fmt.Errorf("ошибка создания исчерпанной записи: %w", err)
	}
	*e = *got
	return nil
}

func (r *queueRepo) DeleteLive(ctx context.Context, artifactID string) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM submission_queue
		WHERE artifact_id = $1 AND status IN ('queued', 'in_flight')`, artifactID)
	if err != nil {
		return fmt.Errorf("ошибка удаления записи очереди: %w", err)
	}
	return nil
}

func (r *queueRepo) RetryNow(ctx context.Context, artifactID string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE submission_queue SET next_attempt_at = $2, updated_at = now()
		WHERE artifact_id = $1 AND status = 'queued'`, artifactID, at)
	if err != nil {
		return fmt.Errorf("ошибка переноса попытки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *queueRepo) Stats(ctx context.Context, now time.Time) (model.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued'),
			COUNT(*) FILTER (WHERE status = 'in_flight'),
			COUNT(*) FILTER (WHERE status = 'exhausted'),
			COUNT(*) FILTER (WHERE status = 'queued' AND next_attempt_at <= $1)
		FROM submission_queue`

	var s model.QueueStats
	if err := r.db.QueryRow(ctx, query, now).Scan(&s.Queued, &s.InFlight, &s.Exhausted, &s.DueNow); err != nil {
		return s, fmt.Errorf("ошибка подсчёта очереди: %w", err)
	}
	return s, nil
}
