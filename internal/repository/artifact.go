package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/workflow"
)

// ArtifactRepository — интерфейс для таблицы artifacts.
type ArtifactRepository interface {
	// Create сохраняет новый артефакт в статусе PENDING.
	// Совпадение отпечатка — ErrConflict.
	Create(ctx context.Context, a *model.Artifact) error
	// GetByID возвращает артефакт по UUID.
	GetByID(ctx context.Context, id string) (*model.Artifact, error)
	// GetByFingerprint возвращает артефакт по отпечатку.
	GetByFingerprint(ctx context.Context, fingerprint string) (*model.Artifact, error)
	// ListByRegisterNumber возвращает неархивные артефакты студента по времени загрузки.
	ListByRegisterNumber(ctx context.Context, regNo string) ([]*model.Artifact, error)
	// List возвращает артефакты с фильтром по статусу.
	List(ctx context.Context, status *workflow.Status, limit, offset int) ([]*model.Artifact, error)
	// Count возвращает количество артефактов с фильтром по статусу.
	Count(ctx context.Context, status *workflow.Status) (int, error)
	// CountByStatus возвращает количество артефактов в каждом статусе.
	CountByStatus(ctx context.Context) (map[workflow.Status]int, error)
	// CountReviewRequired возвращает количество артефактов, ожидающих проверки оператором.
	CountReviewRequired(ctx context.Context) (int, error)

	// MarkValidated переводит PENDING → VALIDATED с координатами LMS.
	MarkValidated(ctx context.Context, id string, courseID, assignmentID int64, at time.Time) (*model.Artifact, error)
	// Claim атомарно переводит VALIDATED/AWAITING_RETRY → SUBMITTING и
	// закрепляет учётную запись LMS, если она ещё не закреплена.
	// Если статус другой — ErrConflict.
	Claim(ctx context.Context, id string, remoteUserID int64, at time.Time) (*model.Artifact, error)
	// RecordDraftUploaded сохраняет draft item id после шага 1.
	RecordDraftUploaded(ctx context.Context, id string, draftItemID int64) error
	// RecordSaved фиксирует шаг 2: SUBMITTING → SUBMITTED_TO_LMS.
	RecordSaved(ctx context.Context, id string, at time.Time) error
	// MarkCompleted фиксирует шаг 3 и переводит артефакт в COMPLETED.
	MarkCompleted(ctx context.Context, id string, submissionID *int64, at time.Time) error
	// MarkFailed завершает неудачную попытку: AWAITING_RETRY или FAILED.
	MarkFailed(ctx context.Context, id string, f FailureUpdate) error
	// ListStale возвращает попытки, зависшие в SUBMITTING/SUBMITTED_TO_LMS дольше аренды.
	ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]*model.Artifact, error)

	// SetStatus — административный переход from → to (archive, delete).
	SetStatus(ctx context.Context, id string, from, to workflow.Status) error
	// Reset — административный сброс в PENDING с очисткой прогресса отправки.
	Reset(ctx context.Context, id string, from workflow.Status) error
	// ClearFingerprint освобождает отпечаток архивного или удалённого артефакта.
	ClearFingerprint(ctx context.Context, id string) error
	// Relabel — административная правка номера или предмета: новые имя и
	// отпечаток, возврат в PENDING. Занятый отпечаток — ErrConflict.
	Relabel(ctx context.Context, id string, from workflow.Status, r Relabel) (*model.Artifact, error)
}

// Relabel — новые значения разбора имени файла.
type Relabel struct {
	RegisterNumber     string
	SubjectCode        string
	NormalizedFilename string
	Fingerprint        string
}

// FailureUpdate — итог неудачной попытки отправки.
type FailureUpdate struct {
	// Status — StatusAwaitingRetry или StatusFailed
	Status     workflow.Status
	RetryCount int
	LastError  string
	// ReviewRequired только выставляется, сбрасывает его Reset
	ReviewRequired bool
}

// artifactRepo — реализация ArtifactRepository.
type artifactRepo struct {
	db DBTX
}

// NewArtifactRepository создаёт репозиторий артефактов.
func NewArtifactRepository(db DBTX) ArtifactRepository {
	return &artifactRepo{db: db}
}

const artifactColumns = `
	id, fingerprint, raw_filename, normalized_filename, parsed_reg_no, parsed_subject_code,
	batch_context, content_hash, content_type, size_bytes, storage_path, status,
	remote_course_id, remote_assignment_id, remote_draft_item_id, remote_submission_id,
	remote_user_id, last_completed_step, retry_count, last_error, review_required,
	uploaded_by, uploaded_at, validated_at, submit_started_at, submitted_at, completed_at, updated_at`

// rowScanner — общий интерфейс pgx.Row и pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*model.Artifact, error) {
	a := &model.Artifact{}
	err := row.Scan(
		&a.ID, &a.Fingerprint, &a.RawFilename, &a.NormalizedFilename, &a.ParsedRegNo, &a.ParsedSubjectCode,
		&a.BatchContext, &a.ContentHash, &a.ContentType, &a.SizeBytes, &a.StoragePath, &a.Status,
		&a.RemoteCourseID, &a.RemoteAssignmentID, &a.RemoteDraftItemID, &a.RemoteSubmissionID,
		&a.RemoteUserID, &a.LastCompletedStep, &a.RetryCount, &a.LastError, &a.ReviewRequired,
		&a.UploadedBy, &a.UploadedAt, &a.ValidatedAt, &a.SubmitStartedAt, &a.SubmittedAt, &a.CompletedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func collectArtifacts(rows pgx.Rows) ([]*model.Artifact, error) {
	defer rows.Close()

	var result []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования артефакта: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (r *artifactRepo) Create(ctx context.Context, a *model.Artifact) error {
	query := `
		INSERT INTO artifacts (id, fingerprint, raw_filename, normalized_filename,
			parsed_reg_no, parsed_subject_code, batch_context, content_hash, content_type,
			size_bytes, storage_path, status, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING uploaded_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		a.ID, a.Fingerprint, a.RawFilename, a.NormalizedFilename,
		a.ParsedRegNo, a.ParsedSubjectCode, a.BatchContext, a.ContentHash, a.ContentType,
		a.SizeBytes, a.StoragePath, a.Status, a.UploadedBy,
	).Scan(&a.UploadedAt, &a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: отпечаток уже зарегистрирован", ErrConflict)
		}
		return fmt.Errorf("ошибка создания артефакта: %w", err)
	}
	return nil
}

func (r *artifactRepo) getOne(ctx context.Context, query string, args ...any) (*model.Artifact, error) {
	a, err := scanArtifact(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения артефакта: %w", err)
	}
	return a, nil
}

func (r *artifactRepo) GetByID(ctx context.Context, id string) (*model.Artifact, error) {
	return r.getOne(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, id)
}

func (r *artifactRepo) GetByFingerprint(ctx context.Context, fingerprint string) (*model.Artifact, error) {
	return r.getOne(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE fingerprint = $1`, fingerprint)
}

func (r *artifactRepo) ListByRegisterNumber(ctx context.Context, regNo string) ([]*model.Artifact, error) {
	query := `SELECT ` + artifactColumns + `
		FROM artifacts
		WHERE parsed_reg_no = $1 AND status NOT IN ('ARCHIVED', 'DELETED')
		ORDER BY uploaded_at, id`

	rows, err := r.db.Query(ctx, query, regNo)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения артефактов студента: %w", err)
	}
	return collectArtifacts(rows)
}

func (r *artifactRepo) List(ctx context.Context, status *workflow.Status, limit, offset int) ([]*model.Artifact, error) {
	query := `SELECT ` + artifactColumns + `
		FROM artifacts
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY uploaded_at DESC, id
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка артефактов: %w", err)
	}
	return collectArtifacts(rows)
}

func (r *artifactRepo) Count(ctx context.Context, status *workflow.Status) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM artifacts WHERE ($1::text IS NULL OR status = $1)`, status,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта артефактов: %w", err)
	}
	return count, nil
}

func (r *artifactRepo) CountByStatus(ctx context.Context) (map[workflow.Status]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM artifacts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта по статусам: %w", err)
	}
	defer rows.Close()

	result := make(map[workflow.Status]int)
	for rows.Next() {
		var (
			status workflow.Status
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("ошибка сканирования статуса: %w", err)
		}
		result[status] = count
	}
	return result, rows.Err()
}

func (r *artifactRepo) CountReviewRequired(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM artifacts WHERE review_required`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта review_required: %w", err)
	}
	return count, nil
}

func (r *artifactRepo) MarkValidated(ctx context.Context, id string, courseID, assignmentID int64, at time.Time) (*model.Artifact, error) {
	query := `
		UPDATE artifacts
		SET status = 'VALIDATED', remote_course_id = $2, remote_assignment_id = $3,
			validated_at = $4, updated_at = now()
		WHERE id = $1 AND status = 'PENDING'
		RETURNING ` + artifactColumns

	return r.transition(ctx, "VALIDATED", query, id, courseID, assignmentID, at)
}

func (r *artifactRepo) Claim(ctx context.Context, id string, remoteUserID int64, at time.Time) (*model.Artifact, error) {
	query := `
		UPDATE artifacts
		SET status = 'SUBMITTING', submit_started_at = $2,
			remote_user_id = COALESCE(remote_user_id, $3), updated_at = now()
		WHERE id = $1 AND status IN ('VALIDATED', 'AWAITING_RETRY')
		RETURNING ` + artifactColumns

	return r.transition(ctx, "SUBMITTING", query, id, at, remoteUserID)
}

// transition выполняет условный UPDATE ... RETURNING. Ноль строк — ErrConflict.
func (r *artifactRepo) transition(ctx context.Context, target, query string, args ...any) (*model.Artifact, error) {
	a, err := scanArtifact(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: переход в %s не выполнен, статус изменился", ErrConflict, target)
		}
		return nil, fmt.Errorf("ошибка перехода в %s: %w", target, err)
	}
	return a, nil
}

// execTransition выполняет условный UPDATE без RETURNING.
func (r *artifactRepo) execTransition(ctx context.Context, what, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("ошибка обновления артефакта (%s): %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s не выполнено, статус изменился", ErrConflict, what)
	}
	return nil
}

func (r *artifactRepo) RecordDraftUploaded(ctx context.Context, id string, draftItemID int64) error {
	return r.execTransition(ctx, "шаг 1", `
		UPDATE artifacts
		SET remote_draft_item_id = $2, last_completed_step = GREATEST(last_completed_step, 1), updated_at = now()
		WHERE id = $1 AND status = 'SUBMITTING'`, id, draftItemID)
}

func (r *artifactRepo) RecordSaved(ctx context.Context, id string, at time.Time) error {
	return r.execTransition(ctx, "шаг 2", `
		UPDATE artifacts
		SET status = 'SUBMITTED_TO_LMS', last_completed_step = GREATEST(last_completed_step, 2),
			submitted_at = COALESCE(submitted_at, $2), updated_at = now()
		WHERE id = $1 AND status = 'SUBMITTING'`, id, at)
}

func (r *artifactRepo) MarkCompleted(ctx context.Context, id string, submissionID *int64, at time.Time) error {
	return r.execTransition(ctx, "COMPLETED", `
		UPDATE artifacts
		SET status = 'COMPLETED', last_completed_step = 3,
			remote_submission_id = COALESCE($2, remote_submission_id),
			submitted_at = COALESCE(submitted_at, $3), completed_at = $3,
			last_error = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('SUBMITTING', 'SUBMITTED_TO_LMS')`, id, submissionID, at)
}

func (r *artifactRepo) MarkFailed(ctx context.Context, id string, f FailureUpdate) error {
	return r.execTransition(ctx, string(f.Status), `
		UPDATE artifacts
		SET status = $2, retry_count = $3, last_error = $4,
			review_required = review_required OR $5, updated_at = now()
		WHERE id = $1 AND status IN ('SUBMITTING', 'SUBMITTED_TO_LMS', 'AWAITING_RETRY')`,
		id, f.Status, f.RetryCount, f.LastError, f.ReviewRequired)
}

func (r *artifactRepo) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]*model.Artifact, error) {
	query := `SELECT ` + artifactColumns + `
		FROM artifacts
		WHERE status IN ('SUBMITTING', 'SUBMITTED_TO_LMS') AND submit_started_at < $1
		ORDER BY submit_started_at
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска зависших попыток: %w", err)
	}
	return collectArtifacts(rows)
}

func (r *artifactRepo) SetStatus(ctx context.Context, id string, from, to workflow.Status) error {
	return r.execTransition(ctx, string(to), `
		UPDATE artifacts SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`, id, from, to)
}

func (r *artifactRepo) Reset(ctx context.Context, id string, from workflow.Status) error {
	return r.execTransition(ctx, "сброс", `
		UPDATE artifacts
		SET status = 'PENDING', remote_course_id = NULL, remote_assignment_id = NULL,
			remote_draft_item_id = NULL, remote_submission_id = NULL, remote_user_id = NULL,
			last_completed_step = 0, retry_count = 0, last_error = NULL, review_required = FALSE,
			validated_at = NULL, submit_started_at = NULL, submitted_at = NULL, completed_at = NULL,
			updated_at = now()
		WHERE id = $1 AND status = $2`, id, from)
}

func (r *artifactRepo) ClearFingerprint(ctx context.Context, id string) error {
	return r.execTransition(ctx, "очистка отпечатка", `
		UPDATE artifacts SET fingerprint = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('ARCHIVED', 'DELETED')`, id)
}

func (r *artifactRepo) Relabel(ctx context.Context, id string, from workflow.Status, rl Relabel) (*model.Artifact, error) {
	query := `
		UPDATE artifacts
		SET parsed_reg_no = $3, parsed_subject_code = $4, normalized_filename = $5, fingerprint = $6,
			status = 'PENDING', remote_course_id = NULL, remote_assignment_id = NULL,
			remote_draft_item_id = NULL, remote_submission_id = NULL, remote_user_id = NULL,
			last_completed_step = 0, retry_count = 0, last_error = NULL, review_required = FALSE,
			validated_at = NULL, submit_started_at = NULL, submitted_at = NULL, completed_at = NULL,
			updated_at = now()
		WHERE id = $1 AND status = $2 AND last_completed_step < 2
		RETURNING ` + artifactColumns

	a, err := scanArtifact(r.db.QueryRow(ctx, query, id, from, rl.RegisterNumber, rl.SubjectCode,
		rl.NormalizedFilename, rl.Fingerprint))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: отпечаток %s уже занят", ErrConflict, rl.Fingerprint)
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: правка не выполнена, статус изменился", ErrConflict)
		}
		return nil, fmt.Errorf("ошибка правки артефакта %s: %w", id, err)
	}
	return a, nil
}
