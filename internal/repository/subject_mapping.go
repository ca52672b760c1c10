package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
)

// SubjectMappingRepository — интерфейс для таблицы subject_mappings.
type SubjectMappingRepository interface {
	// GetActive возвращает активный маппинг предмета.
	GetActive(ctx context.Context, subjectCode string) (*model.SubjectMapping, error)
	// List возвращает маппинги, упорядоченные по коду предмета.
	List(ctx context.Context, activeOnly bool) ([]*model.SubjectMapping, error)
	// Deactivate снимает флаг active с текущего маппинга предмета.
	// Возвращает снятый маппинг или ErrNotFound.
	Deactivate(ctx context.Context, subjectCode string) (*model.SubjectMapping, error)
	// Create добавляет маппинг. Второй активный маппинг на код — ErrConflict.
	Create(ctx context.Context, m *model.SubjectMapping) error
	// MarkVerified обновляет last_verified_at активного маппинга.
	MarkVerified(ctx context.Context, subjectCode string, at time.Time) error
}

// subjectMappingRepo — реализация SubjectMappingRepository.
type subjectMappingRepo struct {
	db DBTX
}

// NewSubjectMappingRepository создаёт репозиторий маппингов предметов.
func NewSubjectMappingRepository(db DBTX) SubjectMappingRepository {
	return &subjectMappingRepo{db: db}
}

const mappingColumns = `
	id, subject_code, subject_name, remote_course_id, remote_assignment_id,
	assignment_name, exam_session, active, last_verified_at, created_at, updated_at`

func scanMapping(row rowScanner) (*model.SubjectMapping, error) {
	m := &model.SubjectMapping{}
	err := row.Scan(
		&m.ID, &m.SubjectCode, &m.SubjectName, &m.RemoteCourseID, &m.RemoteAssignmentID,
		&m.AssignmentName, &m.ExamSession, &m.Active, &m.LastVerifiedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *subjectMappingRepo) GetActive(ctx context.Context, subjectCode string) (*model.SubjectMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM subject_mappings WHERE subject_code = $1 AND active`

	m, err := scanMapping(r.db.QueryRow(ctx, query, subjectCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения маппинга %s: %w", subjectCode, err)
	}
	return m, nil
}

func (r *subjectMappingRepo) List(ctx context.Context, activeOnly bool) ([]*model.SubjectMapping, error) {
	query := `SELECT ` + mappingColumns + `
		FROM subject_mappings
		WHERE active OR NOT $1
		ORDER BY subject_code, active DESC, created_at DESC`

	rows, err := r.db.Query(ctx, query, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка маппингов: %w", err)
	}
	defer rows.Close()

	var result []*model.SubjectMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования маппинга: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (r *subjectMappingRepo) Deactivate(ctx context.Context, subjectCode string) (*model.SubjectMapping, error) {
	query := `
		UPDATE subject_mappings SET active = FALSE, updated_at = now()
		WHERE subject_code = $1 AND active
		RETURNING ` + mappingColumns

	m, err := scanMapping(r.db.QueryRow(ctx, query, subjectCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка деактивации маппинга %s: %w", subjectCode, err)
	}
	return m, nil
}

func (r *subjectMappingRepo) Create(ctx context.Context, m *model.SubjectMapping) error {
	query := `
		INSERT INTO subject_mappings (subject_code, subject_name, remote_course_id,
			remote_assignment_id, assignment_name, exam_session, active, last_verified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		m.SubjectCode, m.SubjectName, m.RemoteCourseID,
		m.RemoteAssignmentID, m.AssignmentName, m.ExamSession, m.Active, m.LastVerifiedAt,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: активный маппинг для %s уже существует", ErrConflict, m.SubjectCode)
		}
		return fmt.Errorf("ошибка создания маппинга: %w", err)
	}
	return nil
}

func (r *subjectMappingRepo) MarkVerified(ctx context.Context, subjectCode string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE subject_mappings SET last_verified_at = $2, updated_at = now()
		WHERE subject_code = $1 AND active`, subjectCode, at)
	if err != nil {
		return fmt.Errorf("ошибка обновления last_verified_at: %w", err)
	}
	return nil
}
