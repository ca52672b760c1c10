// mappings.go — таблица соответствия кода предмета заданию в LMS.
//
// Активные маппинги кэшируются в LRU с TTL: движок отправки читает их
// на каждой попытке. Отсутствие маппинга не кэшируется, чтобы новый
// маппинг сразу становился виден.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/naming"
	"github.com/bigkaa/goartstore/exam-bridge/internal/repository"
)

// MappingHealth — состояние маппинга для операторов.
type MappingHealth struct {
	SubjectCode        string
	RemoteCourseID     int64
	RemoteAssignmentID int64
	// LastVerifiedAt — время последней успешной отправки по предмету
	LastVerifiedAt *time.Time
}

// MappingService — чтение и обновление маппингов предметов.
type MappingService struct {
	repos  *repository.Repos
	uow    UnitOfWork
	cache  *expirable.LRU[string, *model.SubjectMapping]
	logger *slog.Logger
}

// NewMappingService создаёт сервис маппингов с кэшем размера cacheSize и временем жизни ttl.
func NewMappingService(repos *repository.Repos, uow UnitOfWork, cacheSize int, ttl time.Duration, logger *slog.Logger) *MappingService {
	return &MappingService{
		repos:  repos,
		uow:    uow,
		cache:  expirable.NewLRU[string, *model.SubjectMapping](cacheSize, nil, ttl),
		logger: logger.With(slog.String("component", "subject_mappings")),
	}
}

// Active возвращает активный маппинг для кода предмета или ErrMappingNotFound.
func (s *MappingService) Active(ctx context.Context, subjectCode string) (*model.SubjectMapping, error) {
	code := strings.ToUpper(strings.TrimSpace(subjectCode))
	if m, ok := s.cache.Get(code); ok {
		return m, nil
	}
	return s.load(ctx, code)
}

// Fresh читает активный маппинг из базы мимо кэша и обновляет кэш.
// Используется при привязке артефакта к заданию: изменения, сделанные
// CLI в другом процессе, должны учитываться сразу.
func (s *MappingService) Fresh(ctx context.Context, subjectCode string) (*model.SubjectMapping, error) {
	return s.load(ctx, strings.ToUpper(strings.TrimSpace(subjectCode)))
}

func (s *MappingService) load(ctx context.Context, code string) (*model.SubjectMapping, error) {
	m, err := s.repos.Mappings.GetActive(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.cache.Remove(code)
			return nil, newError(ErrMappingNotFound,
				fmt.Sprintf("нет активного маппинга для предмета %s", code), err)
		}
		return nil, fmt.Errorf("получение маппинга %s: %w", code, err)
	}

	s.cache.Add(code, m)
	return m, nil
}

// List возвращает маппинги, при activeOnly — только активные.
func (s *MappingService) List(ctx context.Context, activeOnly bool) ([]*model.SubjectMapping, error) {
	return s.repos.Mappings.List(ctx, activeOnly)
}

// Upsert заменяет активный маппинг предмета новым.
// Старый маппинг деактивируется в той же транзакции, история сохраняется.
func (s *MappingService) Upsert(ctx context.Context, m *model.SubjectMapping, actor model.Actor) (*model.SubjectMapping, error) {
	m.SubjectCode = strings.ToUpper(strings.TrimSpace(m.SubjectCode))
	if err := validateMapping(m); err != nil {
		return nil, err
	}
	m.Active = true

	var previous *model.SubjectMapping
	err := s.uow.WithinTx(ctx, func(r *repository.Repos) error {
		old, err := r.Mappings.Deactivate(ctx, m.SubjectCode)
		switch {
		case err == nil:
			previous = old
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}

		if err := r.Mappings.Create(ctx, m); err != nil {
			return err
		}

		return appendAudit(ctx, r.Audit, model.AuditMappingUpsert, actor, "",
			map[string]any{
				"subject_code":         m.SubjectCode,
				"remote_course_id":     m.RemoteCourseID,
				"remote_assignment_id": m.RemoteAssignmentID,
			},
			map[string]any{"id": m.ID, "replaced": previous != nil},
			nil,
		)
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, newError(ErrInvalidState, "маппинг изменён конкурентно, повторите запрос", err)
		}
		return nil, fmt.Errorf("обновление маппинга %s: %w", m.SubjectCode, err)
	}

	s.cache.Remove(m.SubjectCode)

	attrs := []any{
		slog.String("subject_code", m.SubjectCode),
		slog.Int64("remote_assignment_id", m.RemoteAssignmentID),
	}
	if previous != nil {
		attrs = append(attrs, slog.Int64("previous_assignment_id", previous.RemoteAssignmentID))
	}
	s.logger.Info("Маппинг предмета обновлён", attrs...)

	return m, nil
}

// MarkVerified фиксирует успешную отправку по предмету.
func (s *MappingService) MarkVerified(ctx context.Context, r *repository.Repos, subjectCode string, at time.Time) error {
	if err := r.Mappings.MarkVerified(ctx, subjectCode, at); err != nil {
		return err
	}
	s.cache.Remove(subjectCode)
	return nil
}

// Health возвращает состояние активных маппингов.
func (s *MappingService) Health(ctx context.Context) ([]MappingHealth, error) {
	mappings, err := s.repos.Mappings.List(ctx, true)
	if err != nil {
		return nil, err
	}
	result := make([]MappingHealth, 0, len(mappings))
	for _, m := range mappings {
		result = append(result, MappingHealth{
			SubjectCode:        m.SubjectCode,
			RemoteCourseID:     m.RemoteCourseID,
			RemoteAssignmentID: m.RemoteAssignmentID,
			LastVerifiedAt:     m.LastVerifiedAt,
		})
	}
	return result, nil
}

func validateMapping(m *model.SubjectMapping) error {
	if !naming.ValidSubjectCode(m.SubjectCode) {
		return newError(ErrValidation,
			fmt.Sprintf("код предмета %q должен содержать 2-10 латинских букв или цифр", m.SubjectCode), nil)
	}
	if m.RemoteCourseID <= 0 || m.RemoteAssignmentID <= 0 {
		return newError(ErrValidation, "remote_course_id и remote_assignment_id должны быть положительными", nil)
	}
	return nil
}
