// admin.go — административные операции над артефактами.
//
// Все операции выполняются в транзакции вместе с записью аудита.
// Пока попытка отправки выполняется (SUBMITTING, SUBMITTED_TO_LMS), изменения
// запрещены: удалённый побочный эффект не отменить. Исключение — захват,
// просроченный дольше аренды: его владелец считается завершившимся.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/naming"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/workflow"
	"github.com/bigkaa/goartstore/exam-bridge/internal/repository"
)

// AdminService — операции администратора.
type AdminService struct {
	repos *repository.Repos
	uow   UnitOfWork
	// lease — срок, после которого захват попытки считается брошенным
	lease  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewAdminService создаёт AdminService.
func NewAdminService(repos *repository.Repos, uow UnitOfWork, lease time.Duration, logger *slog.Logger) *AdminService {
	return &AdminService{
		repos:  repos,
		uow:    uow,
		lease:  lease,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "admin")),
	}
}

// ListArtifacts возвращает страницу артефактов и общее количество.
func (s *AdminService) ListArtifacts(ctx context.Context, status *workflow.Status, limit, offset int) ([]*model.Artifact, int, error) {
	items, err := s.repos.Artifacts.List(ctx, status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("список артефактов: %w", err)
	}
	total, err := s.repos.Artifacts.Count(ctx, status)
	if err != nil {
		return nil, 0, fmt.Errorf("подсчёт артефактов: %w", err)
	}
	return items, total, nil
}

// Reset возвращает артефакт в PENDING: id LMS, шаг, счётчик повторов
// и живая запись очереди сбрасываются.
func (s *AdminService) Reset(ctx context.Context, id string, actor model.Actor) (*model.Artifact, error) {
	return s.mutate(ctx, id, actor, model.AuditAdminReset,
		func(a *model.Artifact) error { return s.allowStale(a, workflow.CanReset(a.Status)) },
		func(r *repository.Repos, a *model.Artifact) error {
			if err := r.Artifacts.Reset(ctx, a.ID, a.Status); err != nil {
				return err
			}
			return r.Queue.DeleteLive(ctx, a.ID)
		})
}

// Archive переводит артефакт в ARCHIVED.
func (s *AdminService) Archive(ctx context.Context, id string, actor model.Actor) (*model.Artifact, error) {
	return s.setAdministrative(ctx, id, actor, workflow.StatusArchived, model.AuditAdminArchive)
}

// Delete переводит артефакт в DELETED. Физически запись не удаляется.
func (s *AdminService) Delete(ctx context.Context, id string, actor model.Actor) (*model.Artifact, error) {
	return s.setAdministrative(ctx, id, actor, workflow.StatusDeleted, model.AuditAdminDelete)
}

func (s *AdminService) setAdministrative(ctx context.Context, id string, actor model.Actor,
	to workflow.Status, action model.AuditAction,
) (*model.Artifact, error) {
	return s.mutate(ctx, id, actor, action,
		func(a *model.Artifact) error { return s.allowStale(a, workflow.CanArchiveOrDelete(a.Status, to)) },
		func(r *repository.Repos, a *model.Artifact) error {
			if err := r.Artifacts.SetStatus(ctx, a.ID, a.Status, to); err != nil {
				return err
			}
			return r.Queue.DeleteLive(ctx, a.ID)
		})
}

// ClearFingerprint освобождает отпечаток архивного или удалённого артефакта,
// после чего тот же файл можно загрузить снова.
func (s *AdminService) ClearFingerprint(ctx context.Context, id string, actor model.Actor) (*model.Artifact, error) {
	return s.mutate(ctx, id, actor, model.AuditAdminClearFingerprint,
		func(a *model.Artifact) error {
			if !workflow.IsAdministrative(a.Status) {
				return newError(ErrInvalidState,
					fmt.Sprintf("отпечаток можно очистить только у ARCHIVED/DELETED, текущий статус %s", a.Status), nil)
			}
			if a.Fingerprint == nil {
				return newError(ErrInvalidState, "отпечаток уже очищен", nil)
			}
			return nil
		},
		func(r *repository.Repos, a *model.Artifact) error {
			return r.Artifacts.ClearFingerprint(ctx, a.ID)
		})
}

// RetryNow переносит следующую попытку из очереди на текущий момент.
func (s *AdminService) RetryNow(ctx context.Context, id string, actor model.Actor) (*model.Artifact, error) {
	return s.mutate(ctx, id, actor, model.AuditAdminRetry,
		func(a *model.Artifact) error {
			if a.Status != workflow.StatusAwaitingRetry {
				return newError(ErrInvalidState,
					fmt.Sprintf("повтор возможен только из AWAITING_RETRY, текущий статус %s", a.Status), nil)
			}
			return nil
		},
		func(r *repository.Repos, a *model.Artifact) error {
			if err := r.Queue.RetryNow(ctx, a.ID, s.now()); err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return newError(ErrInvalidState, "нет ожидающей записи в очереди повторов", err)
				}
				return err
			}
			return nil
		})
}

// EditRequest — исправление распознанного номера или кода предмета.
// Пустое поле остаётся прежним.
type EditRequest struct {
	RegisterNumber string
	SubjectCode    string
}

// Edit исправляет номер или предмет артефакта, пересчитывает нормализованное
// имя и отпечаток и возвращает артефакт в PENDING. Правка запрещена, если
// ответ уже сохранён в LMS: он принадлежит прежнему студенту или заданию.
func (s *AdminService) Edit(ctx context.Context, id string, req EditRequest, actor model.Actor) (*model.Artifact, error) {
	a, err := s.get(ctx, s.repos, id)
	if err != nil {
		return nil, err
	}

	switch a.Status {
	case workflow.StatusPending, workflow.StatusValidated, workflow.StatusFailed, workflow.StatusAwaitingRetry:
	default:
		return a, newError(ErrInvalidState,
			fmt.Sprintf("правка невозможна в статусе %s", a.Status), nil)
	}
	if a.LastCompletedStep >= workflow.StepSaved {
		return a, newError(ErrInvalidState,
			"ответ уже сохранён в LMS, правка невозможна; используйте архивирование и повторную загрузку", nil)
	}

	regNo := strings.TrimSpace(req.RegisterNumber)
	if regNo == "" {
		regNo = a.ParsedRegNo
	}
	subject := strings.ToUpper(strings.TrimSpace(req.SubjectCode))
	if subject == "" {
		subject = a.ParsedSubjectCode
	}
	if !naming.ValidRegisterNumber(regNo) {
		return a, newError(ErrValidation, "регистрационный номер должен состоять ровно из 12 цифр", nil)
	}
	if !naming.ValidSubjectCode(subject) {
		return a, newError(ErrValidation,
			fmt.Sprintf("код предмета %q должен содержать 2-10 латинских букв или цифр", subject), nil)
	}
	if regNo == a.ParsedRegNo && subject == a.ParsedSubjectCode {
		return a, newError(ErrValidation, "номер и предмет не изменились", nil)
	}

	normalized := regNo + "_" + subject + path.Ext(a.NormalizedFilename)
	rl := repository.Relabel{
		RegisterNumber:     regNo,
		SubjectCode:        subject,
		NormalizedFilename: normalized,
		Fingerprint:        naming.Fingerprint(normalized, a.ContentHash, a.BatchContext),
	}

	var edited *model.Artifact
	err = s.uow.WithinTx(ctx, func(r *repository.Repos) error {
		var err error
		if edited, err = r.Artifacts.Relabel(ctx, a.ID, a.Status, rl); err != nil {
			return err
		}
		if err := r.Queue.DeleteLive(ctx, a.ID); err != nil {
			return err
		}
		return appendAudit(ctx, r.Audit, model.AuditAdminEdit, actor, a.ID,
			map[string]any{"register_number": regNo, "subject_code": subject},
			map[string]any{
				"previous_status":          a.Status,
				"previous_register_number": a.ParsedRegNo,
				"previous_subject_code":    a.ParsedSubjectCode,
				"normalized_filename":      normalized,
			},
			nil,
		)
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return a, s.editConflict(ctx, a, rl, err)
		}
		return a, fmt.Errorf("правка артефакта %s: %w", id, err)
	}

	s.logger.Info("Артефакт исправлен",
		slog.String("artifact_id", a.ID),
		slog.String("previous_filename", a.NormalizedFilename),
		slog.String("filename", normalized),
		slog.String("actor", actor.ID),
	)
	return edited, nil
}

// editConflict отличает занятый отпечаток от конкурентной смены статуса.
func (s *AdminService) editConflict(ctx context.Context, a *model.Artifact, rl repository.Relabel, cause error) error {
	other, err := s.repos.Artifacts.GetByFingerprint(ctx, rl.Fingerprint)
	if err == nil && other.ID != a.ID {
		return newError(ErrDuplicateSubmission,
			fmt.Sprintf("файл %s уже загружен в этой партии (артефакт %s, статус %s)",
				rl.NormalizedFilename, other.ID, other.Status), cause)
	}
	return newError(ErrInvalidState, "статус артефакта изменился конкурентно, повторите запрос", cause)
}

// allowStale пропускает отказ SUBMISSION_IN_FLIGHT, если захват просрочен.
func (s *AdminService) allowStale(a *model.Artifact, err error) error {
	var te *workflow.TransitionError
	if !errors.As(err, &te) || te.Code != workflow.ErrCodeInFlight {
		return err
	}
	if s.lease <= 0 || a.SubmitStartedAt == nil || !a.SubmitStartedAt.Before(s.now().Add(-s.lease)) {
		return err
	}
	s.logger.Warn("Административная операция над просроченным захватом",
		slog.String("artifact_id", a.ID),
		slog.String("status", string(a.Status)),
		slog.Time("submit_started_at", *a.SubmitStartedAt),
	)
	return nil
}

// mutate — общий каркас: проверка, изменение и аудит в одной транзакции.
func (s *AdminService) mutate(
	ctx context.Context,
	id string,
	actor model.Actor,
	action model.AuditAction,
	check func(a *model.Artifact) error,
	apply func(r *repository.Repos, a *model.Artifact) error,
) (*model.Artifact, error) {
	a, err := s.get(ctx, s.repos, id)
	if err != nil {
		return nil, err
	}
	if err := check(a); err != nil {
		return a, translateTransition(err)
	}

	err = s.uow.WithinTx(ctx, func(r *repository.Repos) error {
		if err := apply(r, a); err != nil {
			return err
		}
		return appendAudit(ctx, r.Audit, action, actor, a.ID,
			map[string]any{"previous_status": a.Status}, nil, nil)
	})
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return a, err
		}
		if errors.Is(err, repository.ErrConflict) {
			return a, newError(ErrInvalidState, "статус артефакта изменился конкурентно, повторите запрос", err)
		}
		return a, fmt.Errorf("%s артефакта %s: %w", action, id, err)
	}

	s.logger.Info("Административная операция",
		slog.String("action", string(action)),
		slog.String("artifact_id", a.ID),
		slog.String("previous_status", string(a.Status)),
		slog.String("actor", actor.ID),
	)
	return s.get(ctx, s.repos, id)
}

// ImportIdentities сохраняет соответствия учётных записей LMS регистрационным номерам.
func (s *AdminService) ImportIdentities(ctx context.Context, items []*model.RemoteIdentity) (int, error) {
	for i, ri := range items {
		ri.RemoteUsername = strings.TrimSpace(ri.RemoteUsername)
		if ri.RemoteUsername == "" {
			return 0, newError(ErrValidation, fmt.Sprintf("запись %d: пустое имя пользователя", i+1), nil)
		}
		if !naming.ValidRegisterNumber(ri.RegisterNumber) {
			return 0, newError(ErrValidation,
				fmt.Sprintf("запись %d (%s): регистрационный номер должен состоять ровно из 12 цифр", i+1, ri.RemoteUsername), nil)
		}
	}

	err := s.uow.WithinTx(ctx, func(r *repository.Repos) error {
		for _, ri := range items {
			if err := r.Identities.Upsert(ctx, ri); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("импорт идентичностей: %w", err)
	}

	s.logger.Info("Идентичности импортированы", slog.Int("count", len(items)))
	return len(items), nil
}

// Audit возвращает журнал аудита (по артефакту, если artifactID задан).
func (s *AdminService) Audit(ctx context.Context, artifactID *string, limit, offset int) ([]*model.AuditEntry, error) {
	return s.repos.Audit.List(ctx, artifactID, limit, offset)
}

func (s *AdminService) get(ctx context.Context, r *repository.Repos, id string) (*model.Artifact, error) {
	a, err := r.Artifacts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(ErrNotFound, fmt.Sprintf("артефакт %s не найден", id), err)
		}
		return nil, fmt.Errorf("получение артефакта %s: %w", id, err)
	}
	return a, nil
}

// translateTransition переводит ошибку автомата статусов в ErrInvalidState.
func translateTransition(err error) error {
	var te *workflow.TransitionError
	if errors.As(err, &te) {
		return newError(ErrInvalidState, te.Message, err)
	}
	return err
}
