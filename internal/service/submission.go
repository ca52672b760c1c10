// submission.go — трёхшаговая отправка артефакта в LMS.
//
// Попытка отправки:
//  1. Проверка статуса (PENDING, VALIDATED, AWAITING_RETRY), активного маппинга
//     предмета и привязанной учётной записи LMS студента.
//  2. PENDING → VALIDATED с координатами задания из маппинга.
//  3. Захват: условный UPDATE в SUBMITTING, закрепляющий учётную запись LMS.
//     Проигравший в гонке получает ErrAlreadyInProgress.
//  4. Шаги, каждый со своим таймаутом; после каждого id сохраняются в БД:
//     - шаг 1: загрузка файла в draft area → draft item id;
//     - шаг 2: сохранение черновика как ответа на задание → SUBMITTED_TO_LMS;
//     - шаг 3: проба статуса ответа и отправка на оценку (если ещё не отправлен
//     и задание требует подтверждения).
//  5. Итог в одной транзакции с ровно одной записью аудита на попытку.
//
// Все вызовы LMS выполняются токеном студента: ответ на задание в LMS
// принадлежит владельцу токена. Повтор после смены привязки на другую
// учётную запись не продолжает чужой черновик, а завершается постоянной ошибкой.
//
// Повторная попытка продолжает с шага после последнего завершённого.
// Начатая попытка не отменяется вместе с запросом клиента: удалённый
// побочный эффект нельзя безопасно прервать.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/workflow"
	"github.com/bigkaa/goartstore/exam-bridge/internal/lms"
	"github.com/bigkaa/goartstore/exam-bridge/internal/repository"
	"github.com/bigkaa/goartstore/exam-bridge/internal/storage/filestore"
)

// errStaleClaim — попытка прервана (процесс завершился посреди отправки).
var errStaleClaim = errors.New("попытка отправки прервана: истёк срок захвата")

// SubmissionConfig — параметры попыток отправки.
type SubmissionConfig struct {
	// StepTimeout — таймаут одного удалённого вызова
	StepTimeout time.Duration
	// MaxRetries — лимит неудачных попыток с временной ошибкой
	MaxRetries      int
	Backoff         Backoff
	DefaultPriority int
}

// SubmissionService — движок отправки артефактов в LMS.
type SubmissionService struct {
	repos    *repository.Repos
	uow      UnitOfWork
	mappings *MappingService
	creds    CredentialSource
	lms      LMS
	store    *filestore.FileStore
	cfg      SubmissionConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewSubmissionService создаёт SubmissionService.
func NewSubmissionService(
	repos *repository.Repos,
	uow UnitOfWork,
	mappings *MappingService,
	creds CredentialSource,
	client LMS,
	store *filestore.FileStore,
	cfg SubmissionConfig,
	logger *slog.Logger,
) *SubmissionService {
	return &SubmissionService{
		repos:    repos,
		uow:      uow,
		mappings: mappings,
		creds:    creds,
		lms:      client,
		store:    store,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "submission")),
	}
}

// attemptResult — итог успешной попытки.
type attemptResult struct {
	SubmissionID *int64 `json:"submission_id,omitempty"`
	// RemoteStatus — статус ответа в LMS по данным пробы
	RemoteStatus     string `json:"remote_status,omitempty"`
	AlreadySubmitted bool   `json:"already_submitted,omitempty"`
	FinalizeSkipped  bool   `json:"finalize_skipped,omitempty"`
}

// Status возвращает текущее состояние артефакта.
func (s *SubmissionService) Status(ctx context.Context, id string) (*model.Artifact, error) {
	return s.load(ctx, id)
}

// Submit выполняет одну попытку отправки артефакта.
// Возвращает артефакт после попытки; при неудаче вместе с классифицированной ошибкой.
func (s *SubmissionService) Submit(ctx context.Context, id string, actor model.Actor) (*model.Artifact, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkSubmittable(a); err != nil {
		return a, err
	}

	// Координаты задания фиксируются при переходе в VALIDATED, поэтому
	// для PENDING маппинг читается из базы, а не из кэша.
	resolve := s.mappings.Active
	if a.Status == workflow.StatusPending {
		resolve = s.mappings.Fresh
	}
	mapping, err := resolve(ctx, a.ParsedSubjectCode)
	if err != nil {
		return a, err
	}

	cred, err := s.creds.ForRegisterNumber(ctx, a.ParsedRegNo)
	if err != nil {
		return a, err
	}

	if a.Status == workflow.StatusPending {
		_, err := s.repos.Artifacts.MarkValidated(ctx, a.ID,
			mapping.RemoteCourseID, mapping.RemoteAssignmentID, s.now())
		if err != nil && !errors.Is(err, repository.ErrConflict) {
			return a, fmt.Errorf("валидация артефакта %s: %w", a.ID, err)
		}
	}

	claimed, err := s.repos.Artifacts.Claim(ctx, a.ID, cred.UserID, s.now())
	if err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			return a, fmt.Errorf("захват артефакта %s: %w", a.ID, err)
		}
		current, lerr := s.load(ctx, a.ID)
		if lerr != nil {
			return nil, lerr
		}
		if cerr := checkSubmittable(current); cerr != nil {
			return current, cerr
		}
		return current, newError(ErrAlreadyInProgress, "статус артефакта изменился конкурентно", err)
	}

	return s.run(context.WithoutCancel(ctx), claimed, cred, actor)
}

// run выполняет шаги захваченной попытки и фиксирует итог.
func (s *SubmissionService) run(ctx context.Context, a *model.Artifact, cred lms.Credential, actor model.Actor) (*model.Artifact, error) {
	s.logger.Info("Попытка отправки",
		slog.String("artifact_id", a.ID),
		slog.Int("last_completed_step", a.LastCompletedStep),
		slog.Int("retry_count", a.RetryCount),
		slog.Int64("remote_user_id", cred.UserID),
		slog.String("actor", actor.ID),
	)

	started := time.Now()
	res, step, err := s.execute(ctx, a, cred)
	submissionDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		return s.fail(ctx, a, actor, step, err, false)
	}
	return s.complete(ctx, a, actor, res)
}

// execute проходит шаги, начиная после последнего завершённого.
// Возвращает номер шага, на котором произошла ошибка.
func (s *SubmissionService) execute(ctx context.Context, a *model.Artifact, cred lms.Credential) (*attemptResult, int, error) {
	if a.RemoteAssignmentID == nil {
		return nil, workflow.StepUploaded, newError(ErrPermanent, "у артефакта нет координат задания LMS", nil)
	}
	assignmentID := *a.RemoteAssignmentID

	// Черновик предыдущей попытки лежит в области другой учётной записи
	if a.RemoteUserID != nil && *a.RemoteUserID != cred.UserID {
		return nil, a.LastCompletedStep + 1, newError(ErrPermanent, fmt.Sprintf(
			"отправка начата от учётной записи LMS %d, текущая привязка — %d; нужен сброс администратором",
			*a.RemoteUserID, cred.UserID), nil)
	}

	if a.LastCompletedStep < workflow.StepUploaded {
		itemID, err := s.uploadDraft(ctx, a, cred)
		if err != nil {
			return nil, workflow.StepUploaded, err
		}
		if err := s.repos.Artifacts.RecordDraftUploaded(ctx, a.ID, itemID); err != nil {
			return nil, workflow.StepUploaded, err
		}
		a.RemoteDraftItemID = &itemID
		a.LastCompletedStep = workflow.StepUploaded
	}

	if a.LastCompletedStep < workflow.StepSaved {
		if a.RemoteDraftItemID == nil {
			return nil, workflow.StepSaved, newError(ErrPermanent, "шаг 1 отмечен завершённым без draft item id", nil)
		}
		err := s.withStepTimeout(ctx, func(ctx context.Context) error {
			return s.lms.SaveSubmission(ctx, cred, assignmentID, *a.RemoteDraftItemID)
		})
		if err != nil {
			return nil, workflow.StepSaved, err
		}
		if err := s.repos.Artifacts.RecordSaved(ctx, a.ID, s.now()); err != nil {
			return nil, workflow.StepSaved, err
		}
		a.Status = workflow.StatusSubmittedToLMS
		a.LastCompletedStep = workflow.StepSaved
	}

	res := &attemptResult{}
	var st *lms.SubmissionStatus
	err := s.withStepTimeout(ctx, func(ctx context.Context) error {
		var err error
		st, err = s.lms.SubmissionStatus(ctx, cred, assignmentID)
		return err
	})
	if err != nil {
		return nil, workflow.StepFinalized, err
	}
	res.RemoteStatus = st.Status
	if st.SubmissionID > 0 {
		id := st.SubmissionID
		res.SubmissionID = &id
	}

	switch {
	case st.Submitted():
		res.AlreadySubmitted = true
	case !st.CanSubmit:
		res.FinalizeSkipped = true
	default:
		err := s.withStepTimeout(ctx, func(ctx context.Context) error {
			return s.lms.SubmitForGrading(ctx, cred, assignmentID)
		})
		if err != nil {
			return nil, workflow.StepFinalized, err
		}
	}
	return res, workflow.StepFinalized, nil
}

// uploadDraft сверяет хэш файла с зарегистрированным и загружает его в draft area.
func (s *SubmissionService) uploadDraft(ctx context.Context, a *model.Artifact, cred lms.Credential) (int64, error) {
	sum, err := s.store.ComputeChecksum(a.StoragePath)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			return 0, newError(ErrPermanent, "файл артефакта отсутствует в хранилище", err)
		}
		return 0, err
	}
	if !strings.EqualFold(sum, a.ContentHash) {
		return 0, newError(ErrPermanent, "содержимое файла изменилось после загрузки", nil)
	}

	f, err := s.store.Open(a.StoragePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var itemID int64
	err = s.withStepTimeout(ctx, func(ctx context.Context) error {
		var err error
		itemID, err = s.lms.UploadDraft(ctx, cred, a.NormalizedFilename, a.ContentType, f)
		return err
	})
	return itemID, err
}

func (s *SubmissionService) withStepTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	return fn(stepCtx)
}

// complete фиксирует успешную попытку.
func (s *SubmissionService) complete(ctx context.Context, a *model.Artifact, actor model.Actor, res *attemptResult) (*model.Artifact, error) {
	now := s.now()
	err := s.uow.WithinTx(ctx, func(r *repository.Repos) error {
		if err := r.Artifacts.MarkCompleted(ctx, a.ID, res.SubmissionID, now); err != nil {
			return err
		}
		if err := r.Queue.DeleteLive(ctx, a.ID); err != nil {
			return err
		}
		if err := appendAudit(ctx, r.Audit, model.AuditSubmitResult, actor, a.ID,
			attemptRequest(a), res, nil); err != nil {
			return err
		}
		return s.mappings.MarkVerified(ctx, r, a.ParsedSubjectCode, now)
	})
	if err != nil {
		return a, commitError(err, "фиксация успешной отправки", a.ID)
	}

	submissionAttempts.WithLabelValues("success").Inc()
	s.logger.Info("Артефакт отправлен в LMS",
		slog.String("artifact_id", a.ID),
		slog.Int("retry_count", a.RetryCount),
		slog.Bool("already_submitted", res.AlreadySubmitted),
	)
	return s.load(ctx, a.ID)
}

// fail фиксирует неудачную попытку: повтор через очередь, исчерпание лимита
// или постоянная ошибка.
func (s *SubmissionService) fail(ctx context.Context, a *model.Artifact, actor model.Actor, step int, cause error, review bool) (*model.Artifact, error) {
	transient, payload := classify(step, cause)
	// Таймаут шага 2 или 3 — неизвестно, дошёл ли вызов до LMS
	if step >= workflow.StepSaved && lms.IsTimeout(cause) {
		review = true
	}
	reason := payload.Message

	if !transient {
		return s.failPermanent(ctx, a, actor, payload, review, cause)
	}

	retryCount := a.RetryCount + 1
	if retryCount >= s.cfg.MaxRetries {
		return s.exhaust(ctx, a, actor, retryCount, payload, review, cause)
	}

	next := s.now().Add(s.cfg.Backoff.Delay(retryCount))
	err := s.uow.WithinTx(ctx, func(r *repository.Repos) error {
		if err := r.Artifacts.MarkFailed(ctx, a.ID, repository.FailureUpdate{
			Status:         workflow.StatusAwaitingRetry,
			RetryCount:     retryCount,
			LastError:      reason,
			ReviewRequired: review,
		}); err != nil {
			return err
		}
		if err := r.Queue.Upsert(ctx, &model.QueueEntry{
			ArtifactID:    a.ID,
			Priority:      s.cfg.DefaultPriority,
			RetryCount:    retryCount,
			MaxRetries:    s.cfg.MaxRetries,
			NextAttemptAt: next,
			LastError:     &reason,
		}); err != nil {
			return err
		}
		req := attemptRequest(a)
		req["retry_count"] = retryCount
		req["next_attempt_at"] = next
		return appendAudit(ctx, r.Audit, model.AuditSubmitAttempt, actor, a.ID, req, nil, payload)
	})
	if err != nil {
		return a, commitError(err, "фиксация временной ошибки", a.ID)
	}

	submissionAttempts.WithLabelValues("transient").Inc()
	s.logger.Warn("Временная ошибка отправки, артефакт поставлен в очередь",
		slog.String("artifact_id", a.ID),
		slog.Int("step", step),
		slog.Int("retry_count", retryCount),
		slog.Time("next_attempt_at", next),
		slog.Bool("review_required", review),
		slog.String("error", reason),
	)

	current, lerr := s.load(ctx, a.ID)
	if lerr != nil {
		current = a
	}
	return current, newError(ErrTransient,
		fmt.Sprintf("%s; повтор %d из %d запланирован", reason, retryCount, s.cfg.MaxRetries-1), cause)
}

// exhaust переводит артефакт в FAILED после последней допустимой попытки.
func (s *SubmissionService) exhaust(ctx context.Context, a *model.Artifact, actor model.Actor, retryCount int,
	payload remoteFailure, review bool, cause error,
) (*model.Artifact, error) {
	reason := fmt.Sprintf("исчерпан лимит повторов (%d): %s", s.cfg.MaxRetries, payload.Message)
	err := s.uow.WithinTx(ctx, func(r *repository.Repos) error {
		if err := r.Artifacts.MarkFailed(ctx, a.ID, repository.FailureUpdate{
			Status:         workflow.StatusFailed,
			RetryCount:     retryCount,
			LastError:      reason,
			ReviewRequired: review,
		}); err != nil {
			return err
		}
		if err := r.Queue.Exhaust(ctx, &model.QueueEntry{
			ArtifactID:    a.ID,
			Priority:      s.cfg.DefaultPriority,
			RetryCount:    retryCount,
			MaxRetries:    s.cfg.MaxRetries,
			NextAttemptAt: s.now(),
			LastError:     &reason,
		}); err != nil {
			return err
		}
		req := attemptRequest(a)
		req["retry_count"] = retryCount
		req["exhausted"] = true
		return appendAudit(ctx, r.Audit, model.AuditSubmitAttempt, actor, a.ID, req, nil, payload)
	})
	if err != nil {
		return a, commitError(err, "фиксация исчерпания повторов", a.ID)
	}

	retryExhausted.Inc()
	submissionAttempts.WithLabelValues("exhausted").Inc()
	s.logger.Error("Лимит повторов исчерпан, артефакт переведён в FAILED",
		slog.String("artifact_id", a.ID),
		slog.Int("retry_count", retryCount),
		slog.String("error", payload.Message),
	)

	current, lerr := s.load(ctx, a.ID)
	if lerr != nil {
		current = a
	}
	return current, newError(ErrPermanent, reason, cause)
}

// failPermanent переводит артефакт в FAILED без повтора.
func (s *SubmissionService) failPermanent(ctx context.Context, a *model.Artifact, actor model.Actor,
	payload remoteFailure, review bool, cause error,
) (*model.Artifact, error) {
	err := s.uow.WithinTx(ctx, func(r *repository.Repos) error {
		if err := r.Artifacts.MarkFailed(ctx, a.ID, repository.FailureUpdate{
			Status:         workflow.StatusFailed,
			RetryCount:     a.RetryCount,
			LastError:      payload.Message,
			ReviewRequired: review,
		}); err != nil {
			return err
		}
		if err := r.Queue.DeleteLive(ctx, a.ID); err != nil {
			return err
		}
		return appendAudit(ctx, r.Audit, model.AuditSubmitAttempt, actor, a.ID, attemptRequest(a), nil, payload)
	})
	if err != nil {
		return a, commitError(err, "фиксация постоянной ошибки", a.ID)
	}

	submissionAttempts.WithLabelValues("permanent").Inc()
	s.logger.Error("Постоянная ошибка отправки",
		slog.String("artifact_id", a.ID),
		slog.Int("step", payload.Step),
		slog.String("function", payload.Function),
		slog.String("error", payload.Message),
	)

	current, lerr := s.load(ctx, a.ID)
	if lerr != nil {
		current = a
	}
	return current, newError(ErrPermanent, payload.Message, cause)
}

// Redrive повторяет отправку по записи очереди (вызывается обходом очереди).
func (s *SubmissionService) Redrive(ctx context.Context, e *model.QueueEntry) error {
	a, err := s.Submit(ctx, e.ArtifactID, model.SystemActor)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAlreadyInProgress):
		// Попытку ведёт другой участник, он и обновит очередь
		if rerr := s.repos.Queue.Release(ctx, e.ID, s.now().Add(s.cfg.Backoff.Base)); rerr != nil &&
			!errors.Is(rerr, repository.ErrNotFound) {
			return fmt.Errorf("возврат записи очереди %s: %w", e.ID, rerr)
		}
	case errors.Is(err, ErrMappingNotFound), errors.Is(err, ErrCredentialRequired):
		if ferr := s.failUnrecoverable(ctx, a, e, err); ferr != nil {
			return ferr
		}
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
		// Артефакт сброшен или архивирован, запись больше не нужна
		if derr := s.repos.Queue.DeleteLive(ctx, e.ArtifactID); derr != nil {
			return derr
		}
	}
	return err
}

// failUnrecoverable завершает повтор, который нельзя выполнить без оператора
// или студента: пропал маппинг предмета или привязка учётной записи LMS.
func (s *SubmissionService) failUnrecoverable(ctx context.Context, a *model.Artifact, e *model.QueueEntry, cause error) error {
	if a == nil || a.Status != workflow.StatusAwaitingRetry {
		return s.repos.Queue.DeleteLive(ctx, e.ArtifactID)
	}

	reason := Reason(cause)
	payload := remoteFailure{Class: string(lms.ClassPermanent), Step: a.LastCompletedStep + 1, Message: reason}
	err := s.uow.WithinTx(ctx, func(r *repository.Repos) error {
		if err := r.Artifacts.MarkFailed(ctx, a.ID, repository.FailureUpdate{
			Status:     workflow.StatusFailed,
			RetryCount: a.RetryCount,
			LastError:  reason,
		}); err != nil {
			return err
		}
		if err := r.Queue.Exhaust(ctx, &model.QueueEntry{
			ArtifactID:    a.ID,
			Priority:      e.Priority,
			RetryCount:    a.RetryCount,
			MaxRetries:    e.MaxRetries,
			NextAttemptAt: s.now(),
			LastError:     &reason,
		}); err != nil {
			return err
		}
		return appendAudit(ctx, r.Audit, model.AuditSubmitAttempt, model.SystemActor, a.ID,
			attemptRequest(a), nil, payload)
	})
	if err != nil {
		return fmt.Errorf("фиксация невозможности повтора %s: %w", a.ID, err)
	}

	retryExhausted.Inc()
	s.logger.Error("Повтор невозможен",
		slog.String("artifact_id", a.ID),
		slog.String("subject_code", a.ParsedSubjectCode),
		slog.String("reason", reason),
	)
	return nil
}

// RecoverStale возвращает в очередь попытку, зависшую в SUBMITTING/SUBMITTED_TO_LMS.
// Исход прерванной попытки неизвестен, артефакт помечается для проверки оператором.
func (s *SubmissionService) RecoverStale(ctx context.Context, a *model.Artifact) error {
	s.logger.Warn("Восстановление зависшей попытки отправки",
		slog.String("artifact_id", a.ID),
		slog.String("status", string(a.Status)),
		slog.Int("last_completed_step", a.LastCompletedStep),
	)
	_, err := s.fail(ctx, a, model.SystemActor, a.LastCompletedStep+1, errStaleClaim, true)
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrPermanent) {
		return nil
	}
	if errors.Is(err, repository.ErrConflict) {
		// Попытка успела завершиться
		return nil
	}
	return err
}

func (s *SubmissionService) load(ctx context.Context, id string) (*model.Artifact, error) {
	a, err := s.repos.Artifacts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(ErrNotFound, fmt.Sprintf("артефакт %s не найден", id), err)
		}
		return nil, fmt.Errorf("получение артефакта %s: %w", id, err)
	}
	return a, nil
}

// commitError классифицирует ошибку фиксации итога попытки. ErrConflict
// означает, что статус артефакта сменили во время попытки (например,
// администратор сбросил просроченный захват).
func commitError(err error, what, id string) error {
	if errors.Is(err, repository.ErrConflict) {
		return newError(ErrInvalidState,
			fmt.Sprintf("%s %s: статус артефакта изменился во время попытки", what, id), err)
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}

// checkSubmittable проверяет, можно ли начать попытку из текущего статуса.
func checkSubmittable(a *model.Artifact) error {
	switch {
	case workflow.CanSubmit(a.Status):
		return nil
	case workflow.IsInFlight(a.Status):
		return newError(ErrAlreadyInProgress,
			"попытка отправки уже выполняется, следите за статусом артефакта", nil)
	default:
		return newError(ErrInvalidState,
			fmt.Sprintf("отправка из статуса %s недопустима", a.Status), nil)
	}
}

// classify определяет класс ошибки шага и полезную нагрузку для аудита.
func classify(step int, err error) (bool, remoteFailure) {
	var le *lms.Error
	if errors.As(err, &le) {
		msg := le.Message
		if msg == "" {
			msg = le.Error()
		}
		return le.Class == lms.ClassTransient, remoteFailure{
			Class:      string(le.Class),
			Step:       step,
			Function:   le.Function,
			StatusCode: le.StatusCode,
			Code:       le.Code,
			Message:    msg,
			Timeout:    le.Timeout,
		}
	}
	if errors.Is(err, ErrPermanent) {
		return false, remoteFailure{Class: string(lms.ClassPermanent), Step: step, Message: Reason(err)}
	}
	// Ошибки БД и прочие локальные сбои повторяемы
	return true, remoteFailure{Class: string(lms.ClassTransient), Step: step, Message: err.Error()}
}

func attemptRequest(a *model.Artifact) map[string]any {
	req := map[string]any{
		"filename":            a.NormalizedFilename,
		"last_completed_step": a.LastCompletedStep,
	}
	if a.RemoteAssignmentID != nil {
		req["assignment_id"] = *a.RemoteAssignmentID
	}
	if a.RemoteDraftItemID != nil {
		req["draft_item_id"] = *a.RemoteDraftItemID
	}
	return req
}
