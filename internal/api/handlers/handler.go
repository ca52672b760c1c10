// handler.go — основной обработчик API, реализующий contract.ServerInterface.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"

	apierrors "github.com/bigkaa/goartstore/exam-bridge/internal/api/errors"
	"github.com/bigkaa/goartstore/exam-bridge/internal/api/middleware"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/rbac"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/workflow"
	"github.com/bigkaa/goartstore/exam-bridge/internal/service"
)

// Ingester — регистрация загруженных файлов. Реализуется *service.IngestService.
type Ingester interface {
	Ingest(ctx context.Context, req service.IngestRequest) (*model.Artifact, error)
	IngestBatch(ctx context.Context, files []service.BulkFile, batch string, actor model.Actor) ([]service.BulkOutcome, error)
	Download(ctx context.Context, a *model.Artifact, actor model.Actor) (*os.File, error)
}

// IdentityResolver — доступ студента к своим артефактам. Реализуется *service.IdentityResolver.
type IdentityResolver interface {
	ListForIdentity(ctx context.Context, c service.IdentityClaims) ([]*model.Artifact, error)
	Owns(ctx context.Context, c service.IdentityClaims, a *model.Artifact) error
	RecordView(ctx context.Context, a *model.Artifact, actor model.Actor) error
}

// Submitter — отправка в LMS. Реализуется *service.SubmissionService.
type Submitter interface {
	Submit(ctx context.Context, id string, actor model.Actor) (*model.Artifact, error)
	Status(ctx context.Context, id string) (*model.Artifact, error)
}

// Administration — административные операции. Реализуется *service.AdminService.
type Administration interface {
	ListArtifacts(ctx context.Context, status *workflow.Status, limit, offset int) ([]*model.Artifact, int, error)
	Edit(ctx context.Context, id string, req service.EditRequest, actor model.Actor) (*model.Artifact, error)
	Reset(ctx context.Context, id string, actor model.Actor) (*model.Artifact, error)
	Archive(ctx context.Context, id string, actor model.Actor) (*model.Artifact, error)
	Delete(ctx context.Context, id string, actor model.Actor) (*model.Artifact, error)
	ClearFingerprint(ctx context.Context, id string, actor model.Actor) (*model.Artifact, error)
	RetryNow(ctx context.Context, id string, actor model.Actor) (*model.Artifact, error)
	ImportIdentities(ctx context.Context, items []*model.RemoteIdentity) (int, error)
	Audit(ctx context.Context, artifactID *string, limit, offset int) ([]*model.AuditEntry, error)
}

// MappingManager — маппинги предметов. Реализуется *service.MappingService.
type MappingManager interface {
	List(ctx context.Context, activeOnly bool) ([]*model.SubjectMapping, error)
	Upsert(ctx context.Context, m *model.SubjectMapping, actor model.Actor) (*model.SubjectMapping, error)
}

// MappingDiscovery — задания LMS и автоматические маппинги. Реализуется *service.MappingDiscovery.
type MappingDiscovery interface {
	Discover(ctx context.Context, courseIDs []int64) ([]service.DiscoveredAssignment, error)
	Sync(ctx context.Context, courseIDs []int64, dryRun bool, actor model.Actor) (*service.SyncResult, error)
	BindModule(ctx context.Context, subjectCode string, moduleID int64, courseIDs []int64, actor model.Actor) (*model.SubjectMapping, error)
}

// CredentialManager — привязка учётной записи LMS студента. Реализуется *service.CredentialService.
type CredentialManager interface {
	Link(ctx context.Context, c service.IdentityClaims, req service.LinkRequest, actor model.Actor) (*model.LMSCredential, error)
	Status(ctx context.Context, c service.IdentityClaims) (*model.LMSCredential, error)
	Unlink(ctx context.Context, c service.IdentityClaims, actor model.Actor) error
}

// StatsCollector — операционная сводка. Реализуется *service.StatsService.
type StatsCollector interface {
	Collect(ctx context.Context) (*service.Stats, error)
}

// Sweeper — внеочередной обход очереди. Реализуется *service.RetrySweeper.
type Sweeper interface {
	Sweep(ctx context.Context) (*service.SweepResult, error)
}

// Services — зависимости обработчика API.
type Services struct {
	Ingest      Ingester
	Identity    IdentityResolver
	Submission  Submitter
	Admin       Administration
	Mappings    MappingManager
	Discovery   MappingDiscovery
	Credentials CredentialManager
	Stats       StatsCollector
	Sweeper     Sweeper
}

// APIHandler — основной обработчик API Exam Bridge.
type APIHandler struct {
	health        *HealthHandler
	svc           Services
	maxUploadSize int64
	maxBulkFiles  int
	logger        *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
// maxUploadSize — лимит размера загружаемого файла (EB_MAX_FILE_SIZE),
// maxBulkFiles — лимит файлов пакетной загрузки (EB_BULK_MAX_FILES).
func NewAPIHandler(health *HealthHandler, svc Services, maxUploadSize int64, maxBulkFiles int, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		health:        health,
		svc:           svc,
		maxUploadSize: maxUploadSize,
		maxBulkFiles:  maxBulkFiles,
		logger:        logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// GetOpenAPI — OpenAPI-документ (делегируется в HealthHandler).
func (h *APIHandler) GetOpenAPI(w http.ResponseWriter, r *http.Request) {
	h.health.GetOpenAPI(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// paginationDefaults нормализует параметры пагинации.
// Возвращает корректные limit и offset.
func paginationDefaults(limit *int, offset *int) (int, int) {
	l := 100
	o := 0

	if limit != nil {
		l = *limit
		if l < 1 {
			l = 1
		}
		if l > 1000 {
			l = 1000
		}
	}
	if offset != nil {
		o = *offset
		if o < 0 {
			o = 0
		}
	}
	return l, o
}

// requireClaims возвращает claims или пишет 401.
func requireClaims(w http.ResponseWriter, r *http.Request) (*middleware.AuthClaims, bool) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		apierrors.Unauthorized(w, "Отсутствуют claims")
		return nil, false
	}
	return claims, true
}

// requireRole возвращает claims пользователя с ролью не ниже role или пишет 401/403.
func requireRole(w http.ResponseWriter, r *http.Request, role string) (*middleware.AuthClaims, bool) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return nil, false
	}
	if !claims.HasRole(role) {
		apierrors.Forbidden(w, "Недостаточно прав: требуется роль "+role)
		return nil, false
	}
	return claims, true
}

// actorFromClaims строит инициатора действия для аудита.
func actorFromClaims(r *http.Request, claims *middleware.AuthClaims) model.Actor {
	kind := model.ActorStudent
	switch claims.Role {
	case rbac.RoleAdmin:
		kind = model.ActorAdmin
	case rbac.RoleStaff:
		kind = model.ActorStaff
	}

	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}

	return model.Actor{
		Kind:     kind,
		ID:       claims.Subject,
		Username: claims.PreferredUsername,
		IP:       ip,
	}
}

// identityFromClaims — заявленная идентичность пользователя.
func identityFromClaims(claims *middleware.AuthClaims) service.IdentityClaims {
	return service.IdentityClaims{
		RegisterNumber: claims.RegisterNumber,
		RemoteUserID:   claims.RemoteUserID,
		RemoteUsername: claims.RemoteUsername,
	}
}

// writeServiceError переводит ошибку сервисного слоя в HTTP-ответ.
// Неклассифицированные ошибки логируются и возвращаются как 500 без деталей.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error, operation string) {
	status, code, ok := classifyServiceError(err)
	if !ok {
		h.logger.Error("Ошибка обработки запроса",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка: "+operation)
		return
	}
	apierrors.WriteError(w, status, code, service.Reason(err))
}

// classifyServiceError возвращает HTTP-статус и код ошибки контракта.
// ok == false для ошибок без вида (внутренних).
func classifyServiceError(err error) (status int, code string, ok bool) {
	switch {
	case errors.Is(err, service.ErrInvalidFilename):
		return http.StatusBadRequest, apierrors.CodeInvalidFilename, true
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, apierrors.CodeValidationError, true
	case errors.Is(err, service.ErrDuplicateSubmission):
		return http.StatusConflict, apierrors.CodeDuplicateSubmission, true
	case errors.Is(err, service.ErrAlreadyInProgress):
		return http.StatusConflict, apierrors.CodeAlreadyInProgress, true
	case errors.Is(err, service.ErrInvalidState):
		return http.StatusConflict, apierrors.CodeInvalidState, true
	case errors.Is(err, service.ErrAmbiguousIdentity):
		return http.StatusForbidden, apierrors.CodeAmbiguousIdentity, true
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, apierrors.CodeForbidden, true
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, apierrors.CodeNotFound, true
	case errors.Is(err, service.ErrMappingNotFound):
		return http.StatusUnprocessableEntity, apierrors.CodeMappingNotFound, true
	case errors.Is(err, service.ErrPermanent):
		return http.StatusUnprocessableEntity, apierrors.CodeRemotePermanent, true
	case errors.Is(err, service.ErrTransient):
		return http.StatusServiceUnavailable, apierrors.CodeRemoteTransient, true
	case errors.Is(err, service.ErrCredentialRequired):
		return http.StatusPreconditionRequired, apierrors.CodeLMSLinkRequired, true
	}
	return http.StatusInternalServerError, apierrors.CodeInternalError, false
}
