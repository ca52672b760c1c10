// service.go — общие зависимости сервисов: единица работы, клиент LMS, запись аудита.
package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
	"github.com/bigkaa/goartstore/exam-bridge/internal/lms"
	"github.com/bigkaa/goartstore/exam-bridge/internal/repository"
)

// UnitOfWork выполняет fn в транзакции с репозиториями поверх неё.
// Реализуется *repository.TxRunner.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(*repository.Repos) error) error
}

// LMS — три шага отправки и проверка статуса от имени студента.
// Реализуется *lms.Client.
type LMS interface {
	UploadDraft(ctx context.Context, cred lms.Credential, filename, contentType string, content io.Reader) (int64, error)
	SaveSubmission(ctx context.Context, cred lms.Credential, assignmentID, draftItemID int64) error
	SubmissionStatus(ctx context.Context, cred lms.Credential, assignmentID int64) (*lms.SubmissionStatus, error)
	SubmitForGrading(ctx context.Context, cred lms.Credential, assignmentID int64) error
}

// LMSAccounts — выпуск и проверка токенов студентов. Реализуется *lms.Client.
type LMSAccounts interface {
	IssueToken(ctx context.Context, username, password string) (string, error)
	SiteInfoAs(ctx context.Context, token string) (*lms.SiteInfo, error)
}

// LMSCatalog — задания курсов. Реализуется *lms.Client.
type LMSCatalog interface {
	Assignments(ctx context.Context, courseIDs []int64) ([]lms.Assignment, error)
}

// CredentialSource возвращает токен студента для шагов отправки.
// Реализуется *CredentialService.
type CredentialSource interface {
	ForRegisterNumber(ctx context.Context, regNo string) (lms.Credential, error)
}

// Prometheus-метрики движка отправки.
var (
	ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eb_ingest_total",
		Help: "Результаты загрузки артефактов",
	}, []string{"outcome"}) // created, duplicate, invalid_filename, too_large, error

	submissionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eb_submission_attempts_total",
		Help: "Попытки отправки в LMS по результату",
	}, []string{"outcome"}) // success, transient, permanent

	submissionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eb_submission_duration_seconds",
		Help:    "Длительность попытки отправки в LMS",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	retryExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eb_retry_exhausted_total",
		Help: "Артефакты, исчерпавшие лимит повторов",
	})
)

// appendAudit дописывает запись аудита. Ошибка возвращается вызывающему:
// внутри транзакции она откатывает всю операцию.
func appendAudit(ctx context.Context, repo repository.AuditRepository, action model.AuditAction,
	actor model.Actor, artifactID string, request, response, errPayload any,
) error {
	e := &model.AuditEntry{
		Action:   action,
		Actor:    actor,
		Request:  marshalPayload(request),
		Response: marshalPayload(response),
		Error:    marshalPayload(errPayload),
	}
	if artifactID != "" {
		e.ArtifactID = &artifactID
	}
	if remote, ok := errPayload.(remoteFailure); ok {
		e.RemoteFunction = remote.functionPtr()
		e.RemoteStatus = remote.statusPtr()
	}
	return repo.Append(ctx, e)
}

// marshalPayload сериализует полезную нагрузку аудита; nil остаётся NULL.
func marshalPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Default().Warn("Ошибка сериализации аудита", slog.String("error", err.Error()))
		return nil
	}
	return data
}

// remoteFailure — полезная нагрузка ошибки попытки отправки.
type remoteFailure struct {
	Class      string `json:"class"`
	Step       int    `json:"step"`
	Function   string `json:"function,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Timeout    bool   `json:"timeout,omitempty"`
}

func (r remoteFailure) functionPtr() *string {
	if r.Function == "" {
		return nil
	}
	return &r.Function
}

func (r remoteFailure) statusPtr() *int {
	if r.StatusCode == 0 {
		return nil
	}
	return &r.StatusCode
}
