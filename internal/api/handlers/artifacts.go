// artifacts.go — обработчики /api/v1/artifacts endpoints.
// Загрузка сканов, список своих работ, статус и отправка в LMS.
package handlers

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/google/uuid"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"github.com/bigkaa/goartstore/exam-bridge/internal/api/contract"
	apierrors "github.com/bigkaa/goartstore/exam-bridge/internal/api/errors"
	"github.com/bigkaa/goartstore/exam-bridge/internal/api/middleware"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/rbac"
	"github.com/bigkaa/goartstore/exam-bridge/internal/service"
)

// multipartOverhead — запас на заголовки multipart сверх размера файла.
const multipartOverhead = 1 << 20

// IngestArtifact — POST /api/v1/artifacts.
// Доступ: staff или admin.
func (h *APIHandler) IngestArtifact(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireRole(w, r, rbac.RoleStaff)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.ValidationError(w, "Файл превышает максимальный размер")
			return
		}
		apierrors.ValidationError(w, "Некорректный multipart-запрос: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		apierrors.ValidationError(w, "Поле file обязательно")
		return
	}
	defer file.Close()

	a, err := h.svc.Ingest.Ingest(r.Context(), service.IngestRequest{
		Filename: header.Filename,
		Batch:    r.FormValue("batch"),
		Content:  file,
		Actor:    actorFromClaims(r, claims),
	})
	if err != nil {
		h.writeServiceError(w, err, "загрузка артефакта")
		return
	}

	writeJSON(w, http.StatusCreated, artifactToDTO(a, true))
}

// IngestArtifactsBulk — POST /api/v1/artifacts/bulk.
// Доступ: staff или admin. Отказ по одному файлу не прерывает пакет:
// 200, если приняты все файлы, иначе 207 с итогом по каждому.
func (h *APIHandler) IngestArtifactsBulk(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireRole(w, r, rbac.RoleStaff)
	if !ok {
		return
	}

	files := int64(max(h.maxBulkFiles, 1))
	r.Body = http.MaxBytesReader(w, r.Body, files*(h.maxUploadSize+multipartOverhead))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.ValidationError(w, "Пакет превышает максимальный размер")
			return
		}
		apierrors.ValidationError(w, "Некорректный multipart-запрос: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		apierrors.ValidationError(w, "Поле files обязательно")
		return
	}

	batch := r.FormValue("batch")
	bulk := make([]service.BulkFile, 0, len(headers))
	for _, fh := range headers {
		bulk = append(bulk, service.BulkFile{
			Filename: fh.Filename,
			Open:     func() (io.ReadCloser, error) { return fh.Open() },
		})
	}

	outcomes, err := h.svc.Ingest.IngestBatch(r.Context(), bulk, batch, actorFromClaims(r, claims))
	if err != nil {
		h.writeServiceError(w, err, "пакетная загрузка")
		return
	}

	resp := contract.BulkIngestResult{
		Batch: batch,
		Items: make([]contract.BulkIngestItem, 0, len(outcomes)),
	}
	for _, o := range outcomes {
		item := contract.BulkIngestItem{Filename: o.Filename, Status: "created"}
		if o.Err != nil {
			item.Status = "rejected"
			item.Error = h.bulkItemError(o)
			resp.Rejected++
		} else {
			dto := artifactToDTO(o.Artifact, true)
			item.Artifact = &dto
			resp.Created++
		}
		resp.Items = append(resp.Items, item)
	}

	status := http.StatusOK
	if resp.Rejected > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// bulkItemError — код и сообщение отказа по одному файлу пакета.
func (h *APIHandler) bulkItemError(o service.BulkOutcome) *contract.ErrorBody {
	_, code, ok := classifyServiceError(o.Err)
	if !ok {
		h.logger.Error("Ошибка загрузки файла пакета",
			slog.String("filename", o.Filename),
			slog.String("error", o.Err.Error()),
		)
		return &contract.ErrorBody{Code: code, Message: "Внутренняя ошибка: загрузка файла"}
	}
	return &contract.ErrorBody{Code: code, Message: service.Reason(o.Err)}
}

// ListMyArtifacts — GET /api/v1/artifacts/mine.
// Доступ: любой аутентифицированный пользователь; видны только свои артефакты.
func (h *APIHandler) ListMyArtifacts(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	items, err := h.svc.Identity.ListForIdentity(r.Context(), identityFromClaims(claims))
	if err != nil {
		h.writeServiceError(w, err, "список артефактов пользователя")
		return
	}

	resp := contract.ArtifactList{Items: make([]contract.Artifact, 0, len(items))}
	for _, a := range items {
		resp.Items = append(resp.Items, artifactToDTO(a, !claims.IsStudent()))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetArtifact — GET /api/v1/artifacts/{artifact_id}.
// Студенту доступны только собственные артефакты; просмотр фиксируется в аудите.
func (h *APIHandler) GetArtifact(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	a, err := h.svc.Submission.Status(r.Context(), artifactID.String())
	if err != nil {
		h.writeServiceError(w, err, "получение артефакта")
		return
	}

	if claims.IsStudent() {
		if err := h.svc.Identity.Owns(r.Context(), identityFromClaims(claims), a); err != nil {
			h.writeServiceError(w, err, "проверка владельца")
			return
		}
		if err := h.svc.Identity.RecordView(r.Context(), a, actorFromClaims(r, claims)); err != nil {
			h.writeServiceError(w, err, "аудит просмотра")
			return
		}
	}

	writeJSON(w, http.StatusOK, artifactToDTO(a, !claims.IsStudent()))
}

// DownloadArtifact — GET /api/v1/artifacts/{artifact_id}/file.
// Студенту доступны только собственные активные артефакты.
func (h *APIHandler) DownloadArtifact(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	a, err := h.svc.Submission.Status(r.Context(), artifactID.String())
	if err != nil {
		h.writeServiceError(w, err, "получение артефакта")
		return
	}
	if claims.IsStudent() {
		if err := h.svc.Identity.Owns(r.Context(), identityFromClaims(claims), a); err != nil {
			h.writeServiceError(w, err, "проверка владельца")
			return
		}
	}

	f, err := h.svc.Ingest.Download(r.Context(), a, actorFromClaims(r, claims))
	if err != nil {
		h.writeServiceError(w, err, "выдача файла")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": a.NormalizedFilename}))
	w.Header().Set("Cache-Control", "private, no-store")
	http.ServeContent(w, r, a.NormalizedFilename, a.UploadedAt, f)
}

// SubmitArtifact — POST /api/v1/artifacts/{artifact_id}/submit.
// Одна попытка отправки. Временная ошибка — 202 и артефакт в AWAITING_RETRY.
func (h *APIHandler) SubmitArtifact(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	if claims.IsStudent() {
		if !h.authorizeOwner(w, r, claims, artifactID.String()) {
			return
		}
	}

	a, err := h.svc.Submission.Submit(r.Context(), artifactID.String(), actorFromClaims(r, claims))
	if err != nil {
		if errors.Is(err, service.ErrTransient) && a != nil {
			h.logger.Warn("Отправка отложена",
				slog.String("artifact_id", a.ID),
				slog.Int("retry_count", a.RetryCount),
				slog.String("reason", service.Reason(err)),
			)
			writeJSON(w, http.StatusAccepted, contract.SubmitOutcome{
				Artifact: artifactToDTO(a, !claims.IsStudent()),
				Error: contract.ErrorBody{
					Code:    apierrors.CodeRemoteTransient,
					Message: service.Reason(err),
				},
			})
			return
		}
		h.writeServiceError(w, err, "отправка артефакта")
		return
	}

	writeJSON(w, http.StatusOK, artifactToDTO(a, !claims.IsStudent()))
}

// authorizeOwner проверяет, что студент отправляет свой артефакт.
func (h *APIHandler) authorizeOwner(w http.ResponseWriter, r *http.Request, claims *middleware.AuthClaims, id string) bool {
	a, err := h.svc.Submission.Status(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "получение артефакта")
		return false
	}
	if err := h.svc.Identity.Owns(r.Context(), identityFromClaims(claims), a); err != nil {
		h.writeServiceError(w, err, "проверка владельца")
		return false
	}
	return true
}

// artifactToDTO преобразует артефакт в представление API.
// Контрольная сумма и автор загрузки показываются только сотрудникам.
func artifactToDTO(a *model.Artifact, staffView bool) contract.Artifact {
	dto := contract.Artifact{
		OriginalFilename:   a.RawFilename,
		NormalizedFilename: a.NormalizedFilename,
		RegisterNumber:     a.ParsedRegNo,
		SubjectCode:        a.ParsedSubjectCode,
		ContentType:        a.ContentType,
		Size:               a.SizeBytes,
		Status:             contract.ArtifactStatus(a.Status),
		RetryCount:         a.RetryCount,
		LastCompletedStep:  a.LastCompletedStep,
		LastError:          a.LastError,
		ReviewRequired:     a.ReviewRequired,
		RemoteCourseId:     a.RemoteCourseID,
		RemoteAssignmentId: a.RemoteAssignmentID,
		RemoteSubmissionId: a.RemoteSubmissionID,
		UploadedAt:         a.UploadedAt,
		ValidatedAt:        a.ValidatedAt,
		SubmittedAt:        a.SubmittedAt,
		CompletedAt:        a.CompletedAt,
		UpdatedAt:          a.UpdatedAt,
	}
	if id, err := uuid.Parse(a.ID); err == nil {
		dto.Id = id
	}
	if a.BatchContext != "" {
		batch := a.BatchContext
		dto.Batch = &batch
	}
	if staffView {
		hash := a.ContentHash
		dto.ContentHash = &hash
		uploadedBy := a.UploadedBy
		dto.UploadedBy = &uploadedBy
	}
	return dto
}
