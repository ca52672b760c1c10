// admin.go — обработчики /api/v1/admin endpoints.
// Доступ: роль admin (проверяется и middleware сервера, и здесь).
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"github.com/bigkaa/goartstore/exam-bridge/internal/api/contract"
	apierrors "github.com/bigkaa/goartstore/exam-bridge/internal/api/errors"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/rbac"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/workflow"
	"github.com/bigkaa/goartstore/exam-bridge/internal/service"
)

// AdminListArtifacts — GET /api/v1/admin/artifacts.
func (h *APIHandler) AdminListArtifacts(w http.ResponseWriter, r *http.Request, params contract.AdminListArtifactsParams) {
	if _, ok := requireRole(w, r, rbac.RoleAdmin); !ok {
		return
	}

	var status *workflow.Status
	if params.Status != nil {
		st, err := workflow.ParseStatus(string(*params.Status))
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		status = &st
	}

	limit, offset := paginationDefaults(params.Limit, params.Offset)
	items, total, err := h.svc.Admin.ListArtifacts(r.Context(), status, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "список артефактов")
		return
	}

	resp := contract.ArtifactPage{
		Items:  make([]contract.Artifact, 0, len(items)),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
	for _, a := range items {
		resp.Items = append(resp.Items, artifactToDTO(a, true))
	}
	writeJSON(w, http.StatusOK, resp)
}

// adminArtifactOp — административная операция над одним артефактом.
type adminArtifactOp func(ctx context.Context, id string, actor model.Actor) (*model.Artifact, error)

func (h *APIHandler) runAdminOp(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID,
	op adminArtifactOp, operation string,
) {
	claims, ok := requireRole(w, r, rbac.RoleAdmin)
	if !ok {
		return
	}

	a, err := op(r.Context(), artifactID.String(), actorFromClaims(r, claims))
	if err != nil {
		h.writeServiceError(w, err, operation)
		return
	}
	writeJSON(w, http.StatusOK, artifactToDTO(a, true))
}

// AdminEditArtifact — PATCH /api/v1/admin/artifacts/{artifact_id}.
func (h *APIHandler) AdminEditArtifact(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID) {
	claims, ok := requireRole(w, r, rbac.RoleAdmin)
	if !ok {
		return
	}

	var req contract.ArtifactEditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	a, err := h.svc.Admin.Edit(r.Context(), artifactID.String(), service.EditRequest{
		RegisterNumber: deref(req.RegisterNumber),
		SubjectCode:    deref(req.SubjectCode),
	}, actorFromClaims(r, claims))
	if err != nil {
		h.writeServiceError(w, err, "правка артефакта")
		return
	}
	writeJSON(w, http.StatusOK, artifactToDTO(a, true))
}

// AdminResetArtifact — POST /api/v1/admin/artifacts/{artifact_id}/reset.
func (h *APIHandler) AdminResetArtifact(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID) {
	h.runAdminOp(w, r, artifactID, h.svc.Admin.Reset, "сброс артефакта")
}

// AdminArchiveArtifact — POST /api/v1/admin/artifacts/{artifact_id}/archive.
func (h *APIHandler) AdminArchiveArtifact(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID) {
	h.runAdminOp(w, r, artifactID, h.svc.Admin.Archive, "архивирование артефакта")
}

// AdminDeleteArtifact — POST /api/v1/admin/artifacts/{artifact_id}/delete.
func (h *APIHandler) AdminDeleteArtifact(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID) {
	h.runAdminOp(w, r, artifactID, h.svc.Admin.Delete, "удаление артефакта")
}

// AdminClearFingerprint — POST /api/v1/admin/artifacts/{artifact_id}/clear-fingerprint.
func (h *APIHandler) AdminClearFingerprint(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID) {
	h.runAdminOp(w, r, artifactID, h.svc.Admin.ClearFingerprint, "очистка отпечатка")
}

// AdminRetryNow — POST /api/v1/admin/artifacts/{artifact_id}/retry.
func (h *APIHandler) AdminRetryNow(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID) {
	h.runAdminOp(w, r, artifactID, h.svc.Admin.RetryNow, "внеочередной повтор")
}

// AdminArtifactAudit — GET /api/v1/admin/artifacts/{artifact_id}/audit.
func (h *APIHandler) AdminArtifactAudit(w http.ResponseWriter, r *http.Request, artifactID openapi_types.UUID,
	params contract.AuditParams,
) {
	id := artifactID.String()
	h.listAudit(w, r, &id, params)
}

// AdminListAudit — GET /api/v1/admin/audit.
func (h *APIHandler) AdminListAudit(w http.ResponseWriter, r *http.Request, params contract.AuditParams) {
	h.listAudit(w, r, nil, params)
}

func (h *APIHandler) listAudit(w http.ResponseWriter, r *http.Request, artifactID *string, params contract.AuditParams) {
	if _, ok := requireRole(w, r, rbac.RoleAdmin); !ok {
		return
	}

	limit, offset := paginationDefaults(params.Limit, params.Offset)
	entries, err := h.svc.Admin.Audit(r.Context(), artifactID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "журнал аудита")
		return
	}

	resp := contract.AuditList{Items: make([]contract.AuditEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Items = append(resp.Items, auditToDTO(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

// AdminListMappings — GET /api/v1/admin/mappings.
func (h *APIHandler) AdminListMappings(w http.ResponseWriter, r *http.Request, params contract.AdminListMappingsParams) {
	if _, ok := requireRole(w, r, rbac.RoleAdmin); !ok {
		return
	}

	activeOnly := true
	if params.ActiveOnly != nil {
		activeOnly = *params.ActiveOnly
	}

	mappings, err := h.svc.Mappings.List(r.Context(), activeOnly)
	if err != nil {
		h.writeServiceError(w, err, "список маппингов")
		return
	}

	resp := contract.MappingList{Items: make([]contract.Mapping, 0, len(mappings))}
	for _, m := range mappings {
		resp.Items = append(resp.Items, mappingToDTO(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

// AdminUpsertMapping — PUT /api/v1/admin/mappings/{subject_code}.
func (h *APIHandler) AdminUpsertMapping(w http.ResponseWriter, r *http.Request, subjectCode string) {
	claims, ok := requireRole(w, r, rbac.RoleAdmin)
	if !ok {
		return
	}

	var req contract.MappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	m, err := h.svc.Mappings.Upsert(r.Context(), &model.SubjectMapping{
		SubjectCode:        subjectCode,
		SubjectName:        req.SubjectName,
		RemoteCourseID:     req.RemoteCourseId,
		RemoteAssignmentID: req.RemoteAssignmentId,
		AssignmentName:     req.AssignmentName,
		ExamSession:        req.ExamSession,
	}, actorFromClaims(r, claims))
	if err != nil {
		h.writeServiceError(w, err, "обновление маппинга")
		return
	}
	writeJSON(w, http.StatusOK, mappingToDTO(m))
}

// AdminDiscoverAssignments — GET /api/v1/admin/mappings/discover.
func (h *APIHandler) AdminDiscoverAssignments(w http.ResponseWriter, r *http.Request,
	params contract.AdminDiscoverAssignmentsParams,
) {
	if _, ok := requireRole(w, r, rbac.RoleAdmin); !ok {
		return
	}

	items, err := h.svc.Discovery.Discover(r.Context(), params.CourseId)
	if err != nil {
		h.writeServiceError(w, err, "список заданий LMS")
		return
	}

	resp := contract.DiscoveredAssignmentList{Items: make([]contract.DiscoveredAssignment, 0, len(items))}
	for _, d := range items {
		resp.Items = append(resp.Items, contract.DiscoveredAssignment{
			AssignmentId: d.ID,
			CourseId:     d.CourseID,
			Cmid:         d.ModuleID,
			Name:         d.Name,
			SubjectCode:  optional(d.SubjectCode),
			MappedTo:     optional(d.MappedTo),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// AdminSyncMappings — POST /api/v1/admin/mappings/sync.
func (h *APIHandler) AdminSyncMappings(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireRole(w, r, rbac.RoleAdmin)
	if !ok {
		return
	}

	var req contract.MappingSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}
	dryRun := req.DryRun != nil && *req.DryRun

	res, err := h.svc.Discovery.Sync(r.Context(), req.CourseIds, dryRun, actorFromClaims(r, claims))
	if err != nil {
		h.writeServiceError(w, err, "синхронизация маппингов")
		return
	}

	resp := contract.MappingSyncResult{
		DryRun:  res.DryRun,
		Created: res.Created,
		Items:   make([]contract.MappingSyncItem, 0, len(res.Items)),
	}
	for _, it := range res.Items {
		resp.Items = append(resp.Items, contract.MappingSyncItem{
			SubjectCode:  optional(it.SubjectCode),
			CourseId:     it.CourseID,
			AssignmentId: it.AssignmentID,
			Name:         it.Name,
			Action:       string(it.Action),
			Reason:       optional(it.Reason),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// AdminBindMapping — POST /api/v1/admin/mappings/{subject_code}/bind.
func (h *APIHandler) AdminBindMapping(w http.ResponseWriter, r *http.Request, subjectCode string) {
	claims, ok := requireRole(w, r, rbac.RoleAdmin)
	if !ok {
		return
	}

	var req contract.MappingBindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	m, err := h.svc.Discovery.BindModule(r.Context(), subjectCode, req.Cmid, req.CourseIds, actorFromClaims(r, claims))
	if err != nil {
		h.writeServiceError(w, err, "привязка предмета")
		return
	}
	writeJSON(w, http.StatusOK, mappingToDTO(m))
}

// AdminImportIdentities — POST /api/v1/admin/identities.
func (h *APIHandler) AdminImportIdentities(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, rbac.RoleAdmin); !ok {
		return
	}

	var req contract.IdentityImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}
	if len(req.Items) == 0 {
		apierrors.ValidationError(w, "Список items пуст")
		return
	}

	items := make([]*model.RemoteIdentity, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, &model.RemoteIdentity{
			RemoteUsername: it.RemoteUsername,
			RegisterNumber: it.RegisterNumber,
			RemoteUserID:   it.RemoteUserId,
		})
	}

	n, err := h.svc.Admin.ImportIdentities(r.Context(), items)
	if err != nil {
		h.writeServiceError(w, err, "импорт идентичностей")
		return
	}
	writeJSON(w, http.StatusOK, contract.IdentityImportResponse{Imported: n})
}

// AdminStats — GET /api/v1/admin/stats.
func (h *APIHandler) AdminStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, rbac.RoleAdmin); !ok {
		return
	}

	stats, err := h.svc.Stats.Collect(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "операционная сводка")
		return
	}

	resp := contract.Stats{
		Queue: contract.QueueStats{
			Depth:     stats.Queue.Depth(),
			Queued:    stats.Queue.Queued,
			InFlight:  stats.Queue.InFlight,
			Exhausted: stats.Queue.Exhausted,
			DueNow:    stats.Queue.DueNow,
		},
		ReviewRequired: stats.ReviewRequired,
		ByStatus:       make(map[string]int, len(stats.ByStatus)),
		Mappings:       make([]contract.MappingHealth, 0, len(stats.Mappings)),
		Identities:     stats.Identities,
		LinkedAccounts: stats.LinkedAccounts,
	}
	for st, n := range stats.ByStatus {
		resp.ByStatus[string(st)] = n
	}
	for _, m := range stats.Mappings {
		resp.Mappings = append(resp.Mappings, contract.MappingHealth{
			SubjectCode:        m.SubjectCode,
			RemoteCourseId:     m.RemoteCourseID,
			RemoteAssignmentId: m.RemoteAssignmentID,
			LastVerifiedAt:     m.LastVerifiedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// AdminSweep — POST /api/v1/admin/sweep.
func (h *APIHandler) AdminSweep(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, rbac.RoleAdmin); !ok {
		return
	}

	res, err := h.svc.Sweeper.Sweep(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "обход очереди")
		return
	}
	writeJSON(w, http.StatusOK, contract.SweepResult{
		Recovered: res.Recovered,
		Claimed:   res.Claimed,
		Completed: res.Completed,
		Requeued:  res.Requeued,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
		Errors:    res.Errors,
	})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func mappingToDTO(m *model.SubjectMapping) contract.Mapping {
	dto := contract.Mapping{
		SubjectCode:        m.SubjectCode,
		SubjectName:        m.SubjectName,
		RemoteCourseId:     m.RemoteCourseID,
		RemoteAssignmentId: m.RemoteAssignmentID,
		AssignmentName:     m.AssignmentName,
		ExamSession:        m.ExamSession,
		Active:             m.Active,
		LastVerifiedAt:     m.LastVerifiedAt,
		CreatedAt:          m.CreatedAt,
	}
	if id, err := uuid.Parse(m.ID); err == nil {
		dto.Id = id
	}
	return dto
}

func auditToDTO(e *model.AuditEntry) contract.AuditEntry {
	dto := contract.AuditEntry{
		Id:             e.ID,
		Action:         string(e.Action),
		ActorKind:      string(e.Actor.Kind),
		Request:        e.Request,
		Response:       e.Response,
		Error:          e.Error,
		RemoteFunction: e.RemoteFunction,
		RemoteStatus:   e.RemoteStatus,
		CreatedAt:      e.CreatedAt,
	}
	if e.Actor.ID != "" {
		dto.ActorId = &e.Actor.ID
	}
	if e.Actor.Username != "" {
		dto.ActorUsername = &e.Actor.Username
	}
	if e.Actor.IP != "" {
		dto.ActorIp = &e.Actor.IP
	}
	if e.ArtifactID != nil {
		if id, err := uuid.Parse(*e.ArtifactID); err == nil {
			dto.ArtifactId = &id
		}
	}
	return dto
}
