// lms.go — обработчики /api/v1/lms/link: привязка учётной записи LMS студента.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/bigkaa/goartstore/exam-bridge/internal/api/contract"
	apierrors "github.com/bigkaa/goartstore/exam-bridge/internal/api/errors"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
	"github.com/bigkaa/goartstore/exam-bridge/internal/service"
)

// GetLMSLink — GET /api/v1/lms/link.
func (h *APIHandler) GetLMSLink(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	cred, err := h.svc.Credentials.Status(r.Context(), identityFromClaims(claims))
	if err != nil {
		h.writeServiceError(w, err, "привязка LMS")
		return
	}
	writeJSON(w, http.StatusOK, linkToDTO(cred))
}

// LinkLMSAccount — POST /api/v1/lms/link.
// Пароль передаётся в LMS для выпуска токена и нигде не сохраняется.
func (h *APIHandler) LinkLMSAccount(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	var req contract.LMSLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	cred, err := h.svc.Credentials.Link(r.Context(), identityFromClaims(claims), service.LinkRequest{
		Username: deref(req.Username),
		Password: deref(req.Password),
		Token:    deref(req.Token),
	}, actorFromClaims(r, claims))
	if err != nil {
		h.writeServiceError(w, err, "привязка LMS")
		return
	}
	writeJSON(w, http.StatusOK, linkToDTO(cred))
}

// UnlinkLMSAccount — DELETE /api/v1/lms/link.
func (h *APIHandler) UnlinkLMSAccount(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	if err := h.svc.Credentials.Unlink(r.Context(), identityFromClaims(claims), actorFromClaims(r, claims)); err != nil {
		h.writeServiceError(w, err, "удаление привязки LMS")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func linkToDTO(c *model.LMSCredential) contract.LMSLink {
	return contract.LMSLink{
		RegisterNumber: c.RegisterNumber,
		RemoteUserId:   c.RemoteUserID,
		RemoteUsername: c.RemoteUsername,
		LinkedAt:       c.UpdatedAt,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
