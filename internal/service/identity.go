// identity.go — определение артефактов, доступных пользователю.
//
// Пользователь идентифицируется либо регистрационным номером из сессии
// (ровно 12 цифр), либо парой (id, username) учётной записи LMS,
// которая сопоставляется номеру через таблицу remote_identities.
// Неполные или противоречивые данные — всегда ErrAmbiguousIdentity.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/naming"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/workflow"
	"github.com/bigkaa/goartstore/exam-bridge/internal/repository"
)

// IdentityClaims — заявленная идентичность аутентифицированного пользователя.
type IdentityClaims struct {
	RegisterNumber string
	RemoteUserID   string
	RemoteUsername string
}

// IdentityResolver сопоставляет пользователя с его артефактами.
type IdentityResolver struct {
	identities repository.IdentityRepository
	artifacts  repository.ArtifactRepository
	audit      repository.AuditRepository
	logger     *slog.Logger
}

// NewIdentityResolver создаёт IdentityResolver.
func NewIdentityResolver(repos *repository.Repos, logger *slog.Logger) *IdentityResolver {
	return &IdentityResolver{
		identities: repos.Identities,
		artifacts:  repos.Artifacts,
		audit:      repos.Audit,
		logger:     logger.With(slog.String("component", "identity_resolver")),
	}
}

// Resolve возвращает регистрационный номер пользователя.
// Пустая строка без ошибки — учётная запись LMS не сопоставлена ни одному номеру.
func (r *IdentityResolver) Resolve(ctx context.Context, c IdentityClaims) (string, error) {
	regNo := strings.TrimSpace(c.RegisterNumber)
	userID := strings.TrimSpace(c.RemoteUserID)
	username := strings.TrimSpace(c.RemoteUsername)

	if regNo != "" && !naming.ValidRegisterNumber(regNo) {
		return "", r.ambiguous("регистрационный номер в сессии должен состоять ровно из 12 цифр", c)
	}
	hasPair := userID != "" && username != ""
	if regNo == "" && !hasPair {
		return "", r.ambiguous("нужен регистрационный номер или пара id и имя пользователя LMS", c)
	}
	if !hasPair {
		return regNo, nil
	}

	ri, err := r.identities.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Учётная запись не сопоставлена: остаётся только номер из сессии
			return regNo, nil
		}
		return "", fmt.Errorf("поиск идентичности %s: %w", username, err)
	}

	if ri.RemoteUserID != nil && *ri.RemoteUserID != userID {
		return "", r.ambiguous("id пользователя LMS не совпадает с сохранённым", c)
	}
	if regNo != "" && regNo != ri.RegisterNumber {
		return "", r.ambiguous("номер из сессии не совпадает с номером учётной записи LMS", c)
	}
	return ri.RegisterNumber, nil
}

// ListForIdentity возвращает неудалённые артефакты пользователя в порядке загрузки.
func (r *IdentityResolver) ListForIdentity(ctx context.Context, c IdentityClaims) ([]*model.Artifact, error) {
	regNo, err := r.Resolve(ctx, c)
	if err != nil {
		return nil, err
	}
	if regNo == "" {
		return []*model.Artifact{}, nil
	}

	artifacts, err := r.artifacts.ListByRegisterNumber(ctx, regNo)
	if err != nil {
		return nil, fmt.Errorf("список артефактов пользователя: %w", err)
	}
	if artifacts == nil {
		artifacts = []*model.Artifact{}
	}
	return artifacts, nil
}

// Owns проверяет, что артефакт адресован пользователю. Архивные и удалённые
// артефакты для студента не существуют: ErrNotFound.
func (r *IdentityResolver) Owns(ctx context.Context, c IdentityClaims, a *model.Artifact) error {
	if workflow.IsAdministrative(a.Status) {
		return newError(ErrNotFound, fmt.Sprintf("артефакт %s не найден", a.ID), nil)
	}
	regNo, err := r.Resolve(ctx, c)
	if err != nil {
		return err
	}
	if regNo == "" || a.ParsedRegNo != regNo {
		return newError(ErrForbidden, "артефакт адресован другому пользователю", nil)
	}
	return nil
}

// RecordView фиксирует просмотр артефакта студентом.
func (r *IdentityResolver) RecordView(ctx context.Context, a *model.Artifact, actor model.Actor) error {
	view := map[string]any{"status": a.Status}
	if err := appendAudit(ctx, r.audit, model.AuditView, actor, a.ID, nil, view, nil); err != nil {
		return fmt.Errorf("аудит просмотра %s: %w", a.ID, err)
	}
	return nil
}

func (r *IdentityResolver) ambiguous(reason string, c IdentityClaims) error {
	r.logger.Warn("Неоднозначная идентичность",
		slog.String("reason", reason),
		slog.Bool("has_register_number", c.RegisterNumber != ""),
		slog.Bool("has_remote_user_id", c.RemoteUserID != ""),
		slog.Bool("has_remote_username", c.RemoteUsername != ""),
	)
	return newError(ErrAmbiguousIdentity, reason, nil)
}
