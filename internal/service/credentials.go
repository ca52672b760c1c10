// credentials.go — привязка учётной записи LMS студента.
//
// Шаги mod_assign создают и отправляют ответ владельца токена, поэтому
// каждая отправка выполняется токеном, выпущенным на учётную запись
// студента. Студент привязывает её один раз: паролем (токен выпускает
// login/token.php, пароль не сохраняется) или готовым токеном. Токен
// хранится зашифрованным, AAD — регистрационный номер.
//
// Привязка закрыта при любом противоречии: учётная запись LMS,
// уже сопоставленная другому номеру, или имя из сессии, отличное от
// владельца токена, дают ErrAmbiguousIdentity.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bigkaa/goartstore/exam-bridge/internal/credential"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
	"github.com/bigkaa/goartstore/exam-bridge/internal/lms"
	"github.com/bigkaa/goartstore/exam-bridge/internal/repository"
)

// LinkRequest — данные для привязки: пара логин/пароль или готовый токен.
type LinkRequest struct {
	Username string
	Password string
	Token    string
}

// CredentialService управляет привязками учётных записей LMS.
type CredentialService struct {
	repos    *repository.Repos
	uow      UnitOfWork
	identity *IdentityResolver
	accounts LMSAccounts
	sealer   *credential.Sealer
	logger   *slog.Logger
}

// NewCredentialService создаёт CredentialService.
func NewCredentialService(
	repos *repository.Repos,
	uow UnitOfWork,
	identity *IdentityResolver,
	accounts LMSAccounts,
	sealer *credential.Sealer,
	logger *slog.Logger,
) *CredentialService {
	return &CredentialService{
		repos:    repos,
		uow:      uow,
		identity: identity,
		accounts: accounts,
		sealer:   sealer,
		logger:   logger.With(slog.String("component", "lms_credentials")),
	}
}

// Link выпускает или принимает токен студента, проверяет его владельца
// и сохраняет привязку к регистрационному номеру пользователя.
func (s *CredentialService) Link(ctx context.Context, c IdentityClaims, req LinkRequest, actor model.Actor) (*model.LMSCredential, error) {
	regNo, err := s.identity.Resolve(ctx, c)
	if err != nil {
		return nil, err
	}
	if regNo == "" {
		return nil, s.identity.ambiguous("учётная запись LMS не сопоставлена регистрационному номеру", c)
	}

	token, err := s.obtainToken(ctx, req)
	if err != nil {
		return nil, err
	}

	info, err := s.accounts.SiteInfoAs(ctx, token)
	if err != nil {
		return nil, remoteError(err, "проверка токена LMS")
	}

	if name := strings.TrimSpace(c.RemoteUsername); name != "" && name != info.Username {
		return nil, s.identity.ambiguous("токен выпущен на другую учётную запись LMS", c)
	}

	sealed, err := s.sealer.Seal([]byte(token), regNo)
	if err != nil {
		return nil, fmt.Errorf("шифрование токена LMS: %w", err)
	}

	cred := &model.LMSCredential{
		RegisterNumber:  regNo,
		RemoteUserID:    info.UserID,
		RemoteUsername:  info.Username,
		TokenCiphertext: sealed,
	}
	userID := strconv.FormatInt(info.UserID, 10)

	err = s.uow.WithinTx(ctx, func(r *repository.Repos) error {
		ri, err := r.Identities.GetByUsername(ctx, info.Username)
		switch {
		case errors.Is(err, repository.ErrNotFound):
		case err != nil:
			return err
		case ri.RegisterNumber != regNo:
			return s.identity.ambiguous("учётная запись LMS сопоставлена другому регистрационному номеру", c)
		case ri.RemoteUserID != nil && *ri.RemoteUserID != userID:
			return s.identity.ambiguous("id пользователя LMS не совпадает с сохранённым", c)
		}

		if err := r.Identities.Upsert(ctx, &model.RemoteIdentity{
			RemoteUsername: info.Username,
			RegisterNumber: regNo,
			RemoteUserID:   &userID,
		}); err != nil {
			return err
		}
		if err := r.Credentials.Upsert(ctx, cred); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return s.identity.ambiguous("учётная запись LMS уже привязана к другому студенту", c)
			}
			return err
		}
		resp := map[string]any{"remote_user_id": info.UserID, "remote_username": info.Username}
		return appendAudit(ctx, r.Audit, model.AuditLMSLink, actor, "", map[string]any{"method": linkMethod(req)}, resp, nil)
	})
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, fmt.Errorf("сохранение привязки LMS: %w", err)
	}

	s.logger.Info("Учётная запись LMS привязана",
		slog.String("register_number", regNo),
		slog.Int64("remote_user_id", info.UserID),
		slog.String("method", linkMethod(req)),
	)
	cred.TokenCiphertext = nil
	return cred, nil
}

// Status возвращает привязку пользователя без токена.
func (s *CredentialService) Status(ctx context.Context, c IdentityClaims) (*model.LMSCredential, error) {
	regNo, err := s.identity.Resolve(ctx, c)
	if err != nil {
		return nil, err
	}
	if regNo == "" {
		return nil, newError(ErrCredentialRequired, "учётная запись LMS не привязана", nil)
	}

	cred, err := s.repos.Credentials.Get(ctx, regNo)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(ErrCredentialRequired, "учётная запись LMS не привязана", err)
		}
		return nil, fmt.Errorf("получение привязки LMS: %w", err)
	}
	cred.TokenCiphertext = nil
	return cred, nil
}

// Unlink удаляет привязку пользователя.
func (s *CredentialService) Unlink(ctx context.Context, c IdentityClaims, actor model.Actor) error {
	regNo, err := s.identity.Resolve(ctx, c)
	if err != nil {
		return err
	}
	if regNo == "" {
		return newError(ErrNotFound, "привязка LMS не найдена", nil)
	}

	err = s.uow.WithinTx(ctx, func(r *repository.Repos) error {
		if err := r.Credentials.Delete(ctx, regNo); err != nil {
			return err
		}
		return appendAudit(ctx, r.Audit, model.AuditLMSUnlink, actor, "", map[string]any{"register_number": regNo}, nil, nil)
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return newError(ErrNotFound, "привязка LMS не найдена", err)
		}
		return fmt.Errorf("удаление привязки LMS: %w", err)
	}

	s.logger.Info("Привязка LMS удалена", slog.String("register_number", regNo))
	return nil
}

// ForRegisterNumber расшифровывает токен студента для шагов отправки.
func (s *CredentialService) ForRegisterNumber(ctx context.Context, regNo string) (lms.Credential, error) {
	cred, err := s.repos.Credentials.Get(ctx, regNo)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return lms.Credential{}, newError(ErrCredentialRequired,
				fmt.Sprintf("студент %s не привязал учётную запись LMS", regNo), err)
		}
		return lms.Credential{}, fmt.Errorf("получение привязки LMS %s: %w", regNo, err)
	}

	token, err := s.sealer.Open(cred.TokenCiphertext, regNo)
	if err != nil {
		s.logger.Error("Токен LMS не расшифрован, нужна повторная привязка",
			slog.String("register_number", regNo),
		)
		return lms.Credential{}, newError(ErrCredentialRequired,
			fmt.Sprintf("токен LMS студента %s недействителен, повторите привязку", regNo), err)
	}
	return lms.Credential{Token: string(token), UserID: cred.RemoteUserID}, nil
}

func (s *CredentialService) obtainToken(ctx context.Context, req LinkRequest) (string, error) {
	token := strings.TrimSpace(req.Token)
	username := strings.TrimSpace(req.Username)
	switch {
	case token != "" && (username != "" || req.Password != ""):
		return "", newError(ErrValidation, "укажите либо токен, либо логин и пароль LMS", nil)
	case token != "":
		return token, nil
	case username == "" || req.Password == "":
		return "", newError(ErrValidation, "нужны логин и пароль LMS или токен", nil)
	}

	token, err := s.accounts.IssueToken(ctx, username, req.Password)
	if err != nil {
		return "", remoteError(err, "выпуск токена LMS")
	}
	return token, nil
}

// remoteError переводит ошибку LMS при привязке в ошибку сервиса.
func remoteError(err error, what string) error {
	var le *lms.Error
	if errors.As(err, &le) {
		msg := le.Message
		if msg == "" {
			msg = le.Error()
		}
		if le.Class == lms.ClassTransient {
			return newError(ErrTransient, what+": "+msg, err)
		}
		return newError(ErrValidation, what+": "+msg, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func linkMethod(req LinkRequest) string {
	if strings.TrimSpace(req.Token) != "" {
		return "token"
	}
	return "password"
}
