// errors.go — ошибки бизнес-логики сервисного слоя.
//
// Каждый вид ошибки — отдельный sentinel. Сервисы возвращают *Error,
// который несёт вид, человекочитаемую причину и исходную ошибку;
// errors.Is(err, ErrDuplicateSubmission) работает по виду.
package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFilename — имя файла не соответствует контракту.
	ErrInvalidFilename = errors.New("некорректное имя файла")
	// ErrDuplicateSubmission — отпечаток уже зарегистрирован.
	ErrDuplicateSubmission = errors.New("повторная загрузка")
	// ErrAmbiguousIdentity — идентичность пользователя не определена однозначно.
	ErrAmbiguousIdentity = errors.New("неоднозначная идентичность")
	// ErrMappingNotFound — нет активного маппинга для кода предмета.
	ErrMappingNotFound = errors.New("маппинг предмета не найден")
	// ErrAlreadyInProgress — попытка отправки уже выполняется.
	ErrAlreadyInProgress = errors.New("отправка уже выполняется")
	// ErrTransient — временная ошибка удалённой системы, будет повтор.
	ErrTransient = errors.New("временная ошибка LMS")
	// ErrPermanent — постоянная ошибка удалённой системы.
	ErrPermanent = errors.New("постоянная ошибка LMS")
	// ErrInvalidState — операция недопустима в текущем статусе.
	ErrInvalidState = errors.New("недопустимый статус артефакта")
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrForbidden — нет доступа к ресурсу.
	ErrForbidden = errors.New("доступ запрещён")
	// ErrCredentialRequired — студент не привязал учётную запись LMS.
	ErrCredentialRequired = errors.New("требуется привязка учётной записи LMS")
)

// Error — классифицированная ошибка сервиса.
type Error struct {
	// Kind — один из sentinel-ов выше
	Kind error
	// Reason — причина для пользователя (в том числе текст удалённой системы)
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Reason)
}

// Is сравнивает по виду ошибки.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind error, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// Reason возвращает причину из *Error или текст ошибки.
func Reason(err error) string {
	var se *Error
	if errors.As(err, &se) && se.Reason != "" {
		return se.Reason
	}
	return err.Error()
}
