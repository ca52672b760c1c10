// Пакет workflow — конечный автомат статусов артефакта.
//
// Основная цепочка: PENDING → VALIDATED → SUBMITTING → SUBMITTED_TO_LMS → COMPLETED.
// FAILED достижим из SUBMITTING (и после частичного успеха из SUBMITTED_TO_LMS),
// AWAITING_RETRY — подсостояние FAILED, пока жива запись очереди повторов.
// ARCHIVED/DELETED — административные статусы, достижимые из любого статуса,
// кроме SUBMITTING и SUBMITTED_TO_LMS (попытка ещё выполняется).
//
// Статус хранится в БД; пакет только валидирует переходы.
package workflow

import "fmt"

// Status — статус артефакта.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusValidated      Status = "VALIDATED"
	StatusSubmitting     Status = "SUBMITTING"
	StatusSubmittedToLMS Status = "SUBMITTED_TO_LMS"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusAwaitingRetry  Status = "AWAITING_RETRY"
	StatusArchived       Status = "ARCHIVED"
	StatusDeleted        Status = "DELETED"
)

// Шаги трёхшаговой отправки. Значение LastCompletedStep артефакта.
const (
	StepNone      = 0
	StepUploaded  = 1 // файл в draft area, есть draft item id
	StepSaved     = 2 // черновик сохранён как ответ на задание
	StepFinalized = 3 // отправлено на оценку
)

// validTransitions — матрица допустимых переходов, инициируемых движком отправки.
// Административные переходы (archive, delete, reset) описаны отдельно.
var validTransitions = map[Status]map[Status]bool{
	StatusPending:        {StatusValidated: true},
	StatusValidated:      {StatusSubmitting: true},
	StatusSubmitting:     {StatusSubmittedToLMS: true, StatusCompleted: true, StatusFailed: true, StatusAwaitingRetry: true},
	StatusSubmittedToLMS: {StatusCompleted: true, StatusFailed: true, StatusAwaitingRetry: true},
	StatusAwaitingRetry:  {StatusSubmitting: true, StatusFailed: true},
	StatusCompleted:      {},
	StatusFailed:         {},
	StatusArchived:       {},
	StatusDeleted:        {},
}

// rank — порядок статусов для проверки монотонности.
// SUBMITTING, SUBMITTED_TO_LMS и AWAITING_RETRY делят один ранг: внутри него
// прогресс отражает LastCompletedStep, который не убывает.
var rank = map[Status]int{
	StatusPending:        0,
	StatusValidated:      1,
	StatusSubmitting:     2,
	StatusSubmittedToLMS: 2,
	StatusAwaitingRetry:  2,
	StatusCompleted:      3,
	StatusFailed:         3,
}

// TransitionError — ошибка перехода между статусами.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_TRANSITION, SUBMISSION_IN_FLIGHT)
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CanTransition проверяет, допустим ли переход from → to.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// Transition валидирует переход и возвращает TransitionError, если он недопустим.
func Transition(from, to Status) error {
	if !IsValid(to) {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("недопустимый целевой статус: %q", to),
		}
	}
	if !CanTransition(from, to) {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход %s → %s недопустим", from, to),
		}
	}
	return nil
}

// CanSubmit сообщает, можно ли начинать попытку отправки из статуса s.
func CanSubmit(s Status) bool {
	return s == StatusPending || s == StatusValidated || s == StatusAwaitingRetry
}

// IsTerminal — COMPLETED и FAILED (после исчерпания или постоянной ошибки).
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsAdministrative — ARCHIVED и DELETED.
func IsAdministrative(s Status) bool {
	return s == StatusArchived || s == StatusDeleted
}

// IsInFlight — попытка отправки захвачена и ещё не завершена:
// SUBMITTING и SUBMITTED_TO_LMS (шаг 3 не выполнен).
func IsInFlight(s Status) bool {
	return s == StatusSubmitting || s == StatusSubmittedToLMS
}

// ErrCodeInFlight — код TransitionError для артефакта с незавершённой попыткой.
const ErrCodeInFlight = "SUBMISSION_IN_FLIGHT"

func inFlightError(from Status) *TransitionError {
	return &TransitionError{
		Code:    ErrCodeInFlight,
		Message: fmt.Sprintf("артефакт в процессе отправки (%s)", from),
	}
}

// CanArchiveOrDelete проверяет административный переход в ARCHIVED/DELETED.
// Во время попытки отправки запрещён: удалённый побочный эффект не отменить.
func CanArchiveOrDelete(from, to Status) error {
	if to != StatusArchived && to != StatusDeleted {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("%s не является административным статусом", to),
		}
	}
	if IsInFlight(from) {
		return inFlightError(from)
	}
	if from == StatusDeleted || from == to {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход %s → %s недопустим", from, to),
		}
	}
	return nil
}

// CanReset проверяет административный сброс в PENDING.
func CanReset(from Status) error {
	switch from {
	case StatusSubmitting, StatusSubmittedToLMS:
		return inFlightError(from)
	case StatusDeleted, StatusPending:
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("сброс из %s недопустим", from),
		}
	}
	return nil
}

// Rank возвращает позицию статуса в порядке монотонности
// и false для административных статусов.
func Rank(s Status) (int, bool) {
	r, ok := rank[s]
	return r, ok
}

// IsValid проверяет, является ли строка допустимым статусом.
func IsValid(s Status) bool {
	_, ok := validTransitions[s]
	return ok
}

// ParseStatus преобразует строку в Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !IsValid(st) {
		return "", fmt.Errorf("недопустимый статус: %q", s)
	}
	return st, nil
}

// AllStatuses возвращает все статусы в порядке жизненного цикла.
func AllStatuses() []Status {
	return []Status{
		StatusPending, StatusValidated, StatusSubmitting, StatusSubmittedToLMS,
		StatusCompleted, StatusAwaitingRetry, StatusFailed, StatusArchived, StatusDeleted,
	}
}
