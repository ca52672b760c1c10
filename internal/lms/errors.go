package lms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Class — класс ошибки LMS.
type Class string

const (
	// ClassTransient — вероятно пройдёт при повторе (таймаут, 5xx, rate limit, обслуживание).
	ClassTransient Class = "transient"
	// ClassPermanent — без вмешательства не пройдёт (права, закрытое окно сдачи, нет задания).
	ClassPermanent Class = "permanent"
)

// transientCodes — коды исключений Moodle, означающие временную недоступность.
var transientCodes = map[string]bool{
	"moodleoff":           true,
	"maintenance":         true,
	"sitemaintenance":     true,
	"servicenotavailable": true,
}

// Error — ошибка вызова LMS.
type Error struct {
	// Function — wsfunction или endpoint (upload.php, login/token.php)
	Function string
	Class    Class
	// StatusCode — HTTP-статус (0, если ответа не было)
	StatusCode int
	// Code — errorcode/warningcode Moodle
	Code    string
	Message string
	// Timeout — истёк таймаут запроса: удалённая сторона могла выполнить вызов
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "LMS %s: %s", e.Function, e.Class)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ", HTTP %d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ", %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient сообщает, имеет ли смысл повторить вызов.
// Ошибки, не являющиеся *Error, считаются временными.
func IsTransient(err error) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Class == ClassTransient
	}
	return err != nil
}

// IsTimeout сообщает, что вызов прерван по таймауту.
func IsTimeout(err error) bool {
	var le *Error
	return errors.As(err, &le) && le.Timeout
}

// networkError классифицирует ошибку транспорта: всегда transient.
func networkError(function string, err error) *Error {
	e := &Error{Function: function, Class: ClassTransient, Message: "ошибка соединения", Err: err}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		e.Timeout = true
		e.Message = "таймаут запроса"
	}
	return e
}

// statusError классифицирует HTTP-статус, отличный от 200.
func statusError(function string, status int, body []byte) *Error {
	class := ClassPermanent
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly,
		status == http.StatusTooManyRequests, status >= 500:
		class = ClassTransient
	}
	return &Error{
		Function:   function,
		Class:      class,
		StatusCode: status,
		Message:    truncate(string(body), 200),
	}
}

// exceptionError классифицирует исключение Moodle (HTTP 200 с полем exception/error).
func exceptionError(function, code, message string) *Error {
	class := ClassPermanent
	lower := strings.ToLower(message)
	if transientCodes[code] ||
		strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "temporarily unavailable") {
		class = ClassTransient
	}
	return &Error{
		Function:   function,
		Class:      class,
		StatusCode: http.StatusOK,
		Code:       code,
		Message:    message,
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
