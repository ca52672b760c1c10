package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// Коды завершения.
const (
	ExitSuccess      = 0 // Успешное выполнение
	ExitFailure      = 1 // Операция отклонена (недопустимый переход, не найден, ошибка LMS)
	ExitCommandError = 2 // Ошибка команды (конфигурация, подключение к БД, входной файл)
)

// ExitError — ошибка с кодом завершения процесса.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError создаёт ExitError с кодом и сообщением.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError оборачивает ошибку с кодом завершения.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode извлекает код завершения из ошибки.
// Для ошибок, не являющихся ExitError, возвращает ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// printer выводит результат команды в выбранном формате.
type printer struct {
	format  string
	out     io.Writer
	errOut  io.Writer
	verbose bool
}

func newPrinter(opts *RootOptions, cmd *cobra.Command) *printer {
	return &printer{
		format:  opts.Format,
		out:     cmd.OutOrStdout(),
		errOut:  cmd.ErrOrStderr(),
		verbose: opts.Verbose,
	}
}

// emit выводит data как JSON либо таблицу, построенную text.
func (p *printer) emit(data any, text func(tw *tabwriter.Writer)) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}

	tw := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}

// debugf пишет диагностическое сообщение в stderr при --verbose.
func (p *printer) debugf(format string, args ...any) {
	if p.verbose {
		fmt.Fprintf(p.errOut, format+"\n", args...)
	}
}
