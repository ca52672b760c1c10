package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/workflow"
	"github.com/bigkaa/goartstore/exam-bridge/internal/service"
)

// artifactView — артефакт в выводе CLI.
type artifactView struct {
	ID                 string          `json:"id"`
	NormalizedFilename string          `json:"normalized_filename"`
	RegisterNumber     string          `json:"register_number"`
	SubjectCode        string          `json:"subject_code"`
	Batch              string          `json:"batch,omitempty"`
	Status             workflow.Status `json:"status"`
	RetryCount         int             `json:"retry_count"`
	LastCompletedStep  int             `json:"last_completed_step"`
	ReviewRequired     bool            `json:"review_required"`
	LastError          *string         `json:"last_error,omitempty"`
	RemoteSubmissionID *int64          `json:"remote_submission_id,omitempty"`
	Fingerprinted      bool            `json:"fingerprinted"`
	UploadedAt         time.Time       `json:"uploaded_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func toArtifactView(a *model.Artifact) artifactView {
	return artifactView{
		ID:                 a.ID,
		NormalizedFilename: a.NormalizedFilename,
		RegisterNumber:     a.ParsedRegNo,
		SubjectCode:        a.ParsedSubjectCode,
		Batch:              a.BatchContext,
		Status:             a.Status,
		RetryCount:         a.RetryCount,
		LastCompletedStep:  a.LastCompletedStep,
		ReviewRequired:     a.ReviewRequired,
		LastError:          a.LastError,
		RemoteSubmissionID: a.RemoteSubmissionID,
		Fingerprinted:      a.Fingerprint != nil,
		UploadedAt:         a.UploadedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

// auditView — запись журнала аудита в выводе CLI.
type auditView struct {
	ID             int64             `json:"id"`
	Action         model.AuditAction `json:"action"`
	ActorKind      model.ActorKind   `json:"actor_kind"`
	ActorUsername  string            `json:"actor_username,omitempty"`
	ArtifactID     *string           `json:"artifact_id,omitempty"`
	Request        json.RawMessage   `json:"request,omitempty"`
	Response       json.RawMessage   `json:"response,omitempty"`
	Error          json.RawMessage   `json:"error,omitempty"`
	RemoteFunction *string           `json:"remote_function,omitempty"`
	RemoteStatus   *int              `json:"remote_status,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// artifactOp — административная операция над одним артефактом.
type artifactOp struct {
	use   string
	short string
	call  func(b *Backend) func(ctx context.Context, id string, actor model.Actor) (*model.Artifact, error)
}

var artifactOps = []artifactOp{
	{"reset", "Вернуть артефакт в PENDING (id LMS, шаг и счётчик попыток сбрасываются)",
		func(b *Backend) func(context.Context, string, model.Actor) (*model.Artifact, error) {
			return b.Admin.Reset
		}},
	{"archive", "Перевести артефакт в ARCHIVED",
		func(b *Backend) func(context.Context, string, model.Actor) (*model.Artifact, error) {
			return b.Admin.Archive
		}},
	{"delete", "Перевести артефакт в DELETED (мягкое удаление)",
		func(b *Backend) func(context.Context, string, model.Actor) (*model.Artifact, error) {
			return b.Admin.Delete
		}},
	{"clear-fingerprint", "Очистить отпечаток, разрешив повторную загрузку того же файла",
		func(b *Backend) func(context.Context, string, model.Actor) (*model.Artifact, error) {
			return b.Admin.ClearFingerprint
		}},
	{"retry", "Сделать запись очереди повторов доступной немедленно",
		func(b *Backend) func(context.Context, string, model.Actor) (*model.Artifact, error) {
			return b.Admin.RetryNow
		}},
}

// NewArtifactsCommand создаёт группу команд artifacts.
func NewArtifactsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Просмотр и ручное управление артефактами",
	}

	var (
		status        string
		limit, offset int
	)
	list := &cobra.Command{
		Use:           "list",
		Short:         "Показать артефакты",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArtifactsList(rootOpts, status, limit, offset, cmd)
		},
	}
	list.Flags().StringVar(&status, "status", "", "фильтр по статусу (например AWAITING_RETRY)")
	list.Flags().IntVar(&limit, "limit", 50, "максимум записей")
	list.Flags().IntVar(&offset, "offset", 0, "смещение")
	cmd.AddCommand(list)

	for _, op := range artifactOps {
		cmd.AddCommand(&cobra.Command{
			Use:           op.use + " <artifact-id>",
			Short:         op.short,
			Args:          cobra.ExactArgs(1),
			SilenceUsage:  true,
			SilenceErrors: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runArtifactOp(rootOpts, op, args[0], cmd)
			},
		})
	}

	var edit service.EditRequest
	editCmd := &cobra.Command{
		Use:   "edit <artifact-id>",
		Short: "Исправить регистрационный номер или код предмета",
		Long: `Исправляет распознанный номер или предмет, пересчитывает нормализованное
имя и отпечаток и возвращает артефакт в PENDING. Недоступно, если ответ
уже сохранён в LMS.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArtifactEdit(rootOpts, args[0], edit, cmd)
		},
	}
	editCmd.Flags().StringVar(&edit.RegisterNumber, "register-number", "", "новый регистрационный номер (12 цифр)")
	editCmd.Flags().StringVar(&edit.SubjectCode, "subject", "", "новый код предмета")
	cmd.AddCommand(editCmd)

	var auditLimit int
	audit := &cobra.Command{
		Use:           "audit <artifact-id>",
		Short:         "Журнал аудита артефакта",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArtifactAudit(rootOpts, args[0], auditLimit, cmd)
		},
	}
	audit.Flags().IntVar(&auditLimit, "limit", 100, "максимум записей")
	cmd.AddCommand(audit)

	return cmd
}

func runArtifactsList(opts *RootOptions, status string, limit, offset int, cmd *cobra.Command) error {
	p := newPrinter(opts, cmd)

	var filter *workflow.Status
	if status != "" {
		s, err := workflow.ParseStatus(status)
		if err != nil {
			return WrapExitError(ExitCommandError, "--status", err)
		}
		filter = &s
	}
	if limit < 1 || limit > 1000 || offset < 0 {
		return NewExitError(ExitCommandError, "--limit должен быть в диапазоне 1..1000, --offset не меньше 0")
	}

	b, err := openBackend(cmd.Context(), opts, OpenDatabase)
	if err != nil {
		return err
	}
	defer b.Close()

	items, total, err := b.Admin.ListArtifacts(cmd.Context(), filter, limit, offset)
	if err != nil {
		return WrapExitError(ExitFailure, "список артефактов", err)
	}

	views := make([]artifactView, 0, len(items))
	for _, a := range items {
		views = append(views, toArtifactView(a))
	}

	return p.emit(map[string]any{"items": views, "total": total}, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ID\tFILE\tSTATUS\tRETRIES\tREVIEW\tUPDATED")
		for _, v := range views {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\n",
				v.ID, v.NormalizedFilename, v.Status, v.RetryCount, v.ReviewRequired, v.UpdatedAt.UTC().Format(time.RFC3339))
		}
		fmt.Fprintf(tw, "Всего: %d\n", total)
	})
}

func runArtifactOp(opts *RootOptions, op artifactOp, id string, cmd *cobra.Command) error {
	p := newPrinter(opts, cmd)
	b, err := openBackend(cmd.Context(), opts, OpenDatabase)
	if err != nil {
		return err
	}
	defer b.Close()

	a, err := op.call(b)(cmd.Context(), id, operatorActor())
	if err != nil {
		return WrapExitError(ExitFailure, op.use, err)
	}

	view := toArtifactView(a)
	return p.emit(view, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "%s: %s\tстатус %s\n", op.use, view.ID, view.Status)
	})
}

func runArtifactEdit(opts *RootOptions, id string, req service.EditRequest, cmd *cobra.Command) error {
	p := newPrinter(opts, cmd)
	if req.RegisterNumber == "" && req.SubjectCode == "" {
		return NewExitError(ExitCommandError, "нужен --register-number или --subject")
	}

	b, err := openBackend(cmd.Context(), opts, OpenDatabase)
	if err != nil {
		return err
	}
	defer b.Close()

	a, err := b.Admin.Edit(cmd.Context(), id, req, operatorActor())
	if err != nil {
		return WrapExitError(ExitFailure, "edit", err)
	}

	view := toArtifactView(a)
	return p.emit(view, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "edit: %s\t%s\tстатус %s\n", view.ID, view.NormalizedFilename, view.Status)
	})
}

func runArtifactAudit(opts *RootOptions, id string, limit int, cmd *cobra.Command) error {
	p := newPrinter(opts, cmd)
	if limit < 1 || limit > 1000 {
		return NewExitError(ExitCommandError, "--limit должен быть в диапазоне 1..1000")
	}

	b, err := openBackend(cmd.Context(), opts, OpenDatabase)
	if err != nil {
		return err
	}
	defer b.Close()

	entries, err := b.Admin.Audit(cmd.Context(), &id, limit, 0)
	if err != nil {
		return WrapExitError(ExitFailure, "журнал аудита", err)
	}

	views := make([]auditView, 0, len(entries))
	for _, e := range entries {
		views = append(views, auditView{
			ID:             e.ID,
			Action:         e.Action,
			ActorKind:      e.Actor.Kind,
			ActorUsername:  e.Actor.Username,
			ArtifactID:     e.ArtifactID,
			Request:        e.Request,
			Response:       e.Response,
			Error:          e.Error,
			RemoteFunction: e.RemoteFunction,
			RemoteStatus:   e.RemoteStatus,
			CreatedAt:      e.CreatedAt,
		})
	}

	return p.emit(views, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tREMOTE")
		for _, v := range views {
			remote := "-"
			if v.RemoteFunction != nil {
				remote = *v.RemoteFunction
			}
			fmt.Fprintf(tw, "%s\t%s\t%s:%s\t%s\n",
				v.CreatedAt.UTC().Format(time.RFC3339), v.Action, v.ActorKind, v.ActorUsername, remote)
		}
	})
}
