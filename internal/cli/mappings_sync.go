package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bigkaa/goartstore/exam-bridge/internal/service"
)

// assignmentView — задание LMS в выводе mappings discover.
type assignmentView struct {
	AssignmentID int64  `json:"assignment_id"`
	CourseID     int64  `json:"course_id"`
	ModuleID     int64  `json:"cmid"`
	Name         string `json:"name"`
	SubjectCode  string `json:"subject_code,omitempty"`
	MappedTo     string `json:"mapped_to,omitempty"`
}

// syncItemView — строка отчёта mappings sync.
type syncItemView struct {
	SubjectCode  string             `json:"subject_code,omitempty"`
	CourseID     int64              `json:"course_id"`
	AssignmentID int64              `json:"assignment_id"`
	Name         string             `json:"name"`
	Action       service.SyncAction `json:"action"`
	Reason       string             `json:"reason,omitempty"`
}

// addMappingDiscoveryCommands добавляет discover, sync и bind в группу mappings.
func addMappingDiscoveryCommands(cmd *cobra.Command, rootOpts *RootOptions) {
	var discoverCourses []int64
	discover := &cobra.Command{
		Use:           "discover",
		Short:         "Показать задания курсов LMS и выведенные коды предметов",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMappingsDiscover(rootOpts, discoverCourses, cmd)
		},
	}
	discover.Flags().Int64SliceVar(&discoverCourses, "course", nil, "id курса LMS (можно повторять)")

	var (
		syncCourses []int64
		dryRun      bool
	)
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Создать маппинги по названиям заданий",
		Long: `Создаёт маппинг для каждого задания, название которого начинается с кода
предмета. Существующие активные маппинги не меняются; код, найденный у
нескольких заданий, пропускается.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMappingsSync(rootOpts, syncCourses, dryRun, cmd)
		},
	}
	sync.Flags().Int64SliceVar(&syncCourses, "course", nil, "id курса LMS (можно повторять)")
	sync.Flags().BoolVar(&dryRun, "dry-run", false, "только показать, что будет создано")

	var (
		bindCourses []int64
		moduleID    int64
	)
	bind := &cobra.Command{
		Use:           "bind <subject-code>",
		Short:         "Привязать предмет к заданию по id модуля курса (cmid)",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMappingsBind(rootOpts, args[0], moduleID, bindCourses, cmd)
		},
	}
	bind.Flags().Int64Var(&moduleID, "cmid", 0, "id модуля из адреса mod/assign/view.php?id=")
	bind.Flags().Int64SliceVar(&bindCourses, "course", nil, "id курса LMS (можно повторять)")

	cmd.AddCommand(discover, sync, bind)
}

func runMappingsDiscover(opts *RootOptions, courses []int64, cmd *cobra.Command) error {
	p := newPrinter(opts, cmd)
	if len(courses) == 0 {
		return NewExitError(ExitCommandError, "нужен хотя бы один --course")
	}

	b, err := openBackend(cmd.Context(), opts, OpenWithLMS)
	if err != nil {
		return err
	}
	defer b.Close()
	if b.Discovery == nil {
		return NewExitError(ExitCommandError, "задания LMS недоступны: не настроен клиент LMS")
	}

	items, err := b.Discovery.Discover(cmd.Context(), courses)
	if err != nil {
		return WrapExitError(ExitFailure, "список заданий", err)
	}

	views := make([]assignmentView, 0, len(items))
	for _, d := range items {
		views = append(views, assignmentView{
			AssignmentID: d.ID,
			CourseID:     d.CourseID,
			ModuleID:     d.ModuleID,
			Name:         d.Name,
			SubjectCode:  d.SubjectCode,
			MappedTo:     d.MappedTo,
		})
	}

	return p.emit(views, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "COURSE\tASSIGNMENT\tCMID\tSUBJECT\tMAPPED\tNAME")
		for _, v := range views {
			fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%s\n",
				v.CourseID, v.AssignmentID, v.ModuleID, dash(v.SubjectCode), dash(v.MappedTo), v.Name)
		}
	})
}

func runMappingsSync(opts *RootOptions, courses []int64, dryRun bool, cmd *cobra.Command) error {
	p := newPrinter(opts, cmd)
	if len(courses) == 0 {
		return NewExitError(ExitCommandError, "нужен хотя бы один --course")
	}

	b, err := openBackend(cmd.Context(), opts, OpenWithLMS)
	if err != nil {
		return err
	}
	defer b.Close()
	if b.Discovery == nil {
		return NewExitError(ExitCommandError, "задания LMS недоступны: не настроен клиент LMS")
	}

	res, err := b.Discovery.Sync(cmd.Context(), courses, dryRun, operatorActor())
	if err != nil {
		return WrapExitError(ExitFailure, "синхронизация маппингов", err)
	}

	views := make([]syncItemView, 0, len(res.Items))
	for _, it := range res.Items {
		views = append(views, syncItemView{
			SubjectCode:  it.SubjectCode,
			CourseID:     it.CourseID,
			AssignmentID: it.AssignmentID,
			Name:         it.Name,
			Action:       it.Action,
			Reason:       it.Reason,
		})
	}

	out := map[string]any{"dry_run": res.DryRun, "created": res.Created, "items": views}
	return p.emit(out, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "SUBJECT\tASSIGNMENT\tACTION\tREASON")
		for _, v := range views {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", dash(v.SubjectCode), v.AssignmentID, v.Action, dash(v.Reason))
		}
		fmt.Fprintf(tw, "Создано маппингов: %d\n", res.Created)
		if res.Created > 0 {
			fmt.Fprintln(tw, "Новые отправки используют маппинг сразу; повторы уже привязанных артефактов сохраняют прежнее задание")
		}
	})
}

func runMappingsBind(opts *RootOptions, subject string, moduleID int64, courses []int64, cmd *cobra.Command) error {
	p := newPrinter(opts, cmd)
	if moduleID <= 0 || len(courses) == 0 {
		return NewExitError(ExitCommandError, "нужны --cmid и хотя бы один --course")
	}

	b, err := openBackend(cmd.Context(), opts, OpenWithLMS)
	if err != nil {
		return err
	}
	defer b.Close()
	if b.Discovery == nil {
		return NewExitError(ExitCommandError, "задания LMS недоступны: не настроен клиент LMS")
	}

	m, err := b.Discovery.BindModule(cmd.Context(), subject, moduleID, courses, operatorActor())
	if err != nil {
		return WrapExitError(ExitFailure, "привязка предмета", err)
	}

	view := toMappingView(m)
	return p.emit(view, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "%s -> курс %d, задание %d\n", view.SubjectCode, view.RemoteCourseID, view.RemoteAssignmentID)
		fmt.Fprintln(tw, "Новые отправки используют маппинг сразу; повторы уже привязанных артефактов сохраняют прежнее задание")
	})
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
