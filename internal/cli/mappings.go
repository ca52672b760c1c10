package cli

import (
	"bytes"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
)

// MappingsFile — YAML-файл маппингов для mappings import.
//
//	mappings:
//	  - subject_code: MATH101
//	    remote_course_id: 12
//	    remote_assignment_id: 340
type MappingsFile struct {
	Mappings []MappingEntry `yaml:"mappings"`
}

// MappingEntry — один маппинг предмета.
type MappingEntry struct {
	SubjectCode        string `yaml:"subject_code"`
	SubjectName        string `yaml:"subject_name,omitempty"`
	RemoteCourseID     int64  `yaml:"remote_course_id"`
	RemoteAssignmentID int64  `yaml:"remote_assignment_id"`
	AssignmentName     string `yaml:"assignment_name,omitempty"`
	ExamSession        string `yaml:"exam_session,omitempty"`
}

// mappingView — маппинг в выводе CLI.
type mappingView struct {
	SubjectCode        string     `json:"subject_code"`
	SubjectName        *string    `json:"subject_name,omitempty"`
	RemoteCourseID     int64      `json:"remote_course_id"`
	RemoteAssignmentID int64      `json:"remote_assignment_id"`
	AssignmentName     *string    `json:"assignment_name,omitempty"`
	ExamSession        *string    `json:"exam_session,omitempty"`
	Active             bool       `json:"active"`
	LastVerifiedAt     *time.Time `json:"last_verified_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func toMappingView(m *model.SubjectMapping) mappingView {
	return mappingView{
		SubjectCode:        m.SubjectCode,
		SubjectName:        m.SubjectName,
		RemoteCourseID:     m.RemoteCourseID,
		RemoteAssignmentID: m.RemoteAssignmentID,
		AssignmentName:     m.AssignmentName,
		ExamSession:        m.ExamSession,
		Active:             m.Active,
		LastVerifiedAt:     m.LastVerifiedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

// NewMappingsCommand создаёт группу команд mappings.
func NewMappingsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "Маппинги предметов на курсы и задания LMS",
	}

	var all bool
	list := &cobra.Command{
		Use:           "list",
		Short:         "Показать маппинги",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMappingsList(rootOpts, !all, cmd)
		},
	}
	list.Flags().BoolVar(&all, "all", false, "включая неактивные (история замен)")

	importCmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Загрузить маппинги из YAML",
		Long: `Загружает маппинги из YAML-файла. Каждый маппинг заменяет активный
маппинг своего предмета; предыдущий сохраняется неактивным.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMappingsImport(rootOpts, args[0], cmd)
		},
	}

	cmd.AddCommand(list, importCmd)
	addMappingDiscoveryCommands(cmd, rootOpts)
	return cmd
}

func runMappingsList(opts *RootOptions, activeOnly bool, cmd *cobra.Command) error {
	p := newPrinter(opts, cmd)
	b, err := openBackend(cmd.Context(), opts, OpenDatabase)
	if err != nil {
		return err
	}
	defer b.Close()

	items, err := b.Mappings.List(cmd.Context(), activeOnly)
	if err != nil {
		return WrapExitError(ExitFailure, "список маппингов", err)
	}

	views := make([]mappingView, 0, len(items))
	for _, m := range items {
		views = append(views, toMappingView(m))
	}

	return p.emit(views, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "SUBJECT\tCOURSE\tASSIGNMENT\tACTIVE\tLAST VERIFIED")
		for _, v := range views {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%t\t%s\n",
				v.SubjectCode, v.RemoteCourseID, v.RemoteAssignmentID, v.Active, formatTime(v.LastVerifiedAt))
		}
	})
}

func runMappingsImport(opts *RootOptions, path string, cmd *cobra.Command) error {
	p := newPrinter(opts, cmd)

	var file MappingsFile
	if err := decodeYAMLFile(path, &file); err != nil {
		return err
	}
	if len(file.Mappings) == 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: список mappings пуст", path))
	}

	b, err := openBackend(cmd.Context(), opts, OpenDatabase)
	if err != nil {
		return err
	}
	defer b.Close()

	actor := operatorActor()
	views := make([]mappingView, 0, len(file.Mappings))
	for _, e := range file.Mappings {
		m, err := b.Mappings.Upsert(cmd.Context(), &model.SubjectMapping{
			SubjectCode:        e.SubjectCode,
			SubjectName:        optional(e.SubjectName),
			RemoteCourseID:     e.RemoteCourseID,
			RemoteAssignmentID: e.RemoteAssignmentID,
			AssignmentName:     optional(e.AssignmentName),
			ExamSession:        optional(e.ExamSession),
		}, actor)
		if err != nil {
			return WrapExitError(ExitFailure,
				fmt.Sprintf("маппинг %s (загружено %d из %d)", e.SubjectCode, len(views), len(file.Mappings)), err)
		}
		p.debugf("маппинг %s -> курс %d, задание %d", m.SubjectCode, m.RemoteCourseID, m.RemoteAssignmentID)
		views = append(views, toMappingView(m))
	}

	return p.emit(map[string]any{"imported": len(views), "mappings": views}, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "Загружено маппингов: %d\n", len(views))
		fmt.Fprintln(tw, "Новые отправки используют маппинг сразу; повторы уже привязанных артефактов сохраняют прежнее задание")
	})
}

// decodeYAMLFile читает YAML-файл; неизвестные поля считаются ошибкой.
func decodeYAMLFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "чтение файла", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("разбор %s", path), err)
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
