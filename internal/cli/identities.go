package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
)

// IdentitiesFile — YAML-файл для identities import.
//
//	identities:
//	  - remote_username: s.ivanova
//	    register_number: "212223240017"
//	    remote_user_id: "1543"
type IdentitiesFile struct {
	Identities []IdentityEntry `yaml:"identities"`
}

// IdentityEntry — связь учётной записи LMS с регистрационным номером.
type IdentityEntry struct {
	RemoteUsername string `yaml:"remote_username"`
	RegisterNumber string `yaml:"register_number"`
	RemoteUserID   string `yaml:"remote_user_id,omitempty"`
}

// NewIdentitiesCommand создаёт группу команд identities.
func NewIdentitiesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identities",
		Short: "Соответствие учётных записей LMS регистрационным номерам",
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "import <file.yaml>",
		Short:         "Загрузить соответствия из YAML",
		Long:          "Загружает соответствия одной транзакцией: при ошибке в любой записи не сохраняется ничего.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIdentitiesImport(rootOpts, args[0], cmd)
		},
	})

	return cmd
}

func runIdentitiesImport(opts *RootOptions, path string, cmd *cobra.Command) error {
	p := newPrinter(opts, cmd)

	var file IdentitiesFile
	if err := decodeYAMLFile(path, &file); err != nil {
		return err
	}
	if len(file.Identities) == 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: список identities пуст", path))
	}

	items := make([]*model.RemoteIdentity, 0, len(file.Identities))
	for _, e := range file.Identities {
		items = append(items, &model.RemoteIdentity{
			RemoteUsername: e.RemoteUsername,
			RegisterNumber: e.RegisterNumber,
			RemoteUserID:   optional(e.RemoteUserID),
		})
	}

	b, err := openBackend(cmd.Context(), opts, OpenDatabase)
	if err != nil {
		return err
	}
	defer b.Close()

	n, err := b.Admin.ImportIdentities(cmd.Context(), items)
	if err != nil {
		return WrapExitError(ExitFailure, "импорт идентичностей", err)
	}
	p.debugf("файл %s: %d записей", path, n)

	return p.emit(map[string]int{"imported": n}, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "Загружено соответствий: %d\n", n)
	})
}
