package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewMigrateCommand создаёт команду migrate.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Применить миграции схемы БД",
		Long: `Применяет встроенные миграции golang-migrate к базе EB_DB_*.
Сервер делает то же при старте; команда нужна для подготовки БД заранее.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(rootOpts, cmd)
		},
	}
}

func runMigrate(opts *RootOptions, cmd *cobra.Command) error {
	p := newPrinter(opts, cmd)

	if err := opts.opener.Migrate(cmd.Context()); err != nil {
		return WrapExitError(ExitCommandError, "миграции", err)
	}

	return p.emit(map[string]string{"status": "ok"}, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "Миграции применены")
	})
}
