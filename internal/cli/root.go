// Пакет cli — команды оператора exam-bridgectl.
// Работают напрямую с PostgreSQL (и с LMS для обхода очереди),
// минуя HTTP API и JWT.
package cli

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/bigkaa/goartstore/exam-bridge/internal/config"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
)

// RootOptions — глобальные флаги всех команд.
type RootOptions struct {
	Verbose bool
	Format  string // "text" | "json"

	opener Opener
}

// ValidFormats — допустимые форматы вывода.
var ValidFormats = []string{"text", "json"}

// NewRootCommand создаёт корневую команду exam-bridgectl.
// Конфигурация берётся из переменных окружения EB_*.
func NewRootCommand() *cobra.Command {
	return newRootCommand(envOpener{})
}

func newRootCommand(opener Opener) *cobra.Command {
	opts := &RootOptions{opener: opener}

	cmd := &cobra.Command{
		Use:     "exam-bridgectl",
		Short:   "Exam Bridge — утилита оператора",
		Long:    "Миграции БД, маппинги предметов, идентичности, ручное управление артефактами и очередью повторов.",
		Version: config.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("недопустимый формат %q, допустимые: %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "подробный вывод в stderr")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "формат вывода (text|json)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewMappingsCommand(opts))
	cmd.AddCommand(NewIdentitiesCommand(opts))
	cmd.AddCommand(NewArtifactsCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))

	return cmd
}

// operatorActor — инициатор действий из CLI для журнала аудита.
func operatorActor() model.Actor {
	user := os.Getenv("USER")
	if user == "" {
		user = "operator"
	}
	return model.Actor{Kind: model.ActorAdmin, ID: "cli:" + user, Username: user}
}
