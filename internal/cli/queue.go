package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/workflow"
)

// queueStatsView — сводка в выводе queue stats.
type queueStatsView struct {
	Queued         int                     `json:"queued"`
	InFlight       int                     `json:"in_flight"`
	Exhausted      int                     `json:"exhausted"`
	DueNow         int                     `json:"due_now"`
	ReviewRequired int                     `json:"review_required"`
	ByStatus       map[workflow.Status]int `json:"by_status"`
	Identities     int                     `json:"identities"`
}

// NewQueueCommand создаёт группу команд queue.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Очередь повторных отправок",
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "stats",
		Short:         "Глубина очереди и счётчики артефактов по статусам",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueStats(rootOpts, cmd)
		},
	})

	return cmd
}

func runQueueStats(opts *RootOptions, cmd *cobra.Command) error {
	p := newPrinter(opts, cmd)
	b, err := openBackend(cmd.Context(), opts, OpenDatabase)
	if err != nil {
		return err
	}
	defer b.Close()

	st, err := b.Stats.Collect(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "статистика", err)
	}

	view := queueStatsView{
		Queued:         st.Queue.Queued,
		InFlight:       st.Queue.InFlight,
		Exhausted:      st.Queue.Exhausted,
		DueNow:         st.Queue.DueNow,
		ReviewRequired: st.ReviewRequired,
		ByStatus:       st.ByStatus,
		Identities:     st.Identities,
	}

	return p.emit(view, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "queued\t%d\n", view.Queued)
		fmt.Fprintf(tw, "in_flight\t%d\n", view.InFlight)
		fmt.Fprintf(tw, "exhausted\t%d\n", view.Exhausted)
		fmt.Fprintf(tw, "due_now\t%d\n", view.DueNow)
		fmt.Fprintf(tw, "review_required\t%d\n", view.ReviewRequired)
		for _, s := range workflow.AllStatuses() {
			fmt.Fprintf(tw, "status %s\t%d\n", s, view.ByStatus[s])
		}
		fmt.Fprintf(tw, "identities\t%d\n", view.Identities)
	})
}

// NewSweepCommand создаёт команду sweep.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Выполнить один обход очереди повторов",
		Long: `Восстанавливает зависшие попытки и повторяет отправку записей,
срок которых наступил. Требует полной конфигурации сервера (EB_LMS_*).
Параллельный обход на других репликах безопасен: записи захватываются
через FOR UPDATE SKIP LOCKED.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(rootOpts, cmd)
		},
	}
}

func runSweep(opts *RootOptions, cmd *cobra.Command) error {
	p := newPrinter(opts, cmd)
	b, err := openBackend(cmd.Context(), opts, OpenWithLMS)
	if err != nil {
		return err
	}
	defer b.Close()

	if b.Sweeper == nil {
		return NewExitError(ExitCommandError, "обход очереди недоступен: не настроен клиент LMS")
	}

	res, err := b.Sweeper.Sweep(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "обход очереди", err)
	}

	return p.emit(res, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "recovered\t%d\n", res.Recovered)
		fmt.Fprintf(tw, "claimed\t%d\n", res.Claimed)
		fmt.Fprintf(tw, "completed\t%d\n", res.Completed)
		fmt.Fprintf(tw, "requeued\t%d\n", res.Requeued)
		fmt.Fprintf(tw, "failed\t%d\n", res.Failed)
		fmt.Fprintf(tw, "skipped\t%d\n", res.Skipped)
		fmt.Fprintf(tw, "errors\t%d\n", res.Errors)
	})
}
