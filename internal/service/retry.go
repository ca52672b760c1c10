// retry.go — фоновый обход очереди повторов.
//
// RetrySweeper запускает горутину с ticker (EB_RETRY_SWEEP_INTERVAL).
// Один обход:
//  1. Восстанавливает попытки, зависшие в SUBMITTING дольше EB_SUBMIT_LEASE.
//  2. Забирает созревшие записи очереди (FOR UPDATE SKIP LOCKED) и
//     повторяет отправку, не более EB_RETRY_CONCURRENCY одновременно.
//  3. Обновляет gauge-метрики очереди.
//
// Prometheus-метрики:
//   - eb_queue_depth, eb_queue_in_flight, eb_queue_exhausted, eb_review_required
//   - eb_sweep_duration_seconds — длительность обхода
//   - eb_sweep_entries_total — обработанные записи по результату
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/exam-bridge/internal/repository"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eb_queue_depth",
		Help: "Записи очереди повторов в статусах queued и in_flight",
	})
	queueInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eb_queue_in_flight",
		Help: "Записи очереди повторов в обработке",
	})
	queueExhausted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eb_queue_exhausted",
		Help: "Исчерпанные записи очереди повторов",
	})
	reviewRequired = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eb_review_required",
		Help: "Артефакты, требующие проверки оператором",
	})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eb_sweep_duration_seconds",
		Help:    "Длительность обхода очереди повторов",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	sweepEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eb_sweep_entries_total",
		Help: "Записи очереди, обработанные обходом",
	}, []string{"outcome"}) // completed, requeued, failed, skipped, error
)

// SweepConfig — параметры обхода очереди.
type SweepConfig struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	// Lease — через сколько попытка в SUBMITTING считается зависшей
	Lease time.Duration
}

// SweepResult — итог одного обхода.
type SweepResult struct {
	Recovered int `json:"recovered"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Requeued  int `json:"requeued"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// RetrySweeper — фоновый сервис повторной отправки.
type RetrySweeper struct {
	repos      *repository.Repos
	submission *SubmissionService
	cfg        SweepConfig
	now        func() time.Time
	logger     *slog.Logger

	// mu не даёт ручному и периодическому обходу идти одновременно
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetrySweeper создаёт сервис обхода очереди повторов.
func NewRetrySweeper(repos *repository.Repos, submission *SubmissionService, cfg SweepConfig, logger *slog.Logger) *RetrySweeper {
	return &RetrySweeper{
		repos:      repos,
		submission: submission,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With(slog.String("component", "retry_sweep")),
	}
}

// Start запускает фоновую горутину с периодическим обходом.
func (s *RetrySweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Обход очереди повторов запущен",
			slog.String("interval", s.cfg.Interval.String()),
			slog.Int("batch_size", s.cfg.BatchSize),
			slog.Int("concurrency", s.cfg.Concurrency),
		)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Обход очереди повторов остановлен")
				return
			case <-ticker.C:
				res, err := s.Sweep(ctx)
				if err != nil {
					s.logger.Error("Ошибка обхода очереди повторов", slog.String("error", err.Error()))
					continue
				}
				if res.Recovered+res.Claimed > 0 {
					s.logger.Info("Обход очереди повторов завершён",
						slog.Int("recovered", res.Recovered),
						slog.Int("claimed", res.Claimed),
						slog.Int("completed", res.Completed),
						slog.Int("requeued", res.Requeued),
						slog.Int("failed", res.Failed),
					)
				}
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения текущего обхода.
func (s *RetrySweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// Sweep выполняет один обход очереди.
func (s *RetrySweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()
	defer func() { sweepDuration.Observe(time.Since(started).Seconds()) }()

	res := &SweepResult{}
	now := s.now()
	staleBefore := now.Add(-s.cfg.Lease)

	stale, err := s.repos.Artifacts.ListStale(ctx, staleBefore, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("поиск зависших попыток: %w", err)
	}
	for _, a := range stale {
		if err := s.submission.RecoverStale(ctx, a); err != nil {
			res.Errors++
			s.logger.Warn("Ошибка восстановления зависшей попытки",
				slog.String("artifact_id", a.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		res.Recovered++
	}

	entries, err := s.repos.Queue.ClaimDue(ctx, now, staleBefore, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("выборка очереди повторов: %w", err)
	}
	res.Claimed = len(entries)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.Concurrency, 1))
	for _, e := range entries {
		g.Go(func() error {
			err := s.submission.Redrive(gctx, e)
			outcome := sweepOutcome(err)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case "completed":
				res.Completed++
			case "requeued":
				res.Requeued++
			case "failed":
				res.Failed++
			case "skipped":
				res.Skipped++
			default:
				res.Errors++
				s.logger.Warn("Ошибка повтора отправки",
					slog.String("artifact_id", e.ArtifactID),
					slog.String("error", err.Error()),
				)
			}
			sweepEntries.WithLabelValues(outcome).Inc()
			// Ошибка одной записи не прерывает обход остальных
			return nil
		})
	}
	_ = g.Wait()

	s.refreshGauges(ctx)
	return res, nil
}

// sweepOutcome классифицирует итог повтора.
func sweepOutcome(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrTransient):
		return "requeued"
	case errors.Is(err, ErrPermanent), errors.Is(err, ErrMappingNotFound), errors.Is(err, ErrCredentialRequired):
		return "failed"
	case errors.Is(err, ErrAlreadyInProgress), errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
		return "skipped"
	default:
		return "error"
	}
}

// refreshGauges обновляет gauge-метрики очереди.
func (s *RetrySweeper) refreshGauges(ctx context.Context) {
	stats, err := s.repos.Queue.Stats(ctx, s.now())
	if err != nil {
		s.logger.Warn("Ошибка обновления метрик очереди", slog.String("error", err.Error()))
		return
	}
	queueDepth.Set(float64(stats.Depth()))
	queueInFlight.Set(float64(stats.InFlight))
	queueExhausted.Set(float64(stats.Exhausted))

	review, err := s.repos.Artifacts.CountReviewRequired(ctx)
	if err != nil {
		s.logger.Warn("Ошибка подсчёта review_required", slog.String("error", err.Error()))
		return
	}
	reviewRequired.Set(float64(review))
}
