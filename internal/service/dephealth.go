// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Exam Bridge мониторит две зависимости:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical)
//   - LMS — HTTP checker к странице входа Moodle (не critical: загрузка сканов
//     работает без LMS, отправка уходит в очередь повторов)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для LMS
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"     // PostgreSQL checker (pool mode)
)

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// lmsHealthPath — страница входа Moodle относительно корня установки.
const lmsHealthPath = "/login/index.php"

// NewDephealthService регистрирует проверки PostgreSQL (через уже открытый
// пул, db получен из stdlib.OpenDBFromPool) и LMS. pgConnURL нужен только
// для лейблов host/port. extra позволяет подменить registerer в тестах.
func NewDephealthService(
	serviceID, group string,
	db *sql.DB,
	pgConnURL, lmsURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
	extra ...dephealth.Option,
) (*DephealthService, error) {
	every := dephealth.CheckInterval(checkInterval)

	opts := append([]dephealth.Option{
		dephealth.WithLogger(logger),
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(db)),
			dephealth.FromURL(pgConnURL),
			every,
			dephealth.Critical(true),
		),
		dephealth.HTTP("lms",
			dephealth.FromURL(lmsURL),
			dephealth.WithHTTPHealthPath(healthPath(lmsURL)),
			every,
			dephealth.Critical(false),
		),
	}, extra...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, fmt.Errorf("dephealth: %w", err)
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// healthPath строит путь проверки LMS: Moodle может быть установлен
// не в корень сайта (https://host/moodle).
func healthPath(lmsURL string) string {
	parsed, err := url.Parse(lmsURL)
	if err != nil || parsed.Path == "" {
		return lmsHealthPath
	}
	return strings.TrimRight(parsed.Path, "/") + lmsHealthPath
}

func (ds *DephealthService) Start(ctx context.Context) error {
	if err := ds.dh.Start(ctx); err != nil {
		return err
	}
	ds.logger.Info("Проверки зависимостей запущены", slog.Int("dependencies", 2))
	return nil
}

func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Проверки зависимостей остановлены")
}

// Health: имя зависимости → последний результат проверки.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
