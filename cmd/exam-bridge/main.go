// Точка входа Exam Bridge — сервиса приёма отсканированных экзаменационных
// работ и их отправки в LMS (Moodle).
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// собирает файловое хранилище, клиент LMS и сервисный слой, запускает
// обход очереди повторов, topologymetrics и HTTP-сервер с JWT middleware.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/bigkaa/goartstore/exam-bridge/internal/api/handlers"
	"github.com/bigkaa/goartstore/exam-bridge/internal/api/middleware"
	"github.com/bigkaa/goartstore/exam-bridge/internal/config"
	"github.com/bigkaa/goartstore/exam-bridge/internal/credential"
	"github.com/bigkaa/goartstore/exam-bridge/internal/database"
	"github.com/bigkaa/goartstore/exam-bridge/internal/lms"
	"github.com/bigkaa/goartstore/exam-bridge/internal/repository"
	"github.com/bigkaa/goartstore/exam-bridge/internal/server"
	"github.com/bigkaa/goartstore/exam-bridge/internal/service"
	"github.com/bigkaa/goartstore/exam-bridge/internal/storage/filestore"
)

func main() {
	// 0. .env для локального запуска (в кластере переменные задаёт Deployment)
	_ = godotenv.Load()

	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Exam Bridge запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("EB_DEPHEALTH_GROUP") == "" {
		logger.Warn("EB_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Файловое хранилище загруженных сканов
	store, err := filestore.New(cfg.DataDir, cfg.MaxFileSize)
	if err != nil {
		logger.Error("Ошибка инициализации файлового хранилища",
			slog.String("data_dir", cfg.DataDir),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// 6. Клиент LMS
	lmsClient, err := lms.NewFromConfig(cfg, logger)
	if err != nil {
		logger.Error("Ошибка создания клиента LMS", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Клиент LMS создан", slog.String("url", cfg.LMSURL))

	// 7. Repositories
	repos := repository.NewRepos(pool)
	uow := repository.NewTxRunner(pool)

	// 8. Services
	sealer, err := credential.NewSealer(cfg.CredentialKey)
	if err != nil {
		logger.Error("Ошибка инициализации шифрования токенов LMS", slog.String("error", err.Error()))
		os.Exit(1)
	}
	mappingsSvc := service.NewMappingService(repos, uow, cfg.MappingCacheSize, cfg.MappingCacheTTL, logger)
	discoverySvc := service.NewMappingDiscovery(mappingsSvc, lmsClient, logger)
	ingestSvc := service.NewIngestService(repos, uow, store, cfg.BulkMaxFiles, logger)
	identitySvc := service.NewIdentityResolver(repos, logger)
	credentialSvc := service.NewCredentialService(repos, uow, identitySvc, lmsClient, sealer, logger)
	submissionSvc := service.NewSubmissionService(repos, uow, mappingsSvc, credentialSvc, lmsClient, store,
		service.SubmissionConfig{
			StepTimeout:     cfg.LMSStepTimeout,
			MaxRetries:      cfg.RetryMaxRetries,
			Backoff:         service.Backoff{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay},
			DefaultPriority: cfg.RetryDefaultPriority,
		},
		logger,
	)
	adminSvc := service.NewAdminService(repos, uow, cfg.SubmitLease, logger)
	statsSvc := service.NewStatsService(repos, mappingsSvc)

	// 9. Фоновый обход очереди повторов
	sweeper := service.NewRetrySweeper(repos, submissionSvc, service.SweepConfig{
		Interval:    cfg.RetrySweepInterval,
		BatchSize:   cfg.RetryBatchSize,
		Concurrency: cfg.RetryConcurrency,
		Lease:       cfg.SubmitLease,
	}, logger)

	// 10. Readiness checkers (PostgreSQL, хранилище, LMS, JWKS)
	jwksChecker, err := middleware.NewJWKSReadinessChecker(cfg.JWTJWKSURL, cfg.JWKSCACertPath, cfg.JWKSClientTimeout)
	if err != nil {
		logger.Error("Ошибка создания JWKS readiness checker", slog.String("error", err.Error()))
		os.Exit(1)
	}
	healthHandler := handlers.NewHealthHandler(handlers.HealthCheckers{
		PostgreSQL: database.NewReadinessChecker(pool),
		Storage:    store,
		LMS:        lmsClient,
		JWKS:       jwksChecker,
	})

	// 11. API handler (реализует contract.ServerInterface)
	apiHandler := handlers.NewAPIHandler(healthHandler, handlers.Services{
		Ingest:      ingestSvc,
		Identity:    identitySvc,
		Submission:  submissionSvc,
		Admin:       adminSvc,
		Mappings:    mappingsSvc,
		Discovery:   discoverySvc,
		Credentials: credentialSvc,
		Stats:       statsSvc,
		Sweeper:     sweeper,
	}, cfg.MaxFileSize, cfg.BulkMaxFiles, logger)

	// 12. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		cfg.JWKSCACertPath,
		cfg.JWTIssuer,
		cfg.RoleAdminGroups,
		cfg.RoleStaffGroups,
		cfg.JWKSClientTimeout,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	// 13. Запуск фоновых задач
	sweeper.Start(ctx)

	// 13.1 topologymetrics — мониторинг зависимостей (PostgreSQL + LMS)
	var dephealthSvc *service.DephealthService
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"exam-bridge",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.LMSURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 14. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, jwtAuth)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 15. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	sweeper.Stop()

	logger.Info("Exam Bridge остановлен")
}
