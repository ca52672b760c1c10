package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigkaa/goartstore/exam-bridge/internal/config"
	"github.com/bigkaa/goartstore/exam-bridge/internal/credential"
	"github.com/bigkaa/goartstore/exam-bridge/internal/database"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/workflow"
	"github.com/bigkaa/goartstore/exam-bridge/internal/lms"
	"github.com/bigkaa/goartstore/exam-bridge/internal/repository"
	"github.com/bigkaa/goartstore/exam-bridge/internal/service"
	"github.com/bigkaa/goartstore/exam-bridge/internal/storage/filestore"
)

// Кэш маппингов процесса CLI живёт одну команду.
const (
	cliMappingCacheSize = 64
	cliMappingCacheTTL  = time.Minute
)

// Administration — административные операции над артефактами.
type Administration interface {
	ListArtifacts(ctx context.Context, status *workflow.Status, limit, offset int) ([]*model.Artifact, int, error)
	Reset(ctx context.Context, id string, actor model.Actor) (*model.Artifact, error)
	Archive(ctx context.Context, id string, actor model.Actor) (*model.Artifact, error)
	Delete(ctx context.Context, id string, actor model.Actor) (*model.Artifact, error)
	ClearFingerprint(ctx context.Context, id string, actor model.Actor) (*model.Artifact, error)
	RetryNow(ctx context.Context, id string, actor model.Actor) (*model.Artifact, error)
	Edit(ctx context.Context, id string, req service.EditRequest, actor model.Actor) (*model.Artifact, error)
	ImportIdentities(ctx context.Context, items []*model.RemoteIdentity) (int, error)
	Audit(ctx context.Context, artifactID *string, limit, offset int) ([]*model.AuditEntry, error)
}

// MappingManager — чтение и замена маппингов предметов.
type MappingManager interface {
	List(ctx context.Context, activeOnly bool) ([]*model.SubjectMapping, error)
	Upsert(ctx context.Context, m *model.SubjectMapping, actor model.Actor) (*model.SubjectMapping, error)
}

// MappingDiscovery — задания LMS и маппинги по ним.
type MappingDiscovery interface {
	Discover(ctx context.Context, courseIDs []int64) ([]service.DiscoveredAssignment, error)
	Sync(ctx context.Context, courseIDs []int64, dryRun bool, actor model.Actor) (*service.SyncResult, error)
	BindModule(ctx context.Context, subjectCode string, moduleID int64, courseIDs []int64, actor model.Actor) (*model.SubjectMapping, error)
}

// StatsCollector — операционная сводка.
type StatsCollector interface {
	Collect(ctx context.Context) (*service.Stats, error)
}

// Sweeper — разовый обход очереди повторов.
type Sweeper interface {
	Sweep(ctx context.Context) (*service.SweepResult, error)
}

// OpenMode — какие зависимости нужны команде.
type OpenMode int

const (
	// OpenDatabase — только PostgreSQL
	OpenDatabase OpenMode = iota
	// OpenWithLMS — PostgreSQL, файловое хранилище и LMS (обход очереди, задания)
	OpenWithLMS
)

// Backend — сервисы, с которыми работают команды.
// Sweeper и Discovery заданы только в режиме OpenWithLMS.
type Backend struct {
	Admin     Administration
	Mappings  MappingManager
	Discovery MappingDiscovery
	Stats     StatsCollector
	Sweeper   Sweeper

	close func()
}

// Close освобождает подключения.
func (b *Backend) Close() {
	if b.close != nil {
		b.close()
	}
}

// Opener подключает команды к окружению.
type Opener interface {
	Migrate(ctx context.Context) error
	Open(ctx context.Context, mode OpenMode) (*Backend, error)
}

// envOpener собирает зависимости по переменным окружения EB_*.
type envOpener struct{}

func (envOpener) Migrate(_ context.Context) error {
	cfg, err := config.LoadDatabase()
	if err != nil {
		return err
	}
	return database.Migrate(cfg, config.SetupLogger(cfg))
}

func (envOpener) Open(ctx context.Context, mode OpenMode) (*Backend, error) {
	load := config.LoadDatabase
	if mode == OpenWithLMS {
		load = config.Load
	}
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	logger := config.SetupLogger(cfg)

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	repos := repository.NewRepos(pool)
	uow := repository.NewTxRunner(pool)
	mappings := service.NewMappingService(repos, uow, cliMappingCacheSize, cliMappingCacheTTL, logger)

	b := &Backend{
		Admin:    service.NewAdminService(repos, uow, cfg.SubmitLease, logger),
		Mappings: mappings,
		Stats:    service.NewStatsService(repos, mappings),
		close:    pool.Close,
	}

	if mode == OpenWithLMS {
		sweeper, discovery, err := newLMSServices(cfg, repos, uow, mappings, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		b.Sweeper = sweeper
		b.Discovery = discovery
	}

	return b, nil
}

// newLMSServices собирает движок отправки, обход очереди и поиск заданий
// с параметрами сервера.
func newLMSServices(cfg *config.Config, repos *repository.Repos, uow service.UnitOfWork,
	mappings *service.MappingService, logger *slog.Logger) (*service.RetrySweeper, *service.MappingDiscovery, error) {
	store, err := filestore.New(cfg.DataDir, cfg.MaxFileSize)
	if err != nil {
		return nil, nil, fmt.Errorf("файловое хранилище: %w", err)
	}
	client, err := lms.NewFromConfig(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	sealer, err := credential.NewSealer(cfg.CredentialKey)
	if err != nil {
		return nil, nil, fmt.Errorf("EB_CREDENTIAL_KEY: %w", err)
	}
	creds := service.NewCredentialService(repos, uow, service.NewIdentityResolver(repos, logger), client, sealer, logger)

	submission := service.NewSubmissionService(repos, uow, mappings, creds, client, store, service.SubmissionConfig{
		StepTimeout:     cfg.LMSStepTimeout,
		MaxRetries:      cfg.RetryMaxRetries,
		Backoff:         service.Backoff{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay},
		DefaultPriority: cfg.RetryDefaultPriority,
	}, logger)

	sweeper := service.NewRetrySweeper(repos, submission, service.SweepConfig{
		Interval:    cfg.RetrySweepInterval,
		BatchSize:   cfg.RetryBatchSize,
		Concurrency: cfg.RetryConcurrency,
		Lease:       cfg.SubmitLease,
	}, logger)
	return sweeper, service.NewMappingDiscovery(mappings, client, logger), nil
}

// openBackend открывает Backend и переводит ошибку в ExitCommandError.
func openBackend(ctx context.Context, opts *RootOptions, mode OpenMode) (*Backend, error) {
	b, err := opts.opener.Open(ctx, mode)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "подключение", err)
	}
	return b, nil
}
