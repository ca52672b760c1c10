// ingest.go — приём сканов и идемпотентная регистрация артефактов.
//
// Порядок:
//  1. Разбор имени файла (naming.Parse); нарушение — ErrInvalidFilename, файл не сохраняется.
//  2. Потоковое сохранение в файловое хранилище с ограничением размера и SHA-256.
//  3. Отпечаток из нормализованного имени, хэша и контекста партии.
//  4. В одной транзакции: INSERT артефакта (PENDING) + запись аудита upload.
//
// Конфликт уникальности отпечатка — ожидаемый исход ErrDuplicateSubmission:
// транзакция откатывается, сохранённый файл удаляется.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/naming"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/workflow"
	"github.com/bigkaa/goartstore/exam-bridge/internal/repository"
	"github.com/bigkaa/goartstore/exam-bridge/internal/storage/filestore"
)

// maxBatchLength — максимальная длина контекста партии.
const maxBatchLength = 100

// IngestRequest — один загружаемый файл.
type IngestRequest struct {
	Filename string
	// Batch — контекст партии (сессия экзамена, номер пакета сканов)
	Batch   string
	Content io.Reader
	Actor   model.Actor
}

// IngestService — регистрация новых артефактов.
type IngestService struct {
	repos *repository.Repos
	uow   UnitOfWork
	store *filestore.FileStore
	// maxBulkFiles — лимит файлов в одной пакетной загрузке
	maxBulkFiles int
	logger       *slog.Logger
}

// NewIngestService создаёт IngestService.
func NewIngestService(repos *repository.Repos, uow UnitOfWork, store *filestore.FileStore, maxBulkFiles int, logger *slog.Logger) *IngestService {
	return &IngestService{
		repos:        repos,
		uow:          uow,
		store:        store,
		maxBulkFiles: maxBulkFiles,
		logger:       logger.With(slog.String("component", "ingest")),
	}
}

// Ingest регистрирует файл как новый артефакт в статусе PENDING.
func (s *IngestService) Ingest(ctx context.Context, req IngestRequest) (*model.Artifact, error) {
	parsed, err := naming.Parse(req.Filename)
	if err != nil {
		ingestTotal.WithLabelValues("invalid_filename").Inc()
		var re *naming.RuleError
		if errors.As(err, &re) {
			return nil, newError(ErrInvalidFilename, re.Message, err)
		}
		return nil, newError(ErrInvalidFilename, err.Error(), err)
	}

	batch := naming.NormalizeBatch(req.Batch)
	if utf8.RuneCountInString(batch) > maxBatchLength {
		return nil, newError(ErrValidation,
			fmt.Sprintf("контекст партии длиннее %d символов", maxBatchLength), nil)
	}

	saved, err := s.store.Save(req.Content, parsed.Normalized, batch)
	if err != nil {
		if errors.Is(err, filestore.ErrTooLarge) {
			ingestTotal.WithLabelValues("too_large").Inc()
			return nil, newError(ErrValidation,
				fmt.Sprintf("файл больше %d байт", s.store.MaxSize()), err)
		}
		ingestTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("сохранение файла %s: %w", parsed.Normalized, err)
	}

	fingerprint := naming.Fingerprint(parsed.Normalized, saved.Checksum, batch)
	a := &model.Artifact{
		ID:                 uuid.New().String(),
		Fingerprint:        &fingerprint,
		RawFilename:        req.Filename,
		NormalizedFilename: parsed.Normalized,
		ParsedRegNo:        parsed.RegisterNumber,
		ParsedSubjectCode:  parsed.SubjectCode,
		BatchContext:       batch,
		ContentHash:        saved.Checksum,
		ContentType:        parsed.ContentType,
		SizeBytes:          saved.Size,
		StoragePath:        saved.StoragePath,
		Status:             workflow.StatusPending,
		UploadedBy:         req.Actor.ID,
	}

	err = s.uow.WithinTx(ctx, func(r *repository.Repos) error {
		if err := r.Artifacts.Create(ctx, a); err != nil {
			return err
		}
		return appendAudit(ctx, r.Audit, model.AuditUpload, req.Actor, a.ID,
			map[string]any{"filename": req.Filename, "batch": batch},
			map[string]any{
				"normalized_filename": a.NormalizedFilename,
				"content_hash":        a.ContentHash,
				"size_bytes":          a.SizeBytes,
				"fingerprint":         fingerprint,
			},
			nil,
		)
	})
	if err != nil {
		s.discard(saved.StoragePath)
		if errors.Is(err, repository.ErrConflict) {
			ingestTotal.WithLabelValues("duplicate").Inc()
			return nil, s.duplicate(ctx, fingerprint, parsed.Normalized, err)
		}
		ingestTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("регистрация артефакта %s: %w", parsed.Normalized, err)
	}

	ingestTotal.WithLabelValues("created").Inc()
	s.logger.Info("Артефакт зарегистрирован",
		slog.String("artifact_id", a.ID),
		slog.String("filename", a.NormalizedFilename),
		slog.String("batch", batch),
		slog.Int64("size", a.SizeBytes),
	)
	return a, nil
}

// duplicate формирует ErrDuplicateSubmission с id существующего артефакта, если он известен.
func (s *IngestService) duplicate(ctx context.Context, fingerprint, filename string, cause error) error {
	existing, err := s.repos.Artifacts.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		return newError(ErrDuplicateSubmission,
			fmt.Sprintf("файл %s уже загружен в этой партии", filename), cause)
	}
	reason := fmt.Sprintf("файл %s уже загружен в этой партии (артефакт %s, статус %s)",
		filename, existing.ID, existing.Status)
	if workflow.IsAdministrative(existing.Status) {
		reason += "; для повторной загрузки администратор должен очистить отпечаток"
	}
	return newError(ErrDuplicateSubmission, reason, cause)
}

func (s *IngestService) discard(storagePath string) {
	if err := s.store.Delete(storagePath); err != nil && !errors.Is(err, filestore.ErrNotFound) {
		s.logger.Warn("Не удалось удалить файл отклонённой загрузки",
			slog.String("path", storagePath),
			slog.String("error", err.Error()),
		)
	}
}
