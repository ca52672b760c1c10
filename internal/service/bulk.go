// bulk.go — пакетная загрузка и выдача файла скана.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
	"github.com/bigkaa/goartstore/exam-bridge/internal/storage/filestore"
)

// BulkFile — файл пакетной загрузки. Open вызывается один раз, непосредственно
// перед обработкой файла.
type BulkFile struct {
	Filename string
	Open     func() (io.ReadCloser, error)
}

// BulkOutcome — итог по одному файлу: артефакт или ошибка сервиса.
type BulkOutcome struct {
	Filename string
	Artifact *model.Artifact
	Err      error
}

// IngestBatch регистрирует файлы одной партии по очереди. Ошибка одного файла
// не прерывает остальные; возвращаемая ошибка означает отказ во всём пакете.
func (s *IngestService) IngestBatch(ctx context.Context, files []BulkFile, batch string, actor model.Actor) ([]BulkOutcome, error) {
	if len(files) == 0 {
		return nil, newError(ErrValidation, "нет файлов для загрузки", nil)
	}
	if s.maxBulkFiles > 0 && len(files) > s.maxBulkFiles {
		return nil, newError(ErrValidation,
			fmt.Sprintf("в пакете %d файлов, допустимо не более %d", len(files), s.maxBulkFiles), nil)
	}

	outcomes := make([]BulkOutcome, len(files))
	var created int
	for i, f := range files {
		outcomes[i].Filename = f.Filename
		if err := ctx.Err(); err != nil {
			outcomes[i].Err = err
			continue
		}
		a, err := s.ingestOne(ctx, f, batch, actor)
		outcomes[i].Artifact, outcomes[i].Err = a, err
		if err == nil {
			created++
		}
	}

	s.logger.Info("Пакетная загрузка",
		slog.String("batch", batch),
		slog.Int("files", len(files)),
		slog.Int("created", created),
		slog.Int("rejected", len(files)-created),
	)
	return outcomes, nil
}

func (s *IngestService) ingestOne(ctx context.Context, f BulkFile, batch string, actor model.Actor) (*model.Artifact, error) {
	content, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("чтение файла %s: %w", f.Filename, err)
	}
	defer content.Close()

	return s.Ingest(ctx, IngestRequest{
		Filename: f.Filename,
		Batch:    batch,
		Content:  content,
		Actor:    actor,
	})
}

// Download открывает файл скана и фиксирует выдачу в аудите.
// Вызывающий закрывает файл.
func (s *IngestService) Download(ctx context.Context, a *model.Artifact, actor model.Actor) (*os.File, error) {
	f, err := s.store.Open(a.StoragePath)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			s.logger.Error("Файл артефакта отсутствует в хранилище",
				slog.String("artifact_id", a.ID),
				slog.String("path", a.StoragePath),
			)
			return nil, newError(ErrNotFound, fmt.Sprintf("файл артефакта %s не найден", a.ID), err)
		}
		return nil, fmt.Errorf("открытие файла артефакта %s: %w", a.ID, err)
	}

	err = appendAudit(ctx, s.repos.Audit, model.AuditDownload, actor, a.ID, nil,
		map[string]any{"normalized_filename": a.NormalizedFilename, "size_bytes": a.SizeBytes}, nil)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("аудит выдачи %s: %w", a.ID, err)
	}
	return f, nil
}
