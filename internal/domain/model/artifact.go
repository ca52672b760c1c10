package model

import (
	"time"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/workflow"
)

// Artifact — один отсканированный документ.
// Хранится в таблице artifacts.
type Artifact struct {
	// ID — UUID, назначается при загрузке
	ID string
	// Fingerprint — отпечаток идемпотентности; nil после административной очистки
	Fingerprint *string
	// RawFilename — имя файла, как его прислал клиент
	RawFilename string
	// NormalizedFilename — {reg}_{SUBJECT}.{ext}
	NormalizedFilename string
	// ParsedRegNo — регистрационный номер студента из имени файла
	ParsedRegNo string
	// ParsedSubjectCode — код предмета из имени файла (верхний регистр)
	ParsedSubjectCode string
	// BatchContext — метка партии/сессии, заявленная при загрузке
	BatchContext string
	// ContentHash — SHA-256 содержимого (hex)
	ContentHash string
	ContentType string
	SizeBytes   int64
	// StoragePath — путь к файлу в файловом хранилище
	StoragePath string

	Status workflow.Status

	// Идентификаторы в LMS, заполняются по мере выполнения шагов
	RemoteCourseID     *int64
	RemoteAssignmentID *int64
	RemoteDraftItemID  *int64
	RemoteSubmissionID *int64
	// RemoteUserID — учётная запись LMS, от имени которой начата отправка
	RemoteUserID *int64
	// LastCompletedStep — последний успешно выполненный шаг отправки (0-3)
	LastCompletedStep int

	RetryCount int
	LastError  *string
	// ReviewRequired — исход попытки неоднозначен, нужна проверка оператором
	ReviewRequired bool

	UploadedBy      string
	UploadedAt      time.Time
	ValidatedAt     *time.Time
	SubmitStartedAt *time.Time
	SubmittedAt     *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}
