package model

import (
	"encoding/json"
	"time"
)

// AuditAction — тип записи журнала аудита.
type AuditAction string

const (
	AuditUpload                AuditAction = "upload"
	AuditView                  AuditAction = "view"
	AuditSubmitAttempt         AuditAction = "submit_attempt"
	AuditSubmitResult          AuditAction = "submit_result"
	AuditAdminReset            AuditAction = "admin_reset"
	AuditAdminArchive          AuditAction = "admin_archive"
	AuditAdminDelete           AuditAction = "admin_delete"
	AuditAdminClearFingerprint AuditAction = "admin_clear_fingerprint"
	AuditAdminRetry            AuditAction = "admin_retry"
	AuditAdminEdit             AuditAction = "admin_edit"
	AuditMappingUpsert         AuditAction = "mapping_upsert"
	AuditMappingSync           AuditAction = "mapping_sync"
	AuditDownload              AuditAction = "download"
	AuditLMSLink               AuditAction = "lms_link"
	AuditLMSUnlink             AuditAction = "lms_unlink"
)

// ActorKind — кто выполнил действие.
type ActorKind string

const (
	ActorStaff   ActorKind = "staff"
	ActorStudent ActorKind = "student"
	ActorAdmin   ActorKind = "admin"
	ActorSystem  ActorKind = "system"
)

// Actor — инициатор действия.
type Actor struct {
	Kind     ActorKind
	ID       string
	Username string
	IP       string
}

// SystemActor — фоновые процессы (обход очереди, восстановление зависших попыток).
var SystemActor = Actor{Kind: ActorSystem, ID: "retry-sweep", Username: "system"}

// AuditEntry — неизменяемая запись журнала аудита.
// Хранится в таблице audit_entries, только дописывается.
type AuditEntry struct {
	ID         int64
	Action     AuditAction
	Actor      Actor
	ArtifactID *string
	// Структурированные полезные нагрузки (JSON), любая может отсутствовать
	Request        json.RawMessage
	Response       json.RawMessage
	Error          json.RawMessage
	RemoteFunction *string
	RemoteStatus   *int
	CreatedAt      time.Time
}
