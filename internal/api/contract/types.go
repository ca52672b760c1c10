package contract

import (
	"encoding/json"
	"time"

	openapi_types "github.com/oapi-codegen/runtime/types"
)

// ArtifactStatus — статус артефакта в контракте.
type ArtifactStatus string

// Artifact — представление артефакта.
type Artifact struct {
	Id                 openapi_types.UUID `json:"id"`
	OriginalFilename   string             `json:"original_filename"`
	NormalizedFilename string             `json:"normalized_filename"`
	RegisterNumber     string             `json:"register_number"`
	SubjectCode        string             `json:"subject_code"`
	Batch              *string            `json:"batch,omitempty"`
	ContentType        string             `json:"content_type"`
	Size               int64              `json:"size"`
	ContentHash        *string            `json:"content_hash,omitempty"`
	Status             ArtifactStatus     `json:"status"`
	RetryCount         int                `json:"retry_count"`
	LastCompletedStep  int                `json:"last_completed_step"`
	LastError          *string            `json:"last_error,omitempty"`
	ReviewRequired     bool               `json:"review_required"`
	RemoteCourseId     *int64             `json:"remote_course_id,omitempty"`
	RemoteAssignmentId *int64             `json:"remote_assignment_id,omitempty"`
	RemoteSubmissionId *int64             `json:"remote_submission_id,omitempty"`
	UploadedBy         *string            `json:"uploaded_by,omitempty"`
	UploadedAt         time.Time          `json:"uploaded_at"`
	ValidatedAt        *time.Time         `json:"validated_at,omitempty"`
	SubmittedAt        *time.Time         `json:"submitted_at,omitempty"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// ArtifactList — список артефактов без пагинации.
type ArtifactList struct {
	Items []Artifact `json:"items"`
}

// ArtifactPage — страница артефактов.
type ArtifactPage struct {
	Items  []Artifact `json:"items"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// ErrorBody — код и сообщение ошибки.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmitOutcome — ответ 202 на отправку: артефакт ждёт повтора.
type SubmitOutcome struct {
	Artifact Artifact  `json:"artifact"`
	Error    ErrorBody `json:"error"`
}

// MappingRequest — тело PUT /api/v1/admin/mappings/{subject_code}.
type MappingRequest struct {
	SubjectName        *string `json:"subject_name,omitempty"`
	RemoteCourseId     int64   `json:"remote_course_id"`
	RemoteAssignmentId int64   `json:"remote_assignment_id"`
	AssignmentName     *string `json:"assignment_name,omitempty"`
	ExamSession        *string `json:"exam_session,omitempty"`
}

// Mapping — маппинг предмета.
type Mapping struct {
	Id                 openapi_types.UUID `json:"id"`
	SubjectCode        string             `json:"subject_code"`
	SubjectName        *string            `json:"subject_name,omitempty"`
	RemoteCourseId     int64              `json:"remote_course_id"`
	RemoteAssignmentId int64              `json:"remote_assignment_id"`
	AssignmentName     *string            `json:"assignment_name,omitempty"`
	ExamSession        *string            `json:"exam_session,omitempty"`
	Active             bool               `json:"active"`
	LastVerifiedAt     *time.Time         `json:"last_verified_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// MappingList — список маппингов.
type MappingList struct {
	Items []Mapping `json:"items"`
}

// IdentityImportItem — одна связь учётной записи LMS с регистрационным номером.
type IdentityImportItem struct {
	RemoteUsername string  `json:"remote_username"`
	RegisterNumber string  `json:"register_number"`
	RemoteUserId   *string `json:"remote_user_id,omitempty"`
}

// IdentityImportRequest — тело POST /api/v1/admin/identities.
type IdentityImportRequest struct {
	Items []IdentityImportItem `json:"items"`
}

// IdentityImportResponse — количество сохранённых записей.
type IdentityImportResponse struct {
	Imported int `json:"imported"`
}

// AuditEntry — запись журнала аудита.
type AuditEntry struct {
	Id             int64               `json:"id"`
	Action         string              `json:"action"`
	ActorKind      string              `json:"actor_kind"`
	ActorId        *string             `json:"actor_id,omitempty"`
	ActorUsername  *string             `json:"actor_username,omitempty"`
	ActorIp        *string             `json:"actor_ip,omitempty"`
	ArtifactId     *openapi_types.UUID `json:"artifact_id,omitempty"`
	Request        json.RawMessage     `json:"request,omitempty"`
	Response       json.RawMessage     `json:"response,omitempty"`
	Error          json.RawMessage     `json:"error,omitempty"`
	RemoteFunction *string             `json:"remote_function,omitempty"`
	RemoteStatus   *int                `json:"remote_status,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// AuditList — записи журнала аудита.
type AuditList struct {
	Items []AuditEntry `json:"items"`
}

// QueueStats — счётчики очереди повторов.
type QueueStats struct {
	Depth     int `json:"depth"`
	Queued    int `json:"queued"`
	InFlight  int `json:"in_flight"`
	Exhausted int `json:"exhausted"`
	DueNow    int `json:"due_now"`
}

// MappingHealth — состояние маппинга предмета.
type MappingHealth struct {
	SubjectCode        string     `json:"subject_code"`
	RemoteCourseId     int64      `json:"remote_course_id"`
	RemoteAssignmentId int64      `json:"remote_assignment_id"`
	LastVerifiedAt     *time.Time `json:"last_verified_at,omitempty"`
}

// Stats — операционная сводка.
type Stats struct {
	Queue          QueueStats      `json:"queue"`
	ReviewRequired int             `json:"review_required"`
	ByStatus       map[string]int  `json:"by_status"`
	Mappings       []MappingHealth `json:"mappings"`
	Identities     int             `json:"identities"`
	LinkedAccounts int             `json:"linked_accounts"`
}

// BulkIngestItem — итог загрузки одного файла пакета.
type BulkIngestItem struct {
	Filename string     `json:"filename"`
	Status   string     `json:"status"`
	Artifact *Artifact  `json:"artifact,omitempty"`
	Error    *ErrorBody `json:"error,omitempty"`
}

// BulkIngestResult — ответ POST /api/v1/artifacts/bulk.
type BulkIngestResult struct {
	Batch    string           `json:"batch"`
	Created  int              `json:"created"`
	Rejected int              `json:"rejected"`
	Items    []BulkIngestItem `json:"items"`
}

// ArtifactEditRequest — тело PATCH /api/v1/admin/artifacts/{artifact_id}.
type ArtifactEditRequest struct {
	RegisterNumber *string `json:"register_number,omitempty"`
	SubjectCode    *string `json:"subject_code,omitempty"`
}

// LMSLinkRequest — пара username/password или готовый token.
type LMSLinkRequest struct {
	Username *string `json:"username,omitempty"`
	Password *string `json:"password,omitempty"`
	Token    *string `json:"token,omitempty"`
}

// LMSLink — привязка учётной записи LMS студента.
type LMSLink struct {
	RegisterNumber string    `json:"register_number"`
	RemoteUserId   int64     `json:"remote_user_id"`
	RemoteUsername string    `json:"remote_username"`
	LinkedAt       time.Time `json:"linked_at"`
}

// DiscoveredAssignment — задание курса LMS.
type DiscoveredAssignment struct {
	AssignmentId int64   `json:"assignment_id"`
	CourseId     int64   `json:"course_id"`
	Cmid         int64   `json:"cmid"`
	Name         string  `json:"name"`
	SubjectCode  *string `json:"subject_code,omitempty"`
	MappedTo     *string `json:"mapped_to,omitempty"`
}

// DiscoveredAssignmentList — задания курсов LMS.
type DiscoveredAssignmentList struct {
	Items []DiscoveredAssignment `json:"items"`
}

// MappingSyncRequest — тело POST /api/v1/admin/mappings/sync.
type MappingSyncRequest struct {
	CourseIds []int64 `json:"course_ids"`
	DryRun    *bool   `json:"dry_run,omitempty"`
}

// MappingSyncItem — решение по одному заданию.
type MappingSyncItem struct {
	SubjectCode  *string `json:"subject_code,omitempty"`
	CourseId     int64   `json:"course_id"`
	AssignmentId int64   `json:"assignment_id"`
	Name         string  `json:"name"`
	Action       string  `json:"action"`
	Reason       *string `json:"reason,omitempty"`
}

// MappingSyncResult — отчёт синхронизации маппингов.
type MappingSyncResult struct {
	DryRun  bool              `json:"dry_run"`
	Created int               `json:"created"`
	Items   []MappingSyncItem `json:"items"`
}

// MappingBindRequest — тело POST /api/v1/admin/mappings/{subject_code}/bind.
type MappingBindRequest struct {
	Cmid      int64   `json:"cmid"`
	CourseIds []int64 `json:"course_ids"`
}

// SweepResult — итог обхода очереди повторов.
type SweepResult struct {
	Recovered int `json:"recovered"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Requeued  int `json:"requeued"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// AdminListArtifactsParams — параметры GET /api/v1/admin/artifacts.
type AdminListArtifactsParams struct {
	Status *ArtifactStatus `form:"status,omitempty" json:"status,omitempty"`
	Limit  *int            `form:"limit,omitempty" json:"limit,omitempty"`
	Offset *int            `form:"offset,omitempty" json:"offset,omitempty"`
}

// AuditParams — пагинация журнала аудита.
type AuditParams struct {
	Limit  *int `form:"limit,omitempty" json:"limit,omitempty"`
	Offset *int `form:"offset,omitempty" json:"offset,omitempty"`
}

// AdminListMappingsParams — параметры GET /api/v1/admin/mappings.
type AdminListMappingsParams struct {
	ActiveOnly *bool `form:"active_only,omitempty" json:"active_only,omitempty"`
}

// AdminDiscoverAssignmentsParams — параметры GET /api/v1/admin/mappings/discover.
type AdminDiscoverAssignmentsParams struct {
	CourseId []int64 `form:"course_id" json:"course_id"`
}
