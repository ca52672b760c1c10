package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/bigkaa/goartstore/exam-bridge/internal/config"
	"github.com/bigkaa/goartstore/exam-bridge/internal/database"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/workflow"
)

// setupTestDB поднимает PostgreSQL в контейнере и накатывает миграции.
// Пул закрывается через t.Cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("TEST_INTEGRATION не задана, интеграционный тест пропущен")
	}

	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "docker.io/postgres:17-alpine",
		postgres.WithDatabase("exam_bridge_test"),
		postgres.WithUsername("exam"),
		postgres.WithPassword("test-password"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("postgres.Run: %v", err)
	}

	host, err := ctr.Host(ctx)
	if err != nil {
		t.Fatalf("Host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("MappedPort: %v", err)
	}

	env := [][2]string{
		{"EB_DB_HOST", host},
		{"EB_DB_PORT", port.Port()},
		{"EB_DB_NAME", "exam_bridge_test"},
		{"EB_DB_USER", "exam"},
		{"EB_DB_PASSWORD", "test-password"},
		{"EB_DB_SSL_MODE", "disable"},
	}
	for _, kv := range env {
		t.Setenv(kv[0], kv[1])
	}

	cfg, err := config.LoadDatabase()
	if err != nil {
		t.Fatalf("config.LoadDatabase: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

// newArtifact создаёт артефакт PENDING с уникальным отпечатком.
func newArtifact(regNo, subject string) *model.Artifact {
	fp := strings.Repeat("0", 32) + strings.ReplaceAll(uuid.New().String(), "-", "")
	return &model.Artifact{
		ID:                 uuid.New().String(),
		Fingerprint:        &fp,
		RawFilename:        regNo + "_" + subject + ".pdf",
		NormalizedFilename: regNo + "_" + subject + ".pdf",
		ParsedRegNo:        regNo,
		ParsedSubjectCode:  subject,
		BatchContext:       "NOV-2025",
		ContentHash:        strings.Repeat("a", 64),
		ContentType:        "application/pdf",
		SizeBytes:          1024,
		StoragePath:        "/data/" + uuid.New().String(),
		Status:             workflow.StatusPending,
		UploadedBy:         "scanner-1",
	}
}

// --- ArtifactRepository ---

func TestArtifactCreate_FingerprintUnique(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewArtifactRepository(pool)

	a := newArtifact("611221104088", "19AI405")
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	if a.UploadedAt.IsZero() {
		t.Error("UploadedAt не установлен")
	}

	got, err := repo.GetByFingerprint(ctx, *a.Fingerprint)
	if err != nil {
		t.Fatalf("GetByFingerprint() ошибка: %v", err)
	}
	if got.ID != a.ID || got.Status != workflow.StatusPending {
		t.Errorf("GetByFingerprint() = %s/%s", got.ID, got.Status)
	}

	// Параллельные вставки одного отпечатка: ровно одна успешна
	fp := strings.Repeat("b", 64)
	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dup := newArtifact("611221104089", "CS01")
			dup.Fingerprint = &fp
			err := repo.Create(ctx, dup)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("Create() неожиданная ошибка: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || conflicts != workers-1 {
		t.Errorf("успешных = %d, конфликтов = %d; хотели 1 и %d", ok, conflicts, workers-1)
	}

	// Архивный артефакт по-прежнему держит отпечаток, пока его не очистят
	if err := repo.SetStatus(ctx, a.ID, workflow.StatusPending, workflow.StatusArchived); err != nil {
		t.Fatalf("SetStatus() ошибка: %v", err)
	}
	again := newArtifact("611221104088", "19AI405")
	again.Fingerprint = a.Fingerprint
	if err := repo.Create(ctx, again); !errors.Is(err, ErrConflict) {
		t.Fatalf("повторная загрузка после архивации: %v, ожидали ErrConflict", err)
	}
	if err := repo.ClearFingerprint(ctx, a.ID); err != nil {
		t.Fatalf("ClearFingerprint() ошибка: %v", err)
	}
	if err := repo.Create(ctx, again); err != nil {
		t.Fatalf("загрузка после очистки отпечатка: %v", err)
	}
}

func TestArtifactClaim_SingleFlight(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewArtifactRepository(pool)

	a := newArtifact("611221104088", "19AI405")
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	// PENDING нельзя захватить напрямую
	if _, err := repo.Claim(ctx, a.ID, 501, time.Now()); !errors.Is(err, ErrConflict) {
		t.Fatalf("Claim(PENDING) = %v, ожидали ErrConflict", err)
	}

	if _, err := repo.MarkValidated(ctx, a.ID, 10, 100, time.Now()); err != nil {
		t.Fatalf("MarkValidated() ошибка: %v", err)
	}

	const workers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Claim(ctx, a.ID, 501, time.Now())
			if err == nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			} else if !errors.Is(err, ErrConflict) {
				t.Errorf("Claim() неожиданная ошибка: %v", err)
			}
		}()
	}
	wg.Wait()

	if claimed != 1 {
		t.Fatalf("захватов = %d, хотели 1", claimed)
	}

	// Шаги и завершение
	if err := repo.RecordDraftUploaded(ctx, a.ID, 555); err != nil {
		t.Fatalf("RecordDraftUploaded() ошибка: %v", err)
	}
	if err := repo.RecordSaved(ctx, a.ID, time.Now()); err != nil {
		t.Fatalf("RecordSaved() ошибка: %v", err)
	}
	subID := int64(77)
	if err := repo.MarkCompleted(ctx, a.ID, &subID, time.Now()); err != nil {
		t.Fatalf("MarkCompleted() ошибка: %v", err)
	}

	got, err := repo.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.Status != workflow.StatusCompleted || got.LastCompletedStep != workflow.StepFinalized {
		t.Errorf("статус = %s, шаг = %d", got.Status, got.LastCompletedStep)
	}
	if got.RemoteDraftItemID == nil || *got.RemoteDraftItemID != 555 {
		t.Errorf("RemoteDraftItemID = %v", got.RemoteDraftItemID)
	}
	if got.RemoteSubmissionID == nil || *got.RemoteSubmissionID != 77 {
		t.Errorf("RemoteSubmissionID = %v", got.RemoteSubmissionID)
	}
	if got.CompletedAt == nil || got.SubmittedAt == nil {
		t.Error("временные метки отправки не заполнены")
	}
	if got.RemoteUserID == nil || *got.RemoteUserID != 501 {
		t.Errorf("RemoteUserID = %v, хотели 501", got.RemoteUserID)
	}

	// COMPLETED не переводится в FAILED
	err = repo.MarkFailed(ctx, a.ID, FailureUpdate{Status: workflow.StatusFailed, LastError: "x"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("MarkFailed(COMPLETED) = %v, ожидали ErrConflict", err)
	}
}

func TestArtifactListByRegisterNumber(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewArtifactRepository(pool)

	first := newArtifact("611221104088", "19AI405")
	second := newArtifact("611221104088", "CS01")
	archived := newArtifact("611221104088", "MA")
	other := newArtifact("611221104099", "CS01")
	for _, a := range []*model.Artifact{first, second, archived, other} {
		if err := repo.Create(ctx, a); err != nil {
			t.Fatalf("Create() ошибка: %v", err)
		}
	}
	if err := repo.SetStatus(ctx, archived.ID, workflow.StatusPending, workflow.StatusArchived); err != nil {
		t.Fatalf("SetStatus() ошибка: %v", err)
	}

	list, err := repo.ListByRegisterNumber(ctx, "611221104088")
	if err != nil {
		t.Fatalf("ListByRegisterNumber() ошибка: %v", err)
	}
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Errorf("ListByRegisterNumber() вернул %d записей в неверном порядке", len(list))
	}

	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() ошибка: %v", err)
	}
	if counts[workflow.StatusPending] != 3 || counts[workflow.StatusArchived] != 1 {
		t.Errorf("CountByStatus() = %v", counts)
	}
}

// --- QueueRepository ---

func TestQueue_OneLiveEntryPerArtifact(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	artifacts := NewArtifactRepository(pool)
	queue := NewQueueRepository(pool)

	a := newArtifact("611221104088", "19AI405")
	if err := artifacts.Create(ctx, a); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	now := time.Now()
	e1 := &model.QueueEntry{ArtifactID: a.ID, Priority: 5, RetryCount: 1, MaxRetries: 3, NextAttemptAt: now.Add(-time.Second)}
	if err := queue.Upsert(ctx, e1); err != nil {
		t.Fatalf("Upsert() ошибка: %v", err)
	}
	e2 := &model.QueueEntry{ArtifactID: a.ID, Priority: 5, RetryCount: 2, MaxRetries: 3, NextAttemptAt: now.Add(-time.Second)}
	if err := queue.Upsert(ctx, e2); err != nil {
		t.Fatalf("повторный Upsert() ошибка: %v", err)
	}
	if e1.ID != e2.ID || e2.RetryCount != 2 {
		t.Errorf("Upsert создал вторую живую запись: %s / %s (retry=%d)", e1.ID, e2.ID, e2.RetryCount)
	}

	claimed, err := queue.ClaimDue(ctx, now, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ClaimDue() ошибка: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Status != model.QueueInFlight {
		t.Fatalf("ClaimDue() = %d записей", len(claimed))
	}
	// Повторная выборка не возвращает запись в работе
	again, err := queue.ClaimDue(ctx, now, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ClaimDue() ошибка: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("in_flight-запись выбрана повторно")
	}

	if err := queue.Exhaust(ctx, &model.QueueEntry{ArtifactID: a.ID, RetryCount: 3}); err != nil {
		t.Fatalf("Exhaust() ошибка: %v", err)
	}
	if _, err := queue.GetLive(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetLive() после Exhaust = %v, ожидали ErrNotFound", err)
	}

	stats, err := queue.Stats(ctx, now)
	if err != nil {
		t.Fatalf("Stats() ошибка: %v", err)
	}
	if stats.Exhausted != 1 || stats.Depth() != 0 {
		t.Errorf("Stats() = %+v", stats)
	}

	// После исчерпания допустима новая живая запись
	e3 := &model.QueueEntry{ArtifactID: a.ID, Priority: 5, RetryCount: 1, MaxRetries: 3, NextAttemptAt: now}
	if err := queue.Upsert(ctx, e3); err != nil {
		t.Fatalf("Upsert() после исчерпания: %v", err)
	}
	if e3.ID == e1.ID {
		t.Error("исчерпанная запись переиспользована")
	}
}

func TestQueue_ClaimDueOrder(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	artifacts := NewArtifactRepository(pool)
	queue := NewQueueRepository(pool)

	now := time.Now()
	mk := func(priority int, next time.Time) string {
		a := newArtifact("611221104088", "S"+uuid.New().String()[:4])
		a.ParsedSubjectCode = strings.ToUpper(a.ParsedSubjectCode)
		if err := artifacts.Create(ctx, a); err != nil {
			t.Fatalf("Create() ошибка: %v", err)
		}
		e := &model.QueueEntry{ArtifactID: a.ID, Priority: priority, RetryCount: 1, MaxRetries: 5, NextAttemptAt: next}
		if err := queue.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert() ошибка: %v", err)
		}
		return a.ID
	}

	low := mk(9, now.Add(-time.Hour))
	urgent := mk(1, now.Add(-time.Minute))
	future := mk(1, now.Add(time.Hour))

	claimed, err := queue.ClaimDue(ctx, now, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ClaimDue() ошибка: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("ClaimDue() = %d записей, хотели 2", len(claimed))
	}
	if claimed[0].ArtifactID != urgent || claimed[1].ArtifactID != low {
		t.Errorf("неверный порядок выборки")
	}
	for _, e := range claimed {
		if e.ArtifactID == future {
			t.Error("выбрана запись с будущим сроком")
		}
	}

	if err := queue.Release(ctx, claimed[0].ID, now.Add(-time.Second)); err != nil {
		t.Fatalf("Release() ошибка: %v", err)
	}
	if err := queue.RetryNow(ctx, future, now); err != nil {
		t.Fatalf("RetryNow() ошибка: %v", err)
	}
	next, err := queue.ClaimDue(ctx, now, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ClaimDue() ошибка: %v", err)
	}
	if len(next) != 2 {
		t.Errorf("после Release и RetryNow выбрано %d записей, хотели 2", len(next))
	}
}

// --- SubjectMappingRepository ---

func TestSubjectMapping_ReplaceInTx(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	tx := NewTxRunner(pool)
	repo := NewSubjectMappingRepository(pool)

	if err := repo.Create(ctx, &model.SubjectMapping{
		SubjectCode: "19AI405", RemoteCourseID: 10, RemoteAssignmentID: 100, Active: true,
	}); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	if err := repo.Create(ctx, &model.SubjectMapping{
		SubjectCode: "19AI405", RemoteCourseID: 11, RemoteAssignmentID: 101, Active: true,
	}); !errors.Is(err, ErrConflict) {
		t.Fatalf("второй активный маппинг: %v, ожидали ErrConflict", err)
	}

	err := tx.WithinTx(ctx, func(repos *Repos) error {
		if _, err := repos.Mappings.Deactivate(ctx, "19AI405"); err != nil {
			return err
		}
		return repos.Mappings.Create(ctx, &model.SubjectMapping{
			SubjectCode: "19AI405", RemoteCourseID: 11, RemoteAssignmentID: 101, Active: true,
		})
	})
	if err != nil {
		t.Fatalf("замена маппинга: %v", err)
	}

	active, err := repo.GetActive(ctx, "19AI405")
	if err != nil {
		t.Fatalf("GetActive() ошибка: %v", err)
	}
	if active.RemoteAssignmentID != 101 {
		t.Errorf("RemoteAssignmentID = %d, хотели 101", active.RemoteAssignmentID)
	}

	now := time.Now()
	if err := repo.MarkVerified(ctx, "19AI405", now); err != nil {
		t.Fatalf("MarkVerified() ошибка: %v", err)
	}
	all, err := repo.List(ctx, false)
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(all) != 2 || !all[0].Active || all[0].LastVerifiedAt == nil {
		t.Errorf("List() вернул неожиданный результат: %d записей", len(all))
	}

	if _, err := repo.GetActive(ctx, "CS01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetActive(CS01) = %v, ожидали ErrNotFound", err)
	}
}

// --- IdentityRepository, AuditRepository ---

func TestIdentityUpsert(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewIdentityRepository(pool)

	uid := "42"
	ri := &model.RemoteIdentity{RemoteUsername: "student42", RegisterNumber: "611221104088", RemoteUserID: &uid}
	if err := repo.Upsert(ctx, ri); err != nil {
		t.Fatalf("Upsert() ошибка: %v", err)
	}
	ri.RegisterNumber = "611221104099"
	if err := repo.Upsert(ctx, ri); err != nil {
		t.Fatalf("повторный Upsert() ошибка: %v", err)
	}

	got, err := repo.GetByUsername(ctx, "student42")
	if err != nil {
		t.Fatalf("GetByUsername() ошибка: %v", err)
	}
	if got.RegisterNumber != "611221104099" || got.RemoteUserID == nil || *got.RemoteUserID != "42" {
		t.Errorf("GetByUsername() = %+v", got)
	}
	if _, err := repo.GetByUsername(ctx, "Student42"); !errors.Is(err, ErrNotFound) {
		t.Errorf("поиск должен быть точным, получили %v", err)
	}
}

func TestAuditAppendAndList(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	artifacts := NewArtifactRepository(pool)
	audit := NewAuditRepository(pool)

	a := newArtifact("611221104088", "19AI405")
	if err := artifacts.Create(ctx, a); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	status := 503
	fn := "mod_assign_save_submission"
	entries := []*model.AuditEntry{
		{Action: model.AuditUpload, Actor: model.Actor{Kind: model.ActorStaff, ID: "u1", Username: "scanner"},
			ArtifactID: &a.ID, Request: []byte(`{"batch":"NOV-2025"}`)},
		{Action: model.AuditSubmitAttempt, Actor: model.SystemActor, ArtifactID: &a.ID,
			Error: []byte(`{"class":"transient"}`), RemoteFunction: &fn, RemoteStatus: &status},
		{Action: model.AuditMappingUpsert, Actor: model.Actor{Kind: model.ActorAdmin, ID: "root"}},
	}
	for _, e := range entries {
		if err := audit.Append(ctx, e); err != nil {
			t.Fatalf("Append() ошибка: %v", err)
		}
	}

	list, err := audit.List(ctx, &a.ID, 10, 0)
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List(artifact) = %d записей, хотели 2", len(list))
	}
	if list[1].RemoteStatus == nil || *list[1].RemoteStatus != 503 || len(list[1].Error) == 0 {
		t.Errorf("запись попытки прочитана неверно: %+v", list[1])
	}
	if list[0].Response != nil {
		t.Errorf("пустой response прочитан как %q", list[0].Response)
	}

	all, err := audit.List(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("List(nil) ошибка: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List(nil) = %d записей, хотели 3", len(all))
	}
}

// --- CredentialRepository ---

func TestCredentialUpsert_OneStudentPerAccount(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewCredentialRepository(pool)

	c := &model.LMSCredential{
		RegisterNumber:  "611221104088",
		RemoteUserID:    501,
		RemoteUsername:  "ivanov",
		TokenCiphertext: []byte{1, 2, 3},
	}
	if err := repo.Upsert(ctx, c); err != nil {
		t.Fatalf("Upsert() ошибка: %v", err)
	}

	// Перепривязка того же номера заменяет токен
	c.TokenCiphertext = []byte{4, 5, 6}
	if err := repo.Upsert(ctx, c); err != nil {
		t.Fatalf("повторный Upsert() ошибка: %v", err)
	}
	got, err := repo.Get(ctx, "611221104088")
	if err != nil {
		t.Fatalf("Get() ошибка: %v", err)
	}
	if got.RemoteUserID != 501 || string(got.TokenCiphertext) != string([]byte{4, 5, 6}) {
		t.Errorf("Get() = %+v", got)
	}

	// Та же учётная запись LMS для другого студента
	other := &model.LMSCredential{
		RegisterNumber:  "611221104099",
		RemoteUserID:    501,
		RemoteUsername:  "ivanov",
		TokenCiphertext: []byte{7},
	}
	if err := repo.Upsert(ctx, other); !errors.Is(err, ErrConflict) {
		t.Errorf("Upsert(чужая учётная запись) = %v, ожидали ErrConflict", err)
	}

	if err := repo.Delete(ctx, "611221104088"); err != nil {
		t.Fatalf("Delete() ошибка: %v", err)
	}
	if _, err := repo.Get(ctx, "611221104088"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() после Delete = %v, ожидали ErrNotFound", err)
	}
	if err := repo.Delete(ctx, "611221104088"); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторный Delete() = %v, ожидали ErrNotFound", err)
	}
}

func TestArtifactRelabel(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewArtifactRepository(pool)

	a := newArtifact("611221104088", "19AI405")
	b := newArtifact("611221104099", "19AI405")
	for _, x := range []*model.Artifact{a, b} {
		if err := repo.Create(ctx, x); err != nil {
			t.Fatalf("Create() ошибка: %v", err)
		}
	}
	if _, err := repo.MarkValidated(ctx, a.ID, 10, 100, time.Now()); err != nil {
		t.Fatalf("MarkValidated() ошибка: %v", err)
	}

	fp := strings.Repeat("1", 64)
	got, err := repo.Relabel(ctx, a.ID, workflow.StatusValidated, Relabel{
		RegisterNumber:     "611221104077",
		SubjectCode:        "19CS101",
		NormalizedFilename: "611221104077_19CS101.pdf",
		Fingerprint:        fp,
	})
	if err != nil {
		t.Fatalf("Relabel() ошибка: %v", err)
	}
	if got.Status != workflow.StatusPending || got.ParsedRegNo != "611221104077" ||
		got.ParsedSubjectCode != "19CS101" || got.RemoteAssignmentID != nil {
		t.Errorf("Relabel() = %+v", got)
	}

	// Отпечаток, занятый другим артефактом
	_, err = repo.Relabel(ctx, b.ID, workflow.StatusPending, Relabel{
		RegisterNumber:     "611221104077",
		SubjectCode:        "19CS101",
		NormalizedFilename: "611221104077_19CS101.pdf",
		Fingerprint:        fp,
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Relabel(занятый отпечаток) = %v, ожидали ErrConflict", err)
	}

	// Устаревший from
	_, err = repo.Relabel(ctx, a.ID, workflow.StatusValidated, Relabel{
		RegisterNumber:     "611221104077",
		SubjectCode:        "19CS102",
		NormalizedFilename: "611221104077_19CS102.pdf",
		Fingerprint:        strings.Repeat("2", 64),
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Relabel(устаревший статус) = %v, ожидали ErrConflict", err)
	}
}
