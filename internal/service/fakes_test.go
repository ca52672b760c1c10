package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/exam-bridge/internal/credential"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/workflow"
	"github.com/bigkaa/goartstore/exam-bridge/internal/lms"
	"github.com/bigkaa/goartstore/exam-bridge/internal/repository"
	"github.com/bigkaa/goartstore/exam-bridge/internal/storage/filestore"
)

// --- Часы ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 11, 3, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- In-memory хранилище ---

// memStore — in-memory реализация всех репозиториев и UnitOfWork.
type memStore struct {
	mu    sync.Mutex
	txMu  sync.Mutex
	clock *fakeClock

	artifacts  map[string]*model.Artifact
	history    map[string][]workflow.Status
	mappings   []*model.SubjectMapping
	identities map[string]*model.RemoteIdentity
	creds      map[string]*model.LMSCredential
	queue      []*model.QueueEntry
	audit      []*model.AuditEntry
	seq        int
}

func newMemStore(clock *fakeClock) *memStore {
	return &memStore{
		clock:      clock,
		artifacts:  make(map[string]*model.Artifact),
		history:    make(map[string][]workflow.Status),
		identities: make(map[string]*model.RemoteIdentity),
		creds:      make(map[string]*model.LMSCredential),
	}
}

func (s *memStore) repos() *repository.Repos {
	return &repository.Repos{
		Artifacts:   &memArtifacts{s},
		Mappings:    &memMappings{s},
		Queue:       &memQueue{s},
		Audit:       &memAudit{s},
		Identities:  &memIdentities{s},
		Credentials: &memCredentials{s},
	}
}

// WithinTx — транзакции сериализуются; при ошибке состояние откатывается к снимку.
func (s *memStore) WithinTx(ctx context.Context, fn func(*repository.Repos) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(s.repos()); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	artifacts  map[string]*model.Artifact
	history    map[string][]workflow.Status
	mappings   []*model.SubjectMapping
	identities map[string]*model.RemoteIdentity
	creds      map[string]*model.LMSCredential
	queue      []*model.QueueEntry
	audit      []*model.AuditEntry
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		artifacts:  make(map[string]*model.Artifact, len(s.artifacts)),
		history:    make(map[string][]workflow.Status, len(s.history)),
		identities: make(map[string]*model.RemoteIdentity, len(s.identities)),
		creds:      make(map[string]*model.LMSCredential, len(s.creds)),
		audit:      slices.Clone(s.audit),
	}
	for k, v := range s.artifacts {
		snap.artifacts[k] = cloneArtifact(v)
	}
	for k, v := range s.history {
		snap.history[k] = slices.Clone(v)
	}
	for k, v := range s.identities {
		c := *v
		snap.identities[k] = &c
	}
	for k, v := range s.creds {
		c := *v
		snap.creds[k] = &c
	}
	for _, m := range s.mappings {
		c := *m
		snap.mappings = append(snap.mappings, &c)
	}
	for _, e := range s.queue {
		c := *e
		snap.queue = append(snap.queue, &c)
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = snap.artifacts
	s.history = snap.history
	s.mappings = snap.mappings
	s.identities = snap.identities
	s.creds = snap.creds
	s.queue = snap.queue
	s.audit = snap.audit
}

func (s *memStore) nextID() string {
	s.seq++
	return fmt.Sprintf("00000000-0000-0000-0000-%012d", s.seq)
}

// setStatus меняет статус и записывает его в историю наблюдаемых статусов.
func (s *memStore) setStatus(a *model.Artifact, st workflow.Status) {
	a.Status = st
	a.UpdatedAt = s.clock.Now()
	s.history[a.ID] = append(s.history[a.ID], st)
}

func cloneArtifact(a *model.Artifact) *model.Artifact {
	c := *a
	return &c
}

// --- Тестовые помощники доступа к состоянию ---

func (s *memStore) artifact(t *testing.T, id string) *model.Artifact {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		t.Fatalf("артефакт %s не найден в хранилище", id)
	}
	return cloneArtifact(a)
}

func (s *memStore) statusHistory(id string) []workflow.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history[id])
}

func (s *memStore) auditFor(id string, action model.AuditAction) []*model.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*model.AuditEntry
	for _, e := range s.audit {
		if e.ArtifactID != nil && *e.ArtifactID == id && e.Action == action {
			result = append(result, e)
		}
	}
	return result
}

func (s *memStore) liveEntry(artifactID string) *model.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.queue {
		if e.ArtifactID == artifactID && isLive(e) {
			c := *e
			return &c
		}
	}
	return nil
}

func (s *memStore) entries(artifactID string) []model.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []model.QueueEntry
	for _, e := range s.queue {
		if e.ArtifactID == artifactID {
			result = append(result, *e)
		}
	}
	return result
}

func (s *memStore) countArtifacts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.artifacts)
}

// mutateArtifact позволяет тесту привести артефакт в нужное состояние.
func (s *memStore) mutateArtifact(id string, fn func(a *model.Artifact)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.artifacts[id])
}

func isLive(e *model.QueueEntry) bool {
	return e.Status == model.QueueQueued || e.Status == model.QueueInFlight
}

// --- ArtifactRepository ---

type memArtifacts struct{ s *memStore }

func (r *memArtifacts) Create(_ context.Context, a *model.Artifact) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a.Fingerprint != nil {
		for _, other := range r.s.artifacts {
			if other.Fingerprint != nil && *other.Fingerprint == *a.Fingerprint {
				return fmt.Errorf("%w: отпечаток уже зарегистрирован", repository.ErrConflict)
			}
		}
	}
	r.s.seq++
	a.UploadedAt = r.s.clock.Now().Add(time.Duration(r.s.seq) * time.Millisecond)
	a.UpdatedAt = a.UploadedAt
	c := cloneArtifact(a)
	r.s.artifacts[a.ID] = c
	r.s.history[a.ID] = []workflow.Status{a.Status}
	return nil
}

func (r *memArtifacts) GetByID(_ context.Context, id string) (*model.Artifact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.artifacts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneArtifact(a), nil
}

func (r *memArtifacts) GetByFingerprint(_ context.Context, fingerprint string) (*model.Artifact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.artifacts {
		if a.Fingerprint != nil && *a.Fingerprint == fingerprint {
			return cloneArtifact(a), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memArtifacts) sorted(filter func(a *model.Artifact) bool) []*model.Artifact {
	var result []*model.Artifact
	for _, a := range r.s.artifacts {
		if filter(a) {
			result = append(result, cloneArtifact(a))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UploadedAt.Equal(result[j].UploadedAt) {
			return result[i].UploadedAt.Before(result[j].UploadedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (r *memArtifacts) ListByRegisterNumber(_ context.Context, regNo string) ([]*model.Artifact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.sorted(func(a *model.Artifact) bool {
		return a.ParsedRegNo == regNo && !workflow.IsAdministrative(a.Status)
	}), nil
}

func (r *memArtifacts) List(_ context.Context, status *workflow.Status, limit, offset int) ([]*model.Artifact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := r.sorted(func(a *model.Artifact) bool { return status == nil || a.Status == *status })
	if offset >= len(all) {
		return nil, nil
	}
	return all[offset:min(offset+limit, len(all))], nil
}

func (r *memArtifacts) Count(_ context.Context, status *workflow.Status) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, a := range r.s.artifacts {
		if status == nil || a.Status == *status {
			n++
		}
	}
	return n, nil
}

func (r *memArtifacts) CountByStatus(_ context.Context) (map[workflow.Status]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	result := make(map[workflow.Status]int)
	for _, a := range r.s.artifacts {
		result[a.Status]++
	}
	return result, nil
}

func (r *memArtifacts) CountReviewRequired(_ context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, a := range r.s.artifacts {
		if a.ReviewRequired {
			n++
		}
	}
	return n, nil
}

// update применяет fn к артефакту, если его статус входит в from; иначе ErrConflict.
func (r *memArtifacts) update(id string, from []workflow.Status, fn func(a *model.Artifact)) (*model.Artifact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.artifacts[id]
	if !ok || !slices.Contains(from, a.Status) {
		return nil, fmt.Errorf("%w: статус изменился", repository.ErrConflict)
	}
	fn(a)
	a.UpdatedAt = r.s.clock.Now()
	return cloneArtifact(a), nil
}

func (r *memArtifacts) MarkValidated(_ context.Context, id string, courseID, assignmentID int64, at time.Time) (*model.Artifact, error) {
	return r.update(id, []workflow.Status{workflow.StatusPending}, func(a *model.Artifact) {
		a.RemoteCourseID = &courseID
		a.RemoteAssignmentID = &assignmentID
		a.ValidatedAt = &at
		r.s.setStatus(a, workflow.StatusValidated)
	})
}

func (r *memArtifacts) Claim(_ context.Context, id string, remoteUserID int64, at time.Time) (*model.Artifact, error) {
	return r.update(id, []workflow.Status{workflow.StatusValidated, workflow.StatusAwaitingRetry}, func(a *model.Artifact) {
		a.SubmitStartedAt = &at
		if a.RemoteUserID == nil {
			a.RemoteUserID = &remoteUserID
		}
		r.s.setStatus(a, workflow.StatusSubmitting)
	})
}

func (r *memArtifacts) RecordDraftUploaded(_ context.Context, id string, draftItemID int64) error {
	_, err := r.update(id, []workflow.Status{workflow.StatusSubmitting}, func(a *model.Artifact) {
		a.RemoteDraftItemID = &draftItemID
		a.LastCompletedStep = max(a.LastCompletedStep, workflow.StepUploaded)
	})
	return err
}

func (r *memArtifacts) RecordSaved(_ context.Context, id string, at time.Time) error {
	_, err := r.update(id, []workflow.Status{workflow.StatusSubmitting}, func(a *model.Artifact) {
		a.LastCompletedStep = max(a.LastCompletedStep, workflow.StepSaved)
		if a.SubmittedAt == nil {
			a.SubmittedAt = &at
		}
		r.s.setStatus(a, workflow.StatusSubmittedToLMS)
	})
	return err
}

func (r *memArtifacts) MarkCompleted(_ context.Context, id string, submissionID *int64, at time.Time) error {
	_, err := r.update(id, []workflow.Status{workflow.StatusSubmitting, workflow.StatusSubmittedToLMS}, func(a *model.Artifact) {
		a.LastCompletedStep = workflow.StepFinalized
		if submissionID != nil {
			a.RemoteSubmissionID = submissionID
		}
		if a.SubmittedAt == nil {
			a.SubmittedAt = &at
		}
		a.CompletedAt = &at
		a.LastError = nil
		r.s.setStatus(a, workflow.StatusCompleted)
	})
	return err
}

func (r *memArtifacts) MarkFailed(_ context.Context, id string, f repository.FailureUpdate) error {
	from := []workflow.Status{workflow.StatusSubmitting, workflow.StatusSubmittedToLMS, workflow.StatusAwaitingRetry}
	_, err := r.update(id, from, func(a *model.Artifact) {
		a.RetryCount = f.RetryCount
		msg := f.LastError
		a.LastError = &msg
		a.ReviewRequired = a.ReviewRequired || f.ReviewRequired
		r.s.setStatus(a, f.Status)
	})
	return err
}

func (r *memArtifacts) ListStale(_ context.Context, startedBefore time.Time, limit int) ([]*model.Artifact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := r.sorted(func(a *model.Artifact) bool {
		inFlight := a.Status == workflow.StatusSubmitting || a.Status == workflow.StatusSubmittedToLMS
		return inFlight && a.SubmitStartedAt != nil && a.SubmitStartedAt.Before(startedBefore)
	})
	return all[:min(limit, len(all))], nil
}

func (r *memArtifacts) SetStatus(_ context.Context, id string, from, to workflow.Status) error {
	_, err := r.update(id, []workflow.Status{from}, func(a *model.Artifact) {
		r.s.setStatus(a, to)
	})
	return err
}

func (r *memArtifacts) Reset(_ context.Context, id string, from workflow.Status) error {
	_, err := r.update(id, []workflow.Status{from}, func(a *model.Artifact) {
		a.RemoteCourseID, a.RemoteAssignmentID = nil, nil
		a.RemoteDraftItemID, a.RemoteSubmissionID, a.RemoteUserID = nil, nil, nil
		a.LastCompletedStep, a.RetryCount = 0, 0
		a.LastError = nil
		a.ReviewRequired = false
		a.ValidatedAt, a.SubmitStartedAt, a.SubmittedAt, a.CompletedAt = nil, nil, nil, nil
		r.s.setStatus(a, workflow.StatusPending)
	})
	return err
}

func (r *memArtifacts) Relabel(_ context.Context, id string, from workflow.Status, rl repository.Relabel) (*model.Artifact, error) {
	r.s.mu.Lock()
	for otherID, other := range r.s.artifacts {
		if otherID != id && other.Fingerprint != nil && *other.Fingerprint == rl.Fingerprint {
			r.s.mu.Unlock()
			return nil, fmt.Errorf("%w: отпечаток уже занят", repository.ErrConflict)
		}
	}
	a, ok := r.s.artifacts[id]
	stepOK := ok && a.LastCompletedStep < workflow.StepSaved
	r.s.mu.Unlock()
	if !stepOK {
		return nil, fmt.Errorf("%w: правка не выполнена", repository.ErrConflict)
	}

	return r.update(id, []workflow.Status{from}, func(a *model.Artifact) {
		fp := rl.Fingerprint
		a.ParsedRegNo, a.ParsedSubjectCode = rl.RegisterNumber, rl.SubjectCode
		a.NormalizedFilename, a.Fingerprint = rl.NormalizedFilename, &fp
		a.RemoteCourseID, a.RemoteAssignmentID = nil, nil
		a.RemoteDraftItemID, a.RemoteSubmissionID, a.RemoteUserID = nil, nil, nil
		a.LastCompletedStep, a.RetryCount = 0, 0
		a.LastError = nil
		a.ReviewRequired = false
		a.ValidatedAt, a.SubmitStartedAt, a.SubmittedAt, a.CompletedAt = nil, nil, nil, nil
		r.s.setStatus(a, workflow.StatusPending)
	})
}

func (r *memArtifacts) ClearFingerprint(_ context.Context, id string) error {
	_, err := r.update(id, []workflow.Status{workflow.StatusArchived, workflow.StatusDeleted}, func(a *model.Artifact) {
		a.Fingerprint = nil
	})
	return err
}

// --- SubjectMappingRepository ---

type memMappings struct{ s *memStore }

func (r *memMappings) GetActive(_ context.Context, subjectCode string) (*model.SubjectMapping, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.mappings {
		if m.SubjectCode == subjectCode && m.Active {
			c := *m
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memMappings) List(_ context.Context, activeOnly bool) ([]*model.SubjectMapping, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []*model.SubjectMapping
	for _, m := range r.s.mappings {
		if !activeOnly || m.Active {
			c := *m
			result = append(result, &c)
		}
	}
	return result, nil
}

func (r *memMappings) Deactivate(_ context.Context, subjectCode string) (*model.SubjectMapping, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.mappings {
		if m.SubjectCode == subjectCode && m.Active {
			m.Active = false
			c := *m
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memMappings) Create(_ context.Context, m *model.SubjectMapping) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if m.Active {
		for _, other := range r.s.mappings {
			if other.SubjectCode == m.SubjectCode && other.Active {
				return fmt.Errorf("%w: активный маппинг уже существует", repository.ErrConflict)
			}
		}
	}
	m.ID = r.s.nextID()
	m.CreatedAt = r.s.clock.Now()
	m.UpdatedAt = m.CreatedAt
	c := *m
	r.s.mappings = append(r.s.mappings, &c)
	return nil
}

func (r *memMappings) MarkVerified(_ context.Context, subjectCode string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.mappings {
		if m.SubjectCode == subjectCode && m.Active {
			m.LastVerifiedAt = &at
		}
	}
	return nil
}

// --- IdentityRepository ---

type memIdentities struct{ s *memStore }

func (r *memIdentities) GetByUsername(_ context.Context, username string) (*model.RemoteIdentity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ri, ok := r.s.identities[username]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *ri
	return &c, nil
}

func (r *memIdentities) Upsert(_ context.Context, ri *model.RemoteIdentity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *ri
	r.s.identities[ri.RemoteUsername] = &c
	return nil
}

func (r *memIdentities) Count(_ context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.identities), nil
}

// --- CredentialRepository ---

type memCredentials struct{ s *memStore }

func (r *memCredentials) Get(_ context.Context, regNo string) (*model.LMSCredential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.creds[regNo]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memCredentials) Upsert(_ context.Context, c *model.LMSCredential) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for regNo, other := range r.s.creds {
		if regNo != c.RegisterNumber && other.RemoteUserID == c.RemoteUserID {
			return fmt.Errorf("%w: учётная запись LMS привязана к другому номеру", repository.ErrConflict)
		}
	}
	now := r.s.clock.Now()
	if existing, ok := r.s.creds[c.RegisterNumber]; ok {
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cp := *c
	r.s.creds[c.RegisterNumber] = &cp
	return nil
}

func (r *memCredentials) Delete(_ context.Context, regNo string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.creds[regNo]; !ok {
		return repository.ErrNotFound
	}
	delete(r.s.creds, regNo)
	return nil
}

func (r *memCredentials) Count(_ context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.creds), nil
}

// --- QueueRepository ---

type memQueue struct{ s *memStore }

func (r *memQueue) live(artifactID string) *model.QueueEntry {
	for _, e := range r.s.queue {
		if e.ArtifactID == artifactID && isLive(e) {
			return e
		}
	}
	return nil
}

func (r *memQueue) Upsert(_ context.Context, e *model.QueueEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.clock.Now()
	if existing := r.live(e.ArtifactID); existing != nil {
		existing.Status = model.QueueQueued
		existing.RetryCount = e.RetryCount
		existing.MaxRetries = e.MaxRetries
		existing.NextAttemptAt = e.NextAttemptAt
		existing.LastError = e.LastError
		existing.UpdatedAt = now
		*e = *existing
		return nil
	}
	e.ID = r.s.nextID()
	e.Status = model.QueueQueued
	e.CreatedAt, e.UpdatedAt = now, now
	c := *e
	r.s.queue = append(r.s.queue, &c)
	return nil
}

func (r *memQueue) GetLive(_ context.Context, artifactID string) (*model.QueueEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e := r.live(artifactID); e != nil {
		c := *e
		return &c, nil
	}
	return nil, repository.ErrNotFound
}

func (r *memQueue) ClaimDue(_ context.Context, now, staleBefore time.Time, limit int) ([]*model.QueueEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var due []*model.QueueEntry
	for _, e := range r.s.queue {
		ready := (e.Status == model.QueueQueued && !e.NextAttemptAt.After(now)) ||
			(e.Status == model.QueueInFlight && e.UpdatedAt.Before(staleBefore))
		if ready && e.RetryCount < e.MaxRetries {
			due = append(due, e)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	due = due[:min(limit, len(due))]

	result := make([]*model.QueueEntry, 0, len(due))
	for _, e := range due {
		e.Status = model.QueueInFlight
		e.UpdatedAt = r.s.clock.Now()
		c := *e
		result = append(result, &c)
	}
	return result, nil
}

func (r *memQueue) Release(_ context.Context, id string, nextAttemptAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.queue {
		if e.ID == id && e.Status == model.QueueInFlight {
			e.Status = model.QueueQueued
			e.NextAttemptAt = nextAttemptAt
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *memQueue) Exhaust(_ context.Context, e *model.QueueEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing := r.live(e.ArtifactID); existing != nil {
		existing.Status = model.QueueExhausted
		existing.RetryCount = e.RetryCount
		existing.LastError = e.LastError
		*e = *existing
		return nil
	}
	e.ID = r.s.nextID()
	e.Status = model.QueueExhausted
	c := *e
	r.s.queue = append(r.s.queue, &c)
	return nil
}

func (r *memQueue) DeleteLive(_ context.Context, artifactID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.queue = slices.DeleteFunc(r.s.queue, func(e *model.QueueEntry) bool {
		return e.ArtifactID == artifactID && isLive(e)
	})
	return nil
}

func (r *memQueue) RetryNow(_ context.Context, artifactID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.queue {
		if e.ArtifactID == artifactID && e.Status == model.QueueQueued {
			e.NextAttemptAt = at
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *memQueue) Stats(_ context.Context, now time.Time) (model.QueueStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var st model.QueueStats
	for _, e := range r.s.queue {
		switch e.Status {
		case model.QueueQueued:
			st.Queued++
			if !e.NextAttemptAt.After(now) {
				st.DueNow++
			}
		case model.QueueInFlight:
			st.InFlight++
		case model.QueueExhausted:
			st.Exhausted++
		}
	}
	return st, nil
}

// --- AuditRepository ---

type memAudit struct{ s *memStore }

func (r *memAudit) Append(_ context.Context, e *model.AuditEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e.ID = int64(len(r.s.audit) + 1)
	e.CreatedAt = r.s.clock.Now()
	c := *e
	r.s.audit = append(r.s.audit, &c)
	return nil
}

func (r *memAudit) List(_ context.Context, artifactID *string, limit, offset int) ([]*model.AuditEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*model.AuditEntry
	for _, e := range r.s.audit {
		if artifactID == nil || (e.ArtifactID != nil && *e.ArtifactID == *artifactID) {
			c := *e
			all = append(all, &c)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	return all[offset:min(offset+limit, len(all))], nil
}

// --- LMS ---

// fakeLMS — сценарий ответов удалённой системы по функциям.
// Ошибки из script расходуются по очереди; когда очередь пуста, используется fallback.
//
// Как и LMS, держит отдельный ответ и draft area на каждую учётную запись:
// status — шаблон ответа; первая учётная запись получает его как есть,
// следующие — с собственным SubmissionID.
type fakeLMS struct {
	mu       sync.Mutex
	script   map[string][]error
	fallback map[string]error
	calls    map[string]int
	status   lms.SubmissionStatus
	uploaded [][]byte
	nextItem int64

	// accounts — учётные записи для IssueToken: username → пароль и id
	accounts  map[string]fakeAccount
	attempts  map[int64]*lms.SubmissionStatus
	drafts    map[int64]int64 // draft item → владелец
	saved     map[int64][]byte
	uploaders []int64
	draftData map[int64][]byte

	// uploadGate, если задан, блокирует UploadDraft до закрытия
	uploadGate    chan struct{}
	uploadEntered chan struct{}
	// beforeFinalize, если задан, вызывается в начале SubmitForGrading
	beforeFinalize func()
	// catalog — задания, которые возвращает Assignments
	catalog []lms.Assignment
}

type fakeAccount struct {
	password string
	userID   int64
}

func newFakeLMS() *fakeLMS {
	return &fakeLMS{
		script:    make(map[string][]error),
		fallback:  make(map[string]error),
		calls:     make(map[string]int),
		status:    lms.SubmissionStatus{SubmissionID: 4242, Status: "draft", CanSubmit: true},
		nextItem:  100,
		accounts:  make(map[string]fakeAccount),
		attempts:  make(map[int64]*lms.SubmissionStatus),
		drafts:    make(map[int64]int64),
		saved:     make(map[int64][]byte),
		draftData: make(map[int64][]byte),
	}
}

// fakeToken — токен, который fakeLMS выпускает учётной записи userID.
func fakeToken(userID int64) string {
	return fmt.Sprintf("tok-%d", userID)
}

func (f *fakeLMS) addAccount(username, password string, userID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[username] = fakeAccount{password: password, userID: userID}
}

func (f *fakeLMS) failNext(function string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[function] = append(f.script[function], errs...)
}

func (f *fakeLMS) failAlways(function string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback[function] = err
}

func (f *fakeLMS) callCount(function string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[function]
}

func (f *fakeLMS) next(function string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[function]++
	if q := f.script[function]; len(q) > 0 {
		f.script[function] = q[1:]
		return q[0]
	}
	return f.fallback[function]
}

// attempt возвращает ответ учётной записи; вызывается под f.mu.
func (f *fakeLMS) attempt(userID int64) *lms.SubmissionStatus {
	st, ok := f.attempts[userID]
	if !ok {
		c := f.status
		c.SubmissionID += int64(len(f.attempts))
		c.UserID = userID
		st = &c
		f.attempts[userID] = st
	}
	return st
}

// savedFor возвращает содержимое, сохранённое в ответе учётной записи.
func (f *fakeLMS) savedFor(userID int64) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved[userID]
}

func (f *fakeLMS) UploadDraft(ctx context.Context, cred lms.Credential, _, _ string, content io.Reader) (int64, error) {
	if f.uploadEntered != nil {
		f.uploadEntered <- struct{}{}
	}
	if f.uploadGate != nil {
		select {
		case <-f.uploadGate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err := f.next(lms.FuncUpload); err != nil {
		return 0, err
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, data)
	f.uploaders = append(f.uploaders, cred.UserID)
	f.nextItem++
	f.drafts[f.nextItem] = cred.UserID
	f.draftData[f.nextItem] = data
	return f.nextItem, nil
}

func (f *fakeLMS) SaveSubmission(_ context.Context, cred lms.Credential, _, draftItemID int64) error {
	if err := f.next(lms.FuncSaveSubmission); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if owner, ok := f.drafts[draftItemID]; ok && owner != cred.UserID {
		return &lms.Error{Function: lms.FuncSaveSubmission, Class: lms.ClassPermanent,
			Code: "invaliddraftitemid", Message: "черновик другой учётной записи"}
	}
	f.attempt(cred.UserID)
	f.saved[cred.UserID] = f.draftData[draftItemID]
	return nil
}

func (f *fakeLMS) SubmissionStatus(_ context.Context, cred lms.Credential, _ int64) (*lms.SubmissionStatus, error) {
	if err := f.next(lms.FuncSubmissionStatus); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st := *f.attempt(cred.UserID)
	return &st, nil
}

func (f *fakeLMS) SubmitForGrading(_ context.Context, cred lms.Credential, _ int64) error {
	if f.beforeFinalize != nil {
		f.beforeFinalize()
	}
	if err := f.next(lms.FuncSubmitForGrading); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempt(cred.UserID).Status = "submitted"
	return nil
}

func (f *fakeLMS) IssueToken(_ context.Context, username, password string) (string, error) {
	if err := f.next(lms.FuncLogin); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.accounts[username]
	if !ok || acc.password != password {
		return "", &lms.Error{Function: lms.FuncLogin, Class: lms.ClassPermanent,
			Code: "invalidlogin", Message: "Invalid login, please try again"}
	}
	return fakeToken(acc.userID), nil
}

func (f *fakeLMS) SiteInfoAs(_ context.Context, token string) (*lms.SiteInfo, error) {
	if err := f.next(lms.FuncSiteInfo); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for username, acc := range f.accounts {
		if fakeToken(acc.userID) == token {
			return &lms.SiteInfo{SiteName: "LMS", Username: username, UserID: acc.userID}, nil
		}
	}
	return nil, &lms.Error{Function: lms.FuncSiteInfo, Class: lms.ClassPermanent,
		Code: "invalidtoken", Message: "Invalid token - token not found"}
}

func (f *fakeLMS) Assignments(_ context.Context, courseIDs []int64) ([]lms.Assignment, error) {
	if err := f.next(lms.FuncGetAssignments); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[int64]bool, len(courseIDs))
	for _, id := range courseIDs {
		want[id] = true
	}
	var out []lms.Assignment
	for _, a := range f.catalog {
		if want[a.CourseID] {
			out = append(out, a)
		}
	}
	return out, nil
}

// --- Окружение теста ---

type testEnv struct {
	clock      *fakeClock
	store      *memStore
	repos      *repository.Repos
	lms        *fakeLMS
	files      *filestore.FileStore
	dataDir    string
	mappings   *MappingService
	discovery  *MappingDiscovery
	ingest     *IngestService
	identity   *IdentityResolver
	creds      *CredentialService
	sealer     *credential.Sealer
	submission *SubmissionService
	sweeper    *RetrySweeper
	admin      *AdminService
	stats      *StatsService
}

const (
	testMaxRetries   = 3
	testBulkMaxFiles = 4
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := newFakeClock()
	store := newMemStore(clock)
	repos := store.repos()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dataDir := t.TempDir()
	files, err := filestore.New(dataDir, 1<<20)
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}

	fake := newFakeLMS()
	sealer, err := credential.NewSealer("exam-bridge-test-key")
	if err != nil {
		t.Fatalf("credential.NewSealer: %v", err)
	}
	identity := NewIdentityResolver(repos, logger)
	creds := NewCredentialService(repos, store, identity, fake, sealer, logger)
	mappings := NewMappingService(repos, store, 16, time.Hour, logger)
	submission := NewSubmissionService(repos, store, mappings, creds, fake, files, SubmissionConfig{
		StepTimeout:     time.Second,
		MaxRetries:      testMaxRetries,
		Backoff:         Backoff{Base: time.Minute, Max: 30 * time.Minute},
		DefaultPriority: 5,
	}, logger)
	submission.now = clock.Now

	sweeper := NewRetrySweeper(repos, submission, SweepConfig{
		Interval:    time.Minute,
		BatchSize:   50,
		Concurrency: 4,
		Lease:       15 * time.Minute,
	}, logger)
	sweeper.now = clock.Now

	admin := NewAdminService(repos, store, 15*time.Minute, logger)
	admin.now = clock.Now
	stats := NewStatsService(repos, mappings)
	stats.now = clock.Now

	env := &testEnv{
		clock:      clock,
		store:      store,
		repos:      repos,
		lms:        fake,
		files:      files,
		dataDir:    dataDir,
		mappings:   mappings,
		discovery:  NewMappingDiscovery(mappings, fake, logger),
		ingest:     NewIngestService(repos, store, files, testBulkMaxFiles, logger),
		identity:   identity,
		creds:      creds,
		sealer:     sealer,
		submission: submission,
		sweeper:    sweeper,
		admin:      admin,
		stats:      stats,
	}
	env.linkStudent(t, "611221104088", 501)
	return env
}

// linkStudent сохраняет привязку учётной записи LMS напрямую, минуя Link.
func (e *testEnv) linkStudent(t *testing.T, regNo string, userID int64) {
	t.Helper()
	sealed, err := e.sealer.Seal([]byte(fakeToken(userID)), regNo)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	err = e.repos.Credentials.Upsert(context.Background(), &model.LMSCredential{
		RegisterNumber:  regNo,
		RemoteUserID:    userID,
		RemoteUsername:  "s" + regNo,
		TokenCiphertext: sealed,
	})
	if err != nil {
		t.Fatalf("привязка %s: %v", regNo, err)
	}
}

var (
	staffActor   = model.Actor{Kind: model.ActorStaff, ID: "staff-1", Username: "scanner"}
	studentActor = model.Actor{Kind: model.ActorStudent, ID: "student-1", Username: "s611221104088"}
	adminActor   = model.Actor{Kind: model.ActorAdmin, ID: "admin-1", Username: "admin"}
)

// addMapping создаёт активный маппинг предмета.
func (e *testEnv) addMapping(t *testing.T, subject string, assignmentID int64) {
	t.Helper()
	_, err := e.mappings.Upsert(context.Background(), &model.SubjectMapping{
		SubjectCode:        subject,
		RemoteCourseID:     10,
		RemoteAssignmentID: assignmentID,
	}, adminActor)
	if err != nil {
		t.Fatalf("Upsert маппинга %s: %v", subject, err)
	}
}

// upload загружает файл и возвращает созданный артефакт.
func (e *testEnv) upload(t *testing.T, filename, batch, content string) *model.Artifact {
	t.Helper()
	a, err := e.ingest.Ingest(context.Background(), IngestRequest{
		Filename: filename,
		Batch:    batch,
		Content:  strings.NewReader(content),
		Actor:    staffActor,
	})
	if err != nil {
		t.Fatalf("Ingest(%s): %v", filename, err)
	}
	return a
}
