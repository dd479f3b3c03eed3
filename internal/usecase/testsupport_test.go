package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scribeworks/transcriptd/internal/domain"
)

// memStore is an in-memory domain.JobStore mirroring the database
// semantics the processor relies on: CAS transitions and conflict on
// progress updates after cancellation.
type memStore struct {
	mu       sync.Mutex
	seq      int
	jobs     map[string]domain.Job
	results  map[string]domain.Result
	errs     []domain.ErrorLog
	resolved []string
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]domain.Job), results: make(map[string]domain.Result)}
}

func (s *memStore) CreateJob(_ context.Context, j domain.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if j.ID == "" {
		j.ID = fmt.Sprintf("job-%d", s.seq)
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	j.CreatedAt = time.Now().UTC()
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *memStore) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.DeletedAt != nil {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

func (s *memStore) Transition(_ context.Context, id string, from, to domain.JobStatus, patch domain.JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("op=job.transition: %w", domain.ErrConflict)
	}
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.transition: %w", domain.ErrNotFound)
	}
	if j.Status != from {
		return fmt.Errorf("op=job.transition: %w", domain.ErrConflict)
	}
	j.Status = to
	if patch.WorkerID != nil {
		j.WorkerID = *patch.WorkerID
	}
	if patch.RetryCount != nil {
		j.RetryCount = *patch.RetryCount
	}
	if patch.ModelTier != nil {
		j.ModelTier = *patch.ModelTier
	}
	if patch.FilePath != nil {
		j.FilePath = *patch.FilePath
	}
	if patch.ProgressPct != nil {
		j.ProgressPct = *patch.ProgressPct
	}
	if patch.CurrentStep != nil {
		j.CurrentStep = *patch.CurrentStep
	}
	if patch.ErrorType != nil {
		j.ErrorType = *patch.ErrorType
	}
	if patch.ErrorMessage != nil {
		j.ErrorMessage = domain.TruncateMessage(*patch.ErrorMessage, domain.MaxErrorMessageLen)
	}
	if patch.StartedAt != nil && j.StartedAt == nil {
		j.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		j.CompletedAt = patch.CompletedAt
	}
	s.jobs[id] = j
	return nil
}

func (s *memStore) UpdateProgress(_ context.Context, id string, pct int, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobProcessing {
		return fmt.Errorf("op=job.progress: %w", domain.ErrConflict)
	}
	j.ProgressPct = pct
	j.CurrentStep = step
	s.jobs[id] = j
	return nil
}

func (s *memStore) AttachResult(_ context.Context, id string, r domain.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobProcessing {
		return fmt.Errorf("op=job.attach_result: %w", domain.ErrConflict)
	}
	j.Status = domain.JobCompleted
	j.ProgressPct = 100
	j.CurrentStep = "done"
	now := time.Now().UTC()
	j.CompletedAt = &now
	s.jobs[id] = j
	r.JobID = id
	s.results[id] = r
	return nil
}

func (s *memStore) GetResult(_ context.Context, jobID string) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[jobID]
	if !ok {
		return domain.Result{}, fmt.Errorf("op=result.get: %w", domain.ErrNotFound)
	}
	return r, nil
}

func (s *memStore) AppendError(_ context.Context, id string, e domain.ErrorLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.JobID = id
	e.CreatedAt = time.Now().UTC()
	s.errs = append(s.errs, e)
	return nil
}

func (s *memStore) ResolveErrors(_ context.Context, jobID, errorType, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved = append(s.resolved, jobID+"/"+errorType)
	return nil
}

func (s *memStore) ListErrors(_ context.Context, resolved *bool, _ int) ([]domain.ErrorLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ErrorLog, 0, len(s.errs))
	for _, e := range s.errs {
		if resolved == nil || e.Resolved == *resolved {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.cancel: %w", domain.ErrNotFound)
	}
	if j.Status.Terminal() {
		return fmt.Errorf("op=job.cancel: %w", domain.ErrConflict)
	}
	j.Status = domain.JobCancelled
	now := time.Now().UTC()
	j.CompletedAt = &now
	s.jobs[id] = j
	return nil
}

func (s *memStore) List(_ context.Context, f domain.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.Status == nil || j.Status == *f.Status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *memStore) CountsByStatus(_ context.Context, _ time.Time) (map[domain.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.JobStatus]int)
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (s *memStore) PurgeEligible(_ context.Context, _ time.Time) (int64, error) { return 0, nil }

func (s *memStore) job(id string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// fakeQueue records publishes and revokes.
type fakeQueue struct {
	mu         sync.Mutex
	published  []publishedTask
	revoked    []string
	publishErr error
}

type publishedTask struct {
	payload  domain.TaskPayload
	queue    string
	priority int
	delay    time.Duration
}

func (q *fakeQueue) Publish(_ context.Context, p domain.TaskPayload, queue string, priority int) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return "", q.publishErr
	}
	q.published = append(q.published, publishedTask{payload: p, queue: queue, priority: priority})
	return p.JobID, nil
}

func (q *fakeQueue) PublishDelayed(_ context.Context, p domain.TaskPayload, queue string, priority int, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, publishedTask{payload: p, queue: queue, priority: priority, delay: delay})
	return nil
}

func (q *fakeQueue) Revoke(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.revoked = append(q.revoked, jobID)
	return nil
}

// fakeAudit records appended events.
type fakeAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *fakeAudit) Log(_ context.Context, e domain.AuditEvent) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return fmt.Sprintf("evt-%d", len(a.events)), nil
}

func (a *fakeAudit) VerifyChain(context.Context, int64, int) (bool, int64, error) {
	return true, 0, nil
}

func (a *fakeAudit) ChainOfCustody(context.Context, string, string) ([]domain.AuditRecord, error) {
	return nil, nil
}

func (a *fakeAudit) FailedAuthAttempts(context.Context, time.Duration, int) ([]domain.AuditRecord, error) {
	return nil, nil
}

func (a *fakeAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.Action
	}
	return out
}

// fakeModel is a scriptable domain.Model.
type fakeModel struct {
	tier domain.Tier
	out  domain.EngineOutput
	err  error
}

func (m *fakeModel) Tier() domain.Tier { return m.tier }

func (m *fakeModel) Transcribe(ctx context.Context, _, _ string) (domain.EngineOutput, error) {
	if err := ctx.Err(); err != nil {
		return domain.EngineOutput{}, fmt.Errorf("op=fake.transcribe: %w", err)
	}
	if m.err != nil {
		return domain.EngineOutput{}, m.err
	}
	return m.out, nil
}

// fakeModels hands out one scripted model per acquire.
type fakeModels struct {
	mu         sync.Mutex
	model      *fakeModel
	acquireErr error
	acquired   []domain.Tier
	released   int
}

func (f *fakeModels) AcquireModel(_ context.Context, tier domain.Tier, _ time.Duration) (domain.Model, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, nil, f.acquireErr
	}
	f.acquired = append(f.acquired, tier)
	if f.model.tier == "" {
		f.model.tier = tier
	}
	return f.model, func() {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
	}, nil
}

// fakeTaskRouter records retry routing.
type fakeTaskRouter struct {
	mu          sync.Mutex
	maxRetries  int
	scheduled   []domain.TaskPayload
	republished []domain.TaskPayload
	dlq         []string
}

func (r *fakeTaskRouter) ScheduleRetry(_ context.Context, p domain.TaskPayload, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, p)
	return nil
}

func (r *fakeTaskRouter) Republish(_ context.Context, p domain.TaskPayload, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.republished = append(r.republished, p)
	return nil
}

func (r *fakeTaskRouter) MoveToDLQ(_ context.Context, p domain.TaskPayload, errorType, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dlq = append(r.dlq, p.JobID+"/"+errorType)
	return nil
}

func (r *fakeTaskRouter) Exhausted(p domain.TaskPayload) bool {
	return p.RetryCount >= r.maxRetries
}

// fakeMedia scripts conversion and repair outcomes.
type fakeMedia struct {
	mu        sync.Mutex
	converted []string
	repaired  []string
	repairErr error
}

func (m *fakeMedia) ToAudio(_ context.Context, in string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := in + ".mp3"
	m.converted = append(m.converted, in)
	return out, nil
}

func (m *fakeMedia) Repair(_ context.Context, in string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.repairErr != nil {
		return "", m.repairErr
	}
	out := in + "_repaired.mp3"
	m.repaired = append(m.repaired, in)
	return out, nil
}
