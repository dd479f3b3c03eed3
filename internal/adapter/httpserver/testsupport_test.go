package httpserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scribeworks/transcriptd/internal/config"
	"github.com/scribeworks/transcriptd/internal/domain"
	"github.com/scribeworks/transcriptd/internal/usecase"
)

// stubStore is the minimal domain.JobStore the handlers touch.
type stubStore struct {
	mu      sync.Mutex
	seq     int
	jobs    map[string]domain.Job
	results map[string]domain.Result
	errs    []domain.ErrorLog
}

func newStubStore() *stubStore {
	return &stubStore{jobs: make(map[string]domain.Job), results: make(map[string]domain.Result)}
}

func (s *stubStore) CreateJob(_ context.Context, j domain.Job) (string, error) {
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

func (s *stubStore) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

func (s *stubStore) Transition(_ context.Context, id string, _, to domain.JobStatus, _ domain.JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Status = to
	s.jobs[id] = j
	return nil
}

func (s *stubStore) UpdateProgress(context.Context, string, int, string) error { return nil }

func (s *stubStore) AttachResult(_ context.Context, id string, r domain.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Status = domain.JobCompleted
	s.jobs[id] = j
	r.JobID = id
	s.results[id] = r
	return nil
}

func (s *stubStore) GetResult(_ context.Context, jobID string) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[jobID]
	if !ok {
		return domain.Result{}, fmt.Errorf("op=result.get: %w", domain.ErrNotFound)
	}
	return r, nil
}

func (s *stubStore) AppendError(_ context.Context, id string, e domain.ErrorLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.JobID = id
	s.errs = append(s.errs, e)
	return nil
}

func (s *stubStore) ResolveErrors(context.Context, string, string, string, string) error { return nil }

func (s *stubStore) ListErrors(_ context.Context, resolved *bool, _ int) ([]domain.ErrorLog, error) {
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

func (s *stubStore) Cancel(_ context.Context, id string) error {
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
	s.jobs[id] = j
	return nil
}

func (s *stubStore) List(_ context.Context, f domain.JobFilter) ([]domain.Job, error) {
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

func (s *stubStore) CountsByStatus(context.Context, time.Time) (map[domain.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.JobStatus]int)
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (s *stubStore) PurgeEligible(context.Context, time.Time) (int64, error) { return 0, nil }

// stubQueue records publishes.
type stubQueue struct {
	mu        sync.Mutex
	published []string
	revoked   []string
}

func (q *stubQueue) Publish(_ context.Context, p domain.TaskPayload, queue string, _ int) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, queue+"/"+p.JobID)
	return p.JobID, nil
}

func (q *stubQueue) PublishDelayed(context.Context, domain.TaskPayload, string, int, time.Duration) error {
	return nil
}

func (q *stubQueue) Revoke(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.revoked = append(q.revoked, jobID)
	return nil
}

// stubAudit records events.
type stubAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *stubAudit) Log(_ context.Context, e domain.AuditEvent) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return fmt.Sprintf("evt-%d", len(a.events)), nil
}

func (a *stubAudit) VerifyChain(context.Context, int64, int) (bool, int64, error) {
	return true, 0, nil
}

func (a *stubAudit) ChainOfCustody(context.Context, string, string) ([]domain.AuditRecord, error) {
	return []domain.AuditRecord{{SequenceNumber: 1, Action: "job.create"}}, nil
}

func (a *stubAudit) FailedAuthAttempts(context.Context, time.Duration, int) ([]domain.AuditRecord, error) {
	return nil, nil
}

func route(priority int) string {
	if priority >= 7 {
		return "jobs.high"
	}
	return "jobs.normal"
}

type fixture struct {
	server *Server
	store  *stubStore
	queue  *stubQueue
	audit  *stubAudit
}

func newFixture(workDir string) *fixture {
	store := newStubStore()
	queue := &stubQueue{}
	audit := &stubAudit{}
	cfg := config.Config{
		MaxUploadSizeMB: 10,
		WorkFolder:      workDir,
		ModelSize:       "base",
	}
	return &fixture{
		server: &Server{
			Cfg:    cfg,
			Submit: usecase.NewSubmitService(store, queue, audit, route, domain.TierBase, 3),
			Status: usecase.NewStatusService(store, queue, audit),
			Audit:  audit,
			Jobs:   store,
		},
		store: store,
		queue: queue,
		audit: audit,
	}
}
