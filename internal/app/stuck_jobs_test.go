package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeworks/transcriptd/internal/domain"
)

type sweepStore struct {
	jobs    map[string]domain.Job
	listErr error
}

func newSweepStore() *sweepStore { return &sweepStore{jobs: make(map[string]domain.Job)} }

func (s *sweepStore) add(id string, startedAgo time.Duration, status domain.JobStatus) {
	started := time.Now().UTC().Add(-startedAgo)
	s.jobs[id] = domain.Job{ID: id, Status: status, StartedAt: &started}
}

func (s *sweepStore) List(_ context.Context, f domain.JobFilter) ([]domain.Job, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.Job
	for _, j := range s.jobs {
		if f.Status == nil || j.Status == *f.Status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *sweepStore) Transition(_ context.Context, id string, from, to domain.JobStatus, patch domain.JobPatch) error {
	j, ok := s.jobs[id]
	if !ok || j.Status != from {
		return fmt.Errorf("op=job.transition: %w", domain.ErrConflict)
	}
	j.Status = to
	if patch.ErrorType != nil {
		j.ErrorType = *patch.ErrorType
	}
	if patch.ErrorMessage != nil {
		j.ErrorMessage = *patch.ErrorMessage
	}
	s.jobs[id] = j
	return nil
}

func (s *sweepStore) CreateJob(context.Context, domain.Job) (string, error) { return "", nil }
func (s *sweepStore) Get(context.Context, string) (domain.Job, error)      { return domain.Job{}, nil }
func (s *sweepStore) UpdateProgress(context.Context, string, int, string) error {
	return nil
}
func (s *sweepStore) AttachResult(context.Context, string, domain.Result) error { return nil }
func (s *sweepStore) GetResult(context.Context, string) (domain.Result, error) {
	return domain.Result{}, nil
}
func (s *sweepStore) AppendError(context.Context, string, domain.ErrorLog) error { return nil }
func (s *sweepStore) ResolveErrors(context.Context, string, string, string, string) error {
	return nil
}
func (s *sweepStore) ListErrors(context.Context, *bool, int) ([]domain.ErrorLog, error) {
	return nil, nil
}
func (s *sweepStore) Cancel(context.Context, string) error { return nil }
func (s *sweepStore) CountsByStatus(context.Context, time.Time) (map[domain.JobStatus]int, error) {
	return nil, nil
}
func (s *sweepStore) PurgeEligible(context.Context, time.Time) (int64, error) { return 0, nil }

func TestSweepMarksOverdueProcessingJobsFailed(t *testing.T) {
	t.Parallel()
	store := newSweepStore()
	store.add("old", 3*time.Hour, domain.JobProcessing)
	store.add("fresh", 5*time.Minute, domain.JobProcessing)
	store.add("done", 3*time.Hour, domain.JobCompleted)

	sweeper := NewStuckJobSweeper(store, 2*time.Hour, time.Minute)
	swept := sweeper.SweepOnce(context.Background())

	assert.Equal(t, 1, swept)
	assert.Equal(t, domain.JobFailed, store.jobs["old"].Status)
	assert.Equal(t, string(domain.KindUnknown), store.jobs["old"].ErrorType)
	assert.Contains(t, store.jobs["old"].ErrorMessage, "sweeper")
	assert.Equal(t, domain.JobProcessing, store.jobs["fresh"].Status)
	assert.Equal(t, domain.JobCompleted, store.jobs["done"].Status)
}

func TestSweepSkipsJobsWithoutStartTime(t *testing.T) {
	t.Parallel()
	store := newSweepStore()
	store.jobs["no-start"] = domain.Job{ID: "no-start", Status: domain.JobProcessing}

	sweeper := NewStuckJobSweeper(store, time.Hour, time.Minute)
	assert.Equal(t, 0, sweeper.SweepOnce(context.Background()))
	assert.Equal(t, domain.JobProcessing, store.jobs["no-start"].Status)
}

func TestSweepToleratesListFailure(t *testing.T) {
	t.Parallel()
	store := newSweepStore()
	store.listErr = fmt.Errorf("db gone")

	sweeper := NewStuckJobSweeper(store, time.Hour, time.Minute)
	assert.Equal(t, 0, sweeper.SweepOnce(context.Background()))
}

func TestNewStuckJobSweeperDefaults(t *testing.T) {
	t.Parallel()
	require.Nil(t, NewStuckJobSweeper(nil, 0, 0))

	s := NewStuckJobSweeper(newSweepStore(), 0, 0)
	require.NotNil(t, s)
	assert.Equal(t, 2*time.Hour, s.maxAge)
	assert.Equal(t, 5*time.Minute, s.interval)
}

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , ,"))
	assert.Equal(t,
		[]string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example, https://b.example "))
}
