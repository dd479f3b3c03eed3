package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeworks/transcriptd/internal/domain"
)

func newStatusFixture() (StatusService, *memStore, *fakeQueue, *fakeAudit) {
	store := newMemStore()
	queue := &fakeQueue{}
	audit := &fakeAudit{}
	return NewStatusService(store, queue, audit), store, queue, audit
}

func TestGetPendingJobHasNoResult(t *testing.T) {
	t.Parallel()
	svc, store, _, _ := newStatusFixture()
	id, err := store.CreateJob(context.Background(), domain.Job{Filename: "a.mp3"})
	require.NoError(t, err)

	job, res, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Nil(t, res)
}

func TestGetCompletedJobIncludesResult(t *testing.T) {
	t.Parallel()
	svc, store, _, _ := newStatusFixture()
	id, err := store.CreateJob(context.Background(), domain.Job{Status: domain.JobProcessing})
	require.NoError(t, err)
	require.NoError(t, store.AttachResult(context.Background(), id, domain.Result{Text: "done", Language: "en"}))

	job, res, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)
	require.NotNil(t, res)
	assert.Equal(t, "done", res.Text)
}

func TestGetUnknownJob(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newStatusFixture()
	_, _, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelPendingJob(t *testing.T) {
	t.Parallel()
	svc, store, queue, audit := newStatusFixture()
	id, err := store.CreateJob(context.Background(), domain.Job{})
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(context.Background(), id, Actor{UserID: "officer-1"}))

	assert.Equal(t, domain.JobCancelled, store.job(id).Status)
	assert.Equal(t, []string{id}, queue.revoked)
	require.Len(t, audit.events, 1)
	assert.Equal(t, "job.cancel", audit.events[0].Action)
	assert.Equal(t, domain.OutcomeSuccess, audit.events[0].Outcome)
	assert.Equal(t, string(domain.JobPending), audit.events[0].PreviousState["status"])
}

func TestCancelCompletedJobConflicts(t *testing.T) {
	t.Parallel()
	svc, store, queue, audit := newStatusFixture()
	id, err := store.CreateJob(context.Background(), domain.Job{Status: domain.JobProcessing})
	require.NoError(t, err)
	require.NoError(t, store.AttachResult(context.Background(), id, domain.Result{}))

	err = svc.Cancel(context.Background(), id, Actor{})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Empty(t, queue.revoked)
	require.Len(t, audit.events, 1)
	assert.Equal(t, domain.OutcomeDenied, audit.events[0].Outcome)
}

func TestCancelUnknownJob(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newStatusFixture()
	err := svc.Cancel(context.Background(), "missing", Actor{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListFiltersByStatus(t *testing.T) {
	t.Parallel()
	svc, store, _, _ := newStatusFixture()
	_, err := store.CreateJob(context.Background(), domain.Job{})
	require.NoError(t, err)
	_, err = store.CreateJob(context.Background(), domain.Job{Status: domain.JobFailed})
	require.NoError(t, err)

	failed := domain.JobFailed
	jobs, err := svc.List(context.Background(), domain.JobFilter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobFailed, jobs[0].Status)

	all, err := svc.List(context.Background(), domain.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
