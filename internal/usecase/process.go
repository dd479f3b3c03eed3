package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/scribeworks/transcriptd/internal/adapter/observability"
	"github.com/scribeworks/transcriptd/internal/domain"
	"github.com/scribeworks/transcriptd/pkg/transcript"
)

// ModelSource hands out loaded models. The release closure must be
// called exactly once.
type ModelSource interface {
	AcquireModel(ctx context.Context, tier domain.Tier, timeout time.Duration) (domain.Model, func(), error)
}

// TaskRouter re-publishes failed tasks: with backoff, immediately, or
// to the dead-letter queue. Exhausted expects the payload's RetryCount
// to already include the attempt being weighed.
type TaskRouter interface {
	ScheduleRetry(ctx context.Context, payload domain.TaskPayload, priority int) error
	Republish(ctx context.Context, payload domain.TaskPayload, priority int) error
	MoveToDLQ(ctx context.Context, payload domain.TaskPayload, errorType, reason string) error
	Exhausted(payload domain.TaskPayload) bool
}

// videoExts are containers converted to audio before transcription.
var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".mkv": true, ".avi": true, ".webm": true,
}

// Processor executes one transcription task end to end. Its Handle
// method is the broker consumer's handler: returning nil acknowledges
// the record, returning an error leaves it for redelivery.
type Processor struct {
	Jobs   domain.JobStore
	Models ModelSource
	Router TaskRouter
	Media  domain.MediaConverter
	Audit  domain.AuditLog

	WorkerID       string
	OutputFolder   string
	AcquireTimeout time.Duration
	TaskTimeout    time.Duration

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewProcessor constructs a Processor.
func NewProcessor(jobs domain.JobStore, models ModelSource, router TaskRouter, media domain.MediaConverter, audit domain.AuditLog, workerID, outputFolder string, acquireTimeout, taskTimeout time.Duration) *Processor {
	return &Processor{
		Jobs:           jobs,
		Models:         models,
		Router:         router,
		Media:          media,
		Audit:          audit,
		WorkerID:       workerID,
		OutputFolder:   outputFolder,
		AcquireTimeout: acquireTimeout,
		TaskTimeout:    taskTimeout,
		inflight:       make(map[string]context.CancelFunc),
	}
}

// RevokeInflight cancels the task context of an in-flight job. Wired to
// the control topic watcher.
func (p *Processor) RevokeInflight(jobID string) {
	p.mu.Lock()
	cancel, ok := p.inflight[jobID]
	p.mu.Unlock()
	if ok {
		slog.Info("cancelling in-flight task", slog.String("job_id", jobID))
		cancel()
	}
}

func (p *Processor) track(jobID string, cancel context.CancelFunc) func() {
	p.mu.Lock()
	p.inflight[jobID] = cancel
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.inflight, jobID)
		p.mu.Unlock()
	}
}

// Handle processes one consumed task.
func (p *Processor) Handle(ctx context.Context, payload domain.TaskPayload, topic string) error {
	job, err := p.Jobs.Get(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("task references missing job, dropping", slog.String("job_id", payload.JobID))
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		slog.Info("job already terminal, dropping task",
			slog.String("job_id", job.ID), slog.String("status", string(job.Status)))
		return nil
	}
	if job.Status == domain.JobProcessing {
		// Redelivery of a task another slot is (or was) working on. The
		// stuck-job sweeper owns crashed runs; taking it here would race
		// a live one.
		slog.Warn("job already processing, dropping redelivery", slog.String("job_id", job.ID))
		return nil
	}

	started := time.Now()
	step := "acquiring model"
	pct := 10
	if err := p.Jobs.Transition(ctx, job.ID, job.Status, domain.JobProcessing, domain.JobPatch{
		WorkerID:    &p.WorkerID,
		RetryCount:  &payload.RetryCount,
		ModelTier:   &payload.ModelTier,
		ProgressPct: &pct,
		CurrentStep: &step,
		StartedAt:   &started,
	}); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			slog.Info("lost claim race, dropping task", slog.String("job_id", job.ID))
			return nil
		}
		return err
	}
	observability.StartProcessingJob()
	defer observability.EndProcessingJob()
	p.auditEvent(ctx, "job.process.start", job.ID, domain.OutcomeSuccess, map[string]string{
		"worker_id":   p.WorkerID,
		"retry_count": fmt.Sprintf("%d", payload.RetryCount),
		"topic":       topic,
	})

	taskCtx, cancel := context.WithTimeout(ctx, p.TaskTimeout)
	defer cancel()
	untrack := p.track(job.ID, cancel)
	defer untrack()

	runErr := p.run(taskCtx, job, payload, started)
	if runErr == nil {
		return nil
	}
	if errors.Is(runErr, errJobGone) {
		// Cancelled or deleted mid-run; nothing further owns this task.
		return nil
	}
	return p.fail(ctx, job, payload, runErr)
}

// errJobGone aborts a run when the job left processing underneath the
// worker, usually due to cancellation.
var errJobGone = errors.New("job no longer processing")

// checkpoint advances progress and doubles as the cancellation check.
func (p *Processor) checkpoint(ctx context.Context, jobID string, pct int, step string) error {
	if err := p.Jobs.UpdateProgress(ctx, jobID, pct, step); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return errJobGone
		}
		return err
	}
	return nil
}

// run is the happy path; every returned error goes through fail.
func (p *Processor) run(ctx context.Context, job domain.Job, payload domain.TaskPayload, started time.Time) error {
	path := payload.FilePath
	if videoExts[strings.ToLower(filepath.Ext(path))] {
		if err := p.checkpoint(ctx, job.ID, 20, "extracting audio"); err != nil {
			return err
		}
		audioPath, err := p.Media.ToAudio(ctx, path)
		if err != nil {
			return err
		}
		path = audioPath
	}

	model, release, err := p.Models.AcquireModel(ctx, payload.ModelTier, p.AcquireTimeout)
	if err != nil {
		return err
	}
	defer release()

	if err := p.checkpoint(ctx, job.ID, 30, "transcribing"); err != nil {
		return err
	}
	out, err := model.Transcribe(ctx, path, payload.Language)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			// Distinguish revoke from a transient engine abort.
			if cur, gerr := p.Jobs.Get(context.WithoutCancel(ctx), job.ID); gerr == nil && cur.Status == domain.JobCancelled {
				return errJobGone
			}
		}
		return err
	}

	if err := p.checkpoint(ctx, job.ID, 90, "writing transcript"); err != nil {
		return err
	}
	artifact := transcript.Render(transcript.Meta{
		Filename:      job.Filename,
		FileSizeBytes: job.FileSizeBytes,
		ModelTier:     model.Tier(),
		Transcribed:   time.Now().UTC(),
		DurationS:     out.DurationS,
		Language:      out.Language,
	}, out)
	outputPath := filepath.Join(p.OutputFolder, job.ID+".txt")
	if err := os.WriteFile(outputPath, []byte(artifact), 0o644); err != nil {
		return fmt.Errorf("op=process.write_artifact: %w", err)
	}

	if err := p.Jobs.AttachResult(ctx, job.ID, domain.Result{
		JobID:      job.ID,
		Text:       out.Text,
		Language:   out.Language,
		DurationS:  out.DurationS,
		Segments:   out.Segments,
		OutputPath: outputPath,
	}); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return errJobGone
		}
		return err
	}

	if strings.Contains(filepath.Base(path), "_repaired") {
		if err := p.Jobs.ResolveErrors(ctx, job.ID, string(domain.KindCorruptAudio), "system",
			"transcription succeeded after repair"); err != nil {
			slog.Warn("error resolution failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}

	observability.CompleteJob(string(model.Tier()), time.Since(started))
	p.auditEvent(ctx, "job.complete", job.ID, domain.OutcomeSuccess, map[string]string{
		"model_tier":  string(model.Tier()),
		"duration_s":  fmt.Sprintf("%.1f", out.DurationS),
		"output_path": outputPath,
	})
	slog.Info("job completed",
		slog.String("job_id", job.ID),
		slog.String("model_tier", string(model.Tier())),
		slog.Duration("elapsed", time.Since(started)))
	return nil
}

// fail routes one failed run per the error taxonomy. It returns nil
// once a terminal action (retry publish, DLQ, failed status) has been
// taken, so the broker record is acknowledged.
func (p *Processor) fail(ctx context.Context, job domain.Job, payload domain.TaskPayload, cause error) error {
	kind := domain.Classify(cause)
	msg := domain.TruncateMessage(cause.Error(), domain.MaxErrorMessageLen)
	slog.Error("task failed",
		slog.String("job_id", job.ID),
		slog.String("error_type", string(kind)),
		slog.Int("retry_count", payload.RetryCount),
		slog.Any("error", cause))

	p.appendError(ctx, job.ID, kind, cause)

	switch {
	case kind == domain.KindOutOfMemory:
		if next, ok := domain.NextSmaller(payload.ModelTier); ok {
			return p.substituteTier(ctx, job, payload, next, msg)
		}
		// Already at the smallest tier; nothing left to shrink.
		return p.terminalFail(ctx, job, payload, kind, msg)

	case kind == domain.KindCorruptAudio && !strings.Contains(filepath.Base(payload.FilePath), "_repaired"):
		return p.repairAndRetry(ctx, job, payload, kind, msg)

	case !kind.Retryable():
		return p.terminalFail(ctx, job, payload, kind, msg)

	default:
		return p.backoffRetry(ctx, job, payload, kind, msg)
	}
}

// substituteTier retries immediately on the next smaller model tier.
// The retry count is deliberately untouched: memory pressure is the
// pool's problem, not the job's.
func (p *Processor) substituteTier(ctx context.Context, job domain.Job, payload domain.TaskPayload, next domain.Tier, msg string) error {
	kind := string(domain.KindOutOfMemory)
	zero := 0
	if err := p.Jobs.Transition(ctx, job.ID, domain.JobProcessing, domain.JobRetry, domain.JobPatch{
		ModelTier:    &next,
		ProgressPct:  &zero,
		ErrorType:    &kind,
		ErrorMessage: &msg,
	}); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}
	retry := payload
	retry.ModelTier = next
	if err := p.Router.Republish(ctx, retry, job.Priority); err != nil {
		return err
	}
	observability.RetryJob(kind)
	p.auditEvent(ctx, "job.retry", job.ID, domain.OutcomeSuccess, map[string]string{
		"reason":     "tier substitution",
		"model_tier": string(next),
	})
	slog.Warn("retrying on smaller tier",
		slog.String("job_id", job.ID),
		slog.String("from", string(payload.ModelTier)),
		slog.String("to", string(next)))
	return nil
}

// repairAndRetry re-encodes the corrupt file and retries on the
// repaired copy. A failed repair is terminal, and a spent retry budget
// skips the repair entirely.
func (p *Processor) repairAndRetry(ctx context.Context, job domain.Job, payload domain.TaskPayload, kind domain.ErrorKind, msg string) error {
	retry := payload
	retry.RetryCount = payload.RetryCount + 1
	if p.Router.Exhausted(retry) {
		return p.terminalFail(ctx, job, retry, kind, msg)
	}
	repaired, err := p.Media.Repair(ctx, payload.FilePath)
	if err != nil {
		slog.Error("repair failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return p.terminalFail(ctx, job, payload, kind,
			domain.TruncateMessage(msg+"; repair failed: "+err.Error(), domain.MaxErrorMessageLen))
	}
	retry.FilePath = repaired
	kindStr := string(kind)
	zero := 0
	if err := p.Jobs.Transition(ctx, job.ID, domain.JobProcessing, domain.JobRetry, domain.JobPatch{
		FilePath:     &repaired,
		RetryCount:   &retry.RetryCount,
		ProgressPct:  &zero,
		ErrorType:    &kindStr,
		ErrorMessage: &msg,
	}); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}
	if err := p.Router.Republish(ctx, retry, job.Priority); err != nil {
		return err
	}
	observability.RetryJob(kindStr)
	p.auditEvent(ctx, "job.retry", job.ID, domain.OutcomeSuccess, map[string]string{
		"reason":    "audio repaired",
		"file_path": repaired,
	})
	return nil
}

// backoffRetry re-publishes with exponential backoff, or fails
// terminally once the budget is spent. The count is incremented before
// the budget check, so a job never sits in retry state with its budget
// already consumed.
func (p *Processor) backoffRetry(ctx context.Context, job domain.Job, payload domain.TaskPayload, kind domain.ErrorKind, msg string) error {
	retry := payload
	retry.RetryCount = payload.RetryCount + 1
	if p.Router.Exhausted(retry) {
		return p.terminalFail(ctx, job, retry, kind, msg)
	}
	kindStr := string(kind)
	zero := 0
	if err := p.Jobs.Transition(ctx, job.ID, domain.JobProcessing, domain.JobRetry, domain.JobPatch{
		RetryCount:   &retry.RetryCount,
		ProgressPct:  &zero,
		ErrorType:    &kindStr,
		ErrorMessage: &msg,
	}); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}
	if err := p.Router.ScheduleRetry(ctx, retry, job.Priority); err != nil {
		return err
	}
	observability.RetryJob(kindStr)
	p.auditEvent(ctx, "job.retry", job.ID, domain.OutcomeSuccess, map[string]string{
		"reason":      string(kind),
		"retry_count": fmt.Sprintf("%d", retry.RetryCount),
	})
	return nil
}

// terminalFail marks the job failed and copies the task to the DLQ.
func (p *Processor) terminalFail(ctx context.Context, job domain.Job, payload domain.TaskPayload, kind domain.ErrorKind, msg string) error {
	now := time.Now().UTC()
	kindStr := string(kind)
	if err := p.Jobs.Transition(ctx, job.ID, domain.JobProcessing, domain.JobFailed, domain.JobPatch{
		RetryCount:   &payload.RetryCount,
		ErrorType:    &kindStr,
		ErrorMessage: &msg,
		CompletedAt:  &now,
	}); err != nil && !errors.Is(err, domain.ErrConflict) {
		return err
	}
	if err := p.Router.MoveToDLQ(ctx, payload, kindStr, msg); err != nil {
		slog.Error("dlq publish failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	observability.FailJob(kindStr)
	p.auditEvent(ctx, "job.fail", job.ID, domain.OutcomeFailure, map[string]string{
		"error_type":  kindStr,
		"retry_count": fmt.Sprintf("%d", payload.RetryCount),
	})
	slog.Error("job failed terminally",
		slog.String("job_id", job.ID),
		slog.String("error_type", kindStr))
	return nil
}

func (p *Processor) appendError(ctx context.Context, jobID string, kind domain.ErrorKind, cause error) {
	err := p.Jobs.AppendError(ctx, jobID, domain.ErrorLog{
		JobID:     jobID,
		ErrorType: string(kind),
		Message:   cause.Error(),
		Context: map[string]string{
			"worker_id": p.WorkerID,
		},
	})
	if err != nil {
		slog.Error("error log append failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

func (p *Processor) auditEvent(ctx context.Context, action, jobID string, outcome domain.AuditOutcome, state map[string]string) {
	if p.Audit == nil {
		return
	}
	e := domain.AuditEvent{
		Action:       action,
		ResourceType: "job",
		ResourceID:   jobID,
		UserID:       "worker:" + p.WorkerID,
		Outcome:      outcome,
		NewState:     state,
	}
	if _, err := p.Audit.Log(context.WithoutCancel(ctx), e); err != nil {
		slog.Error("audit append failed", slog.String("action", action), slog.Any("error", err))
	}
}
