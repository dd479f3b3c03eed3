package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/scribeworks/transcriptd/internal/domain"
)

// JobRepo persists jobs, results and error logs in PostgreSQL.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, status, filename, file_path, file_size_bytes, model_tier,
	COALESCE(language,''), priority, COALESCE(worker_id,''), retry_count, max_retries,
	progress_percent, COALESCE(current_step,''), COALESCE(error_type,''),
	COALESCE(error_message,''), created_at, started_at, completed_at,
	deleted_at, COALESCE(deletion_policy,''), legal_hold_id, retention_until`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.Status, &j.Filename, &j.FilePath, &j.FileSizeBytes,
		&j.ModelTier, &j.Language, &j.Priority, &j.WorkerID, &j.RetryCount,
		&j.MaxRetries, &j.ProgressPct, &j.CurrentStep, &j.ErrorType,
		&j.ErrorMessage, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
		&j.DeletedAt, &j.DeletionPolicy, &j.LegalHoldID, &j.RetentionUntil)
	return j, err
}

// CreateJob inserts a new job in pending state and returns its id.
func (r *JobRepo) CreateJob(ctx context.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CreateJob")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO jobs (id, status, filename, file_path, file_size_bytes, model_tier,
		language, priority, retry_count, max_retries, progress_percent, current_step,
		created_at, deletion_policy)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err := r.Pool.Exec(ctx, q, id, j.Status, j.Filename, j.FilePath, j.FileSizeBytes,
		j.ModelTier, j.Language, j.Priority, j.RetryCount, j.MaxRetries,
		j.ProgressPct, j.CurrentStep, j.CreatedAt, j.DeletionPolicy)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 AND deleted_at IS NULL`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// Transition performs a compare-and-set status change with an optional
// field patch. Forbidden transitions and missed CAS return ErrConflict.
func (r *JobRepo) Transition(ctx context.Context, id string, from, to domain.JobStatus, patch domain.JobPatch) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Transition")
	defer span.End()
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("op=job.transition: %s -> %s: %w", from, to, domain.ErrConflict)
	}
	set := []string{"status=$3"}
	args := []any{id, from, to}
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if patch.WorkerID != nil {
		add("worker_id", *patch.WorkerID)
	}
	if patch.RetryCount != nil {
		add("retry_count", *patch.RetryCount)
	}
	if patch.ModelTier != nil {
		add("model_tier", *patch.ModelTier)
	}
	if patch.FilePath != nil {
		add("file_path", *patch.FilePath)
	}
	if patch.ProgressPct != nil {
		add("progress_percent", *patch.ProgressPct)
	}
	if patch.CurrentStep != nil {
		add("current_step", *patch.CurrentStep)
	}
	if patch.ErrorType != nil {
		add("error_type", *patch.ErrorType)
	}
	if patch.ErrorMessage != nil {
		add("error_message", domain.TruncateMessage(*patch.ErrorMessage, domain.MaxErrorMessageLen))
	}
	if patch.StartedAt != nil {
		// started_at is written once and never cleared
		add("started_at", *patch.StartedAt)
		set[len(set)-1] = fmt.Sprintf("started_at=COALESCE(started_at,$%d)", len(args))
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	q := `UPDATE jobs SET ` + strings.Join(set, ", ") + ` WHERE id=$1 AND status=$2 AND deleted_at IS NULL`
	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=job.transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return fmt.Errorf("op=job.transition: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.transition: status is not %s: %w", from, domain.ErrConflict)
	}
	return nil
}

// UpdateProgress records progress on a processing job. A zero row count
// means the job left processing underneath the worker, reported as
// ErrConflict so the caller stops work.
func (r *JobRepo) UpdateProgress(ctx context.Context, id string, pct int, step string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateProgress")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE jobs SET progress_percent=$2, current_step=$3
		WHERE id=$1 AND status=$4 AND deleted_at IS NULL`,
		id, pct, step, domain.JobProcessing)
	if err != nil {
		return fmt.Errorf("op=job.progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.progress: job not processing: %w", domain.ErrConflict)
	}
	return nil
}

// AttachResult inserts the result row and completes the job in one
// transaction. Only a job currently in processing can complete.
func (r *JobRepo) AttachResult(ctx context.Context, id string, res domain.Result) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AttachResult")
	defer span.End()
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=job.attach_result: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `UPDATE jobs SET status=$2, progress_percent=100,
		current_step='done', completed_at=$3 WHERE id=$1 AND status=$4 AND deleted_at IS NULL`,
		id, domain.JobCompleted, now, domain.JobProcessing)
	if err != nil {
		return fmt.Errorf("op=job.attach_result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.attach_result: job not in processing: %w", domain.ErrConflict)
	}

	segments, err := json.Marshal(res.Segments)
	if err != nil {
		return fmt.Errorf("op=job.attach_result: segments: %w", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO results (job_id, text, language, duration_seconds,
		segments, output_path, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		id, res.Text, res.Language, res.DurationS, segments, res.OutputPath, now)
	if err != nil {
		return fmt.Errorf("op=job.attach_result: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.attach_result: commit: %w", err)
	}
	return nil
}

// GetResult loads the result for a completed job.
func (r *JobRepo) GetResult(ctx context.Context, jobID string) (domain.Result, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.GetResult")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT job_id, text, COALESCE(language,''),
		duration_seconds, segments, COALESCE(output_path,''), created_at
		FROM results WHERE job_id=$1`, jobID)
	var res domain.Result
	var segments []byte
	if err := row.Scan(&res.JobID, &res.Text, &res.Language, &res.DurationS,
		&segments, &res.OutputPath, &res.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Result{}, fmt.Errorf("op=result.get: %w", domain.ErrNotFound)
		}
		return domain.Result{}, fmt.Errorf("op=result.get: %w", err)
	}
	if len(segments) > 0 {
		if err := json.Unmarshal(segments, &res.Segments); err != nil {
			return domain.Result{}, fmt.Errorf("op=result.get: segments: %w", err)
		}
	}
	return res, nil
}

// appendErrorWindow bounds the dedupe lookback for retried deliveries.
const appendErrorWindow = 10 * time.Minute

// AppendError records a failure for the job. Re-deliveries of the same
// failure inside the dedupe window are dropped.
func (r *JobRepo) AppendError(ctx context.Context, id string, e domain.ErrorLog) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AppendError")
	defer span.End()
	sum := sha256.Sum256([]byte(e.Message))
	msgHash := hex.EncodeToString(sum[:])

	var exists bool
	err := r.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM error_logs
		WHERE job_id=$1 AND error_type=$2 AND message_hash=$3 AND created_at > $4)`,
		id, e.ErrorType, msgHash, time.Now().UTC().Add(-appendErrorWindow)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("op=error.append: dedupe: %w", err)
	}
	if exists {
		return nil
	}

	contextJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("op=error.append: context: %w", err)
	}
	_, err = r.Pool.Exec(ctx, `INSERT INTO error_logs (job_id, error_type, message,
		message_hash, stack, context, resolved, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,false,$7)`,
		id, e.ErrorType, domain.TruncateMessage(e.Message, 2000), msgHash, e.Stack,
		contextJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=error.append: %w", err)
	}
	return nil
}

// ResolveErrors marks matching unresolved error logs as resolved.
func (r *JobRepo) ResolveErrors(ctx context.Context, jobID, errorType, resolvedBy, notes string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ResolveErrors")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `UPDATE error_logs SET resolved=true, resolved_at=$3,
		resolved_by=$4, resolution_notes=$5
		WHERE job_id=$1 AND error_type=$2 AND resolved=false`,
		jobID, errorType, time.Now().UTC(), resolvedBy, notes)
	if err != nil {
		return fmt.Errorf("op=error.resolve: %w", err)
	}
	return nil
}

// ListErrors pages over error logs, optionally filtered on resolution.
func (r *JobRepo) ListErrors(ctx context.Context, resolved *bool, limit int) ([]domain.ErrorLog, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListErrors")
	defer span.End()
	if limit < 1 || limit > 100 {
		limit = 100
	}
	q := `SELECT id, job_id, error_type, message, COALESCE(stack,''), context,
		resolved, resolved_at, COALESCE(resolved_by,''), COALESCE(resolution_notes,''), created_at
		FROM error_logs`
	args := []any{}
	if resolved != nil {
		q += ` WHERE resolved=$1`
		args = append(args, *resolved)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=error.list: %w", err)
	}
	defer rows.Close()
	out := make([]domain.ErrorLog, 0, limit)
	for rows.Next() {
		var e domain.ErrorLog
		var contextJSON []byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.ErrorType, &e.Message, &e.Stack,
			&contextJSON, &e.Resolved, &e.ResolvedAt, &e.ResolvedBy,
			&e.ResolutionNotes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=error.list_scan: %w", err)
		}
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &e.Context); err != nil {
				return nil, fmt.Errorf("op=error.list_scan: context: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=error.list_rows: %w", err)
	}
	return out, nil
}

// Cancel moves a non-terminal job to cancelled.
func (r *JobRepo) Cancel(ctx context.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Cancel")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE jobs SET status=$2, completed_at=$3,
		current_step='cancelled' WHERE id=$1 AND status = ANY($4) AND deleted_at IS NULL`,
		id, domain.JobCancelled, time.Now().UTC(),
		[]string{string(domain.JobPending), string(domain.JobProcessing), string(domain.JobRetry)})
	if err != nil {
		return fmt.Errorf("op=job.cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return fmt.Errorf("op=job.cancel: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.cancel: already terminal: %w", domain.ErrConflict)
	}
	return nil
}

// List returns jobs newest first, optionally filtered by status.
func (r *JobRepo) List(ctx context.Context, f domain.JobFilter) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()
	limit := f.Limit
	if limit < 1 || limit > 100 {
		limit = 100
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE deleted_at IS NULL`
	args := []any{}
	if f.Status != nil {
		q += ` AND status=$1`
		args = append(args, *f.Status)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Job, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_rows: %w", err)
	}
	return out, nil
}

// CountsByStatus aggregates job counts created since the given time.
func (r *JobRepo) CountsByStatus(ctx context.Context, since time.Time) (map[domain.JobStatus]int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountsByStatus")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs
		WHERE created_at >= $1 AND deleted_at IS NULL GROUP BY status`, since)
	if err != nil {
		return nil, fmt.Errorf("op=job.counts_by_status: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status domain.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("op=job.counts_by_status: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.counts_by_status: %w", err)
	}
	return out, nil
}

// PurgeEligible deletes soft-deleted jobs whose retention has elapsed and
// that carry no legal hold. Results and error logs cascade.
func (r *JobRepo) PurgeEligible(ctx context.Context, now time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.PurgeEligible")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM jobs
		WHERE retention_until < $1 AND deleted_at IS NOT NULL AND legal_hold_id IS NULL`, now)
	if err != nil {
		return 0, fmt.Errorf("op=job.purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
