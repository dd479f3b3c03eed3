// Package domain holds the core entities and ports of the transcription
// service. Adapters at the edges implement the ports; usecases depend only
// on what is declared here.
package domain

import (
	"context"
	"time"
)

// JobStatus enumerates the lifecycle states of a transcription job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobRetry      JobStatus = "retry"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// allowedTransitions is the full transition relation; anything absent is
// forbidden and must be rejected by the store.
var allowedTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobProcessing, JobCancelled},
	JobProcessing: {JobCompleted, JobFailed, JobRetry, JobCancelled},
	JobRetry:      {JobProcessing, JobCancelled},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to JobStatus) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Job is one transcription submission.
type Job struct {
	ID             string
	Status         JobStatus
	Filename       string
	FilePath       string
	FileSizeBytes  int64
	ModelTier      Tier
	Language       string
	Priority       int
	WorkerID       string
	RetryCount     int
	MaxRetries     int
	ProgressPct    int
	CurrentStep    string
	ErrorType      string
	ErrorMessage   string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	DeletedAt      *time.Time
	DeletionPolicy string
	LegalHoldID    *string
	RetentionUntil *time.Time
}

// Segment is one diarized (or plain) slice of a transcript.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

// Result holds the transcript produced for a completed job. At most one
// per job.
type Result struct {
	JobID      string
	Text       string
	Language   string
	DurationS  float64
	Segments   []Segment
	OutputPath string
	CreatedAt  time.Time
}

// ErrorLog is one recorded failure for a job. Rows are append-only except
// the resolution fields.
type ErrorLog struct {
	ID              int64
	JobID           string
	ErrorType       string
	Message         string
	Stack           string
	Context         map[string]string
	Resolved        bool
	ResolvedAt      *time.Time
	ResolvedBy      string
	ResolutionNotes string
	CreatedAt       time.Time
}

// JobPatch carries the optional field updates applied alongside a status
// transition. Nil fields are left untouched.
type JobPatch struct {
	WorkerID     *string
	RetryCount   *int
	ModelTier    *Tier
	FilePath     *string
	ProgressPct  *int
	CurrentStep  *string
	ErrorType    *string
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// JobFilter selects jobs for listing.
type JobFilter struct {
	Status *JobStatus
	Limit  int
}

// JobStore is the persistence port for jobs, results and error logs.
type JobStore interface {
	CreateJob(ctx context.Context, j Job) (string, error)
	Get(ctx context.Context, id string) (Job, error)
	// Transition is a compare-and-set on status. It returns ErrConflict
	// when the stored status does not match from or the transition is
	// forbidden.
	Transition(ctx context.Context, id string, from, to JobStatus, patch JobPatch) error
	// UpdateProgress records progress on a processing job. Returns
	// ErrConflict when the job is no longer processing, which doubles
	// as the worker's cancellation checkpoint.
	UpdateProgress(ctx context.Context, id string, pct int, step string) error
	// AttachResult inserts the result and moves the job from processing
	// to completed in one transaction.
	AttachResult(ctx context.Context, id string, r Result) error
	GetResult(ctx context.Context, jobID string) (Result, error)
	// AppendError records a failure. Idempotent per
	// (job_id, error_type, message hash) within a short window.
	AppendError(ctx context.Context, id string, e ErrorLog) error
	ResolveErrors(ctx context.Context, jobID, errorType, resolvedBy, notes string) error
	ListErrors(ctx context.Context, resolved *bool, limit int) ([]ErrorLog, error)
	Cancel(ctx context.Context, id string) error
	List(ctx context.Context, f JobFilter) ([]Job, error)
	CountsByStatus(ctx context.Context, since time.Time) (map[JobStatus]int, error)
	PurgeEligible(ctx context.Context, now time.Time) (int64, error)
}

// TaskPayload is the broker message body for a transcription task.
type TaskPayload struct {
	JobID      string `json:"job_id"`
	FilePath   string `json:"file_path"`
	ModelTier  Tier   `json:"model_tier"`
	Language   string `json:"language"`
	RetryCount int    `json:"retry_count"`
}

// Queue is the broker port.
type Queue interface {
	// Publish blocks until the broker accepts the record and returns a
	// broker-assigned task id.
	Publish(ctx context.Context, p TaskPayload, queue string, priority int) (string, error)
	// PublishDelayed re-publishes after delay elapses. Used for retries.
	PublishDelayed(ctx context.Context, p TaskPayload, queue string, priority int, delay time.Duration) error
	// Revoke requests best-effort cancellation of an in-flight task.
	Revoke(ctx context.Context, jobID string) error
}

// EngineOutput is what a successful engine run yields.
type EngineOutput struct {
	Text      string
	Language  string
	DurationS float64
	Segments  []Segment
}

// Model is a borrowed handle to a loaded speech-recognition model.
type Model interface {
	Tier() Tier
	Transcribe(ctx context.Context, filePath, language string) (EngineOutput, error)
}

// ModelLoader loads a model of the given tier into memory. A failed load
// due to memory pressure returns an error wrapping ErrOutOfMemory.
type ModelLoader interface {
	Load(ctx context.Context, tier Tier) (Model, int64, error)
}

// MediaConverter decodes or repairs media via an external subprocess.
type MediaConverter interface {
	// ToAudio converts a video container to 16 kHz mono MP3 and returns
	// the output path.
	ToAudio(ctx context.Context, inPath string) (string, error)
	// Repair re-encodes a possibly corrupt audio file and returns the
	// repaired path.
	Repair(ctx context.Context, inPath string) (string, error)
}
