package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/scribeworks/transcriptd/internal/config"
	"github.com/scribeworks/transcriptd/internal/domain"
	"github.com/scribeworks/transcriptd/internal/service/modelpool"
	"github.com/scribeworks/transcriptd/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg    config.Config
	Submit usecase.SubmitService
	Status usecase.StatusService
	Audit  domain.AuditLog
	Jobs   domain.JobStore

	DBCheck    func(ctx context.Context) error
	QueueDepth func(ctx context.Context) (map[string]int64, error)
	PoolStats  func() modelpool.Stats
}

// allowedExts is the upload allowlist: audio plus the video containers
// the converter understands.
var allowedExts = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".flac": true, ".ogg": true,
	".opus": true, ".aac": true, ".wma": true,
	".mp4": true, ".mov": true, ".mkv": true, ".avi": true, ".webm": true,
}

func allowedMIME(m string) bool {
	m = strings.ToLower(m)
	return strings.HasPrefix(m, "audio/") ||
		strings.HasPrefix(m, "video/") ||
		m == "application/octet-stream"
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type submitParams struct {
	Model    string `validate:"omitempty,oneof=tiny base small medium large"`
	Language string `validate:"omitempty,len=2,alpha"`
}

// TranscribeHandler accepts a multipart upload, stages it in the work
// folder and enqueues the job.
func (s *Server) TranscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		maxBytes := s.Cfg.MaxUploadBytes()
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

		file, header, err := r.FormFile("file")
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				writeError(w, r, fmt.Errorf("%w: max %d MB", domain.ErrPayloadTooLarge, s.Cfg.MaxUploadSizeMB),
					map[string]any{"max_mb": s.Cfg.MaxUploadSizeMB})
				return
			}
			writeError(w, r, fmt.Errorf("%w: file field required", domain.ErrInvalidArgument), map[string]string{"field": "file"})
			return
		}
		defer func() { _ = file.Close() }()

		if !allowedExts[strings.ToLower(filepath.Ext(header.Filename))] {
			writeJSON(w, http.StatusUnsupportedMediaType, errorEnvelope{Error: apiError{
				Code:    "UNSUPPORTED_MEDIA",
				Message: "unsupported file extension",
				Details: map[string]any{"filename": header.Filename},
			}})
			return
		}

		params := submitParams{
			Model:    r.FormValue("model"),
			Language: strings.ToLower(r.FormValue("language")),
		}
		if err := getValidator().Struct(params); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		priority, err := usecase.ParsePriority(firstNonEmpty(r.FormValue("priority"), r.Header.Get("X-Priority")))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		dstPath, size, sniffed, err := s.stageUpload(file, header.Filename)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !allowedMIME(sniffed) {
			_ = os.Remove(dstPath)
			writeJSON(w, http.StatusUnsupportedMediaType, errorEnvelope{Error: apiError{
				Code:    "UNSUPPORTED_MEDIA",
				Message: "unsupported content type",
				Details: map[string]any{"mime": sniffed, "filename": header.Filename},
			}})
			return
		}

		id, err := s.Submit.Submit(r.Context(), usecase.SubmitInput{
			Filename:      header.Filename,
			FilePath:      dstPath,
			FileSizeBytes: size,
			ModelTier:     domain.Tier(params.Model),
			Language:      params.Language,
			Priority:      priority,
			Actor:         actorFrom(r),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id":   id,
			"status":   string(domain.JobPending),
			"priority": priority,
			"message":  "job accepted for transcription",
		})
	}
}

// stageUpload streams the part to the work folder and sniffs the
// content type from its head.
func (s *Server) stageUpload(file io.Reader, filename string) (string, int64, string, error) {
	head := make([]byte, 3072)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", 0, "", fmt.Errorf("op=http.stage: read: %w", err)
	}
	head = head[:n]
	sniffed := mimetype.Detect(head).String()

	dstPath := filepath.Join(s.Cfg.WorkFolder, uuid.New().String()+"_"+filepath.Base(filename))
	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", 0, "", fmt.Errorf("op=http.stage: create: %w", err)
	}
	defer func() { _ = dst.Close() }()

	written, err := dst.Write(head)
	if err != nil {
		_ = os.Remove(dstPath)
		return "", 0, "", fmt.Errorf("op=http.stage: write: %w", err)
	}
	rest, err := io.Copy(dst, file)
	if err != nil {
		_ = os.Remove(dstPath)
		if strings.Contains(strings.ToLower(err.Error()), "too large") {
			return "", 0, "", fmt.Errorf("%w: upload truncated", domain.ErrPayloadTooLarge)
		}
		return "", 0, "", fmt.Errorf("op=http.stage: copy: %w", err)
	}
	return dstPath, int64(written) + rest, sniffed, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// StatusHandler reports one job, including the result once completed.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, res, err := s.Status.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, jobView(job, res))
	}
}

// CancelHandler cancels a non-terminal job.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Status.Cancel(r.Context(), id, actorFrom(r)); err != nil {
			// A job that already reached a terminal state is a caller
			// mistake, not a write conflict.
			if errors.Is(err, domain.ErrConflict) {
				writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: apiError{
					Code:    "INVALID_STATE",
					Message: "job is already terminal",
					Details: map[string]string{"job_id": id},
				}})
				return
			}
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"job_id": id,
			"status": string(domain.JobCancelled),
		})
	}
}

// ListJobsHandler pages over jobs, optionally filtered by status.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var filter domain.JobFilter
		if raw := r.URL.Query().Get("status"); raw != "" {
			status := domain.JobStatus(raw)
			switch status {
			case domain.JobPending, domain.JobProcessing, domain.JobCompleted,
				domain.JobFailed, domain.JobCancelled, domain.JobRetry:
				filter.Status = &status
			default:
				writeError(w, r, fmt.Errorf("%w: status %q", domain.ErrInvalidArgument, raw), nil)
				return
			}
		}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 1 {
				writeError(w, r, fmt.Errorf("%w: limit %q", domain.ErrInvalidArgument, raw), nil)
				return
			}
			filter.Limit = limit
		}
		jobs, err := s.Status.List(r.Context(), filter)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]map[string]any, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, jobView(j, nil))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "total": len(views)})
	}
}

// HealthHandler is the unauthenticated liveness probe.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]string{
			"status":   "ok",
			"service":  "transcriptd",
			"database": "up",
		}
		if s.DBCheck != nil {
			if err := s.DBCheck(r.Context()); err != nil {
				out["status"] = "degraded"
				out["database"] = "down"
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func jobView(j domain.Job, res *domain.Result) map[string]any {
	v := map[string]any{
		"job_id":       j.ID,
		"status":       string(j.Status),
		"filename":     j.Filename,
		"model_tier":   string(j.ModelTier),
		"priority":     j.Priority,
		"progress":     j.ProgressPct,
		"current_step": j.CurrentStep,
		"retry_count":  j.RetryCount,
		"created_at":   j.CreatedAt.UTC().Format(time.RFC3339),
	}
	if j.Language != "" {
		v["language"] = j.Language
	}
	if j.StartedAt != nil {
		v["started_at"] = j.StartedAt.UTC().Format(time.RFC3339)
	}
	if j.CompletedAt != nil {
		v["completed_at"] = j.CompletedAt.UTC().Format(time.RFC3339)
	}
	if j.ErrorType != "" {
		v["error"] = map[string]string{
			"type":    j.ErrorType,
			"message": j.ErrorMessage,
		}
	}
	if res != nil {
		v["result"] = map[string]any{
			"text":        res.Text,
			"language":    res.Language,
			"duration_s":  res.DurationS,
			"segments":    res.Segments,
			"output_path": res.OutputPath,
		}
	}
	return v
}
