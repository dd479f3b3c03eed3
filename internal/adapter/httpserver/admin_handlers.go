package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/scribeworks/transcriptd/internal/domain"
)

// AdminHealthHandler is the deep health check: database, broker lag,
// model pool and the last hour's failure rate.
func (s *Server) AdminHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		out := map[string]any{"status": "ok"}

		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				out["status"] = "degraded"
				out["database"] = map[string]string{"status": "down", "error": err.Error()}
			} else {
				out["database"] = map[string]string{"status": "up"}
			}
		}

		if s.QueueDepth != nil {
			depths, err := s.QueueDepth(ctx)
			if err != nil {
				out["status"] = "degraded"
				out["queues"] = map[string]string{"error": err.Error()}
			} else {
				out["queues"] = depths
			}
		}

		if s.PoolStats != nil {
			out["model_pool"] = s.PoolStats()
		} else {
			// The pool lives in the worker processes; its stats are on
			// the worker metrics endpoint.
			out["model_pool"] = map[string]string{
				"status": "unavailable",
				"detail": "model pool stats are exported by worker processes",
			}
		}

		if counts, err := s.Jobs.CountsByStatus(ctx, time.Now().Add(-time.Hour)); err == nil {
			total := 0
			for _, n := range counts {
				total += n
			}
			rate := 0.0
			if total > 0 {
				rate = float64(counts[domain.JobFailed]) / float64(total)
			}
			out["last_hour"] = map[string]any{
				"jobs":       counts,
				"error_rate": rate,
			}
		}

		status := http.StatusOK
		if out["status"] != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, out)
	}
}

// ListErrorsHandler pages over recorded failures.
func (s *Server) ListErrorsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var resolved *bool
		if raw := r.URL.Query().Get("resolved"); raw != "" {
			b, err := strconv.ParseBool(raw)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: resolved %q", domain.ErrInvalidArgument, raw), nil)
				return
			}
			resolved = &b
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		errs, err := s.Status.ListErrors(r.Context(), resolved, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"errors": errs, "count": len(errs)})
	}
}

// VerifyAuditHandler re-walks the audit hash chain and reports the
// first broken record, if any.
func (s *Server) VerifyAuditHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startSeq := int64(1)
		if raw := r.URL.Query().Get("start"); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || v < 1 {
				writeError(w, r, fmt.Errorf("%w: start %q", domain.ErrInvalidArgument, raw), nil)
				return
			}
			startSeq = v
		}
		batch := 500
		if raw := r.URL.Query().Get("batch"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v < 1 || v > 10000 {
				writeError(w, r, fmt.Errorf("%w: batch %q", domain.ErrInvalidArgument, raw), nil)
				return
			}
			batch = v
		}
		ok, firstInvalid, err := s.Audit.VerifyChain(r.Context(), startSeq, batch)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := map[string]any{"valid": ok, "start": startSeq}
		if !ok {
			out["first_invalid"] = firstInvalid
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// CustodyHandler lists every audit record touching one resource.
func (s *Server) CustodyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resourceType := r.URL.Query().Get("resource_type")
		resourceID := r.URL.Query().Get("resource_id")
		if resourceType == "" || resourceID == "" {
			writeError(w, r, fmt.Errorf("%w: resource_type and resource_id required", domain.ErrInvalidArgument), nil)
			return
		}
		records, err := s.Audit.ChainOfCustody(r.Context(), resourceType, resourceID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
	}
}

// FailedAuthHandler lists recent denied or failed authentication
// events.
func (s *Server) FailedAuthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		window := 24 * time.Hour
		if raw := r.URL.Query().Get("window"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				writeError(w, r, fmt.Errorf("%w: window %q", domain.ErrInvalidArgument, raw), nil)
				return
			}
			window = d
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		records, err := s.Audit.FailedAuthAttempts(r.Context(), window, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"attempts": records, "count": len(records)})
	}
}
