package httpserver

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/scribeworks/transcriptd/internal/domain"
	"github.com/scribeworks/transcriptd/internal/service/ratelimiter"
	"github.com/scribeworks/transcriptd/internal/usecase"
)

// apiKeyHeader carries the caller's key.
const apiKeyHeader = "X-API-Key"

// KeyAuth validates API keys and rate limits per key. Keys are compared
// by SHA-256 digest in constant time so length and content never leak
// through timing.
type KeyAuth struct {
	digests [][32]byte
	fps     map[[32]byte]string
	limiter ratelimiter.Limiter
	audit   domain.AuditLog
}

// NewKeyAuth hashes the configured keys once at startup.
func NewKeyAuth(keys []string, limiter ratelimiter.Limiter, audit domain.AuditLog) *KeyAuth {
	a := &KeyAuth{limiter: limiter, audit: audit, fps: make(map[[32]byte]string, len(keys))}
	for _, k := range keys {
		if k == "" {
			continue
		}
		d := sha256.Sum256([]byte(k))
		a.digests = append(a.digests, d)
		a.fps[d] = hex.EncodeToString(d[:])[:12]
	}
	return a
}

// fingerprint returns a short digest prefix identifying the key in
// audit records without exposing it.
func (a *KeyAuth) fingerprint(key string) (string, bool) {
	d := sha256.Sum256([]byte(key))
	match := false
	for _, want := range a.digests {
		if subtle.ConstantTimeCompare(d[:], want[:]) == 1 {
			match = true
		}
	}
	if !match {
		return "", false
	}
	return a.fps[d], true
}

// Middleware rejects requests without a valid key and applies the
// per-key rate limit.
func (a *KeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(apiKeyHeader)
		if key == "" {
			a.auditDenied(r, "", "missing api key")
			writeError(w, r, fmt.Errorf("%w: missing %s header", domain.ErrUnauthorized, apiKeyHeader), nil)
			return
		}
		fp, ok := a.fingerprint(key)
		if !ok {
			a.auditDenied(r, "", "unknown api key")
			writeError(w, r, fmt.Errorf("%w: invalid api key", domain.ErrUnauthorized), nil)
			return
		}

		if a.limiter != nil {
			res, err := a.limiter.Allow(r.Context(), fp)
			if err != nil {
				slog.Error("rate limiter failure", slog.Any("error", err))
			} else {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
				w.Header().Set("X-RateLimit-Window", strconv.Itoa(int(res.Window.Seconds())))
				if !res.Allowed {
					w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
					a.auditDenied(r, fp, "rate limited")
					writeError(w, r, fmt.Errorf("%w: try again later", domain.ErrRateLimited), nil)
					return
				}
			}
		}

		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), usecase.Actor{
			UserID:    "apikey:" + fp,
			APIKeyFP:  fp,
			IP:        r.RemoteAddr,
			UserAgent: r.UserAgent(),
			RequestID: r.Header.Get("X-Request-Id"),
		})))
	})
}

func (a *KeyAuth) auditDenied(r *http.Request, fp, reason string) {
	if a.audit == nil {
		return
	}
	e := domain.AuditEvent{
		Action:        "auth.api_key",
		ResourceType:  "endpoint",
		ResourceID:    r.URL.Path,
		APIKeyFP:      fp,
		IP:            r.RemoteAddr,
		UserAgent:     r.UserAgent(),
		RequestID:     r.Header.Get("X-Request-Id"),
		Outcome:       domain.OutcomeDenied,
		OutcomeReason: reason,
	}
	if _, err := a.audit.Log(r.Context(), e); err != nil {
		slog.Error("audit append failed", slog.String("action", "auth.api_key"), slog.Any("error", err))
	}
}
