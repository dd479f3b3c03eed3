package observability

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/scribeworks/transcriptd/internal/config"
)

const redactedPlaceholder = "[REDACTED]"

// sensitiveKeys are attribute keys whose values are never logged,
// regardless of content.
var sensitiveKeys = map[string]struct{}{
	"password":        {},
	"api_key":         {},
	"token":           {},
	"secret":          {},
	"authorization":   {},
	"transcription":   {},
	"transcript_text": {},
	"audio_content":   {},
	"ssn":             {},
	"credit_card":     {},
	"cvv":             {},
	"pin":             {},
}

// piiPatterns match identifier shapes that may surface in free-form
// messages: social security numbers, card numbers, emails, US phone
// numbers, driver's licenses and license plates.
var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	regexp.MustCompile(`\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`),
	regexp.MustCompile(`(?i)\b(?:dl|license)[#: ]?\s*[A-Z0-9]{5,13}\b`),
	regexp.MustCompile(`(?i)\bplate[#: ]?\s*[A-Z0-9]{2,8}\b`),
}

// Redact replaces PII-shaped substrings in s. Redact is idempotent:
// the placeholder never matches any pattern.
func Redact(s string) string {
	for _, re := range piiPatterns {
		s = re.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}

// RedactingHandler wraps another slog.Handler and scrubs PII from
// record messages and string attribute values before they are emitted.
type RedactingHandler struct {
	inner slog.Handler
}

// NewRedactingHandler wraps h with PII scrubbing.
func NewRedactingHandler(h slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: h}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, Redact(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cleaned := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		cleaned[i] = redactAttr(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(cleaned)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if _, sensitive := sensitiveKeys[strings.ToLower(a.Key)]; sensitive {
		return slog.String(a.Key, redactedPlaceholder)
	}
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, Redact(a.Value.String()))
	case slog.KindGroup:
		members := a.Value.Group()
		cleaned := make([]any, 0, len(members))
		for _, m := range members {
			cleaned = append(cleaned, redactAttr(m))
		}
		return slog.Group(a.Key, cleaned...)
	default:
		return a
	}
}

// SetupLogger configures the process logger. Output is JSON or
// human-readable text per LOG_FORMAT, always scrubbed for PII, and is
// installed as the slog default.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "human") {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(NewRedactingHandler(h)).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
