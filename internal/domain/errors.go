package domain

import (
	"errors"
	"strings"
)

// Sentinel errors shared across layers.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrPoolTimeout     = errors.New("model pool acquire timeout")
	ErrOutOfMemory     = errors.New("out of memory")
	ErrInternal        = errors.New("internal error")
)

// ErrorKind is the failure taxonomy recorded on jobs and error logs.
type ErrorKind string

const (
	KindOutOfMemory      ErrorKind = "OutOfMemory"
	KindCorruptAudio     ErrorKind = "CorruptAudioFile"
	KindTransientNetwork ErrorKind = "TransientNetworkError"
	KindFileNotFound     ErrorKind = "FileNotFound"
	KindPermission       ErrorKind = "PermissionError"
	KindEngine           ErrorKind = "EngineError"
	KindUnknown          ErrorKind = "UnknownError"
)

// Retryable reports whether the worker may re-publish a task failing
// with this kind. OutOfMemory is handled separately through tier
// fallback before it counts as a normal retry.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindFileNotFound, KindPermission:
		return false
	}
	return true
}

// classifyPatterns maps lowercase substrings of engine-raised messages to
// kinds. Order matters: the first match wins.
var classifyPatterns = []struct {
	substr string
	kind   ErrorKind
}{
	{"out of memory", KindOutOfMemory},
	{"outofmemory", KindOutOfMemory},
	{"cuda out of memory", KindOutOfMemory},
	{"cannot allocate memory", KindOutOfMemory},
	{"corrupt", KindCorruptAudio},
	{"invalid data found", KindCorruptAudio},
	{"empty tensor", KindCorruptAudio},
	{"moov atom not found", KindCorruptAudio},
	{"connection refused", KindTransientNetwork},
	{"connection reset", KindTransientNetwork},
	{"timeout", KindTransientNetwork},
	{"timed out", KindTransientNetwork},
	{"deadline exceeded", KindTransientNetwork},
	{"temporary failure", KindTransientNetwork},
	{"no such host", KindTransientNetwork},
	{"broken pipe", KindTransientNetwork},
	{"no such file", KindFileNotFound},
	{"file not found", KindFileNotFound},
	{"does not exist", KindFileNotFound},
	{"permission denied", KindPermission},
	{"operation not permitted", KindPermission},
	{"engine", KindEngine},
}

// Classify maps an error to its taxonomy kind by case-insensitive
// substring match. Sentinels are checked before the pattern table.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrOutOfMemory) {
		return KindOutOfMemory
	}
	msg := strings.ToLower(err.Error())
	for _, p := range classifyPatterns {
		if strings.Contains(msg, p.substr) {
			return p.kind
		}
	}
	return KindUnknown
}

// TruncateMessage bounds an error message for storage and API exposure.
func TruncateMessage(msg string, max int) string {
	if max <= 0 || len(msg) <= max {
		return msg
	}
	return msg[:max]
}

// MaxErrorMessageLen bounds error_message on jobs and API responses.
const MaxErrorMessageLen = 500
