// Package stub provides a fast, deterministic speech engine and model
// loader for local runs and tests. Load cost and output scale with the
// requested tier so pool behavior is observable without real models.
package stub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/scribeworks/transcriptd/internal/domain"
)

// tierMemory approximates model footprints per tier, in bytes.
var tierMemory = map[domain.Tier]int64{
	domain.TierTiny:   75 << 20,
	domain.TierBase:   142 << 20,
	domain.TierSmall:  466 << 20,
	domain.TierMedium: 1500 << 20,
	domain.TierLarge:  2900 << 20,
}

// Loader implements domain.ModelLoader. OOM failures can be scripted
// per tier to exercise the fallback path.
type Loader struct {
	// LoadDelay simulates model load latency.
	LoadDelay time.Duration

	mu         sync.Mutex
	oomPerTier map[domain.Tier]int
}

// NewLoader constructs a stub loader.
func NewLoader() *Loader {
	return &Loader{oomPerTier: make(map[domain.Tier]int)}
}

// FailOOM makes the next n loads of tier fail with an out-of-memory
// error.
func (l *Loader) FailOOM(tier domain.Tier, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.oomPerTier[tier] = n
}

// Load returns a deterministic model for the tier.
func (l *Loader) Load(ctx context.Context, tier domain.Tier) (domain.Model, int64, error) {
	if l.LoadDelay > 0 {
		timer := time.NewTimer(l.LoadDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, 0, fmt.Errorf("op=stub.load: %w", ctx.Err())
		case <-timer.C:
		}
	}
	l.mu.Lock()
	remaining := l.oomPerTier[tier]
	if remaining > 0 {
		l.oomPerTier[tier] = remaining - 1
		l.mu.Unlock()
		return nil, 0, fmt.Errorf("op=stub.load: tier %s: %w", tier, domain.ErrOutOfMemory)
	}
	l.mu.Unlock()
	return &Model{tier: tier}, tierMemory[tier], nil
}

// Model is a deterministic speech model.
type Model struct {
	tier domain.Tier
}

// Tier returns the model's tier.
func (m *Model) Tier() domain.Tier { return m.tier }

// Transcribe produces deterministic output derived from the input path.
// File names containing "corrupt" raise a corrupt-audio error and names
// containing "flaky" raise a transient error, so failure handling can
// be exercised end to end.
func (m *Model) Transcribe(ctx context.Context, filePath, language string) (domain.EngineOutput, error) {
	if err := ctx.Err(); err != nil {
		return domain.EngineOutput{}, fmt.Errorf("op=stub.transcribe: %w", err)
	}
	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.EngineOutput{}, fmt.Errorf("op=stub.transcribe: %s: no such file", filePath)
		}
		if os.IsPermission(err) {
			return domain.EngineOutput{}, fmt.Errorf("op=stub.transcribe: %s: permission denied", filePath)
		}
		return domain.EngineOutput{}, fmt.Errorf("op=stub.transcribe: %w", err)
	}

	base := filepath.Base(filePath)
	name := strings.ToLower(base)
	switch {
	case strings.Contains(name, "corrupt") && !strings.Contains(name, "_repaired"):
		return domain.EngineOutput{}, fmt.Errorf("op=stub.transcribe: decoder produced an empty tensor, file appears corrupt")
	case strings.Contains(name, "flaky"):
		return domain.EngineOutput{}, fmt.Errorf("op=stub.transcribe: upstream decode service timed out")
	}

	if language == "" {
		language = "en"
	}
	// one second of audio per 16 KiB, floor of one second
	duration := float64(info.Size()) / (16 * 1024)
	if duration < 1 {
		duration = 1
	}
	return domain.EngineOutput{
		Text:      fmt.Sprintf("stub transcript of %s (%s model)", base, m.tier),
		Language:  language,
		DurationS: duration,
		Segments: []domain.Segment{
			{Start: 0, End: duration, Text: fmt.Sprintf("stub transcript of %s (%s model)", base, m.tier), Speaker: "SPEAKER_00"},
		},
	}, nil
}
