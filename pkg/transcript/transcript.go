// Package transcript renders transcription results into the text
// artifact written next to each completed job.
package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/scribeworks/transcriptd/internal/domain"
)

// Meta describes the artifact header.
type Meta struct {
	Filename      string
	FileSizeBytes int64
	ModelTier     domain.Tier
	Transcribed   time.Time
	DurationS     float64
	Language      string
}

// Render produces the full artifact: metadata header, blank line, body.
func Render(m Meta, out domain.EngineOutput) string {
	var b strings.Builder
	b.WriteString("# Transcription Metadata\n")
	fmt.Fprintf(&b, "# File: %s\n", m.Filename)
	fmt.Fprintf(&b, "# Size: %.1fMB\n", float64(m.FileSizeBytes)/(1024*1024))
	fmt.Fprintf(&b, "# Model: %s\n", m.ModelTier)
	fmt.Fprintf(&b, "# Transcribed: %s UTC\n", m.Transcribed.UTC().Format("2006-01-02 15:04:05"))
	if m.DurationS > 0 {
		fmt.Fprintf(&b, "# Duration: %.1f\n", m.DurationS)
	} else {
		b.WriteString("# Duration: unknown\n")
	}
	lang := m.Language
	if lang == "" {
		lang = "auto"
	}
	fmt.Fprintf(&b, "# Language: %s\n\n", lang)
	b.WriteString(Body(out))
	return b.String()
}

// Body renders only the transcript text. Segmented output gets one
// timestamped line per segment with a blank line between segments;
// otherwise the raw text is used as-is.
func Body(out domain.EngineOutput) string {
	if len(out.Segments) == 0 {
		return out.Text
	}
	lines := make([]string, 0, len(out.Segments))
	for _, s := range out.Segments {
		stamp := fmt.Sprintf("[%s - %s]", clock(s.Start), clock(s.End))
		if s.Speaker != "" {
			lines = append(lines, fmt.Sprintf("%s %s: %s", stamp, s.Speaker, s.Text))
		} else {
			lines = append(lines, fmt.Sprintf("%s %s", stamp, s.Text))
		}
	}
	return strings.Join(lines, "\n\n")
}

func clock(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
