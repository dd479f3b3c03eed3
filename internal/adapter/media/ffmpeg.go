// Package media shells out to ffmpeg for container conversion and
// audio repair.
package media

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const convertTimeout = 10 * time.Minute

// FFmpeg implements domain.MediaConverter over the ffmpeg binary.
type FFmpeg struct {
	// Binary overrides the ffmpeg executable path. Empty means "ffmpeg"
	// from PATH.
	Binary string
	// WorkDir receives converted and repaired files.
	WorkDir string
}

func (f *FFmpeg) binary() string {
	if f.Binary != "" {
		return f.Binary
	}
	return "ffmpeg"
}

// ToAudio extracts the audio track of a video container into a 16 kHz
// mono MP3 next to the work folder.
func (f *FFmpeg) ToAudio(ctx context.Context, inPath string) (string, error) {
	base := strings.TrimSuffix(filepath.Base(inPath), filepath.Ext(inPath))
	outPath := filepath.Join(f.WorkDir, base+".mp3")
	args := []string{
		"-y", "-i", inPath,
		"-vn",
		"-ar", "16000",
		"-ac", "1",
		"-codec:a", "libmp3lame",
		outPath,
	}
	if err := f.run(ctx, args); err != nil {
		return "", fmt.Errorf("op=media.ToAudio: %s: %w", inPath, err)
	}
	slog.Info("converted video to audio",
		slog.String("in", inPath),
		slog.String("out", outPath))
	return outPath, nil
}

// Repair re-encodes a possibly corrupt audio file, discarding broken
// frames. The output lands beside the work folder with a _repaired
// suffix so the original is preserved for inspection.
func (f *FFmpeg) Repair(ctx context.Context, inPath string) (string, error) {
	base := strings.TrimSuffix(filepath.Base(inPath), filepath.Ext(inPath))
	outPath := filepath.Join(f.WorkDir, base+"_repaired.mp3")
	args := []string{
		"-y", "-err_detect", "ignore_err",
		"-i", inPath,
		"-vn",
		"-ar", "16000",
		"-ac", "1",
		"-codec:a", "libmp3lame",
		outPath,
	}
	if err := f.run(ctx, args); err != nil {
		return "", fmt.Errorf("op=media.Repair: %s: %w", inPath, err)
	}
	slog.Info("repaired audio file",
		slog.String("in", inPath),
		slog.String("out", outPath))
	return outPath, nil
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, convertTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.binary(), args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg: %w", ctx.Err())
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, lastLine(stderr.String()))
	}
	return nil
}

// lastLine returns the final non-empty stderr line, where ffmpeg puts
// its actual failure reason.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
