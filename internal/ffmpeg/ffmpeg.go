// Package ffmpeg wraps the opaque media-processing process behind argument
// builders and an invocation contract: ordered argument list in, combined
// stdout/stderr log plus success out.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	log "github.com/sirupsen/logrus"
)

// Custom ffmpeg errors
var (
	ErrProcess = errors.New("ffmpeg process failed")
)

// DefaultBitrate is the fallback when a quality tag is not recognized.
const DefaultBitrate = "128k"

// Audio normalization parameters. Every converted track comes out with the
// same sample rate and channel count regardless of the source.
const (
	audioSampleRate = "44100"
	audioChannels   = "2"
)

// bitrateByQuality maps user-facing quality tags to encoder bitrate strings.
var bitrateByQuality = map[string]string{
	"320kbps": "320k",
	"256kbps": "256k",
	"192kbps": "192k",
	"128kbps": "128k",
	"96kbps":  "96k",
	"64kbps":  "64k",
}

// BitrateForQuality maps a quality tag to a bitrate string. Unrecognized
// tags fall back to DefaultBitrate rather than failing.
func BitrateForQuality(quality string) string {
	if b, ok := bitrateByQuality[quality]; ok {
		return b
	}
	log.Debugf("Unrecognized audio quality tag %q, using default bitrate %s", quality, DefaultBitrate)
	return DefaultBitrate
}

// MuxArgs builds the argument list that combines a video-only and an
// audio-only fragment into one container: video copied, audio encoded to
// AAC, strict-mode off-spec tolerance enabled.
func MuxArgs(videoPath, audioPath, outPath string) []string {
	return []string{
		"-i", videoPath,
		"-i", audioPath,
		"-c:v", "copy",
		"-c:a", "aac",
		"-strict", "experimental",
		"-y", outPath,
	}
}

// AudioConvertArgs builds the argument list that strips video, resamples to
// the fixed rate and channel count, and encodes at the given bitrate.
func AudioConvertArgs(inPath, outPath, bitrate string) []string {
	return []string{
		"-i", inPath,
		"-vn",
		"-ar", audioSampleRate,
		"-ac", audioChannels,
		"-b:a", bitrate,
		"-y", outPath,
	}
}

// Runner executes the media-processing process with an ordered argument
// list, returning the combined log text. A process failure returns the log
// together with an error wrapping ErrProcess.
type Runner interface {
	Run(ctx context.Context, args []string) (combinedLog string, err error)
}

// ExecRunner runs the configured ffmpeg binary.
type ExecRunner struct {
	Binary string
}

// NewExecRunner returns a runner bound to the given ffmpeg binary path.
func NewExecRunner(binary string) *ExecRunner {
	return &ExecRunner{Binary: binary}
}

// Run executes the process. The combined log is returned on failure too, so
// callers can surface a diagnosable error rather than a bare "failed".
func (r *ExecRunner) Run(ctx context.Context, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, r.Binary, args...)

	log.Debugf("Running %s %v", r.Binary, args)
	out, err := cmd.CombinedOutput()
	combinedLog := string(out)
	if err != nil {
		if ctx.Err() != nil {
			return combinedLog, ctx.Err()
		}
		return combinedLog, fmt.Errorf("%w: %v", ErrProcess, err)
	}
	return combinedLog, nil
}
