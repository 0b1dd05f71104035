// Package extractor is the client side of the opaque extraction/download
// engine: a yt-dlp style executable that replies with a single JSON payload
// on stdout and streams bare integer progress percentages on stderr while a
// download runs.
package extractor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"vidcombo-downloader/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom extractor errors
var (
	ErrInvalidURL = errors.New("not a recognized video URL")
	ErrEngine     = errors.New("extraction engine error")
	ErrBadPayload = errors.New("malformed engine payload")
)

// videoIDRegex recognizes the watch/short/embed URL shapes the engine
// accepts and captures the 11-character video id.
var videoIDRegex = regexp.MustCompile(`(?:youtube\.com/(?:.*[?&]v=|(?:v|embed|shorts|kids|music)/)|youtu\.be/)([a-zA-Z0-9_-]{11})`)

// ExtractVideoID returns the video id embedded in url, or an error when the
// url does not match any recognized pattern.
func ExtractVideoID(url string) (string, error) {
	m := videoIDRegex.FindStringSubmatch(url)
	if m == nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidURL, url)
	}
	return m[1], nil
}

// Engine is the raw process boundary. Implementations return the engine's
// JSON reply verbatim; interpreting it is the Client's job.
type Engine interface {
	GetInfo(ctx context.Context, url string) ([]byte, error)
	Download(ctx context.Context, url string, formatType models.FormatType, quality, destDir string, onProgress func(float64)) ([]byte, error)
}

// ExecEngine invokes the engine binary out of process.
type ExecEngine struct {
	Binary string
}

// NewExecEngine returns an engine bound to the given binary path.
func NewExecEngine(binary string) *ExecEngine {
	return &ExecEngine{Binary: binary}
}

// GetInfo runs `<binary> getinfo <url>` and returns stdout.
func (e *ExecEngine) GetInfo(ctx context.Context, url string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.Binary, "getinfo", url)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debugf("Running engine getinfo for %s", url)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: getinfo: %v: %s", ErrEngine, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Download runs `<binary> download <url> <format> <quality> <destDir>`,
// forwarding progress lines from stderr to onProgress, and returns stdout.
func (e *ExecEngine) Download(ctx context.Context, url string, formatType models.FormatType, quality, destDir string, onProgress func(float64)) ([]byte, error) {
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, e.Binary, "download", url, string(formatType), quality, destDir)
	cmd.Stdout = &stdout

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrEngine, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting download: %v", ErrEngine, err)
	}

	scanner := bufio.NewScanner(stderrPipe)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pct, perr := strconv.ParseFloat(strings.TrimSuffix(line, "%"), 64)
		if perr != nil {
			log.Debugf("Ignoring non-progress engine output: %s", line)
			continue
		}
		if onProgress != nil {
			onProgress(pct)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: download: %v", ErrEngine, err)
	}
	return stdout.Bytes(), nil
}

// Client decodes the engine's duck-typed JSON payloads at the boundary into
// typed results, so pipeline code never probes for field existence.
type Client struct {
	engine Engine
}

// NewClient wraps an engine.
func NewClient(engine Engine) *Client {
	return &Client{engine: engine}
}

// FetchMetadata validates the url and asks the engine for video metadata.
func (c *Client) FetchMetadata(ctx context.Context, url string) (models.VideoMetadata, error) {
	if _, err := ExtractVideoID(url); err != nil {
		return models.VideoMetadata{}, err
	}

	data, err := c.engine.GetInfo(ctx, url)
	if err != nil {
		return models.VideoMetadata{}, err
	}

	var payload models.EngineInfoPayload
	if err := models.DecodeEnginePayload(data, &payload); err != nil {
		return models.VideoMetadata{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if payload.Error != "" {
		return models.VideoMetadata{}, fmt.Errorf("%w: %s", ErrEngine, payload.Error)
	}

	return models.VideoMetadata{
		Title:           payload.Title,
		ChannelName:     payload.Channel,
		DurationSeconds: payload.DurationSeconds,
		ThumbnailURL:    payload.ThumbnailURL,
		ViewCount:       payload.ViewCount,
	}, nil
}

// Download validates the request and drives the engine's download operation
// into destDir. The returned payload carries the engine's view of the result;
// locating the actual artifacts on disk is the caller's job.
func (c *Client) Download(ctx context.Context, req models.DownloadRequest, destDir string, onProgress func(float64)) (models.EngineDownloadPayload, error) {
	if _, err := ExtractVideoID(req.SourceURL); err != nil {
		return models.EngineDownloadPayload{}, err
	}
	if !req.FormatType.Valid() {
		return models.EngineDownloadPayload{}, fmt.Errorf("%w: unsupported format type %q", ErrInvalidURL, req.FormatType)
	}

	data, err := c.engine.Download(ctx, req.SourceURL, req.FormatType, req.Quality, destDir, onProgress)
	if err != nil {
		return models.EngineDownloadPayload{}, err
	}

	var payload models.EngineDownloadPayload
	if err := models.DecodeEnginePayload(data, &payload); err != nil {
		return models.EngineDownloadPayload{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if payload.Error != "" {
		return models.EngineDownloadPayload{}, fmt.Errorf("%w: %s", ErrEngine, payload.Error)
	}
	return payload, nil
}
