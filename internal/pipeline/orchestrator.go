// Package pipeline drives the end-to-end download flow: permission check,
// duplicate detection, fetch into an attempt-scoped temp directory, fragment
// discovery, merge/transcode, verification, durable placement, and history
// persistence, with live progress reported throughout.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"vidcombo-downloader/internal/extractor"
	"vidcombo-downloader/internal/ffmpeg"
	"vidcombo-downloader/internal/helpers"
	"vidcombo-downloader/internal/history"
	"vidcombo-downloader/internal/models"
	"vidcombo-downloader/internal/permissions"

	"github.com/blevesearch/bleve/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Error taxonomy. Every failure that leaves the orchestrator wraps exactly
// one of these; raw engine and process errors never cross the boundary.
var (
	ErrPermissionDenied   = errors.New("storage permission denied")
	ErrPermissionBlocked  = errors.New("storage permission blocked, open system settings")
	ErrInvalidURL         = errors.New("invalid video URL")
	ErrExtractionFailed   = errors.New("extraction failed")
	ErrMissingTrack       = errors.New("required media track missing")
	ErrProcessFailed      = errors.New("media processing failed")
	ErrCorruptOutput      = errors.New("final artifact failed verification")
	ErrTimeout            = errors.New("operation timed out")
	ErrHistoryWrite       = errors.New("failed to record download in history")
	ErrDownloadInProgress = errors.New("a download is already in progress")
)

// Pipeline states, used for transition logging.
type state string

const (
	statePermissionCheck state = "PERMISSION_CHECK"
	stateDuplicateCheck  state = "DUPLICATE_CHECK"
	stateFetching        state = "FETCHING"
	stateFetched         state = "FETCHED"
	stateDirect          state = "DIRECT"
	stateMerge           state = "MERGE"
	stateTranscode       state = "TRANSCODE"
	stateVerifying       state = "VERIFYING"
	statePersisting      state = "PERSISTING"
	stateDone            state = "DONE"
)

// Outcome distinguishes a fresh download from a duplicate short-circuit.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeAlreadyDownloaded
)

// Result is the terminal value of a successful pipeline run.
type Result struct {
	Outcome Outcome
	Record  models.DownloadRecord
}

// Subdirectories of the durable save path, by format type.
const (
	videosSubdir = "Videos"
	audioSubdir  = "Audio"
)

// Options configures an Orchestrator.
type Options struct {
	SavePath         string
	TempRoot         string
	MinArtifactBytes int64
	FetchTimeout     time.Duration
	TranscodeTimeout time.Duration
	Target           permissions.Target
	Prompter         permissions.Prompter
}

// RunOptions configures a single attempt.
type RunOptions struct {
	// Force skips the duplicate short-circuit and re-downloads.
	Force bool
	// OnProgress receives percentage completion, 0-100, monotonically
	// non-decreasing within the attempt.
	OnProgress ProgressFunc
}

// Orchestrator owns one download at a time. Concurrent Run calls on the
// same instance are rejected, not queued.
type Orchestrator struct {
	client   *extractor.Client
	runner   ffmpeg.Runner
	store    *history.Store
	index    bleve.Index
	opts     Options
	inFlight atomic.Bool
}

// New builds an orchestrator. index may be nil; search indexing is then
// skipped.
func New(client *extractor.Client, runner ffmpeg.Runner, store *history.Store, index bleve.Index, opts Options) *Orchestrator {
	if opts.MinArtifactBytes <= 0 {
		opts.MinArtifactBytes = 10 * 1024
	}
	if opts.TempRoot == "" {
		opts.TempRoot = os.TempDir()
	}
	return &Orchestrator{
		client: client,
		runner: runner,
		store:  store,
		index:  index,
		opts:   opts,
	}
}

// Run executes the full pipeline for one request. Exactly one terminal
// outcome is produced: a Result, or an error wrapping one of the taxonomy
// sentinels. A non-nil Result together with an ErrHistoryWrite error means
// the file downloaded fine but the ledger write failed; the artifact is
// kept. Retrying is re-invoking Run with the identical request.
func (o *Orchestrator) Run(ctx context.Context, req models.DownloadRequest, runOpts RunOptions) (*Result, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return nil, ErrDownloadInProgress
	}
	defer o.inFlight.Store(false)

	tracker := newProgressTracker(runOpts.OnProgress)
	defer tracker.Detach()

	// PERMISSION_CHECK
	o.transition(statePermissionCheck, req)
	granted, err := permissions.EnsureStorageAccess(o.opts.Target, o.opts.Prompter)
	if err != nil {
		if errors.Is(err, permissions.ErrBlocked) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionBlocked, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if !granted {
		return nil, ErrPermissionDenied
	}

	if _, err := extractor.ExtractVideoID(req.SourceURL); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURL, req.SourceURL)
	}
	if !req.FormatType.Valid() {
		return nil, fmt.Errorf("%w: unsupported format type %q", ErrInvalidURL, req.FormatType)
	}

	// DUPLICATE_CHECK
	o.transition(stateDuplicateCheck, req)
	if !runOpts.Force {
		match, err := o.store.FindMatch(req.SourceURL, req.FormatType, req.Quality)
		if err != nil {
			log.WithError(err).Warn("Duplicate check failed, proceeding with download")
		} else if match != nil {
			if _, statErr := os.Stat(match.FilePath); statErr == nil {
				log.Infof("Already downloaded: %s (%s)", match.Title, match.FilePath)
				tracker.Report(progressComplete)
				return &Result{Outcome: OutcomeAlreadyDownloaded, Record: *match}, nil
			}
			// Stale record: the file is gone. A fresh download creates a
			// new record rather than mutating the stale one.
			log.Infof("History record %s points at a missing file, re-downloading", match.ID)
		}
	}

	return o.download(ctx, req, tracker)
}

func (o *Orchestrator) download(ctx context.Context, req models.DownloadRequest, tracker *progressTracker) (*Result, error) {
	// FETCHING, into a fresh attempt-scoped temp directory.
	tempDir, err := os.MkdirTemp(o.opts.TempRoot, "vidcombo-attempt-*")
	if err != nil {
		return nil, fmt.Errorf("%w: creating temp directory: %v", ErrExtractionFailed, err)
	}
	// Cleanup is unconditional: success, failure, or timeout.
	defer func() {
		if rmErr := os.RemoveAll(tempDir); rmErr != nil {
			log.WithError(rmErr).Warnf("Failed to remove temp directory %s", tempDir)
		}
	}()

	o.transition(stateFetching, req)
	fetchCtx := ctx
	if o.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, o.opts.FetchTimeout)
		defer cancel()
	}

	// The download payload carries no channel, so look the metadata up
	// separately. A lookup failure only leaves the record sparse.
	meta, metaErr := o.client.FetchMetadata(fetchCtx, req.SourceURL)
	if metaErr != nil {
		log.WithError(metaErr).Debug("Metadata lookup failed, record will be sparse")
	}

	payload, err := o.client.Download(fetchCtx, req, tempDir, func(enginePct float64) {
		tracker.ReportMapped(progressFetchStart, progressFetchEnd, enginePct)
	})
	if err != nil {
		return nil, o.classifyFetchError(err)
	}
	tracker.Report(progressFetchEnd)

	// FETCHED: discover what the engine deposited and decide the path.
	o.transition(stateFetched, req)
	artifacts, err := scanTempArtifacts(tempDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	outPath, err := o.postProcess(ctx, req, tempDir, artifacts, tracker)
	if err != nil {
		return nil, err
	}
	tracker.Report(progressProcessEnd)

	// VERIFYING
	o.transition(stateVerifying, req)
	info, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("%w: output missing: %v", ErrCorruptOutput, err)
	}
	if info.Size() < o.opts.MinArtifactBytes {
		return nil, fmt.Errorf("%w: %d bytes is below the %d byte minimum", ErrCorruptOutput, info.Size(), o.opts.MinArtifactBytes)
	}

	// Durable placement.
	title := payload.Title
	if title == "" {
		title = meta.Title
	}
	if title == "" {
		title, _ = extractor.ExtractVideoID(req.SourceURL)
	}
	finalPath, err := o.placeArtifact(outPath, title, req.FormatType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptOutput, err)
	}

	// PERSISTING
	o.transition(statePersisting, req)
	checksum, err := helpers.FileChecksum(finalPath)
	if err != nil {
		log.WithError(err).Warnf("Could not checksum %s", finalPath)
	}
	thumbnail := payload.Thumbnail
	if thumbnail == "" {
		thumbnail = meta.ThumbnailURL
	}
	duration := payload.DurationSeconds
	if duration == 0 {
		duration = meta.DurationSeconds
	}
	record := models.DownloadRecord{
		ID:              newRecordID(),
		Title:           title,
		SourceURL:       req.SourceURL,
		FormatType:      req.FormatType,
		Quality:         req.Quality,
		FilePath:        finalPath,
		SizeBytes:       info.Size(),
		Checksum:        checksum,
		ThumbnailURL:    thumbnail,
		ChannelName:     meta.ChannelName,
		DurationSeconds: duration,
		CreatedAt:       time.Now().UTC(),
	}
	result := &Result{Outcome: OutcomeCompleted, Record: record}

	if err := o.store.Append(record); err != nil {
		// The artifact is already in place; a ledger failure must not
		// undo the download. Surface it separately.
		log.WithError(err).Error("History write failed after successful download")
		tracker.Report(progressComplete)
		return result, fmt.Errorf("%w: %v", ErrHistoryWrite, err)
	}
	if err := history.IndexRecord(o.index, record); err != nil {
		log.WithError(err).Warn("Search indexing failed")
	}

	o.transition(stateDone, req)
	tracker.Report(progressComplete)
	log.Infof("Download complete: %s (%s)", finalPath, helpers.BytesToSize(uint64(info.Size())))
	return result, nil
}

// postProcess decides DIRECT / MERGE / TRANSCODE from the discovered
// artifacts and returns the path of the processed output inside tempDir.
func (o *Orchestrator) postProcess(ctx context.Context, req models.DownloadRequest, tempDir string, artifacts tempArtifactSet, tracker *progressTracker) (string, error) {
	switch req.FormatType {
	case models.FormatVideo:
		if artifacts.videoFragment != "" && artifacts.audioFragment != "" {
			o.transition(stateMerge, req)
			outPath := filepath.Join(tempDir, "merged.mp4")
			args := ffmpeg.MuxArgs(artifacts.videoFragment, artifacts.audioFragment, outPath)
			if err := o.runProcess(ctx, args); err != nil {
				return "", err
			}
			return outPath, nil
		}
		if artifacts.muxedFile != "" {
			// The engine delivered a single combined file, nothing to do.
			o.transition(stateDirect, req)
			return artifacts.muxedFile, nil
		}
		return "", fmt.Errorf("%w: video request needs a video and an audio fragment, or one muxed file", ErrMissingTrack)

	case models.FormatAudio:
		if artifacts.audioFragment == "" {
			return "", fmt.Errorf("%w: audio request produced no audio fragment", ErrMissingTrack)
		}
		// Always transcode, even when the source already matches the target
		// codec: one container and one naming scheme for every audio
		// download.
		o.transition(stateTranscode, req)
		outPath := filepath.Join(tempDir, "converted.mp3")
		bitrate := ffmpeg.BitrateForQuality(req.Quality)
		args := ffmpeg.AudioConvertArgs(artifacts.audioFragment, outPath, bitrate)
		if err := o.runProcess(ctx, args); err != nil {
			return "", err
		}
		return outPath, nil
	}
	return "", fmt.Errorf("%w: unsupported format type %q", ErrInvalidURL, req.FormatType)
}

// runProcess invokes the transcode runner with a stage timeout. Process
// failures carry the combined log so the caller can show a diagnosable
// error.
func (o *Orchestrator) runProcess(ctx context.Context, args []string) error {
	runCtx := ctx
	if o.opts.TranscodeTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.opts.TranscodeTimeout)
		defer cancel()
	}
	combinedLog, err := o.runner.Run(runCtx, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: transcode: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v\n%s", ErrProcessFailed, err, combinedLog)
	}
	return nil
}

// placeArtifact moves the verified output into the durable downloads
// directory under Videos/ or Audio/, naming it from the sanitized title plus
// a short uniqueness suffix.
func (o *Orchestrator) placeArtifact(srcPath, title string, formatType models.FormatType) (string, error) {
	subdir := videosSubdir
	if formatType == models.FormatAudio {
		subdir = audioSubdir
	}
	destDir := filepath.Join(o.opts.SavePath, subdir)
	if !helpers.CheckAndMakeDir(destDir) {
		return "", fmt.Errorf("failed to create directory %s", destDir)
	}

	name := fmt.Sprintf("%s-%s%s", helpers.SanitizeTitle(title), uuid.NewString()[:8], filepath.Ext(srcPath))
	destPath := filepath.Join(destDir, name)
	if err := moveFile(srcPath, destPath); err != nil {
		return "", err
	}
	return destPath, nil
}

// classifyFetchError converts extraction client errors into taxonomy kinds.
func (o *Orchestrator) classifyFetchError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: fetch: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: fetch canceled: %v", ErrTimeout, err)
	case errors.Is(err, extractor.ErrInvalidURL):
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	default:
		return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
}

func (o *Orchestrator) transition(s state, req models.DownloadRequest) {
	log.Debugf("[%s] %s %s %s", s, req.SourceURL, req.FormatType, req.Quality)
}

// newRecordID builds a time-based id with a random suffix.
func newRecordID() string {
	return fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102150405"), uuid.NewString()[:8])
}

// moveFile renames src to dest, falling back to copy-and-remove when the
// two live on different filesystems.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	if err := copyFile(src, dest); err != nil {
		return err
	}
	return os.Remove(src)
}

// copyFile is the cross-filesystem fallback for moveFile. A partial copy
// never survives: any failure removes dest.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	cw := &helpers.CounterWriter{Writer: out}
	if _, err := io.Copy(cw, in); err != nil {
		out.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("copying to %s: %w", dest, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("closing %s: %w", dest, err)
	}
	log.Debugf("Copied %s to %s (%s)", src, dest, helpers.BytesToSize(cw.Total))
	return nil
}
