package cmd

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vidcombo-downloader/internal/extractor"
	"vidcombo-downloader/internal/ffmpeg"
	"vidcombo-downloader/internal/history"
	"vidcombo-downloader/internal/models"
	"vidcombo-downloader/internal/permissions"
	"vidcombo-downloader/internal/pipeline"
)

var (
	downloadFormat  string
	downloadQuality string
	downloadForce   bool
)

var downloadCmd = &cobra.Command{
	Use:   "download <url>",
	Short: "Download a video or audio track",
	Args:  cobra.ExactArgs(1),
	RunE:  runDownload,
}

func init() {
	downloadCmd.Flags().StringVarP(&downloadFormat, "format", "f", "video", "Format type: video or audio")
	downloadCmd.Flags().StringVarP(&downloadQuality, "quality", "q", "720p", "Quality tag, e.g. 720p or 128kbps")
	downloadCmd.Flags().BoolVar(&downloadForce, "force", false, "Re-download even when the history already has a matching entry")
	rootCmd.AddCommand(downloadCmd)
}

func runDownload(cmd *cobra.Command, args []string) error {
	req := models.DownloadRequest{
		SourceURL:  args[0],
		FormatType: models.FormatType(downloadFormat),
		Quality:    downloadQuality,
	}

	store, err := history.Open(globalConfig.HistoryPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			log.WithError(cerr).Warn("Closing history store failed")
		}
	}()

	index, err := history.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		log.WithError(err).Warn("Search index unavailable, continuing without it")
		index = nil
	} else {
		defer index.Close()
	}

	client := extractor.NewClient(extractor.NewExecEngine(globalConfig.EngineBinary))
	runner := ffmpeg.NewExecRunner(globalConfig.FFmpegBinary)

	orch := pipeline.New(client, runner, store, index, pipeline.Options{
		SavePath:         globalConfig.SavePath,
		TempRoot:         globalConfig.TempPath,
		MinArtifactBytes: globalConfig.MinArtifactBytes,
		FetchTimeout:     time.Duration(globalConfig.FetchTimeoutSec) * time.Second,
		TranscodeTimeout: time.Duration(globalConfig.TranscodeTimeoutSec) * time.Second,
		Target:           permissions.Target{OS: runtime.GOOS},
		Prompter:         permissions.AlwaysGranted{},
	})

	writer := uilive.New()
	writer.Start()
	onProgress := func(pct float64) {
		fmt.Fprintf(writer, "Downloading %s... %3.0f%%\n", req.SourceURL, pct)
	}

	result, err := orch.Run(context.Background(), req, pipeline.RunOptions{
		Force:      downloadForce,
		OnProgress: onProgress,
	})
	writer.Stop()

	if err != nil {
		// A history-write failure still produced a usable file.
		if errors.Is(err, pipeline.ErrHistoryWrite) && result != nil {
			fmt.Printf("Saved to %s, but recording it in history failed: %v\n", result.Record.FilePath, err)
			return nil
		}
		return describeFailure(err)
	}

	if result.Outcome == pipeline.OutcomeAlreadyDownloaded {
		fmt.Printf("Already downloaded: %s\nUse --force to download again.\n", result.Record.FilePath)
		return nil
	}
	fmt.Printf("Saved to %s\nRun 'vidcombo history list' to see your downloads.\n", result.Record.FilePath)
	return nil
}

// describeFailure turns a pipeline error into an actionable message. Every
// failure is retryable by re-running the identical command.
func describeFailure(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrPermissionBlocked):
		return fmt.Errorf("storage access is blocked; enable it in system settings and retry: %w", err)
	case errors.Is(err, pipeline.ErrPermissionDenied):
		return fmt.Errorf("storage access was denied; grant it and retry: %w", err)
	case errors.Is(err, pipeline.ErrInvalidURL):
		return fmt.Errorf("that does not look like a supported video URL: %w", err)
	case errors.Is(err, pipeline.ErrDownloadInProgress):
		return err
	case errors.Is(err, pipeline.ErrProcessFailed):
		// The wrapped error already carries the process log.
		return fmt.Errorf("media processing failed, rerun to retry:\n%w", err)
	case errors.Is(err, pipeline.ErrTimeout):
		return fmt.Errorf("timed out, rerun to retry: %w", err)
	default:
		return fmt.Errorf("download failed, rerun to retry: %w", err)
	}
}
