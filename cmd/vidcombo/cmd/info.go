package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"vidcombo-downloader/internal/extractor"
)

var infoCmd = &cobra.Command{
	Use:   "info <url>",
	Short: "Preview video metadata without downloading",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(globalConfig.FetchTimeoutSec)*time.Second)
		defer cancel()

		client := extractor.NewClient(extractor.NewExecEngine(globalConfig.EngineBinary))
		meta, err := client.FetchMetadata(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Title:    %s\n", meta.Title)
		fmt.Printf("Channel:  %s\n", meta.ChannelName)
		fmt.Printf("Duration: %s\n", (time.Duration(meta.DurationSeconds) * time.Second).String())
		fmt.Printf("Views:    %d\n", meta.ViewCount)
		if meta.ThumbnailURL != "" {
			fmt.Printf("Thumb:    %s\n", meta.ThumbnailURL)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
