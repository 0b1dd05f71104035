package cmd

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vidcombo-downloader/internal/helpers"
	"vidcombo-downloader/internal/history"
	"vidcombo-downloader/internal/models"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect the download history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List downloads, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := history.Open(globalConfig.HistoryPath)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.List()
		if err != nil {
			return err
		}
		printRecords(records)
		return nil
	},
}

var historySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search downloads by title or channel",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := history.Open(globalConfig.HistoryPath)
		if err != nil {
			return err
		}
		defer store.Close()

		index, err := history.OpenOrCreateIndex(globalConfig.BleveIndexPath)
		if err != nil {
			return fmt.Errorf("search index unavailable: %w", err)
		}
		defer index.Close()

		ids, err := history.Search(index, strings.Join(args, " "))
		if err != nil {
			return err
		}

		records, err := store.List()
		if err != nil {
			return err
		}
		byID := make(map[string]models.DownloadRecord, len(records))
		for _, r := range records {
			byID[r.ID] = r
		}

		var matched []models.DownloadRecord
		for _, id := range ids {
			if r, ok := byID[id]; ok {
				matched = append(matched, r)
			}
		}
		printRecords(matched)
		return nil
	},
}

func printRecords(records []models.DownloadRecord) {
	if len(records) == 0 {
		fmt.Println("No downloads yet.")
		return
	}
	for _, r := range records {
		marker := " "
		if _, err := os.Stat(r.FilePath); err != nil {
			marker = "!" // file was deleted outside the app
			log.Debugf("History record %s references a missing file: %s", r.ID, r.FilePath)
		}
		fmt.Printf("%s %s  %-5s %-8s %8s  %s\n",
			marker,
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			r.FormatType,
			r.Quality,
			helpers.BytesToSize(uint64(r.SizeBytes)),
			r.Title,
		)
	}
}

func init() {
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historySearchCmd)
	rootCmd.AddCommand(historyCmd)
}
