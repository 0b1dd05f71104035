package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vidcombo-downloader/internal/config"
	"vidcombo-downloader/internal/models"
)

// Flag storage for persistent flags.
var (
	cfgFile       string
	logLevelFlag  string
	logFormatFlag string
	savePathFlag  string
	engineBinFlag string
	ffmpegBinFlag string
)

// globalConfig holds the loaded configuration.
var globalConfig models.Config

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "vidcombo",
	Short: "Download video and audio media through an external extraction engine",
	Long: `VidCombo locates, previews, and downloads video/audio media (primarily
YouTube) by driving an out-of-process extraction engine and FFmpeg, then
keeps a searchable history of everything it downloaded.`,
	PersistentPreRunE: loadGlobalConfig,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Configuration file path (default is ./config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Logging level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "", "Logging format (text, json)")
	rootCmd.PersistentFlags().StringVar(&savePathFlag, "save-path", "", "Directory to place downloads (overrides config)")
	rootCmd.PersistentFlags().StringVar(&engineBinFlag, "engine", "", "Extraction engine binary (overrides config)")
	rootCmd.PersistentFlags().StringVar(&ffmpegBinFlag, "ffmpeg", "", "FFmpeg binary (overrides config)")
}

// loadGlobalConfig loads the configuration and configures logging before any
// command runs.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Initialize(config.CliFlags{
		ConfigFilePath: &cfgFile,
		SavePath:       &savePathFlag,
		LogLevel:       &logLevelFlag,
		LogFormat:      &logFormatFlag,
		EngineBinary:   &engineBinFlag,
		FFmpegBinary:   &ffmpegBinFlag,
	})
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	globalConfig = cfg

	initLogging(cfg.LogLevel, cfg.LogFormat)
	return nil
}

func initLogging(level, format string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("Invalid log level %q, falling back to info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)

	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
