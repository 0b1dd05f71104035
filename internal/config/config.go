package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"vidcombo-downloader/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Default values for configuration. An empty TempPath means os.TempDir();
// relative ledger paths are anchored under SavePath.
const (
	DefaultSavePath            = "downloads"
	DefaultTempPath            = ""
	DefaultHistoryPath         = "history.db"
	DefaultBleveIndexPath      = "history.bleve"
	DefaultEngineBinary        = "yt-dlp-engine"
	DefaultFFmpegBinary        = "ffmpeg"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultConfigFilePath      = "config.toml"
	DefaultFetchTimeoutSec     = 600
	DefaultTranscodeTimeoutSec = 300
	DefaultMinArtifactBytes    = 10 * 1024
)

// setViperDefaults configures Viper with the application's default values.
func setViperDefaults(v *viper.Viper) {
	v.SetDefault("savepath", DefaultSavePath)
	v.SetDefault("temppath", DefaultTempPath)
	v.SetDefault("historypath", DefaultHistoryPath)
	v.SetDefault("bleveindexpath", DefaultBleveIndexPath)
	v.SetDefault("enginebinary", DefaultEngineBinary)
	v.SetDefault("ffmpegbinary", DefaultFFmpegBinary)
	v.SetDefault("loglevel", DefaultLogLevel)
	v.SetDefault("logformat", DefaultLogFormat)
	v.SetDefault("fetchtimeoutsec", DefaultFetchTimeoutSec)
	v.SetDefault("transcodetimeoutsec", DefaultTranscodeTimeoutSec)
	v.SetDefault("minartifactbytes", DefaultMinArtifactBytes)
}

// CliFlags holds pointers to values received from command-line flags.
// Nil fields indicate the flag was not provided by the user.
type CliFlags struct {
	ConfigFilePath *string
	SavePath       *string
	LogLevel       *string
	LogFormat      *string
	EngineBinary   *string
	FFmpegBinary   *string
}

// Initialize loads configuration in the usual precedence order: built-in
// defaults, then config file, then environment, then CLI flags.
func Initialize(flags CliFlags) (models.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VIDCOMBO")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setViperDefaults(v)

	actualConfigFilePath := DefaultConfigFilePath
	if flags.ConfigFilePath != nil && *flags.ConfigFilePath != "" {
		actualConfigFilePath = *flags.ConfigFilePath
	}
	v.SetConfigFile(actualConfigFilePath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			log.Debugf("Config file '%s' not found, using defaults and flags only", actualConfigFilePath)
		} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Debugf("Config file '%s' not found, using defaults and flags only", actualConfigFilePath)
		} else {
			log.Warnf("Error reading config file '%s': %v. Using defaults and flags only.", actualConfigFilePath, err)
		}
	} else {
		log.Infof("Loaded config file: %s", v.ConfigFileUsed())
	}

	var cfg models.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return models.Config{}, fmt.Errorf("failed to unmarshal config from viper: %w", err)
	}

	// CLI flag overrides
	if flags.SavePath != nil && *flags.SavePath != "" {
		cfg.SavePath = *flags.SavePath
	}
	if flags.LogLevel != nil && *flags.LogLevel != "" {
		cfg.LogLevel = *flags.LogLevel
	}
	if flags.LogFormat != nil && *flags.LogFormat != "" {
		cfg.LogFormat = *flags.LogFormat
	}
	if flags.EngineBinary != nil && *flags.EngineBinary != "" {
		cfg.EngineBinary = *flags.EngineBinary
	}
	if flags.FFmpegBinary != nil && *flags.FFmpegBinary != "" {
		cfg.FFmpegBinary = *flags.FFmpegBinary
	}

	resolveRelativePaths(&cfg)
	return cfg, nil
}

// resolveRelativePaths anchors paths that were given relative to SavePath.
func resolveRelativePaths(cfg *models.Config) {
	if cfg.HistoryPath != "" && !filepath.IsAbs(cfg.HistoryPath) {
		cfg.HistoryPath = filepath.Join(cfg.SavePath, cfg.HistoryPath)
	}
	if cfg.BleveIndexPath != "" && !filepath.IsAbs(cfg.BleveIndexPath) {
		cfg.BleveIndexPath = filepath.Join(cfg.SavePath, cfg.BleveIndexPath)
	}
	if cfg.TempPath == "" {
		cfg.TempPath = os.TempDir()
	}
}
