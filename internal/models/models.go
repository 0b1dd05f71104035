package models

import (
	"encoding/json"
	"time"
)

// FormatType selects the kind of artifact a download produces.
type FormatType string

const (
	FormatVideo FormatType = "video"
	FormatAudio FormatType = "audio"
)

// Valid reports whether the format type is one of the supported values.
func (f FormatType) Valid() bool {
	return f == FormatVideo || f == FormatAudio
}

type (
	// Config holds the application's configuration settings.
	Config struct {
		SavePath            string `toml:"SavePath" json:"SavePath"`
		TempPath            string `toml:"TempPath" json:"TempPath"`
		HistoryPath         string `toml:"HistoryPath" json:"HistoryPath"`
		BleveIndexPath      string `toml:"BleveIndexPath" json:"BleveIndexPath"`
		EngineBinary        string `toml:"EngineBinary" json:"EngineBinary"`
		FFmpegBinary        string `toml:"FFmpegBinary" json:"FFmpegBinary"`
		LogLevel            string `toml:"LogLevel" json:"LogLevel"`
		LogFormat           string `toml:"LogFormat" json:"LogFormat"`
		FetchTimeoutSec     int    `toml:"FetchTimeoutSec" json:"FetchTimeoutSec"`
		TranscodeTimeoutSec int    `toml:"TranscodeTimeoutSec" json:"TranscodeTimeoutSec"`
		MinArtifactBytes    int64  `toml:"MinArtifactBytes" json:"MinArtifactBytes"`
	}

	// DownloadRequest describes one user-initiated download. Immutable once
	// submitted; retries reuse the same value.
	DownloadRequest struct {
		SourceURL  string     `json:"sourceUrl"`
		FormatType FormatType `json:"formatType"`
		Quality    string     `json:"quality"`
	}

	// VideoMetadata is the preview information returned by the extraction
	// engine before any download happens.
	VideoMetadata struct {
		Title           string `json:"title"`
		ChannelName     string `json:"channel"`
		DurationSeconds int64  `json:"duration_seconds"`
		ThumbnailURL    string `json:"thumbnail_url"`
		ViewCount       int64  `json:"view_count"`
	}

	// DownloadRecord is one completed, verified download in the history
	// ledger. Records are created once and never mutated.
	DownloadRecord struct {
		ID              string     `json:"id"`
		Title           string     `json:"title"`
		SourceURL       string     `json:"sourceUrl"`
		FormatType      FormatType `json:"formatType"`
		Quality         string     `json:"quality"`
		FilePath        string     `json:"filePath"`
		SizeBytes       int64      `json:"sizeBytes"`
		Checksum        string     `json:"checksum,omitempty"`
		ThumbnailURL    string     `json:"thumbnailUrl,omitempty"`
		ChannelName     string     `json:"channelName,omitempty"`
		DurationSeconds int64      `json:"durationSeconds,omitempty"`
		CreatedAt       time.Time  `json:"createdAt"`
	}

	// FinalArtifact is the verified output of one download attempt.
	FinalArtifact struct {
		FilePath  string
		SizeBytes int64
	}
)

// Engine payloads. The extraction engine replies with a single JSON object on
// stdout; an "error" field signals a structured failure. Some engine builds
// double-encode the object as a JSON string, so decoding must accept both.

type (
	// EngineInfoPayload is the reply to a getInfo call.
	EngineInfoPayload struct {
		Title           string `json:"title"`
		Channel         string `json:"channel"`
		DurationSeconds int64  `json:"duration_seconds"`
		ThumbnailURL    string `json:"thumbnail_url"`
		ViewCount       int64  `json:"view_count"`
		Error           string `json:"error,omitempty"`
	}

	// EngineDownloadPayload is the reply to a download call.
	EngineDownloadPayload struct {
		Title           string `json:"title"`
		Filepath        string `json:"filepath,omitempty"`
		Thumbnail       string `json:"thumbnail,omitempty"`
		DurationSeconds int64  `json:"duration,omitempty"`
		Error           string `json:"error,omitempty"`
	}
)

// DecodeEnginePayload unmarshals an engine reply into dst, accepting either a
// plain JSON object or the same object double-encoded as a JSON string.
func DecodeEnginePayload(data []byte, dst interface{}) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		return json.Unmarshal([]byte(raw), dst)
	}
	return json.Unmarshal(data, dst)
}
