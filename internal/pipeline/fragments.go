package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Fragment naming contract with the extraction engine: intermediate
// single-stream fragments carry a ".f<formatid>." marker in their name
// (yt-dlp convention), while an already-muxed deliverable is a plain
// "<name>.<ext>". Classification beyond that is by extension. The heuristic
// is deliberately confined to this file; anything it cannot place fails the
// attempt as a missing track instead of a silent best guess.

var fragmentMarker = regexp.MustCompile(`\.f\d+\.[^.]+$`)

var audioExtensions = map[string]struct{}{
	".m4a":  {},
	".mp3":  {},
	".opus": {},
	".aac":  {},
	".oga":  {},
	".ogg":  {},
}

var videoExtensions = map[string]struct{}{
	".mp4":  {},
	".webm": {},
	".mkv":  {},
	".mov":  {},
}

// tempArtifactSet is the classified contents of one attempt-scoped temp
// directory. Paths are absolute; empty string means "not present".
type tempArtifactSet struct {
	videoFragment string // video-only stream
	audioFragment string // audio-only stream
	muxedFile     string // single already-combined deliverable
}

// scanTempArtifacts classifies every regular file the engine deposited into
// dir. When several candidates land in the same class the largest wins;
// partial-download leftovers (.part, .ytdl) are ignored.
func scanTempArtifacts(dir string) (tempArtifactSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return tempArtifactSet{}, fmt.Errorf("reading temp directory %s: %w", dir, err)
	}

	var set tempArtifactSet
	var videoSize, audioSize, muxedSize int64

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext == ".part" || ext == ".ytdl" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			log.WithError(err).Warnf("Skipping unreadable temp entry %s", name)
			continue
		}
		full := filepath.Join(dir, name)
		size := info.Size()

		switch {
		case isAudioExt(ext):
			if size > audioSize {
				set.audioFragment, audioSize = full, size
			}
		case isVideoExt(ext) && fragmentMarker.MatchString(strings.ToLower(name)):
			if size > videoSize {
				set.videoFragment, videoSize = full, size
			}
		case isVideoExt(ext):
			if size > muxedSize {
				set.muxedFile, muxedSize = full, size
			}
		default:
			log.Debugf("Ignoring unclassified temp file %s", name)
		}
	}

	log.Debugf("Temp scan of %s: video=%q audio=%q muxed=%q", dir, set.videoFragment, set.audioFragment, set.muxedFile)
	return set, nil
}

func isAudioExt(ext string) bool {
	_, ok := audioExtensions[ext]
	return ok
}

func isVideoExt(ext string) bool {
	_, ok := videoExtensions[ext]
	return ok
}
