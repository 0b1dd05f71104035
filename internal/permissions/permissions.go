// Package permissions resolves storage and media-library access before any
// disk write. The request chain encodes real platform fragmentation: scoped
// media permissions on recent Android releases, the broad "all files" grant on
// mid-range ones, the legacy read/write pair on older ones, and photo-library
// access elsewhere.
package permissions

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Permission names, matching the platform manifest identifiers.
const (
	ReadMediaVideo        = "android.permission.READ_MEDIA_VIDEO"
	ReadMediaAudio        = "android.permission.READ_MEDIA_AUDIO"
	ManageExternalStorage = "android.permission.MANAGE_EXTERNAL_STORAGE"
	ReadExternalStorage   = "android.permission.READ_EXTERNAL_STORAGE"
	WriteExternalStorage  = "android.permission.WRITE_EXTERNAL_STORAGE"
	PhotoLibrary          = "ios.permission.PHOTO_LIBRARY"
)

// Android SDK boundaries for the permission model changes.
const (
	sdkScopedMedia = 33 // Android 13: per-media-type permissions
	sdkAllFiles    = 30 // Android 11: MANAGE_EXTERNAL_STORAGE
)

// Status is the outcome of a single permission prompt.
type Status int

const (
	Granted Status = iota
	Denied
	// Blocked means the user must flip the permission in system settings;
	// prompting again is useless.
	Blocked
)

func (s Status) String() string {
	switch s {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	case Blocked:
		return "blocked"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ErrBlocked signals that a permission ended in the blocked state and the
// user has to act in system settings. Recoverable: the attempt is declined,
// not the whole process.
var ErrBlocked = errors.New("permission blocked, enable it in system settings")

// Target identifies the platform a permission decision is made for.
type Target struct {
	OS         string // "android", "ios"
	SDKVersion int    // Android API level; ignored for other platforms
}

// Prompter is the opaque OS permission dialog.
type Prompter interface {
	Request(permission string) (Status, error)
}

// AlwaysGranted is a Prompter for environments without a runtime permission
// model (desktop builds, tests).
type AlwaysGranted struct{}

func (AlwaysGranted) Request(string) (Status, error) { return Granted, nil }

// EnsureStorageAccess resolves storage access for the target platform.
// Returns true only when every permission the chain settles on was granted.
// A blocked prompt returns false together with ErrBlocked.
func EnsureStorageAccess(target Target, prompter Prompter) (bool, error) {
	switch {
	case target.OS == "android" && target.SDKVersion >= sdkScopedMedia:
		// Scoped media permissions only; broad storage access is not
		// requestable here and must not be attempted.
		return requestAll(prompter, ReadMediaVideo, ReadMediaAudio)

	case target.OS == "android" && target.SDKVersion >= sdkAllFiles:
		granted, err := requestAll(prompter, ManageExternalStorage)
		if granted || errors.Is(err, ErrBlocked) {
			return granted, err
		}
		log.Debug("All-files access denied, falling back to legacy storage pair")
		return requestAll(prompter, ReadExternalStorage, WriteExternalStorage)

	case target.OS == "android":
		return requestAll(prompter, ReadExternalStorage, WriteExternalStorage)

	default:
		return requestAll(prompter, PhotoLibrary)
	}
}

func requestAll(prompter Prompter, perms ...string) (bool, error) {
	for _, perm := range perms {
		status, err := prompter.Request(perm)
		if err != nil {
			return false, fmt.Errorf("requesting %s: %w", perm, err)
		}
		log.Debugf("Permission %s: %s", perm, status)
		switch status {
		case Blocked:
			return false, fmt.Errorf("%w: %s", ErrBlocked, perm)
		case Denied:
			return false, nil
		}
	}
	return true, nil
}
