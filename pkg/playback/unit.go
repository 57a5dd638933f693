package playback

import (
	"fmt"
	"time"

	"github.com/teslashibe/go-misty/internal/clock"
)

// UploadState is where a unit is in its upload.
type UploadState int

const (
	UploadPending UploadState = iota
	UploadInFlight
	Uploaded
	UploadFailed
)

// String returns a human-readable state.
func (s UploadState) String() string {
	switch s {
	case UploadPending:
		return "pending"
	case UploadInFlight:
		return "uploading"
	case Uploaded:
		return "uploaded"
	case UploadFailed:
		return "failed"
	default:
		return fmt.Sprintf("UploadState(%d)", int(s))
	}
}

// PlayState is where a unit is in its playback.
type PlayState int

const (
	PlayQueued PlayState = iota
	PlayPlaying
	PlayFinished
	PlayFailed
)

// String returns a human-readable state.
func (s PlayState) String() string {
	switch s {
	case PlayQueued:
		return "queued"
	case PlayPlaying:
		return "playing"
	case PlayFinished:
		return "finished"
	case PlayFailed:
		return "failed"
	default:
		return fmt.Sprintf("PlayState(%d)", int(s))
	}
}

// Reason says how a unit's lifecycle ended.
type Reason int

const (
	// ReasonEvent is the device's playback-complete notification.
	ReasonEvent Reason = iota
	// ReasonTimer is the duration-based fallback timer.
	ReasonTimer
	// ReasonUploadFailed means the unit never reached the device.
	ReasonUploadFailed
	// ReasonPlayFailed means the device refused to play the unit.
	ReasonPlayFailed
	// ReasonEmpty is a final unit with no audio.
	ReasonEmpty
)

// String returns a human-readable reason.
func (r Reason) String() string {
	switch r {
	case ReasonEvent:
		return "event"
	case ReasonTimer:
		return "timer"
	case ReasonUploadFailed:
		return "upload_failed"
	case ReasonPlayFailed:
		return "play_failed"
	case ReasonEmpty:
		return "empty"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Failed reports whether the unit ended without playing.
func (r Reason) Failed() bool {
	return r == ReasonUploadFailed || r == ReasonPlayFailed
}

// unit is one chunk's playback lifecycle. All fields are guarded by the
// pipeline lock.
type unit struct {
	responseID string
	index      int
	final      bool
	filename   string
	wav        []byte
	duration   time.Duration

	upload      UploadState
	play        PlayState
	uploadStart time.Time
	uploadTook  time.Duration
	timer       clock.Timer
	finished    bool
	err         error
}

func (u *unit) empty() bool {
	return u.duration == 0
}

func (u *unit) report(reason Reason) Report {
	return Report{
		ResponseID:    u.responseID,
		Index:         u.index,
		Final:         u.final,
		Filename:      u.filename,
		Duration:      u.duration,
		UploadLatency: u.uploadTook,
		Reason:        reason,
		Err:           u.err,
	}
}

// Report describes one unit for callbacks.
type Report struct {
	ResponseID    string
	Index         int
	Final         bool
	Filename      string
	Duration      time.Duration
	UploadLatency time.Duration

	// Reason is set for finished units.
	Reason Reason

	// Err is set when the unit failed.
	Err error
}
