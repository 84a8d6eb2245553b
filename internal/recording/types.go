// Package recording mixes a set of capture channels into a single encoded
// file per session and archives finished files to S3-compatible storage.
package recording

import (
	"errors"
	"fmt"
	"time"

	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio"
)

// Sentinel errors for recording operations. The state errors wrap
// audio.ErrInvalidState.
var (
	// ErrAlreadyRecording is returned when starting a session that is already active.
	ErrAlreadyRecording = fmt.Errorf("%w: recorder is already recording", audio.ErrInvalidState)

	// ErrNoChannels is returned when starting a session without attached channels.
	ErrNoChannels = fmt.Errorf("%w: no channels attached", audio.ErrInvalidState)

	// ErrSessionActive is returned when attaching or detaching while recording.
	ErrSessionActive = fmt.Errorf("%w: channels cannot change while recording", audio.ErrInvalidState)

	// ErrNoDevices is returned by StartDevices when neither device is selected.
	ErrNoDevices = fmt.Errorf("%w: no capture or render device selected", audio.ErrInvalidState)

	// ErrUnknownChannel is returned when detaching a channel the recorder does not own.
	ErrUnknownChannel = errors.New("channel is not attached to this recorder")

	// ErrEncodingFailure is returned when the output file cannot be opened or written.
	ErrEncodingFailure = errors.New("encoding failure")
)

// State tracks the state of the recorder.
type State string

const (
	// StateIdle indicates no active session.
	StateIdle State = "idle"
	// StateRecording indicates a session is in progress.
	StateRecording State = "recording"
)

// DefaultDrainInterval is how often buffered channel audio is mixed and encoded.
const DefaultDrainInterval = 100 * time.Millisecond

// fileTimeLayout names output files after the session start time.
const fileTimeLayout = "20060102150405"

// ChannelStatus describes one attached channel.
type ChannelStatus struct {
	Index     int          `json:"index"`
	Device    audio.Device `json:"device"`
	Format    audio.Format `json:"format"`
	Volume    float64      `json:"volume"`
	Muted     bool         `json:"muted"`
	Level     float64      `json:"level"`
	LevelDB   float64      `json:"level_db"`
	Recording bool         `json:"recording"`
}

// Status is a point-in-time view of the recorder.
type Status struct {
	State     State           `json:"state"`
	Format    *audio.Format   `json:"format,omitempty"`
	File      string          `json:"file,omitempty"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	Elapsed   float64         `json:"elapsed_seconds"`
	Error     string          `json:"error,omitempty"`
	Channels  []ChannelStatus `json:"channels"`
}
