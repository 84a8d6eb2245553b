package audio

import (
	"errors"
	"fmt"
)

// Sentinel errors for audio operations.
var (
	// ErrInvalidState is returned when an operation is not allowed in the current lifecycle state.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnsupportedFormat is returned when a bit depth or channel layout cannot be handled.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrDeviceFailure is returned when the audio subsystem reports a capture failure.
	ErrDeviceFailure = errors.New("device failure")

	// ErrDeviceNotFound is returned when a device index or ID does not resolve to a known device.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrBufferOverflow is returned when captured audio is not drained fast enough.
	ErrBufferOverflow = errors.New("capture buffer full")

	// ErrDetached is returned when a channel is used after Detach.
	ErrDetached = errors.New("channel detached")
)

// Direction is the data flow of an audio endpoint.
type Direction string

const (
	// Capture is a microphone-like endpoint.
	Capture Direction = "capture"
	// Render is a speaker-like endpoint, captured through loopback.
	Render Direction = "render"
)

// Device is an audio endpoint known to the catalog.
type Device struct {
	// ID is the opaque, stable device identifier.
	ID string `json:"id"`
	// Name is the device display name.
	Name string `json:"name"`
	// Direction is the data flow of the endpoint.
	Direction Direction `json:"direction"`
	// IsDefault reports whether this is the system default for its direction.
	IsDefault bool `json:"is_default"`
}

// IsLoopback reports whether capturing this device requires loopback capture.
func (d Device) IsLoopback() bool {
	return d.Direction == Render
}

// Supported bit depths. 32 bits is always IEEE float.
const (
	Bits8  = 8
	Bits16 = 16
	Bits32 = 32
)

// Format describes interleaved little-endian PCM audio.
type Format struct {
	// SampleRate is the number of frames per second.
	SampleRate int `json:"sample_rate"`
	// BitsPerSample is 8 (unsigned), 16 (signed) or 32 (float).
	BitsPerSample int `json:"bits_per_sample"`
	// Channels is the number of interleaved channels.
	Channels int `json:"channels"`
}

// String returns a compact description such as "48000Hz/16bit/2ch".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch", f.SampleRate, f.BitsPerSample, f.Channels)
}

// SampleSize returns the size of one sample in bytes.
func (f Format) SampleSize() int {
	return f.BitsPerSample / 8
}

// BlockAlign returns the size of one frame in bytes.
func (f Format) BlockAlign() int {
	return f.SampleSize() * f.Channels
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.BlockAlign() * f.SampleRate
}

// Compatible reports whether buffers in both formats can be mixed additively
// once resampled to a shared rate.
func (f Format) Compatible(o Format) bool {
	return f.BitsPerSample == o.BitsPerSample && f.Channels == o.Channels
}

// Validate checks that the format can be processed.
func (f Format) Validate() error {
	if !supportedBits(f.BitsPerSample) {
		return &FormatError{Format: f, Reason: fmt.Sprintf("bit depth %d not supported", f.BitsPerSample)}
	}
	if f.Channels < 1 {
		return &FormatError{Format: f, Reason: "channel count must be positive"}
	}
	if f.SampleRate < 1 {
		return &FormatError{Format: f, Reason: "sample rate must be positive"}
	}
	return nil
}

// ValidateBits checks that bits is one of the supported bit depths.
func ValidateBits(bits int) error {
	if !supportedBits(bits) {
		return &FormatError{Reason: fmt.Sprintf("bit depth %d not supported", bits)}
	}
	return nil
}

func supportedBits(bits int) bool {
	return bits == Bits8 || bits == Bits16 || bits == Bits32
}

// FormatError reports a format that cannot be captured, converted or mixed.
type FormatError struct {
	Format Format
	Reason string
}

func (e *FormatError) Error() string {
	if e.Format == (Format{}) {
		return "unsupported format: " + e.Reason
	}
	return fmt.Sprintf("unsupported format %s: %s", e.Format, e.Reason)
}

// Unwrap allows errors.Is(err, ErrUnsupportedFormat).
func (e *FormatError) Unwrap() error {
	return ErrUnsupportedFormat
}

// Level is a peak meter reading emitted on every capture callback.
type Level struct {
	// Device is the endpoint the reading belongs to.
	Device Device
	// Peak is the volume-scaled peak magnitude in [0, 1].
	Peak float64
}

// LevelFunc receives level readings on the capture callback thread. It must not block.
type LevelFunc func(Level)
