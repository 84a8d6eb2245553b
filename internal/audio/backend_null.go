//go:build !cgo || noaudio

package audio

import "errors"

// errNoAudio is returned by every capture operation in builds without audio support.
var errNoAudio = errors.New("built without audio support")

// nullBackend is used in cgo-less and noaudio builds. It has no devices.
type nullBackend struct{}

// NewBackend returns the native audio backend.
func NewBackend() (Backend, error) {
	return nullBackend{}, nil
}

func (nullBackend) Name() string { return "nullaudio" }

func (nullBackend) Enumerate(Direction) ([]string, error) { return nil, nil }

func (nullBackend) Describe(Direction, string) (Device, error) {
	return Device{}, errNoAudio
}

func (nullBackend) OpenCapture(Device, int, CaptureCallbacks) (CaptureStream, error) {
	return nil, errNoAudio
}

func (nullBackend) OpenSilence(Device) (Stream, error) {
	return nil, errNoAudio
}

func (nullBackend) Close() error { return nil }
