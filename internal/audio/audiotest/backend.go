// Package audiotest provides an in-memory audio.Backend for tests.
package audiotest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio"
)

// ErrBroken is returned by Describe for devices added with AddBroken.
var ErrBroken = errors.New("device in transitional state")

type device struct {
	dev    audio.Device
	native audio.Format
	broken bool
}

// Backend is a fake audio.Backend. Tests feed PCM into opened capture
// streams with CaptureStream.Feed.
type Backend struct {
	mu       sync.Mutex
	devices  map[audio.Direction][]device
	captures map[string]*CaptureStream
	silences map[string]*Stream
	openErr  map[string]error
	closed   bool
}

// New returns an empty fake backend.
func New() *Backend {
	return &Backend{
		devices:  make(map[audio.Direction][]device),
		captures: make(map[string]*CaptureStream),
		silences: make(map[string]*Stream),
		openErr:  make(map[string]error),
	}
}

// Add registers a device that captures in the given native format.
func (b *Backend) Add(dev audio.Device, native audio.Format) audio.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[dev.Direction] = append(b.devices[dev.Direction], device{dev: dev, native: native})
	return dev
}

// AddBroken registers a device that is enumerated but cannot be described.
func (b *Backend) AddBroken(dir audio.Direction, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[dir] = append(b.devices[dir], device{dev: audio.Device{ID: id, Direction: dir}, broken: true})
}

// FailOpen makes OpenCapture fail for the device with the given ID.
func (b *Backend) FailOpen(id string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErr[id] = err
}

// Capture returns the most recent capture stream opened on a device.
func (b *Backend) Capture(id string) *CaptureStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.captures[id]
}

// Silence returns the most recent silent playback stream opened on a device.
func (b *Backend) Silence(id string) *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.silences[id]
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) Name() string { return "audiotest" }

func (b *Backend) Enumerate(dir audio.Direction) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.devices[dir]))
	for _, d := range b.devices[dir] {
		ids = append(ids, d.dev.ID)
	}
	return ids, nil
}

func (b *Backend) Describe(dir audio.Direction, id string) (audio.Device, error) {
	d, err := b.find(dir, id)
	if err != nil {
		return audio.Device{}, err
	}
	if d.broken {
		return audio.Device{}, ErrBroken
	}
	return d.dev, nil
}

func (b *Backend) find(dir audio.Direction, id string) (device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.devices[dir] {
		if d.dev.ID == id {
			return d, nil
		}
	}
	return device{}, fmt.Errorf("unknown device %q", id)
}

func (b *Backend) OpenCapture(dev audio.Device, bits int, cb audio.CaptureCallbacks) (audio.CaptureStream, error) {
	d, err := b.find(dev.Direction, dev.ID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.openErr[dev.ID]; err != nil {
		return nil, err
	}
	format := d.native
	if bits != 0 {
		format.BitsPerSample = bits
	}
	s := &CaptureStream{format: format, cb: cb}
	b.captures[dev.ID] = s
	return s, nil
}

func (b *Backend) OpenSilence(dev audio.Device) (audio.Stream, error) {
	if !dev.IsLoopback() {
		return nil, fmt.Errorf("not a render device: %s", dev.ID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Stream{}
	b.silences[dev.ID] = s
	return s, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Stream is a fake playback stream.
type Stream struct {
	started atomic.Bool
	stopped atomic.Bool
	closed  atomic.Bool
	order   atomic.Int64
}

var sequence atomic.Int64

func (s *Stream) Start() error {
	s.order.Store(sequence.Add(1))
	s.started.Store(true)
	return nil
}

func (s *Stream) Stop() error {
	s.stopped.Store(true)
	return nil
}

func (s *Stream) Close() {
	s.closed.Store(true)
}

// Started reports whether Start was called.
func (s *Stream) Started() bool { return s.started.Load() }

// Stopped reports whether Stop was called.
func (s *Stream) Stopped() bool { return s.stopped.Load() }

// IsClosed reports whether Close was called.
func (s *Stream) IsClosed() bool { return s.closed.Load() }

// StartOrder returns a global sequence number taken when Start was called.
func (s *Stream) StartOrder() int64 { return s.order.Load() }

// CaptureStream is a fake capture stream.
type CaptureStream struct {
	Stream
	format audio.Format
	cb     audio.CaptureCallbacks
}

func (s *CaptureStream) Format() audio.Format {
	return s.format
}

// Feed delivers buf to the capture callback if the stream is running.
func (s *CaptureStream) Feed(buf []byte) {
	if !s.Started() || s.Stopped() || s.IsClosed() {
		return
	}
	s.cb.Data(buf)
}

// Fail simulates the device disappearing.
func (s *CaptureStream) Fail() {
	if s.cb.Stopped != nil {
		s.cb.Stopped()
	}
}

// PCM16 encodes signed 16-bit samples.
func PCM16(samples ...int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Samples16 decodes signed 16-bit samples.
func Samples16(buf []byte) []int16 {
	out := make([]int16, len(buf)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	return out
}

// PCMFloat encodes 32-bit float samples.
func PCMFloat(samples ...float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// SamplesFloat decodes 32-bit float samples.
func SamplesFloat(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

// Constant16 returns frames of interleaved 16-bit audio with every sample set to v.
func Constant16(frames, channels int, v int16) []byte {
	samples := make([]int16, frames*channels)
	for i := range samples {
		samples[i] = v
	}
	return PCM16(samples...)
}
