package recording

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio/audiotest"
)

var (
	mono44   = audio.Format{SampleRate: 44100, BitsPerSample: 16, Channels: 1}
	stereo48 = audio.Format{SampleRate: 48000, BitsPerSample: 16, Channels: 2}
)

func newBackend() *audiotest.Backend {
	b := audiotest.New()
	b.Add(audio.Device{ID: "mic-1", Name: "USB Microphone", Direction: audio.Capture, IsDefault: true}, mono44)
	b.Add(audio.Device{ID: "mic-2", Name: "Line In", Direction: audio.Capture}, stereo48)
	b.Add(audio.Device{ID: "spk-1", Name: "Speakers", Direction: audio.Render, IsDefault: true}, stereo48)
	return b
}

// memEncoder keeps encoded sessions in memory.
type memEncoder struct {
	mu       sync.Mutex
	sinks    []*memSink
	openErr  error
	writeErr error
}

func (e *memEncoder) Extension() string   { return "pcm" }
func (e *memEncoder) ContentType() string { return "application/octet-stream" }

func (e *memEncoder) Open(path string, f audio.Format) (io.WriteCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return nil, e.openErr
	}
	s := &memSink{path: path, format: f, writeErr: e.writeErr}
	e.sinks = append(e.sinks, s)
	return s, nil
}

func (e *memEncoder) last(t *testing.T) *memSink {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sinks) == 0 {
		t.Fatal("no sink opened")
	}
	return e.sinks[len(e.sinks)-1]
}

type memSink struct {
	mu       sync.Mutex
	path     string
	format   audio.Format
	buf      bytes.Buffer
	writes   int
	closed   bool
	writeErr error
}

func (s *memSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, os.ErrClosed
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.writes++
	return s.buf.Write(p)
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memSink) state() (writes int, closed bool, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes, s.closed, bytes.Clone(s.buf.Bytes())
}

// newManualRecorder returns a recorder whose drain ticks only run when the
// test calls tick.
func newManualRecorder(t *testing.T, b audio.Backend, enc Encoder) *Recorder {
	t.Helper()
	r := New(b, enc, Options{DrainInterval: time.Hour})
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func tick(r *Recorder) bool {
	r.mu.Lock()
	quit := r.quit
	r.mu.Unlock()
	return r.drain(quit)
}

func mustAttach(t *testing.T, r *Recorder, dir audio.Direction, id string, f *audio.Format) *audio.Channel {
	t.Helper()
	dev, err := r.Catalog().Lookup(dir, id)
	if err != nil {
		t.Fatalf("Lookup(%s): %v", id, err)
	}
	ch, err := r.AttachDevice(dev, f)
	if err != nil {
		t.Fatalf("AttachDevice(%s): %v", id, err)
	}
	return ch
}

func TestRecorderDevicePassThrough(t *testing.T) {
	r := newManualRecorder(t, newBackend(), &memEncoder{})
	if n := len(r.CaptureDevices()); n != 2 {
		t.Fatalf("capture devices = %d, want 2", n)
	}
	if n := len(r.RenderDevices()); n != 1 {
		t.Fatalf("render devices = %d, want 1", n)
	}
	if d, ok := r.DefaultCapture(); !ok || d.ID != "mic-1" {
		t.Fatalf("DefaultCapture = %v, %v", d, ok)
	}
	if d, ok := r.DefaultRender(); !ok || d.ID != "spk-1" {
		t.Fatalf("DefaultRender = %v, %v", d, ok)
	}
}

func TestRecorderFirstChannelSetsFormat(t *testing.T) {
	r := newManualRecorder(t, newBackend(), &memEncoder{})
	if _, ok := r.Format(); ok {
		t.Fatal("format known before any channel was attached")
	}

	mustAttach(t, r, audio.Render, "spk-1", nil)
	mic := mustAttach(t, r, audio.Capture, "mic-1", nil)
	if f, _ := r.Format(); f != stereo48 {
		t.Fatalf("shared format = %v, want %v", f, stereo48)
	}
	if mic.Format() != stereo48 {
		t.Fatalf("second channel format = %v, want the shared format", mic.Format())
	}

	if err := r.DetachAll(); err != nil {
		t.Fatalf("DetachAll: %v", err)
	}
	if _, ok := r.Format(); ok {
		t.Fatal("format kept after every channel was detached")
	}
}

func TestRecorderStartTwice(t *testing.T) {
	enc := &memEncoder{}
	r := newManualRecorder(t, newBackend(), enc)
	mustAttach(t, r, audio.Capture, "mic-2", nil)

	if err := r.Start(t.TempDir()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := r.Start(t.TempDir())
	if !errors.Is(err, ErrAlreadyRecording) || !errors.Is(err, audio.ErrInvalidState) {
		t.Fatalf("second Start = %v, want ErrAlreadyRecording", err)
	}
	if !r.IsRecording() || r.LastError() != nil {
		t.Fatalf("second Start disturbed the session: recording=%v err=%v", r.IsRecording(), r.LastError())
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, closed, _ := enc.last(t).state(); !closed {
		t.Fatal("sink not closed by Stop")
	}
}

func TestRecorderStartWithoutChannels(t *testing.T) {
	r := newManualRecorder(t, newBackend(), &memEncoder{})
	err := r.Start(t.TempDir())
	if !errors.Is(err, ErrNoChannels) || !errors.Is(err, audio.ErrInvalidState) {
		t.Fatalf("Start = %v, want ErrNoChannels", err)
	}
	if !errors.Is(r.LastError(), ErrNoChannels) {
		t.Fatalf("LastError = %v", r.LastError())
	}
}

func TestRecorderStartUnsupportedFormat(t *testing.T) {
	enc := &memEncoder{}
	r := newManualRecorder(t, newBackend(), enc)
	mustAttach(t, r, audio.Capture, "mic-2", nil)
	if err := r.SetFormat(&audio.Format{SampleRate: 48000, BitsPerSample: 24, Channels: 2}); err != nil {
		t.Fatalf("SetFormat: %v", err)
	}

	err := r.Start(t.TempDir())
	if !errors.Is(err, audio.ErrUnsupportedFormat) {
		t.Fatalf("Start = %v, want ErrUnsupportedFormat", err)
	}
	if r.IsRecording() {
		t.Fatal("recorder active after failed Start")
	}
	if r.LastError() == nil {
		t.Fatal("LastError empty after failed Start")
	}
	if len(enc.sinks) != 0 {
		t.Fatal("sink opened for an unsupported format")
	}
}

func TestRecorderStartMismatchedChannels(t *testing.T) {
	r := newManualRecorder(t, newBackend(), &memEncoder{})
	mustAttach(t, r, audio.Capture, "mic-2", nil)
	mustAttach(t, r, audio.Capture, "mic-1", &mono44)

	if err := r.Start(t.TempDir()); !errors.Is(err, audio.ErrUnsupportedFormat) {
		t.Fatalf("Start = %v, want ErrUnsupportedFormat", err)
	}
}

func TestRecorderStartEncoderFailure(t *testing.T) {
	enc := &memEncoder{openErr: errors.New("codec rejected")}
	b := newBackend()
	r := newManualRecorder(t, b, enc)
	ch := mustAttach(t, r, audio.Capture, "mic-2", nil)

	if err := r.Start(t.TempDir()); !errors.Is(err, ErrEncodingFailure) {
		t.Fatalf("Start = %v, want ErrEncodingFailure", err)
	}
	if r.IsRecording() || ch.IsRecording() {
		t.Fatal("session not rolled back")
	}
	if r.LastError() == nil {
		t.Fatal("LastError empty")
	}
}

func TestRecorderChannelsFrozenWhileRecording(t *testing.T) {
	r := newManualRecorder(t, newBackend(), &memEncoder{})
	ch := mustAttach(t, r, audio.Capture, "mic-2", nil)
	if err := r.Start(t.TempDir()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dev, _ := r.Catalog().Lookup(audio.Render, "spk-1")
	if _, err := r.AttachDevice(dev, nil); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("AttachDevice = %v, want ErrSessionActive", err)
	}
	if err := r.DetachDevice(ch); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("DetachDevice = %v, want ErrSessionActive", err)
	}
	if err := r.DetachAll(); !errors.Is(err, audio.ErrInvalidState) {
		t.Fatalf("DetachAll = %v, want ErrInvalidState", err)
	}
	if err := r.SetFormat(&mono44); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("SetFormat = %v, want ErrSessionActive", err)
	}
	if len(r.Channels()) != 1 {
		t.Fatal("channel set changed while recording")
	}
	if r.LastError() != nil {
		t.Fatalf("rejected calls set LastError: %v", r.LastError())
	}
}

func TestRecorderDetachDevice(t *testing.T) {
	b := newBackend()
	r := newManualRecorder(t, b, &memEncoder{})
	ch := mustAttach(t, r, audio.Capture, "mic-2", nil)

	if err := r.DetachDevice(ch); err != nil {
		t.Fatalf("DetachDevice: %v", err)
	}
	if !b.Capture("mic-2").IsClosed() {
		t.Fatal("capture not released")
	}
	if len(r.Channels()) != 0 {
		t.Fatal("channel still listed")
	}
	if err := r.DetachDevice(ch); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("second DetachDevice = %v, want ErrUnknownChannel", err)
	}
}

func TestRecorderStopIdle(t *testing.T) {
	r := newManualRecorder(t, newBackend(), &memEncoder{})
	for range 2 {
		if err := r.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	if _, ok := r.RecordingTime(); ok {
		t.Fatal("RecordingTime reported while idle")
	}
}

func TestRecorderDrainSkipsWhenAChannelIsEmpty(t *testing.T) {
	b := newBackend()
	enc := &memEncoder{}
	r := newManualRecorder(t, b, enc)
	mustAttach(t, r, audio.Capture, "mic-2", nil)
	mustAttach(t, r, audio.Render, "spk-1", nil)
	if err := r.Start(t.TempDir()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	b.Capture("mic-2").Feed(audiotest.Constant16(100, 2, 10))
	if !tick(r) {
		t.Fatal("session ended")
	}
	if writes, _, _ := enc.last(t).state(); writes != 0 {
		t.Fatalf("sink written %d times, want 0", writes)
	}
}

func TestRecorderDrainMixesAlignedFrames(t *testing.T) {
	b := newBackend()
	enc := &memEncoder{}
	r := newManualRecorder(t, b, enc)
	mic := mustAttach(t, r, audio.Capture, "mic-2", nil)
	mustAttach(t, r, audio.Render, "spk-1", nil)
	if err := r.Start(t.TempDir()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	b.Capture("mic-2").Feed(audiotest.Constant16(100, 2, 1000))
	b.Capture("spk-1").Feed(audiotest.Constant16(60, 2, 250))
	if !tick(r) {
		t.Fatal("session ended")
	}

	writes, _, data := enc.last(t).state()
	if writes != 1 || len(data) != 60*4 {
		t.Fatalf("writes=%d bytes=%d, want 1 write of %d bytes", writes, len(data), 60*4)
	}
	for _, s := range audiotest.Samples16(data) {
		if s != 1250 {
			t.Fatalf("sample = %d, want 1250", s)
		}
	}
	if n := mic.BufferedBytes(); n != 40*4 {
		t.Fatalf("mic left with %d bytes, want %d", n, 40*4)
	}
}

func TestRecorderChannelFailureStopsSession(t *testing.T) {
	b := newBackend()
	enc := &memEncoder{}
	r := newManualRecorder(t, b, enc)
	mustAttach(t, r, audio.Capture, "mic-2", nil)
	other := mustAttach(t, r, audio.Render, "spk-1", nil)
	if err := r.Start(t.TempDir()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	b.Capture("mic-2").Fail()
	if tick(r) {
		t.Fatal("session survived a channel failure")
	}

	if r.IsRecording() || other.IsRecording() {
		t.Fatal("session still active")
	}
	if _, closed, _ := enc.last(t).state(); !closed {
		t.Fatal("sink not closed")
	}
	if !errors.Is(r.LastError(), audio.ErrDeviceFailure) {
		t.Fatalf("LastError = %v, want ErrDeviceFailure", r.LastError())
	}

	// The error stays visible until the next successful Start.
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r.LastError() == nil {
		t.Fatal("Stop after a forced stop cleared LastError")
	}
	if st := r.Status(); st.State != StateIdle || st.Error == "" {
		t.Fatalf("status = %+v", st)
	}
}

func TestRecorderWriteFailureStopsSession(t *testing.T) {
	b := newBackend()
	enc := &memEncoder{writeErr: errors.New("disk full")}
	r := newManualRecorder(t, b, enc)
	mustAttach(t, r, audio.Capture, "mic-2", nil)
	if err := r.Start(t.TempDir()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	b.Capture("mic-2").Feed(audiotest.Constant16(10, 2, 1))
	if tick(r) {
		t.Fatal("session survived a write failure")
	}
	if !errors.Is(r.LastError(), ErrEncodingFailure) {
		t.Fatalf("LastError = %v, want ErrEncodingFailure", r.LastError())
	}
}

func TestRecorderRestartClearsError(t *testing.T) {
	b := newBackend()
	r := newManualRecorder(t, b, &memEncoder{})
	mustAttach(t, r, audio.Capture, "mic-2", nil)
	if err := r.Start(t.TempDir()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for range 6 {
		b.Capture("mic-2").Feed(audiotest.Constant16(48000, 2, 1))
	}
	if tick(r) {
		t.Fatal("session survived a buffer overflow")
	}
	if !errors.Is(r.LastError(), audio.ErrBufferOverflow) {
		t.Fatalf("LastError = %v, want ErrBufferOverflow", r.LastError())
	}

	if err := r.Start(t.TempDir()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if r.LastError() != nil {
		t.Fatalf("LastError after restart = %v", r.LastError())
	}
}

func TestRecorderStatus(t *testing.T) {
	r := newManualRecorder(t, newBackend(), &memEncoder{})
	ch := mustAttach(t, r, audio.Capture, "mic-2", nil)
	ch.SetVolume(1.5)
	ch.SetMute(true)
	dir := t.TempDir()
	if err := r.Start(dir); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := r.Status()
	if st.State != StateRecording || st.StartedAt == nil || filepath.Dir(st.File) != dir {
		t.Fatalf("status = %+v", st)
	}
	if st.Format == nil || *st.Format != stereo48 {
		t.Fatalf("format = %v", st.Format)
	}
	if len(st.Channels) != 1 {
		t.Fatalf("channels = %d", len(st.Channels))
	}
	c := st.Channels[0]
	if c.Device.ID != "mic-2" || c.Volume != 1.5 || !c.Muted || !c.Recording || c.LevelDB != audio.MinDB {
		t.Fatalf("channel status = %+v", c)
	}
	if _, ok := r.RecordingTime(); !ok {
		t.Fatal("RecordingTime not reported while recording")
	}
}

func TestRecorderStartDevicesRequiresADevice(t *testing.T) {
	r := newManualRecorder(t, newBackend(), &memEncoder{})
	if err := r.StartDevices(nil, nil, t.TempDir()); !errors.Is(err, ErrNoDevices) {
		t.Fatalf("StartDevices = %v, want ErrNoDevices", err)
	}
}

func TestRecorderStartDevicesBadIndex(t *testing.T) {
	b := newBackend()
	r := newManualRecorder(t, b, &memEncoder{})
	render, capture := audio.DefaultIndex, 7

	err := r.StartDevices(&capture, &render, t.TempDir())
	if !errors.Is(err, audio.ErrDeviceNotFound) {
		t.Fatalf("StartDevices = %v, want ErrDeviceNotFound", err)
	}
	if len(r.Channels()) != 0 {
		t.Fatal("channels left attached after failed StartDevices")
	}
	if !b.Capture("spk-1").IsClosed() || !b.Silence("spk-1").IsClosed() {
		t.Fatal("loopback channel not released")
	}
}

func TestRecorderStartDevicesRunsAttachHook(t *testing.T) {
	var attached []audio.Direction
	r := New(newBackend(), &memEncoder{}, Options{
		DrainInterval: time.Hour,
		OnAttach: func(ch *audio.Channel) {
			attached = append(attached, ch.Device().Direction)
			if ch.Device().Direction == audio.Render {
				ch.SetMute(true)
			}
		},
	})
	t.Cleanup(func() { _ = r.Close() })

	idx := audio.DefaultIndex
	if err := r.StartDevices(&idx, &idx, t.TempDir()); err != nil {
		t.Fatalf("StartDevices: %v", err)
	}
	if len(attached) != 2 || attached[0] != audio.Render || attached[1] != audio.Capture {
		t.Fatalf("attach order = %v, want [render capture]", attached)
	}
	chs := r.Channels()
	if !chs[0].Muted() || chs[1].Muted() {
		t.Fatal("hook changes not kept on the attached channels")
	}
	if f, _ := r.Format(); f != stereo48 {
		t.Fatalf("shared format = %v, want the render format %v", f, stereo48)
	}
}

var wavName = regexp.MustCompile(`^\d{14}\.wav$`)

func TestRecorderEndToEndWAV(t *testing.T) {
	b := newBackend()
	r := New(b, WAVEncoder{}, Options{DrainInterval: 10 * time.Millisecond})
	t.Cleanup(func() { _ = r.Close() })
	dir := t.TempDir()

	capture, render := 0, audio.DefaultIndex
	before := time.Now().Truncate(time.Second)
	if err := r.StartDevices(&capture, &render, dir); err != nil {
		t.Fatalf("StartDevices: %v", err)
	}
	after := time.Now()

	chans := r.Channels()
	if len(chans) != 2 || chans[0].Device().ID != "spk-1" || chans[1].Device().ID != "mic-1" {
		t.Fatalf("unexpected channels %v", chans)
	}
	if chans[1].Format() != stereo48 || chans[1].NativeFormat() != mono44 {
		t.Fatalf("capture channel %v -> %v, want %v -> %v", chans[1].NativeFormat(), chans[1].Format(), mono44, stereo48)
	}

	// Two seconds of audio in 10 ms callbacks.
	for range 200 {
		b.Capture("spk-1").Feed(audiotest.Constant16(480, 2, 1000))
		b.Capture("mic-1").Feed(audiotest.Constant16(441, 1, 2000))
	}

	deadline := time.Now().Add(5 * time.Second)
	for min(chans[0].BufferedBytes(), chans[1].BufferedBytes()) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("buffers not drained")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r.LastError() != nil {
		t.Fatalf("LastError = %v", r.LastError())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !wavName.MatchString(entries[0].Name()) {
		t.Fatalf("output files = %v", entries)
	}
	started, err := time.ParseInLocation(fileTimeLayout, entries[0].Name()[:14], time.Local)
	if err != nil {
		t.Fatal(err)
	}
	if started.Before(before) || started.After(after) {
		t.Fatalf("file time %v outside [%v, %v]", started, before, after)
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) <= wavHeaderSize {
		t.Fatalf("file has %d bytes", len(data))
	}
	size := binary.LittleEndian.Uint32(data[wavDataSizeOff:])
	if int(size) != len(data)-wavHeaderSize || size%4 != 0 {
		t.Fatalf("data size %d for %d byte file", size, len(data))
	}
	// Roughly two seconds at 48 kHz stereo, minus resampler latency.
	if size < 383_000 || size > 384_000 {
		t.Fatalf("data size = %d", size)
	}
	for _, s := range audiotest.Samples16(data[wavHeaderSize:]) {
		if s != 3000 {
			t.Fatalf("mixed sample = %d, want 3000", s)
		}
	}
}
