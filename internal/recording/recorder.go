package recording

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/eventlog"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/metrics"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/util"
)

// Options configures a Recorder.
type Options struct {
	// DrainInterval is how often channels are mixed. Zero means DefaultDrainInterval.
	DrainInterval time.Duration
	// Format pins the shared target format. Without it the format of the
	// first attached channel is used.
	Format *audio.Format
	// OnLevel receives level readings from every attached channel.
	OnLevel audio.LevelFunc
	// OnAttach runs for every newly attached channel before it can record,
	// typically to restore its volume and mute state.
	OnAttach func(*audio.Channel)
	// Uploader archives finished recordings. Optional.
	Uploader *Uploader
	// Events records session history. Optional.
	Events *eventlog.Logger
	// Metrics collects pipeline metrics. Optional.
	Metrics *metrics.Pipeline
}

// Recorder mixes its attached channels into one encoded file per session.
//
// Channels can only be attached or detached while idle. While recording, a
// drain goroutine reads the same number of bytes from every channel on each
// tick, sums them and writes the result to the encoder. A channel error
// stops the whole session and is kept as LastError until the next Start.
type Recorder struct {
	backend audio.Backend
	catalog *audio.Catalog
	enc     Encoder
	opts    Options

	// mu serializes attach, detach, start, stop and every drain tick.
	mu        sync.Mutex
	channels  []*audio.Channel
	format    *audio.Format
	pinned    bool
	state     State
	startTime time.Time
	file      string
	sink      io.WriteCloser
	lastErr   error
	quit      chan struct{}
	done      chan struct{}
}

// New creates a recorder that captures through b and encodes with enc.
// Devices are enumerated once, here.
func New(b audio.Backend, enc Encoder, opts Options) *Recorder {
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = DefaultDrainInterval
	}
	r := &Recorder{
		backend: b,
		catalog: audio.NewCatalog(b),
		enc:     enc,
		opts:    opts,
		state:   StateIdle,
	}
	if opts.Format != nil {
		f := *opts.Format
		r.format = &f
		r.pinned = true
	}
	return r
}

// Catalog returns the device catalog enumerated by New.
func (r *Recorder) Catalog() *audio.Catalog { return r.catalog }

// CaptureDevices returns the capture devices.
func (r *Recorder) CaptureDevices() []audio.Device { return r.catalog.CaptureDevices() }

// RenderDevices returns the render devices available for loopback capture.
func (r *Recorder) RenderDevices() []audio.Device { return r.catalog.RenderDevices() }

// DefaultCapture returns the default capture device.
func (r *Recorder) DefaultCapture() (audio.Device, bool) { return r.catalog.DefaultCapture() }

// DefaultRender returns the default render device.
func (r *Recorder) DefaultRender() (audio.Device, bool) { return r.catalog.DefaultRender() }

// Format returns the shared target format, if one is known yet.
func (r *Recorder) Format() (audio.Format, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.format == nil {
		return audio.Format{}, false
	}
	return *r.format, true
}

// SetFormat pins the shared target format used for channels attached without
// an explicit format. Nil unpins it. The format is validated by Start.
func (r *Recorder) SetFormat(f *audio.Format) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRecording {
		return ErrSessionActive
	}
	if f == nil {
		r.pinned = false
		r.format = nil
		if len(r.channels) > 0 {
			cf := r.channels[0].Format()
			r.format = &cf
		}
		return nil
	}
	pinned := *f
	r.format = &pinned
	r.pinned = true
	return nil
}

// AttachDevice opens a channel on dev and adds it to the recorder. Without an
// explicit format the channel is normalized to the shared target format.
func (r *Recorder) AttachDevice(dev audio.Device, f *audio.Format) (*audio.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, err := r.attachLocked(dev, f)
	if err != nil {
		return nil, r.rejectLocked(err)
	}
	return ch, nil
}

func (r *Recorder) attachLocked(dev audio.Device, f *audio.Format) (*audio.Channel, error) {
	if r.state == StateRecording {
		return nil, ErrSessionActive
	}
	target := f
	if target == nil {
		target = r.format
	}
	ch, err := audio.Attach(r.backend, dev, target)
	if err != nil {
		return nil, err
	}
	if r.format == nil {
		cf := ch.Format()
		r.format = &cf
	}
	if r.opts.OnLevel != nil {
		ch.OnLevel(r.opts.OnLevel)
	}
	if r.opts.OnAttach != nil {
		r.opts.OnAttach(ch)
	}
	r.channels = append(r.channels, ch)
	return ch, nil
}

// DetachDevice releases ch and removes it from the recorder.
func (r *Recorder) DetachDevice(ch *audio.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRecording {
		return ErrSessionActive
	}
	i := slices.Index(r.channels, ch)
	if i < 0 {
		return ErrUnknownChannel
	}
	r.channels = slices.Delete(r.channels, i, i+1)
	r.resetFormatLocked()
	r.opts.Metrics.ForgetDevice(ch.Device().Name)
	return ch.Detach()
}

// DetachAll releases every channel.
func (r *Recorder) DetachAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRecording {
		return ErrSessionActive
	}
	return r.detachAllLocked()
}

func (r *Recorder) detachAllLocked() error {
	var errs []error
	for _, ch := range r.channels {
		if err := ch.Detach(); err != nil {
			errs = append(errs, fmt.Errorf("detach %q: %w", ch.Device().Name, err))
		}
		r.opts.Metrics.ForgetDevice(ch.Device().Name)
	}
	r.channels = nil
	r.resetFormatLocked()
	return errors.Join(errs...)
}

func (r *Recorder) resetFormatLocked() {
	if !r.pinned && len(r.channels) == 0 {
		r.format = nil
	}
}

// Channels returns the attached channels in attach order.
func (r *Recorder) Channels() []*audio.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.channels)
}

// Start opens a new output file in dir and starts recording every attached
// channel. A failed Start leaves the recorder idle with the error in LastError.
func (r *Recorder) Start(dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startLocked(dir)
}

// StartDevices replaces the attached channels with at most one render device
// (captured through loopback) and one capture device, selected by catalog
// index or audio.DefaultIndex, and starts recording. The capture channel is
// normalized to the render channel's format. A nil index leaves that role
// unused; at least one must be set.
func (r *Recorder) StartDevices(captureIndex, renderIndex *int, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRecording {
		return ErrAlreadyRecording
	}
	if captureIndex == nil && renderIndex == nil {
		return r.rejectLocked(ErrNoDevices)
	}
	if err := r.attachDevicesLocked(captureIndex, renderIndex); err != nil {
		if derr := r.detachAllLocked(); derr != nil {
			slog.Warn("failed to release channels", "error", derr)
		}
		return r.rejectLocked(err)
	}
	return r.startLocked(dir)
}

func (r *Recorder) attachDevicesLocked(captureIndex, renderIndex *int) error {
	if err := r.detachAllLocked(); err != nil {
		slog.Warn("failed to release channels", "error", err)
	}

	target := r.format
	if renderIndex != nil {
		dev, err := r.catalog.ByIndex(audio.Render, *renderIndex)
		if err != nil {
			return err
		}
		ch, err := r.attachLocked(dev, target)
		if err != nil {
			return err
		}
		f := ch.Format()
		target = &f
	}
	if captureIndex != nil {
		dev, err := r.catalog.ByIndex(audio.Capture, *captureIndex)
		if err != nil {
			return err
		}
		if _, err := r.attachLocked(dev, target); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) startLocked(dir string) error {
	if r.state == StateRecording {
		return ErrAlreadyRecording
	}
	if len(r.channels) == 0 {
		return r.rejectLocked(ErrNoChannels)
	}
	if err := r.openSessionLocked(dir); err != nil {
		path, closeErr := r.stopLocked()
		if closeErr != nil {
			slog.Warn("failed to close output after failed start", "error", closeErr)
		}
		if path != "" {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				slog.Warn("failed to remove output after failed start", "path", path, "error", rmErr)
			}
		}
		slog.Error("failed to start recording", "error", err)
		r.lastErr = err
		return err
	}
	return nil
}

// openSessionLocked validates the channels, opens the sink and starts the
// drain goroutine. On error the caller rolls back with stopLocked.
func (r *Recorder) openSessionLocked(dir string) error {
	format := *r.format
	if err := format.Validate(); err != nil {
		return err
	}
	for _, ch := range r.channels {
		if ch.Format() != format {
			return &audio.FormatError{
				Format: ch.Format(),
				Reason: fmt.Sprintf("channel %q does not match session format %s", ch.Device().Name, format),
			}
		}
	}
	if err := util.CheckPathWritable(dir); err != nil {
		return fmt.Errorf("%w: output directory %s: %w", ErrEncodingFailure, dir, err)
	}

	start := time.Now()
	name := start.Format(fileTimeLayout) + "." + r.enc.Extension()
	path := filepath.Join(dir, name)
	sink, err := r.enc.Open(path, format)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrEncodingFailure, name, err)
	}

	r.sink = sink
	r.file = path
	r.startTime = start
	r.state = StateRecording
	r.quit = make(chan struct{})
	r.done = make(chan struct{})

	for _, ch := range r.channels {
		ch.StartRecording()
	}
	for _, ch := range r.channels {
		if err := ch.Err(); err != nil {
			return fmt.Errorf("channel %q: %w", ch.Device().Name, err)
		}
	}

	r.lastErr = nil
	go r.drainLoop(r.quit, r.done)

	devices := make([]string, len(r.channels))
	for i, ch := range r.channels {
		devices[i] = ch.Device().Name
	}
	slog.Info("recording started", "file", path, "format", format.String(), "devices", devices)
	r.opts.Metrics.SessionStarted()
	r.logSession(eventlog.SessionStarted, &eventlog.SessionDetails{
		Filename: name,
		Format:   format.String(),
		Devices:  devices,
	})
	return nil
}

// Stop ends the session and finalizes the output file. It is a no-op when
// idle. Stopping an active session clears LastError unless finalizing fails.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return nil
	}
	done := r.done
	elapsed := time.Since(r.startTime)
	path, err := r.stopLocked()
	r.lastErr = err
	r.finishLocked(path, elapsed, err, err == nil)
	r.mu.Unlock()

	// Wait for an in-flight drain tick to observe the stop.
	<-done
	return err
}

// stopLocked halts the drain goroutine and every channel and closes the
// sink. It returns the output path and the error from closing the sink.
func (r *Recorder) stopLocked() (string, error) {
	if r.quit != nil {
		close(r.quit)
		r.quit = nil
		r.done = nil
	}
	for _, ch := range r.channels {
		ch.StopRecording()
	}

	path := r.file
	var err error
	if r.sink != nil {
		if cerr := r.sink.Close(); cerr != nil {
			err = fmt.Errorf("%w: finalize %s: %w", ErrEncodingFailure, filepath.Base(path), cerr)
		}
		r.sink = nil
	}
	r.state = StateIdle
	r.file = ""
	r.startTime = time.Time{}
	return path, err
}

// failLocked force-stops the session after a channel or encoder error.
func (r *Recorder) failLocked(err error) {
	elapsed := time.Since(r.startTime)
	path, closeErr := r.stopLocked()
	if closeErr != nil {
		slog.Warn("failed to finalize recording", "error", closeErr)
	}
	r.lastErr = err
	r.finishLocked(path, elapsed, err, closeErr == nil)
}

// finishLocked reports a finished session and hands a complete file to the uploader.
func (r *Recorder) finishLocked(path string, elapsed time.Duration, err error, archive bool) {
	details := &eventlog.SessionDetails{
		Filename:   filepath.Base(path),
		DurationMs: elapsed.Milliseconds(),
		Error:      util.ErrorString(err),
	}
	if err != nil {
		slog.Error("recording session failed", "file", details.Filename, "duration", util.FormatRecordingTime(elapsed), "error", err)
		r.logSession(eventlog.SessionFailed, details)
	} else {
		slog.Info("recording stopped", "file", details.Filename, "duration", util.FormatRecordingTime(elapsed))
		r.logSession(eventlog.SessionStopped, details)
	}
	r.opts.Metrics.SessionStopped(err != nil)

	if archive && r.opts.Uploader != nil {
		r.opts.Uploader.Enqueue(path, r.enc.ContentType())
	}
}

// drainLoop runs drain ticks until quit is closed or a tick ends the session.
func (r *Recorder) drainLoop(quit, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(r.opts.DrainInterval)
	defer t.Stop()
	for {
		select {
		case <-quit:
			return
		case <-t.C:
			if !r.drain(quit) {
				return
			}
		}
	}
}

// drain runs one tick of the session identified by quit and reports whether
// the session is still active afterwards.
func (r *Recorder) drain(quit chan struct{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quit != quit || r.state != StateRecording {
		return false
	}
	if err := r.drainLocked(); err != nil {
		r.failLocked(err)
		return false
	}
	return true
}

func (r *Recorder) drainLocked() error {
	mixed, err := mixdown(r.channels, *r.format)
	if err != nil || mixed == nil {
		return err
	}
	if _, err := r.sink.Write(mixed); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrEncodingFailure, filepath.Base(r.file), err)
	}
	r.opts.Metrics.Drained(len(mixed))
	return nil
}

// rejectLocked records err from a control call made while idle.
func (r *Recorder) rejectLocked(err error) error {
	if r.state != StateRecording {
		r.lastErr = err
	}
	return err
}

// IsRecording reports whether a session is active.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateRecording
}

// RecordingTime returns the elapsed time of the active session.
func (r *Recorder) RecordingTime() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording {
		return 0, false
	}
	return time.Since(r.startTime), true
}

// LastError returns the error that ended or prevented the last session.
func (r *Recorder) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Status returns a snapshot of the recorder and its channels.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Status{
		State:    r.state,
		Error:    util.ErrorString(r.lastErr),
		Channels: make([]ChannelStatus, 0, len(r.channels)),
	}
	if r.format != nil {
		f := *r.format
		s.Format = &f
	}
	if r.state == StateRecording {
		started := r.startTime
		s.File = r.file
		s.StartedAt = &started
		s.Elapsed = time.Since(started).Seconds()
	}
	for i, ch := range r.channels {
		level := ch.Level()
		s.Channels = append(s.Channels, ChannelStatus{
			Index:     i,
			Device:    ch.Device(),
			Format:    ch.Format(),
			Volume:    ch.Volume(),
			Muted:     ch.Muted(),
			Level:     level,
			LevelDB:   audio.LevelToDB(level),
			Recording: ch.IsRecording(),
		})
	}
	return s
}

// Close stops any session and releases every channel.
func (r *Recorder) Close() error {
	stopErr := r.Stop()
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(stopErr, r.detachAllLocked())
}

func (r *Recorder) logSession(t eventlog.EventType, details *eventlog.SessionDetails) {
	if err := r.opts.Events.LogSession(t, details); err != nil {
		slog.Warn("failed to log session event", "error", err)
	}
}
