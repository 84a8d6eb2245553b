package audio

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
)

const (
	// MaxVolume is the highest gain a channel accepts.
	MaxVolume = 2.0

	// maxBufferedSeconds bounds how much undrained audio a channel holds.
	maxBufferedSeconds = 5
)

// Channel captures one device and produces PCM in a fixed target format.
//
// Capture starts on Attach so levels are reported right away; captured audio
// is only buffered between StartRecording and StopRecording. Volume and mute
// can be changed at any time and apply to audio captured afterwards.
type Channel struct {
	device Device
	native Format
	format Format

	capture CaptureStream
	silence Stream

	volume    atomic.Uint64 // math.Float64bits
	muted     atomic.Bool
	recording atomic.Bool
	level     atomic.Uint64 // math.Float64bits
	onLevel   atomic.Pointer[LevelFunc]
	stopping  atomic.Bool
	dead      atomic.Bool

	// procMu guards the resampler, which is only used by the capture
	// callback and reset from StartRecording.
	procMu    sync.Mutex
	resampler *Resampler

	mu        sync.Mutex
	buf       bytes.Buffer
	maxBuffer int
	err       error
	detached  bool

	detachOnce sync.Once
	detachErr  error
}

// Attach opens a capture session on dev and starts delivering level readings.
//
// Without a target format the channel produces the device's native format.
// With one, the channel converts between mono and stereo and resamples as
// needed; the bit depth is requested from the device directly. Render devices
// are captured through loopback while a silent playback stream keeps the
// endpoint producing data.
func Attach(b Backend, dev Device, target *Format) (*Channel, error) {
	bits := 0
	if target != nil {
		if err := target.Validate(); err != nil {
			return nil, err
		}
		bits = target.BitsPerSample
	}

	c := &Channel{device: dev}
	c.volume.Store(math.Float64bits(1))

	capture, err := b.OpenCapture(dev, bits, CaptureCallbacks{
		Data:    c.onData,
		Stopped: c.onStopped,
	})
	if err != nil {
		return nil, fmt.Errorf("open capture %q: %w", dev.Name, err)
	}
	c.capture = capture

	if err := c.configure(capture.Format(), target); err != nil {
		c.stopping.Store(true)
		capture.Close()
		return nil, err
	}

	if dev.IsLoopback() {
		silence, err := b.OpenSilence(dev)
		if err != nil {
			c.stopping.Store(true)
			capture.Close()
			return nil, fmt.Errorf("open silent playback %q: %w", dev.Name, err)
		}
		if err := silence.Start(); err != nil {
			c.stopping.Store(true)
			silence.Close()
			capture.Close()
			return nil, fmt.Errorf("start silent playback %q: %w", dev.Name, err)
		}
		c.silence = silence
	}

	if err := capture.Start(); err != nil {
		c.stopping.Store(true)
		if c.silence != nil {
			_ = c.silence.Stop()
			c.silence.Close()
		}
		capture.Close()
		return nil, fmt.Errorf("start capture %q: %w", dev.Name, err)
	}

	slog.Info("capture channel attached",
		"device", dev.Name, "loopback", dev.IsLoopback(),
		"native", c.native.String(), "format", c.format.String())
	return c, nil
}

// configure derives the conversion stages from the native and target formats.
func (c *Channel) configure(native Format, target *Format) error {
	if err := native.Validate(); err != nil {
		return err
	}
	c.native = native
	c.format = native

	if target != nil {
		if native.BitsPerSample != target.BitsPerSample {
			return &FormatError{Format: native, Reason: fmt.Sprintf("device delivers %d-bit samples, need %d", native.BitsPerSample, target.BitsPerSample)}
		}
		if native.Channels != target.Channels && native.Channels+target.Channels != 3 {
			return &FormatError{Format: native, Reason: fmt.Sprintf("cannot convert %d channels to %d", native.Channels, target.Channels)}
		}
		c.format = *target
		if native.SampleRate != target.SampleRate {
			in := Format{SampleRate: native.SampleRate, BitsPerSample: target.BitsPerSample, Channels: target.Channels}
			r, err := NewResampler(in, target.SampleRate)
			if err != nil {
				return err
			}
			c.resampler = r
		}
	}

	c.maxBuffer = maxBufferedSeconds * c.format.BytesPerSecond()
	return nil
}

// Device returns the captured endpoint.
func (c *Channel) Device() Device {
	return c.device
}

// Format returns the format of the audio returned by Read.
func (c *Channel) Format() Format {
	return c.format
}

// NativeFormat returns the format the device delivers.
func (c *Channel) NativeFormat() Format {
	return c.native
}

// Volume returns the current gain.
func (c *Channel) Volume() float64 {
	return math.Float64frombits(c.volume.Load())
}

// SetVolume sets the gain, clamped to [0, MaxVolume].
func (c *Channel) SetVolume(v float64) {
	if math.IsNaN(v) {
		v = 0
	}
	c.volume.Store(math.Float64bits(min(max(v, 0), MaxVolume)))
}

// Muted reports whether the channel is muted.
func (c *Channel) Muted() bool {
	return c.muted.Load()
}

// SetMute mutes or unmutes the channel.
func (c *Channel) SetMute(muted bool) {
	c.muted.Store(muted)
}

// Level returns the most recent level reading.
func (c *Channel) Level() float64 {
	return math.Float64frombits(c.level.Load())
}

// OnLevel registers fn to receive every level reading. A nil fn unregisters.
// fn runs on the capture callback thread and must not block.
func (c *Channel) OnLevel(fn LevelFunc) {
	if fn == nil {
		c.onLevel.Store(nil)
		return
	}
	c.onLevel.Store(&fn)
}

// StartRecording clears any previous error and buffered audio and starts buffering.
func (c *Channel) StartRecording() {
	c.procMu.Lock()
	if c.resampler != nil {
		c.resampler.Reset()
	}
	c.procMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		c.err = ErrDetached
		return
	}
	c.buf.Reset()
	c.err = nil
	if c.dead.Load() {
		c.err = c.stoppedError()
		return
	}
	c.recording.Store(true)
}

// StopRecording stops buffering. Levels keep being reported.
func (c *Channel) StopRecording() {
	c.recording.Store(false)
}

// IsRecording reports whether captured audio is being buffered.
func (c *Channel) IsRecording() bool {
	return c.recording.Load()
}

// BufferedBytes returns the number of bytes available to Read.
func (c *Channel) BufferedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Len()
}

// Read moves up to len(p) buffered bytes into p and returns the count.
// It never blocks waiting for more audio.
func (c *Channel) Read(p []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := c.buf.Read(p)
	return n
}

// Err returns the error that stopped recording on this channel, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Detach stops the capture session and releases the device. Calls after the
// first return the first call's result.
func (c *Channel) Detach() error {
	c.detachOnce.Do(func() {
		c.recording.Store(false)
		c.stopping.Store(true)
		c.OnLevel(nil)

		var errs []error
		if c.silence != nil {
			if err := c.silence.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop silent playback: %w", err))
			}
			c.silence.Close()
		}
		if err := c.capture.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop capture: %w", err))
		}
		c.capture.Close()

		c.mu.Lock()
		c.detached = true
		c.buf = bytes.Buffer{}
		c.mu.Unlock()

		c.detachErr = errors.Join(errs...)
		slog.Info("capture channel detached", "device", c.device.Name)
	})
	return c.detachErr
}

// onData runs on the capture callback thread.
func (c *Channel) onData(in []byte) {
	volume := c.Volume()
	muted := c.Muted()

	var peak float64
	if !muted && volume > 0 {
		peak = min(PeakLevel(in, c.native.BitsPerSample)*volume, 1)
	}
	c.level.Store(math.Float64bits(peak))
	if fn := c.onLevel.Load(); fn != nil {
		(*fn)(Level{Device: c.device, Peak: peak})
	}

	if !c.recording.Load() {
		return
	}
	if err := c.process(in, volume, muted); err != nil {
		c.fail(err)
	}
}

// process converts, resamples and scales in, then appends it to the buffer.
func (c *Channel) process(in []byte, volume float64, muted bool) error {
	bits := c.native.BitsPerSample

	// The backend reuses in, so it is copied before scaling in place.
	var data []byte
	if c.native.Channels == c.format.Channels {
		data = bytes.Clone(in)
	} else {
		var err error
		if data, err = ConvertChannels(in, bits, c.native.Channels, c.format.Channels); err != nil {
			return err
		}
	}

	if c.resampler != nil {
		c.procMu.Lock()
		data = c.resampler.Process(data)
		c.procMu.Unlock()
		if len(data) == 0 {
			return nil
		}
	}

	if err := ApplyVolume(data, bits, volume, muted); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len()+len(data) > c.maxBuffer {
		return fmt.Errorf("%w: %w (%d bytes undrained)", ErrDeviceFailure, ErrBufferOverflow, c.buf.Len())
	}
	c.buf.Write(data)
	return nil
}

// onStopped runs when the device stops. Stops not requested through Detach
// are device failures.
func (c *Channel) onStopped() {
	if c.stopping.Load() {
		return
	}
	c.dead.Store(true)
	c.fail(c.stoppedError())
}

func (c *Channel) stoppedError() error {
	return fmt.Errorf("%w: device %q stopped unexpectedly", ErrDeviceFailure, c.device.Name)
}

// fail stops recording and keeps the first error for the drain task to observe.
func (c *Channel) fail(err error) {
	c.recording.Store(false)

	c.mu.Lock()
	first := c.err == nil
	if first {
		c.err = err
	}
	c.mu.Unlock()

	if first {
		slog.Warn("capture channel failed", "device", c.device.Name, "error", err)
	}
}
