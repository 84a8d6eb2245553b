//go:build cgo && !noaudio

package audio

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
)

// periodSizeMS is the capture period requested from the device.
const periodSizeMS = 20

// silenceLatencyMS matches the shared-mode latency of the silent loopback feeder.
const silenceLatencyMS = 200

// emptyDeviceID selects the system default device.
var emptyDeviceID malgo.DeviceID

// malgoBackend implements Backend with miniaudio through malgo.
type malgoBackend struct {
	ctx *malgo.AllocatedContext
}

// NewBackend returns the native audio backend.
func NewBackend() (Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &malgoBackend{ctx: ctx}, nil
}

func (b *malgoBackend) Name() string {
	return "malgo"
}

func malgoDeviceType(dir Direction) malgo.DeviceType {
	if dir == Render {
		return malgo.Playback
	}
	return malgo.Capture
}

// encodeDeviceID turns a native device ID into a printable, stable string.
func encodeDeviceID(id malgo.DeviceID) string {
	raw := id[:]
	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}
	return hex.EncodeToString(raw[:end])
}

func decodeDeviceID(id string) (malgo.DeviceID, error) {
	var res malgo.DeviceID
	raw, err := hex.DecodeString(id)
	if err != nil {
		return res, fmt.Errorf("decode device id: %w", err)
	}
	if len(raw) > len(res) {
		return res, fmt.Errorf("device id too long (%d bytes)", len(raw))
	}
	copy(res[:], raw)
	return res, nil
}

func (b *malgoBackend) Enumerate(dir Direction) ([]string, error) {
	infos, err := b.ctx.Devices(malgoDeviceType(dir))
	if err != nil {
		return nil, fmt.Errorf("list %s devices: %w", dir, err)
	}
	ids := make([]string, 0, len(infos))
	for i := range infos {
		ids = append(ids, encodeDeviceID(infos[i].ID))
	}
	return ids, nil
}

func (b *malgoBackend) Describe(dir Direction, id string) (Device, error) {
	nativeID, err := decodeDeviceID(id)
	if err != nil {
		return Device{}, err
	}
	info, err := b.ctx.DeviceInfo(malgoDeviceType(dir), nativeID, malgo.Shared)
	if err != nil {
		return Device{}, fmt.Errorf("query device info: %w", err)
	}
	return Device{
		ID:        id,
		Name:      info.Name(),
		Direction: dir,
		IsDefault: info.IsDefault == 1,
	}, nil
}

func malgoFormat(bits int) malgo.FormatType {
	switch bits {
	case Bits8:
		return malgo.FormatU8
	case Bits16:
		return malgo.FormatS16
	case Bits32:
		return malgo.FormatF32
	default:
		return malgo.FormatUnknown
	}
}

func formatBits(f malgo.FormatType) int {
	switch f {
	case malgo.FormatU8:
		return Bits8
	case malgo.FormatS16:
		return Bits16
	case malgo.FormatF32:
		return Bits32
	default:
		return 0
	}
}

func (b *malgoBackend) OpenCapture(dev Device, bits int, cb CaptureCallbacks) (CaptureStream, error) {
	nativeID, err := decodeDeviceID(dev.ID)
	if err != nil {
		return nil, err
	}

	typ := malgo.Capture
	if dev.IsLoopback() {
		typ = malgo.Loopback
	}

	open := func(format malgo.FormatType) (*malgo.Device, error) {
		cfg := malgo.DefaultDeviceConfig(typ)
		if nativeID != emptyDeviceID {
			cfg.Capture.DeviceID = nativeID.Pointer()
		}
		cfg.Capture.Format = format
		cfg.PeriodSizeInMilliseconds = periodSizeMS
		cfg.Alsa.NoMMap = 1
		return malgo.InitDevice(b.ctx.Context, cfg, malgo.DeviceCallbacks{
			Data: func(_, in []byte, _ uint32) {
				cb.Data(in)
			},
			Stop: cb.Stopped,
		})
	}

	device, err := open(malgoFormat(bits))
	if err != nil {
		return nil, fmt.Errorf("init capture device: %w", err)
	}

	// Native 24-bit and 32-bit integer devices are converted to float by miniaudio.
	if formatBits(device.CaptureFormat()) == 0 {
		device.Uninit()
		if device, err = open(malgo.FormatF32); err != nil {
			return nil, fmt.Errorf("init capture device: %w", err)
		}
	}

	return &malgoCapture{
		device: device,
		format: Format{
			SampleRate:    int(device.SampleRate()),
			BitsPerSample: formatBits(device.CaptureFormat()),
			Channels:      int(device.CaptureChannels()),
		},
	}, nil
}

func (b *malgoBackend) OpenSilence(dev Device) (Stream, error) {
	if !dev.IsLoopback() {
		return nil, fmt.Errorf("silent playback needs a render device, got %s", dev.Direction)
	}
	nativeID, err := decodeDeviceID(dev.ID)
	if err != nil {
		return nil, err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	if nativeID != emptyDeviceID {
		cfg.Playback.DeviceID = nativeID.Pointer()
	}
	cfg.PeriodSizeInMilliseconds = silenceLatencyMS
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(b.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			clear(out)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init silent playback: %w", err)
	}
	return &malgoStream{device: device}, nil
}

func (b *malgoBackend) Close() error {
	if err := b.ctx.Uninit(); err != nil {
		return err
	}
	b.ctx.Free()
	return nil
}

// malgoStream wraps a malgo device as a Stream.
type malgoStream struct {
	device    *malgo.Device
	closeOnce sync.Once
}

func (s *malgoStream) Start() error {
	return s.device.Start()
}

func (s *malgoStream) Stop() error {
	return s.device.Stop()
}

func (s *malgoStream) Close() {
	s.closeOnce.Do(s.device.Uninit)
}

// malgoCapture is a malgo capture or loopback device.
type malgoCapture struct {
	device *malgo.Device
	format Format

	closeOnce sync.Once
}

func (c *malgoCapture) Start() error {
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceFailure, err)
	}
	return nil
}

func (c *malgoCapture) Stop() error {
	return c.device.Stop()
}

func (c *malgoCapture) Close() {
	c.closeOnce.Do(c.device.Uninit)
}

func (c *malgoCapture) Format() Format {
	return c.format
}
