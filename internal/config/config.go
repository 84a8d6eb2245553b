// Package config provides application configuration management.
package config

import (
	"cmp"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/recording"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultListen          = ":8080"
	DefaultCodec           = CodecMP3
	DefaultBitrateKbps     = recording.DefaultBitrateKbps
	DefaultDrainIntervalMs = 100
	DefaultVolume          = 1.0
)

// Supported output codecs.
const (
	CodecMP3 = "mp3"
	CodecWAV = "wav"
)

// DeviceNone marks a device role as unused.
const DeviceNone = "none"

// validate is the validator used for configuration files.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// SystemConfig holds system-level settings that require restart.
type SystemConfig struct {
	FFmpegPath string `json:"ffmpeg_path"`                         // Path to FFmpeg binary (empty = use PATH)
	Listen     string `json:"listen" validate:"omitempty,max=255"` // HTTP listen address
	APIKey     string `json:"api_key" validate:"omitempty,min=16"` // API key for the control API (empty = API disabled)
}

// FormatConfig pins the shared target format of all channels.
type FormatConfig struct {
	SampleRate    int `json:"sample_rate" validate:"gte=8000,lte=384000"`
	BitsPerSample int `json:"bits_per_sample" validate:"oneof=8 16 32"`
	Channels      int `json:"channels" validate:"oneof=1 2"`
}

// RecordingConfig holds recording settings.
type RecordingConfig struct {
	OutputDir       string        `json:"output_dir"`                                             // Directory for finished recordings
	Codec           string        `json:"codec" validate:"omitempty,oneof=mp3 wav"`               // Output codec
	BitrateKbps     int           `json:"bitrate_kbps" validate:"omitempty,gte=32,lte=320"`       // MP3 bit rate
	DrainIntervalMs int           `json:"drain_interval_ms" validate:"omitempty,gte=10,lte=1000"` // Mix cadence
	Format          *FormatConfig `json:"format,omitempty" validate:"omitempty"`                  // Pinned target format (nil = first channel decides)
}

// DeviceConfig holds the selection and gain of one device role.
type DeviceConfig struct {
	ID     string   `json:"id"`                                                // Stable device ID ("" = system default, "none" = unused)
	Volume *float64 `json:"volume,omitempty" validate:"omitempty,gte=0,lte=2"` // Linear gain (nil = 1.0)
	Mute   bool     `json:"mute"`
}

// DevicesConfig holds the capture and render device selection.
type DevicesConfig struct {
	Capture DeviceConfig `json:"capture"`
	Render  DeviceConfig `json:"render"`
}

// StorageConfig holds archive settings.
type StorageConfig struct {
	S3 recording.S3Config `json:"s3"`
}

// EventsConfig holds session history settings.
type EventsConfig struct {
	Path string `json:"path"` // JSON-lines event log (empty = disabled)
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	System    SystemConfig    `json:"system"`
	Recording RecordingConfig `json:"recording"`
	Devices   DevicesConfig   `json:"devices"`
	Storage   StorageConfig   `json:"storage"`
	Events    EventsConfig    `json:"events"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	c := &Config{filePath: filePath}
	c.applyDefaults()
	return c
}

// Load reads config from file, creating a default if none exists.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if os.IsNotExist(err) {
		key, err := GenerateAPIKey()
		if err != nil {
			return util.WrapError("generate API key", err)
		}
		c.System.APIKey = key
		slog.Info("created config with a new API key", "path", c.filePath)
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return util.WrapError("parse config", err)
	}

	c.applyDefaults()

	return c.validate()
}

// validate checks all configuration fields for correctness.
func (c *Config) validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return util.WrapError("validate config", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.TrimPrefix(e.Namespace(), "Config.")
		msgs = append(msgs, fmt.Sprintf("%s %s", field, FieldMessage(e)))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	c.System.Listen = cmp.Or(c.System.Listen, DefaultListen)
	c.Recording.OutputDir = cmp.Or(c.Recording.OutputDir, util.DefaultOutputDir())
	c.Recording.Codec = cmp.Or(c.Recording.Codec, DefaultCodec)
	c.Recording.BitrateKbps = cmp.Or(c.Recording.BitrateKbps, DefaultBitrateKbps)
	c.Recording.DrainIntervalMs = cmp.Or(c.Recording.DrainIntervalMs, DefaultDrainIntervalMs)
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// Path returns the file the configuration is stored in.
func (c *Config) Path() string {
	return c.filePath
}

// --- Setters ---

// SetDevices stores the selected device IDs.
func (c *Config) SetDevices(captureID, renderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Devices.Capture.ID = captureID
	c.Devices.Render.ID = renderID
	return c.saveLocked()
}

// SetChannelLevel stores the gain and mute state of a device role.
func (c *Config) SetChannelLevel(dir audio.Direction, volume float64, muted bool) error {
	if volume < 0 || volume > audio.MaxVolume {
		return fmt.Errorf("volume %.2f out of range [0, %.0f]", volume, audio.MaxVolume)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.deviceLocked(dir)
	if d == nil {
		return fmt.Errorf("unknown device direction %q", dir)
	}
	d.Volume = &volume
	d.Mute = muted
	return c.saveLocked()
}

// SetAPIKey stores the control API key. An empty key disables the API.
func (c *Config) SetAPIKey(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.System.APIKey = key
	return c.saveLocked()
}

// SetOutputDir stores the recording output directory.
func (c *Config) SetOutputDir(dir string) error {
	if err := util.ValidatePath("output_dir", dir); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Recording.OutputDir = dir
	return c.saveLocked()
}

func (c *Config) deviceLocked(dir audio.Direction) *DeviceConfig {
	switch dir {
	case audio.Capture:
		return &c.Devices.Capture
	case audio.Render:
		return &c.Devices.Render
	default:
		return nil
	}
}

// --- Snapshot for lock-free access ---

// DeviceSnapshot is the resolved configuration of one device role.
type DeviceSnapshot struct {
	ID     string
	Volume float64
	Mute   bool
}

// Used reports whether the role takes part in recordings.
func (d DeviceSnapshot) Used() bool {
	return d.ID != DeviceNone
}

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	// System
	FFmpegPath string
	Listen     string
	APIKey     string

	// Recording
	OutputDir     string
	Codec         string
	BitrateKbps   int
	DrainInterval time.Duration
	Format        *audio.Format

	// Devices
	Capture DeviceSnapshot
	Render  DeviceSnapshot

	// Storage
	S3 recording.S3Config

	// Events
	EventsPath string
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		FFmpegPath: c.System.FFmpegPath,
		Listen:     cmp.Or(c.System.Listen, DefaultListen),
		APIKey:     c.System.APIKey,

		OutputDir:     cmp.Or(c.Recording.OutputDir, util.DefaultOutputDir()),
		Codec:         cmp.Or(c.Recording.Codec, DefaultCodec),
		BitrateKbps:   cmp.Or(c.Recording.BitrateKbps, DefaultBitrateKbps),
		DrainInterval: time.Duration(cmp.Or(c.Recording.DrainIntervalMs, DefaultDrainIntervalMs)) * time.Millisecond,

		Capture: deviceSnapshot(c.Devices.Capture),
		Render:  deviceSnapshot(c.Devices.Render),

		S3: c.Storage.S3,

		EventsPath: c.Events.Path,
	}
	if f := c.Recording.Format; f != nil {
		s.Format = &audio.Format{SampleRate: f.SampleRate, BitsPerSample: f.BitsPerSample, Channels: f.Channels}
	}
	return s
}

func deviceSnapshot(d DeviceConfig) DeviceSnapshot {
	s := DeviceSnapshot{ID: d.ID, Volume: DefaultVolume, Mute: d.Mute}
	if d.Volume != nil {
		s.Volume = *d.Volume
	}
	return s
}

// Device returns the snapshot of the role for dir.
func (s *Snapshot) Device(dir audio.Direction) DeviceSnapshot {
	if dir == audio.Render {
		return s.Render
	}
	return s.Capture
}

// HasAPIKey reports whether the control API requires a key.
func (s *Snapshot) HasAPIKey() bool {
	return s.APIKey != ""
}

// --- Utility functions ---

// FieldMessage creates a human-readable message from a validator error.
func FieldMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}

// GenerateAPIKey generates a new random 32-character alphanumeric API key.
func GenerateAPIKey() (string, error) {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 32
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		result[i] = chars[n.Int64()]
	}
	return string(result), nil
}
