// Package audio provides device enumeration, per-device capture channels,
// PCM format conversion and level metering.
package audio

import "math"

const (
	// MinDB is the minimum dB level (silence).
	MinDB = -60.0
	// MaxSampleValue is the maximum absolute value for 16-bit signed audio.
	MaxSampleValue = 32768.0
)

// LevelToDB converts a linear peak level in [0, 1] to dBFS, clamped to [MinDB, 0].
func LevelToDB(level float64) float64 {
	if level <= 0 {
		return MinDB
	}
	db := 20 * math.Log10(level)
	return min(max(db, MinDB), 0)
}

// MeterPosition maps a linear level to a meter position in [0, -MinDB],
// where 0 is silence and -MinDB is full scale.
func MeterPosition(level float64) float64 {
	return LevelToDB(level) - MinDB
}
