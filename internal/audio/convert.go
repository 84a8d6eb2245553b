package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ConvertChannels converts interleaved PCM between mono and stereo.
// Mono to stereo duplicates every sample; stereo to mono averages each pair
// with truncation. The input is returned unchanged when from equals to.
func ConvertChannels(buf []byte, bits, from, to int) ([]byte, error) {
	if err := ValidateBits(bits); err != nil {
		return nil, err
	}
	if from == to {
		return buf, nil
	}
	size := bits / 8
	switch {
	case from == 1 && to == 2:
		return monoToStereo(buf, size), nil
	case from == 2 && to == 1:
		return stereoToMono(buf, bits), nil
	default:
		return nil, &FormatError{Reason: fmt.Sprintf("cannot convert %d channels to %d", from, to)}
	}
}

func monoToStereo(buf []byte, size int) []byte {
	n := len(buf) / size
	out := make([]byte, n*size*2)
	for i := range n {
		sample := buf[i*size : (i+1)*size]
		copy(out[i*size*2:], sample)
		copy(out[i*size*2+size:], sample)
	}
	return out
}

func stereoToMono(buf []byte, bits int) []byte {
	size := bits / 8
	frames := len(buf) / (size * 2)
	out := make([]byte, frames*size)
	for i := range frames {
		l := buf[i*size*2:]
		r := buf[i*size*2+size:]
		switch bits {
		case Bits8:
			out[i] = l[0]/2 + r[0]/2
		case Bits16:
			ls := int16(binary.LittleEndian.Uint16(l))
			rs := int16(binary.LittleEndian.Uint16(r))
			binary.LittleEndian.PutUint16(out[i*2:], uint16(ls/2+rs/2))
		case Bits32:
			lf := math.Float32frombits(binary.LittleEndian.Uint32(l))
			rf := math.Float32frombits(binary.LittleEndian.Uint32(r))
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(lf/2+rf/2))
		}
	}
	return out
}

// ApplyVolume scales every sample in buf by volume, in place.
// Muted buffers, or a volume of zero or less, are zeroed. Integer results
// are truncated to the sample width without clipping, so gains above 1.0
// wrap around.
func ApplyVolume(buf []byte, bits int, volume float64, muted bool) error {
	if err := ValidateBits(bits); err != nil {
		return err
	}
	if muted || volume <= 0 {
		clear(buf)
		return nil
	}
	if volume == 1 {
		return nil
	}
	switch bits {
	case Bits8:
		for i, b := range buf {
			buf[i] = byte(int64(float64(b) * volume))
		}
	case Bits16:
		for i := 0; i+1 < len(buf); i += 2 {
			s := int16(binary.LittleEndian.Uint16(buf[i:]))
			binary.LittleEndian.PutUint16(buf[i:], uint16(int64(float64(s)*volume)))
		}
	case Bits32:
		v := float32(volume)
		for i := 0; i+3 < len(buf); i += 4 {
			f := math.Float32frombits(binary.LittleEndian.Uint32(buf[i:]))
			binary.LittleEndian.PutUint32(buf[i:], math.Float32bits(f*v))
		}
	}
	return nil
}

// PeakLevel returns the peak absolute sample magnitude of buf normalized to [0, 1].
// 8-bit samples are unsigned and centered at 128.
func PeakLevel(buf []byte, bits int) float64 {
	var peak float64
	switch bits {
	case Bits8:
		for _, b := range buf {
			peak = max(peak, math.Abs(float64(int(b)-128)))
		}
		peak /= 128
	case Bits16:
		for i := 0; i+1 < len(buf); i += 2 {
			s := int16(binary.LittleEndian.Uint16(buf[i:]))
			peak = max(peak, math.Abs(float64(s)))
		}
		peak /= MaxSampleValue
	case Bits32:
		for i := 0; i+3 < len(buf); i += 4 {
			f := math.Float32frombits(binary.LittleEndian.Uint32(buf[i:]))
			peak = max(peak, math.Abs(float64(f)))
		}
	}
	return min(peak, 1)
}
