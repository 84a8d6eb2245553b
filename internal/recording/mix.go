package recording

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio"
)

// Mix adds src into dst sample by sample in the numeric type of the bit
// depth. Integer sums wrap on overflow. Only the common prefix is mixed.
func Mix(dst, src []byte, bits int) error {
	n := min(len(dst), len(src))
	switch bits {
	case audio.Bits8:
		for i := range n {
			dst[i] += src[i]
		}
	case audio.Bits16:
		for i := 0; i+1 < n; i += 2 {
			s := int16(binary.LittleEndian.Uint16(dst[i:])) + int16(binary.LittleEndian.Uint16(src[i:]))
			binary.LittleEndian.PutUint16(dst[i:], uint16(s))
		}
	case audio.Bits32:
		for i := 0; i+3 < n; i += 4 {
			s := math.Float32frombits(binary.LittleEndian.Uint32(dst[i:])) + math.Float32frombits(binary.LittleEndian.Uint32(src[i:]))
			binary.LittleEndian.PutUint32(dst[i:], math.Float32bits(s))
		}
	default:
		return audio.ValidateBits(bits)
	}
	return nil
}

// source is what the drain step needs from a channel.
type source interface {
	Device() audio.Device
	BufferedBytes() int
	Read(p []byte) int
	Err() error
}

// pending returns the number of bytes every source can supply, rounded down
// to whole frames. It is zero when there are no sources.
func pending[S source](srcs []S, align int) int {
	if len(srcs) == 0 {
		return 0
	}
	n := math.MaxInt
	for _, s := range srcs {
		n = min(n, s.BufferedBytes())
	}
	if align > 1 {
		n -= n % align
	}
	return n
}

// mixdown checks every source for an error, then reads the same number of
// bytes from each and returns their sum. It returns nil when any source has
// nothing buffered.
func mixdown[S source](srcs []S, f audio.Format) ([]byte, error) {
	for _, s := range srcs {
		if err := s.Err(); err != nil {
			return nil, fmt.Errorf("channel %q: %w", s.Device().Name, err)
		}
	}

	n := pending(srcs, f.BlockAlign())
	if n == 0 {
		return nil, nil
	}

	acc := make([]byte, n)
	buf := make([]byte, n)
	for _, s := range srcs {
		if got := s.Read(buf); got != n {
			return nil, fmt.Errorf("channel %q: read %d of %d buffered bytes", s.Device().Name, got, n)
		}
		if err := Mix(acc, buf, f.BitsPerSample); err != nil {
			return nil, err
		}
	}
	return acc, nil
}
