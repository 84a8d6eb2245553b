package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// resampleBlockMs is the amount of input audio the resampler consumes per block.
const resampleBlockMs = 10

const (
	// lowpassTaps is the length of the anti-alias filter used when downsampling.
	lowpassTaps = 127
	// lowpassCutoff is the filter cutoff as a fraction of the output Nyquist rate.
	lowpassCutoff = 0.9
)

// Resampler converts interleaved PCM from one sample rate to another using
// linear interpolation. When downsampling, input is first low-pass filtered
// below the output Nyquist rate so higher content does not alias. Input is
// staged until a full block is available, so a call may return no output at
// all. It is not safe for concurrent use.
type Resampler struct {
	in      Format
	outRate int
	step    float64 // input frames per output frame
	block   int     // bytes per input block
	lp      *lowpass

	staged []byte
	vals   []float64 // decoded samples of the current block
	prev   []float64 // last frame of the previous block, one value per channel
	pos    float64   // position of the next output frame relative to prev
}

// NewResampler returns a resampler from format in to outRate.
func NewResampler(in Format, outRate int) (*Resampler, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if outRate < 1 {
		return nil, &FormatError{Format: in, Reason: fmt.Sprintf("invalid target rate %d", outRate)}
	}
	frames := max(in.SampleRate*resampleBlockMs/1000, 1)
	r := &Resampler{
		in:      in,
		outRate: outRate,
		step:    float64(in.SampleRate) / float64(outRate),
		block:   frames * in.BlockAlign(),
	}
	if outRate < in.SampleRate {
		r.lp = newLowpass(lowpassCutoff*float64(outRate)/2/float64(in.SampleRate), in.Channels)
	}
	return r, nil
}

// Staged returns the number of input bytes waiting for a full block.
func (r *Resampler) Staged() int {
	return len(r.staged)
}

// Reset discards staged input and interpolation state.
func (r *Resampler) Reset() {
	r.staged = r.staged[:0]
	r.prev = nil
	r.pos = 0
	if r.lp != nil {
		r.lp.reset()
	}
}

// Process stages in and returns resampled output for every complete block.
func (r *Resampler) Process(in []byte) []byte {
	r.staged = append(r.staged, in...)
	n := len(r.staged) / r.block * r.block
	if n == 0 {
		return nil
	}
	out := r.resample(r.staged[:n])
	r.staged = append(r.staged[:0], r.staged[n:]...)
	return out
}

func (r *Resampler) resample(buf []byte) []byte {
	ch := r.in.Channels
	align := r.in.BlockAlign()
	size := r.in.SampleSize()
	frames := len(buf) / align

	r.vals = r.vals[:0]
	for i := 0; i < frames*ch; i++ {
		r.vals = append(r.vals, decodeSample(buf[i*size:], r.in.BitsPerSample))
	}
	if r.lp != nil {
		r.lp.filter(r.vals)
	}

	// Frame 0 is the carried-over last frame once one exists.
	offset := 0
	if r.prev != nil {
		offset = 1
	}
	total := frames + offset
	sample := func(frame, c int) float64 {
		if frame < offset {
			return r.prev[c]
		}
		return r.vals[(frame-offset)*ch+c]
	}

	last := float64(total - 1)
	estimate := int((last-r.pos)/r.step) + 1
	out := make([]byte, 0, max(estimate, 0)*align)
	tmp := make([]byte, size)
	for ; r.pos <= last; r.pos += r.step {
		i := int(r.pos)
		frac := r.pos - float64(i)
		for c := range ch {
			v := sample(i, c)
			if frac > 0 && i+1 < total {
				v += (sample(i+1, c) - v) * frac
			}
			encodeSample(tmp, v, r.in.BitsPerSample)
			out = append(out, tmp...)
		}
	}

	if r.prev == nil {
		r.prev = make([]float64, ch)
	}
	for c := range ch {
		r.prev[c] = sample(total-1, c)
	}
	r.pos -= last
	return out
}

// lowpass is a streaming windowed-sinc FIR filter over interleaved samples.
type lowpass struct {
	kernel   []float64
	channels int
	hist     [][]float64 // last len(kernel)-1 inputs per channel, nil until primed
	line     []float64
}

// newLowpass returns a Blackman-windowed sinc low-pass filter. cutoff is
// relative to the input sample rate, in cycles per sample.
func newLowpass(cutoff float64, channels int) *lowpass {
	kernel := make([]float64, lowpassTaps)
	m := float64(lowpassTaps - 1)
	var sum float64
	for i := range kernel {
		x := float64(i) - m/2
		v := 2 * cutoff
		if x != 0 {
			v = math.Sin(2*math.Pi*cutoff*x) / (math.Pi * x)
		}
		w := 0.42 - 0.5*math.Cos(2*math.Pi*float64(i)/m) + 0.08*math.Cos(4*math.Pi*float64(i)/m)
		kernel[i] = v * w
		sum += kernel[i]
	}
	// Unity gain at DC.
	for i := range kernel {
		kernel[i] /= sum
	}
	return &lowpass{kernel: kernel, channels: channels}
}

func (l *lowpass) reset() {
	l.hist = nil
}

// filter replaces samples with their filtered values. The history starts as
// repeats of the first frame so a stream does not begin with a ramp from zero.
func (l *lowpass) filter(samples []float64) {
	ch := l.channels
	frames := len(samples) / ch
	if frames == 0 {
		return
	}
	n := len(l.kernel) - 1
	if l.hist == nil {
		l.hist = make([][]float64, ch)
		for c := range ch {
			l.hist[c] = make([]float64, n)
			for i := range n {
				l.hist[c][i] = samples[c]
			}
		}
	}

	for c := range ch {
		l.line = append(l.line[:0], l.hist[c]...)
		for i := range frames {
			l.line = append(l.line, samples[i*ch+c])
		}
		for i := range frames {
			var acc float64
			for k, h := range l.kernel {
				acc += h * l.line[i+k]
			}
			samples[i*ch+c] = acc
		}
		copy(l.hist[c], l.line[len(l.line)-n:])
	}
}

func decodeSample(b []byte, bits int) float64 {
	switch bits {
	case Bits8:
		return float64(b[0])
	case Bits16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	default:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
}

func encodeSample(b []byte, v float64, bits int) {
	switch bits {
	case Bits8:
		b[0] = byte(min(max(math.Round(v), 0), 255))
	case Bits16:
		binary.LittleEndian.PutUint16(b, uint16(int16(min(max(math.Round(v), math.MinInt16), math.MaxInt16))))
	default:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	}
}
