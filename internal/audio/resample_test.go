package audio_test

import (
	"math"
	"testing"

	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio/audiotest"
)

func TestResamplerStagesPartialBlocks(t *testing.T) {
	in := audio.Format{SampleRate: 44100, BitsPerSample: 16, Channels: 1}
	r, err := audio.NewResampler(in, 48000)
	if err != nil {
		t.Fatalf("NewResampler: %v", err)
	}

	// One 10 ms block at 44.1 kHz is 441 frames.
	if out := r.Process(audiotest.Constant16(200, 1, 1000)); len(out) != 0 {
		t.Fatalf("partial block produced %d bytes", len(out))
	}
	if got := r.Staged(); got != 400 {
		t.Fatalf("Staged = %d, want 400", got)
	}
	if out := r.Process(audiotest.Constant16(241, 1, 1000)); len(out) == 0 {
		t.Fatal("full block produced no output")
	}
	if got := r.Staged(); got != 0 {
		t.Fatalf("Staged after full block = %d, want 0", got)
	}
}

func TestResamplerFrameCount(t *testing.T) {
	tests := []struct {
		name    string
		from    int
		to      int
		seconds int
	}{
		{"upsample", 44100, 48000, 2},
		{"downsample", 48000, 16000, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := audio.Format{SampleRate: tt.from, BitsPerSample: 16, Channels: 2}
			r, err := audio.NewResampler(in, tt.to)
			if err != nil {
				t.Fatalf("NewResampler: %v", err)
			}

			// Feed in uneven chunks to exercise staging.
			total := tt.from * tt.seconds
			var outFrames int
			for fed := 0; fed < total; {
				n := min(313, total-fed)
				out := r.Process(audiotest.Constant16(n, 2, -1234))
				if len(out)%in.BlockAlign() != 0 {
					t.Fatalf("output of %d bytes is not frame aligned", len(out))
				}
				for _, s := range audiotest.Samples16(out) {
					if s != -1234 {
						t.Fatalf("constant input resampled to %d", s)
					}
				}
				outFrames += len(out) / in.BlockAlign()
				fed += n
			}

			want := tt.to * tt.seconds
			if diff := want - outFrames; diff < 0 || diff > tt.to/100+2 {
				t.Fatalf("output frames = %d, want about %d", outFrames, want)
			}
		})
	}
}

func TestResamplerInterpolates(t *testing.T) {
	in := audio.Format{SampleRate: 100, BitsPerSample: 16, Channels: 1}
	r, err := audio.NewResampler(in, 200)
	if err != nil {
		t.Fatalf("NewResampler: %v", err)
	}
	// At 100 Hz a block is a single frame; two blocks give one interpolated frame in between.
	first := audiotest.Samples16(r.Process(audiotest.PCM16(0)))
	second := audiotest.Samples16(r.Process(audiotest.PCM16(100)))
	got := append(first, second...)
	want := []int16{0, 50, 100}
	if len(got) != len(want) {
		t.Fatalf("samples = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("samples = %v, want %v", got, want)
		}
	}
}

func tone(rate int, freq, amplitude float64, frames int) []int16 {
	out := make([]int16, frames)
	for i := range out {
		out[i] = int16(math.Round(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))))
	}
	return out
}

func rms(samples []int16) float64 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func TestResamplerDownsampleFiltersAliases(t *testing.T) {
	in := audio.Format{SampleRate: 48000, BitsPerSample: 16, Channels: 1}
	tests := []struct {
		name     string
		freq     float64
		minRatio float64
		maxRatio float64
	}{
		{"below output nyquist kept", 1000, 0.89, 1.12},
		{"above output nyquist removed", 12000, 0, 0.01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := audio.NewResampler(in, 16000)
			if err != nil {
				t.Fatalf("NewResampler: %v", err)
			}
			input := tone(in.SampleRate, tt.freq, 16384, in.SampleRate)
			out := audiotest.Samples16(r.Process(audiotest.PCM16(input...)))
			if len(out) < 15000 {
				t.Fatalf("output frames = %d, want about 16000", len(out))
			}

			// Skip the filter's settling time.
			ratio := rms(out[200:]) / rms(input)
			if ratio < tt.minRatio || ratio > tt.maxRatio {
				t.Fatalf("%.0f Hz: output/input RMS = %.4f, want between %.2f and %.2f", tt.freq, ratio, tt.minRatio, tt.maxRatio)
			}
		})
	}
}

func TestResamplerResetRestartsFilter(t *testing.T) {
	in := audio.Format{SampleRate: 48000, BitsPerSample: 16, Channels: 2}
	r, err := audio.NewResampler(in, 16000)
	if err != nil {
		t.Fatalf("NewResampler: %v", err)
	}
	r.Process(audiotest.Constant16(480, 2, 20000))
	r.Reset()

	// A fresh constant stream must not carry the previous level.
	for _, s := range audiotest.Samples16(r.Process(audiotest.Constant16(480, 2, -500))) {
		if s != -500 {
			t.Fatalf("sample after Reset = %d, want -500", s)
		}
	}
}

func TestNewResamplerRejectsBadFormats(t *testing.T) {
	if _, err := audio.NewResampler(audio.Format{SampleRate: 48000, BitsPerSample: 24, Channels: 2}, 44100); err == nil {
		t.Fatal("24-bit input accepted")
	}
	if _, err := audio.NewResampler(audio.Format{SampleRate: 48000, BitsPerSample: 16, Channels: 2}, 0); err == nil {
		t.Fatal("zero target rate accepted")
	}
}
