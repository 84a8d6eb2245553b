package audio_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio/audiotest"
)

func TestConvertChannelsMonoToStereo(t *testing.T) {
	in := audiotest.PCM16(1, -2, 300, -32768, 32767)

	out, err := audio.ConvertChannels(in, 16, 1, 2)
	if err != nil {
		t.Fatalf("ConvertChannels: %v", err)
	}

	got := audiotest.Samples16(out)
	want := []int16{1, 1, -2, -2, 300, 300, -32768, -32768, 32767, 32767}
	if !slices.Equal(got, want) {
		t.Fatalf("samples = %v, want %v", got, want)
	}
}

func TestConvertChannelsStereoToMono(t *testing.T) {
	// Each side is halved before the sum, so odd pairs like (1, 1) lose a step.
	in := audiotest.PCM16(3, 4, -3, -4, 32767, 32767, -32768, -32768, 100, -100, 1, 1, -1, -1)

	out, err := audio.ConvertChannels(in, 16, 2, 1)
	if err != nil {
		t.Fatalf("ConvertChannels: %v", err)
	}

	got := audiotest.Samples16(out)
	want := []int16{3, -3, 32766, -32768, 0, 0, 0}
	if !slices.Equal(got, want) {
		t.Fatalf("samples = %v, want %v", got, want)
	}
}

func TestConvertChannelsOtherDepths(t *testing.T) {
	out, err := audio.ConvertChannels([]byte{10, 255}, 8, 2, 1)
	if err != nil {
		t.Fatalf("ConvertChannels 8-bit: %v", err)
	}
	if !slices.Equal(out, []byte{5 + 127}) {
		t.Fatalf("8-bit mono = %v", out)
	}

	out, err = audio.ConvertChannels(audiotest.PCMFloat(0.5, -0.25), 32, 1, 2)
	if err != nil {
		t.Fatalf("ConvertChannels float: %v", err)
	}
	if got := audiotest.SamplesFloat(out); !slices.Equal(got, []float32{0.5, 0.5, -0.25, -0.25}) {
		t.Fatalf("float stereo = %v", got)
	}
}

func TestConvertChannelsNoop(t *testing.T) {
	in := audiotest.PCM16(1, 2)
	out, err := audio.ConvertChannels(in, 16, 2, 2)
	if err != nil {
		t.Fatalf("ConvertChannels: %v", err)
	}
	if &out[0] != &in[0] {
		t.Fatal("same channel count should return the input buffer")
	}
}

func TestConvertChannelsErrors(t *testing.T) {
	tests := []struct {
		name     string
		bits     int
		from, to int
	}{
		{"24-bit", 24, 1, 2},
		{"zero bits", 0, 2, 1},
		{"surround", 16, 6, 2},
		{"mono to quad", 16, 1, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := audio.ConvertChannels(make([]byte, 24), tt.bits, tt.from, tt.to)
			if !errors.Is(err, audio.ErrUnsupportedFormat) {
				t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
			}
		})
	}
}

func TestApplyVolume16(t *testing.T) {
	tests := []struct {
		name   string
		volume float64
		muted  bool
		want   []int16
	}{
		{"unity", 1, false, []int16{1000, -1000, 20000}},
		{"half", 0.5, false, []int16{500, -500, 10000}},
		{"double wraps", 2, false, []int16{2000, -2000, -25536}},
		{"zero", 0, false, []int16{0, 0, 0}},
		{"negative", -1, false, []int16{0, 0, 0}},
		{"muted", 1.5, true, []int16{0, 0, 0}},
		{"muted at unity", 1, true, []int16{0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := audiotest.PCM16(1000, -1000, 20000)
			if err := audio.ApplyVolume(buf, 16, tt.volume, tt.muted); err != nil {
				t.Fatalf("ApplyVolume: %v", err)
			}
			if got := audiotest.Samples16(buf); !slices.Equal(got, tt.want) {
				t.Fatalf("samples = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyVolumeOtherDepths(t *testing.T) {
	buf := []byte{100, 200}
	if err := audio.ApplyVolume(buf, 8, 1.5, false); err != nil {
		t.Fatalf("ApplyVolume 8-bit: %v", err)
	}
	// 200*1.5 = 300 wraps to 44.
	if !slices.Equal(buf, []byte{150, 44}) {
		t.Fatalf("8-bit = %v", buf)
	}

	fbuf := audiotest.PCMFloat(0.5, -0.8)
	if err := audio.ApplyVolume(fbuf, 32, 2, false); err != nil {
		t.Fatalf("ApplyVolume float: %v", err)
	}
	if got := audiotest.SamplesFloat(fbuf); !slices.Equal(got, []float32{1, -1.6}) {
		t.Fatalf("float = %v", got)
	}

	if err := audio.ApplyVolume(buf, 12, 1, false); !errors.Is(err, audio.ErrUnsupportedFormat) {
		t.Fatalf("12-bit err = %v", err)
	}
}

func TestPeakLevel(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		bits int
		want float64
	}{
		{"8-bit silence", []byte{128, 128}, 8, 0},
		{"8-bit full negative", []byte{128, 0}, 8, 1},
		{"8-bit positive", []byte{192}, 8, 0.5},
		{"16-bit silence", audiotest.PCM16(0, 0), 16, 0},
		{"16-bit half", audiotest.PCM16(100, -16384), 16, 0.5},
		{"16-bit full", audiotest.PCM16(-32768), 16, 1},
		{"float", audiotest.PCMFloat(0.25, -0.75), 32, 0.75},
		{"float over full scale", audiotest.PCMFloat(1.5), 32, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := audio.PeakLevel(tt.buf, tt.bits); got != tt.want {
				t.Fatalf("PeakLevel = %v, want %v", got, tt.want)
			}
		})
	}
}
