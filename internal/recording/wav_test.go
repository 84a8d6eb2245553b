package recording

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio/audiotest"
)

func TestWAVEncoderHeader(t *testing.T) {
	tests := []struct {
		name   string
		format audio.Format
		tag    uint16
	}{
		{"pcm16", audio.Format{SampleRate: 48000, BitsPerSample: 16, Channels: 2}, wavFormatPCM},
		{"pcm8", audio.Format{SampleRate: 8000, BitsPerSample: 8, Channels: 1}, wavFormatPCM},
		{"float", audio.Format{SampleRate: 44100, BitsPerSample: 32, Channels: 2}, wavFormatFloat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out.wav")
			w, err := WAVEncoder{}.Open(path, tt.format)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			payload := make([]byte, 10*tt.format.BlockAlign())
			for range 3 {
				if _, err := w.Write(payload); err != nil {
					t.Fatalf("Write: %v", err)
				}
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			dataSize := uint32(3 * len(payload))
			if len(data) != wavHeaderSize+int(dataSize) {
				t.Fatalf("file size = %d", len(data))
			}
			le := binary.LittleEndian
			switch {
			case string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" || string(data[36:40]) != "data":
				t.Fatal("bad chunk ids")
			case le.Uint32(data[4:]) != 36+dataSize:
				t.Fatalf("riff size = %d", le.Uint32(data[4:]))
			case le.Uint16(data[20:]) != tt.tag:
				t.Fatalf("format tag = %d, want %d", le.Uint16(data[20:]), tt.tag)
			case int(le.Uint16(data[22:])) != tt.format.Channels:
				t.Fatalf("channels = %d", le.Uint16(data[22:]))
			case int(le.Uint32(data[24:])) != tt.format.SampleRate:
				t.Fatalf("sample rate = %d", le.Uint32(data[24:]))
			case int(le.Uint32(data[28:])) != tt.format.BytesPerSecond():
				t.Fatalf("byte rate = %d", le.Uint32(data[28:]))
			case int(le.Uint16(data[32:])) != tt.format.BlockAlign():
				t.Fatalf("block align = %d", le.Uint16(data[32:]))
			case int(le.Uint16(data[34:])) != tt.format.BitsPerSample:
				t.Fatalf("bits = %d", le.Uint16(data[34:]))
			case le.Uint32(data[40:]) != dataSize:
				t.Fatalf("data size = %d", le.Uint32(data[40:]))
			}
		})
	}
}

func TestWAVEncoderKeepsSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	w, err := WAVEncoder{}.Open(path, stereo48)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	pcm := audiotest.PCM16(1, -2, 300, -32768)
	if _, err := w.Write(pcm); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := w.Write(pcm); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("Write after Close = %v", err)
	}

	data, _ := os.ReadFile(path)
	got := audiotest.Samples16(data[wavHeaderSize:])
	if len(got) != 4 || got[0] != 1 || got[1] != -2 || got[2] != 300 || got[3] != -32768 {
		t.Fatalf("samples = %v", got)
	}
}

func TestWAVEncoderKeepsFloatAndByteSamples(t *testing.T) {
	tests := []struct {
		name   string
		format audio.Format
		pcm    []byte
	}{
		{"float", audio.Format{SampleRate: 48000, BitsPerSample: 32, Channels: 2}, audiotest.PCMFloat(0.5, -0.25, 1.5, -1)},
		{"unsigned 8-bit", audio.Format{SampleRate: 8000, BitsPerSample: 8, Channels: 1}, []byte{0, 128, 255, 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out.wav")
			w, err := WAVEncoder{}.Open(path, tt.format)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if _, err := w.Write(tt.pcm); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			data, _ := os.ReadFile(path)
			if got := data[wavHeaderSize:]; string(got) != string(tt.pcm) {
				t.Fatalf("data = %v, want %v", got, tt.pcm)
			}
		})
	}
}

func TestWAVEncoderEmptySession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	w, err := WAVEncoder{}.Open(path, stereo48)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, _ := os.ReadFile(path)
	le := binary.LittleEndian
	if len(data) != wavHeaderSize || le.Uint32(data[4:]) != 36 || le.Uint32(data[40:]) != 0 {
		t.Fatalf("empty file = %d bytes, riff %d, data %d", len(data), le.Uint32(data[4:]), le.Uint32(data[40:]))
	}
}

func TestWAVEncoderRejectsPartialFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	w, err := WAVEncoder{}.Open(path, stereo48)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()
	if _, err := w.Write(make([]byte, 6)); err == nil {
		t.Fatal("partial frame accepted")
	}
}

func TestWAVEncoderRejectsBadFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	_, err := WAVEncoder{}.Open(path, audio.Format{SampleRate: 48000, BitsPerSample: 24, Channels: 2})
	if !errors.Is(err, audio.ErrUnsupportedFormat) {
		t.Fatalf("err = %v", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatal("file created for a rejected format")
	}
}
