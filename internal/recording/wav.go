package recording

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio"
)

const (
	wavHeaderSize  = 44
	wavDataSizeOff = 40
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// WAVEncoder writes uncompressed RIFF/WAVE files. 32-bit sessions are stored
// as IEEE float.
type WAVEncoder struct{}

// Extension implements Encoder.
func (WAVEncoder) Extension() string { return "wav" }

// ContentType implements Encoder.
func (WAVEncoder) ContentType() string { return "audio/wav" }

// Open creates path and writes the header. Chunk sizes are patched on Close.
func (WAVEncoder) Open(path string, f audio.Format) (io.WriteCloser, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	tag := wavFormatPCM
	if f.BitsPerSample == audio.Bits32 {
		tag = wavFormatFloat
	}
	w := &wavSink{
		file:   file,
		enc:    wav.NewEncoder(file, f.SampleRate, f.BitsPerSample, f.Channels, tag),
		format: f,
		buf: goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
			SourceBitDepth: f.BitsPerSample,
		},
	}
	// An empty write emits the header, so a session without audio is still a valid file.
	if err := w.enc.Write(&w.buf); err != nil {
		_ = file.Close()
		return nil, err
	}
	return w, nil
}

// wavSink feeds raw PCM to a wav.Encoder. Float samples travel through the
// IntBuffer as their IEEE bit patterns, which the encoder writes unchanged.
type wavSink struct {
	file   *os.File
	enc    *wav.Encoder
	format audio.Format
	buf    goaudio.IntBuffer
	closed bool
}

func (w *wavSink) Write(p []byte) (int, error) {
	if w.closed {
		return 0, os.ErrClosed
	}
	if len(p)%w.format.BlockAlign() != 0 {
		return 0, fmt.Errorf("write of %d bytes is not a whole number of %d-byte frames", len(p), w.format.BlockAlign())
	}

	size := w.format.SampleSize()
	w.buf.Data = w.buf.Data[:0]
	for i := 0; i < len(p); i += size {
		var v int
		switch w.format.BitsPerSample {
		case audio.Bits8:
			v = int(p[i])
		case audio.Bits16:
			v = int(int16(binary.LittleEndian.Uint16(p[i:])))
		default:
			v = int(int32(binary.LittleEndian.Uint32(p[i:])))
		}
		w.buf.Data = append(w.buf.Data, v)
	}
	if err := w.enc.Write(&w.buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close patches the RIFF and data sizes and closes the file.
func (w *wavSink) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return errors.Join(w.enc.Close(), w.file.Close())
}
