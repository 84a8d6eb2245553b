package recording

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/ffmpeg"
)

// Encoder opens encoding sinks for recording sessions. A sink receives mixed
// PCM in the session format; closing it finalizes the file.
type Encoder interface {
	// Extension returns the file extension without the dot.
	Extension() string
	// ContentType returns the MIME type of the produced files.
	ContentType() string
	// Open creates the output file at path.
	Open(path string, f audio.Format) (io.WriteCloser, error)
}

// DefaultBitrateKbps is the MP3 bit-rate used when none is configured.
const DefaultBitrateKbps = 160

// ffmpegStopTimeout bounds how long finalizing an MP3 file may take.
const ffmpegStopTimeout = 10 * time.Second

// MP3Encoder encodes to constant bit-rate MP3 with FFmpeg and libmp3lame.
type MP3Encoder struct {
	FFmpegPath  string
	BitrateKbps int
}

// Extension implements Encoder.
func (e *MP3Encoder) Extension() string { return "mp3" }

// ContentType implements Encoder.
func (e *MP3Encoder) ContentType() string { return "audio/mpeg" }

// Open starts an FFmpeg process writing to path.
func (e *MP3Encoder) Open(path string, f audio.Format) (io.WriteCloser, error) {
	args, err := ffmpeg.InputArgs(f)
	if err != nil {
		return nil, err
	}
	bitrate := e.BitrateKbps
	if bitrate <= 0 {
		bitrate = DefaultBitrateKbps
	}
	args = append(args,
		"-c:a", "libmp3lame",
		"-b:a", fmt.Sprintf("%dk", bitrate),
		"-f", "mp3",
		"-hide_banner",
		"-loglevel", "warning",
		"-y",
		path,
	)

	proc, err := ffmpeg.StartProcess(e.FFmpegPath, args)
	if err != nil {
		return nil, err
	}
	slog.Info("mp3 encoding started", "file", filepath.Base(path), "bitrate_kbps", bitrate, "format", f.String())
	return &mp3Sink{proc: proc}, nil
}

type mp3Sink struct {
	proc *ffmpeg.Process
}

func (s *mp3Sink) Write(p []byte) (int, error) {
	return s.proc.Write(p)
}

func (s *mp3Sink) Close() error {
	return s.proc.Close(ffmpegStopTimeout)
}
