// Package ffmpeg runs FFmpeg encoder subprocesses that read raw PCM from stdin.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/util"
)

// ErrNotFound is returned when no FFmpeg binary can be located.
var ErrNotFound = errors.New("ffmpeg not found")

// maxErrorLineLength is the maximum length for extracted error messages.
const maxErrorLineLength = 200

// Process represents a running FFmpeg subprocess.
type Process struct {
	Cmd    *exec.Cmd
	Cancel context.CancelFunc
	Stdin  io.WriteCloser
	Stderr *bytes.Buffer
}

// Resolve returns the path to the FFmpeg binary. If customPath is set it must
// be executable; otherwise "ffmpeg" is looked up in the system PATH.
func Resolve(customPath string) (string, error) {
	name := customPath
	if name == "" {
		name = "ffmpeg"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return path, nil
}

// InputArgs returns FFmpeg arguments that read raw PCM in format f from stdin.
func InputArgs(f audio.Format) ([]string, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var codec string
	switch f.BitsPerSample {
	case audio.Bits8:
		codec = "u8"
	case audio.Bits16:
		codec = "s16le"
	case audio.Bits32:
		codec = "f32le"
	}
	return []string{
		"-f", codec,
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
		"-i", "pipe:0",
	}, nil
}

// StartProcess launches an FFmpeg subprocess.
func StartProcess(ffmpegPath string, args []string) (*Process, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		if closeErr := stdinPipe.Close(); closeErr != nil {
			slog.Warn("failed to close stdin pipe", "error", closeErr)
		}
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	return &Process{
		Cmd:    cmd,
		Cancel: cancel,
		Stdin:  stdinPipe,
		Stderr: &stderr,
	}, nil
}

// Write feeds PCM to the process.
func (p *Process) Write(b []byte) (int, error) {
	return p.Stdin.Write(b)
}

// Close closes stdin so FFmpeg finalizes its output, then waits for it to
// exit. A process still running after timeout is interrupted and then killed.
func (p *Process) Close(timeout time.Duration) error {
	defer p.Cancel()

	if err := p.Stdin.Close(); err != nil {
		slog.Warn("failed to close stdin", "error", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- p.Cmd.Wait()
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(timeout):
		slog.Warn("ffmpeg did not stop in time", "pid", p.Cmd.Process.Pid)
		if sigErr := util.GracefulSignal(p.Cmd.Process); sigErr != nil {
			slog.Warn("failed to signal ffmpeg", "error", sigErr)
		}
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			p.Cancel()
			<-done
		}
		return fmt.Errorf("ffmpeg did not exit within %s", timeout)
	}

	if err != nil {
		if msg := p.LastError(); msg != "" {
			return fmt.Errorf("ffmpeg: %s", msg)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// LastError returns the last non-empty line FFmpeg wrote to stderr.
// It must only be called after the process has exited.
func (p *Process) LastError() string {
	return ExtractLastError(p.Stderr.String())
}

// ExtractLastError extracts the last meaningful line from stderr output.
func ExtractLastError(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			if len(line) > maxErrorLineLength {
				return line[:maxErrorLineLength] + "..."
			}
			return line
		}
	}
	return ""
}
