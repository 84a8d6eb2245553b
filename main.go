// Package main provides a recorder that captures a microphone and the audio
// playing on a speaker, mixes both into one stream and writes it to an MP3 or
// WAV file per session.
//
// Usage:
//
//	mixrecorder [-config path/to/config.json] [-debug] [-list] [-record [-duration 1h]]
//
// If -config is not specified, the recorder looks for config.json in the same
// directory as the binary.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/config"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/eventlog"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/ffmpeg"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/metrics"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/recording"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/util"
	"golang.org/x/sync/errgroup"
)

// uploadDrainTimeout bounds how long shutdown waits for queued uploads.
const uploadDrainTimeout = 2 * time.Minute

type runOptions struct {
	configPath string
	list       bool
	record     bool
	duration   time.Duration
}

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	list := flag.Bool("list", false, "List audio devices and exit")
	record := flag.Bool("record", false, "Start recording the configured devices immediately")
	duration := flag.Duration("duration", 0, "Stop after recording for this long (requires -record)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if *showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return
	}

	if *duration > 0 && !*record {
		slog.Error("-duration requires -record")
		os.Exit(2)
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	opts := runOptions{
		configPath: *configPath,
		list:       *list,
		record:     *record,
		duration:   *duration,
	}
	if err := run(opts); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(opts runOptions) error {
	cfg := config.New(opts.configPath)
	slog.Info("using config file", "path", cfg.Path())
	if err := cfg.Load(); err != nil {
		return util.WrapError("load config", err)
	}
	snap := cfg.Snapshot()

	backend, err := audio.NewBackend()
	if err != nil {
		return util.WrapError("initialize audio", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			slog.Warn("failed to close audio backend", "error", err)
		}
	}()
	slog.Info("audio backend ready", "backend", backend.Name())

	if opts.list {
		return printDevices(os.Stdout, audio.NewCatalog(backend))
	}

	ffmpegPath, err := ffmpeg.Resolve(snap.FFmpegPath)
	ffmpegAvailable := err == nil
	if ffmpegAvailable {
		slog.Info("FFmpeg found", "path", ffmpegPath)
	} else {
		slog.Warn("FFmpeg not found", "configured_path", snap.FFmpegPath, "error", err)
	}
	enc := newEncoder(&snap, ffmpegPath, ffmpegAvailable)

	m := metrics.New()

	var events *eventlog.Logger
	if snap.EventsPath != "" {
		if events, err = eventlog.NewLogger(snap.EventsPath); err != nil {
			return util.WrapError("open event log", err)
		}
		defer func() {
			if err := events.Close(); err != nil {
				slog.Warn("failed to close event log", "error", err)
			}
		}()
	}

	var uploader *recording.Uploader
	if snap.S3.IsConfigured() {
		if uploader, err = recording.NewUploader(snap.S3, events, m); err != nil {
			return util.WrapError("create uploader", err)
		}
		slog.Info("archiving recordings to S3", "bucket", snap.S3.Bucket, "prefix", snap.S3.Prefix)
	}

	rec := recording.New(backend, enc, recording.Options{
		DrainInterval: snap.DrainInterval,
		Format:        snap.Format,
		OnLevel: func(l audio.Level) {
			m.Level(l.Device.Name, l.Peak)
		},
		OnAttach: func(ch *audio.Channel) {
			s := cfg.Snapshot()
			d := s.Device(ch.Device().Direction)
			ch.SetVolume(d.Volume)
			ch.SetMute(d.Mute)
		},
		Uploader: uploader,
		Events:   events,
		Metrics:  m,
	})

	sigCtx, stop := signal.NotifyContext(context.Background(), util.ShutdownSignals()...)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	version := NewVersionChecker()
	srv := NewServer(cfg, rec, m, version, ffmpegAvailable)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		version.Run(gctx)
		return nil
	})

	if opts.record {
		if err := startConfigured(rec, &snap); err != nil {
			cancel()
			_ = g.Wait()
			shutdown(rec, uploader)
			return err
		}
		if opts.duration > 0 {
			g.Go(func() error {
				select {
				case <-time.After(opts.duration):
					slog.Info("recording duration reached", "duration", opts.duration)
					cancel()
				case <-gctx.Done():
				}
				return nil
			})
		}
	}

	err = g.Wait()
	slog.Info("shutting down")
	shutdown(rec, uploader)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("shutdown complete")
	return nil
}

// newEncoder returns the encoder for the configured codec. Without FFmpeg,
// MP3 output falls back to WAV.
func newEncoder(cfg *config.Snapshot, ffmpegPath string, ffmpegAvailable bool) recording.Encoder {
	if cfg.Codec == config.CodecWAV {
		return recording.WAVEncoder{}
	}
	if !ffmpegAvailable {
		slog.Warn("MP3 output needs FFmpeg, recording WAV instead")
		return recording.WAVEncoder{}
	}
	return &recording.MP3Encoder{FFmpegPath: ffmpegPath, BitrateKbps: cfg.BitrateKbps}
}

// startConfigured starts a session on the devices selected in the configuration.
func startConfigured(rec *recording.Recorder, cfg *config.Snapshot) error {
	captureIdx, renderIdx, err := configuredIndices(rec.Catalog(), cfg)
	if err != nil {
		return err
	}
	if err := rec.StartDevices(captureIdx, renderIdx, cfg.OutputDir); err != nil {
		return util.WrapError("start recording", err)
	}
	return nil
}

// shutdown finalizes any session and waits for queued uploads.
func shutdown(rec *recording.Recorder, uploader *recording.Uploader) {
	if err := rec.Close(); err != nil {
		slog.Error("error stopping recorder", "error", err)
	}
	if uploader != nil {
		ctx, cancel := context.WithTimeout(context.Background(), uploadDrainTimeout)
		defer cancel()
		uploader.Close(ctx)
	}
}
