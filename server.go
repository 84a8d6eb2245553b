package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/config"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/metrics"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/recording"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/server"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/util"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// Server is the HTTP control surface of the recorder.
type Server struct {
	config          *config.Config
	recorder        *recording.Recorder
	metrics         *metrics.Pipeline
	stream          *server.Stream
	version         *VersionChecker
	ffmpegAvailable bool
}

// NewServer returns a new Server controlling rec.
func NewServer(cfg *config.Config, rec *recording.Recorder, m *metrics.Pipeline, version *VersionChecker, ffmpegAvailable bool) *Server {
	s := &Server{
		config:          cfg,
		recorder:        rec,
		metrics:         m,
		version:         version,
		ffmpegAvailable: ffmpegAvailable,
	}
	s.stream = server.NewStream(s)
	return s
}

// Levels implements server.Source.
func (s *Server) Levels() []audio.Level {
	chs := s.recorder.Channels()
	levels := make([]audio.Level, 0, len(chs))
	for _, ch := range chs {
		levels = append(levels, audio.Level{Device: ch.Device(), Peak: ch.Level()})
	}
	return levels
}

// Status implements server.Source.
func (s *Server) Status() any {
	return s.buildStatus()
}

// handleWebSocket streams levels and status until the client disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}
	s.stream.Serve(r.Context(), conn)
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	auth := s.apiKeyAuth

	mux.HandleFunc("GET /api/devices", auth(s.handleAPIDevices))
	mux.HandleFunc("GET /api/status", auth(s.handleAPIStatus))
	mux.HandleFunc("POST /api/recording/start", auth(s.handleStartRecording))
	mux.HandleFunc("POST /api/recording/stop", auth(s.handleStopRecording))
	mux.HandleFunc("POST /api/channels/{index}/volume", auth(s.handleChannelVolume))
	mux.HandleFunc("POST /api/channels/{index}/mute", auth(s.handleChannelMute))
	mux.HandleFunc("GET /api/events", auth(s.handleAPIEvents))
	mux.HandleFunc("POST /api/storage/test", auth(s.handleTestS3))
	mux.HandleFunc("POST /api/key/regenerate", auth(s.handleRegenerateKey))
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /ws", auth(s.handleWebSocket))

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// apiKeyAuth returns middleware for API key authentication. The key is read
// from the X-API-Key header or the api_key query parameter. Without a
// configured key every request is refused.
func (s *Server) apiKeyAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := s.config.Snapshot()
		if !cfg.HasAPIKey() {
			s.writeError(w, http.StatusServiceUnavailable, "API key not configured")
			return
		}

		providedKey := r.Header.Get("X-API-Key")
		if providedKey == "" {
			providedKey = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(cfg.APIKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

// Run serves HTTP until ctx is done, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	addr := s.config.Snapshot().Listen
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	slog.Info("starting web server", "addr", addr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return util.WrapError("shut down http server", err)
	}
	return nil
}
