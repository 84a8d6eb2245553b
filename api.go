package main

import (
	"cmp"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/config"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/eventlog"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/recording"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/server"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/util"
)

// defaultEventLimit is the number of events returned without a limit parameter.
const defaultEventLimit = 50

// API response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeRequestError reports a request decoding or validation failure.
func (s *Server) writeRequestError(w http.ResponseWriter, err error) {
	var verr *server.ValidationError
	if errors.As(err, &verr) {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr})
		return
	}
	s.writeError(w, http.StatusBadRequest, err.Error())
}

// errorStatus maps recorder errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, audio.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, audio.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, audio.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity
	case errors.Is(err, util.ErrPathNotWritable):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// devicesResponse lists the capture and render devices in index order.
type devicesResponse struct {
	Capture        []audio.Device `json:"capture"`
	Render         []audio.Device `json:"render"`
	DefaultCapture string         `json:"default_capture,omitempty"`
	DefaultRender  string         `json:"default_render,omitempty"`
}

// statusResponse is returned by GET /api/status and pushed over /ws.
type statusResponse struct {
	recording.Status
	RecordingTime   string      `json:"recording_time,omitempty"` // DD:HH:MM:SS, days and hours omitted while zero
	Codec           string      `json:"codec"`
	Archive         bool        `json:"archive"`
	FFmpegAvailable bool        `json:"ffmpeg_available"`
	Version         VersionInfo `json:"version"`
}

func (s *Server) buildStatus() statusResponse {
	cfg := s.config.Snapshot()
	resp := statusResponse{
		Status:          s.recorder.Status(),
		Codec:           cfg.Codec,
		Archive:         cfg.S3.IsConfigured(),
		FFmpegAvailable: s.ffmpegAvailable,
	}
	if s.version != nil {
		resp.Version = s.version.Info()
	}
	if elapsed, ok := s.recorder.RecordingTime(); ok {
		resp.RecordingTime = util.FormatRecordingTime(elapsed)
	}
	return resp
}

// handleAPIDevices returns the device catalog.
// GET /api/devices
func (s *Server) handleAPIDevices(w http.ResponseWriter, r *http.Request) {
	resp := devicesResponse{
		Capture: s.recorder.CaptureDevices(),
		Render:  s.recorder.RenderDevices(),
	}
	if d, ok := s.recorder.DefaultCapture(); ok {
		resp.DefaultCapture = d.ID
	}
	if d, ok := s.recorder.DefaultRender(); ok {
		resp.DefaultRender = d.ID
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleAPIStatus returns the recorder status.
// GET /api/status
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.buildStatus())
}

// handleStartRecording starts a session on the requested or configured devices.
// POST /api/recording/start
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var req server.StartRequest
	if err := server.DecodeAndValidate(r.Body, &req); err != nil {
		s.writeRequestError(w, err)
		return
	}

	cfg := s.config.Snapshot()
	dir := cmp.Or(req.OutputDir, cfg.OutputDir)
	if err := util.ValidatePath("output_dir", dir); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	captureIdx, renderIdx := req.CaptureIndex, req.RenderIndex
	if !req.HasDevices() {
		var err error
		captureIdx, renderIdx, err = configuredIndices(s.recorder.Catalog(), &cfg)
		if err != nil {
			s.writeError(w, errorStatus(err), err.Error())
			return
		}
	}

	if err := s.recorder.StartDevices(captureIdx, renderIdx, dir); err != nil {
		s.writeError(w, errorStatus(err), err.Error())
		return
	}

	if req.HasDevices() {
		s.rememberDevices(captureIdx, renderIdx)
	}
	if req.OutputDir != "" && req.OutputDir != cfg.OutputDir {
		if err := s.config.SetOutputDir(req.OutputDir); err != nil {
			slog.Warn("failed to save output directory", "error", err)
		}
	}

	s.writeJSON(w, http.StatusOK, s.buildStatus())
}

// rememberDevices stores an explicit device selection for the next run.
func (s *Server) rememberDevices(captureIdx, renderIdx *int) {
	cat := s.recorder.Catalog()
	captureID, err := selectionID(cat, audio.Capture, captureIdx)
	if err != nil {
		slog.Warn("failed to resolve capture selection", "error", err)
		return
	}
	renderID, err := selectionID(cat, audio.Render, renderIdx)
	if err != nil {
		slog.Warn("failed to resolve render selection", "error", err)
		return
	}
	if err := s.config.SetDevices(captureID, renderID); err != nil {
		slog.Warn("failed to save device selection", "error", err)
	}
}

// handleStopRecording stops the active session. Stopping while idle succeeds.
// POST /api/recording/stop
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.recorder.Stop(); err != nil {
		s.writeError(w, errorStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.buildStatus())
}

// channelFromPath returns the channel addressed by the {index} path value,
// writing an error response when there is none.
func (s *Server) channelFromPath(w http.ResponseWriter, r *http.Request) (*audio.Channel, bool) {
	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "channel index must be a number")
		return nil, false
	}
	chs := s.recorder.Channels()
	if idx < 0 || idx >= len(chs) {
		s.writeError(w, http.StatusNotFound, "channel not found")
		return nil, false
	}
	return chs[idx], true
}

// handleChannelVolume sets the gain of a channel.
// POST /api/channels/{index}/volume
func (s *Server) handleChannelVolume(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelFromPath(w, r)
	if !ok {
		return
	}
	var req server.VolumeRequest
	if err := server.DecodeAndValidate(r.Body, &req); err != nil {
		s.writeRequestError(w, err)
		return
	}
	ch.SetVolume(*req.Volume)
	s.rememberLevel(ch)
	s.writeJSON(w, http.StatusOK, map[string]any{"volume": ch.Volume(), "mute": ch.Muted()})
}

// handleChannelMute mutes or unmutes a channel.
// POST /api/channels/{index}/mute
func (s *Server) handleChannelMute(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelFromPath(w, r)
	if !ok {
		return
	}
	var req server.MuteRequest
	if err := server.DecodeAndValidate(r.Body, &req); err != nil {
		s.writeRequestError(w, err)
		return
	}
	ch.SetMute(*req.Mute)
	s.rememberLevel(ch)
	s.writeJSON(w, http.StatusOK, map[string]any{"volume": ch.Volume(), "mute": ch.Muted()})
}

// rememberLevel stores the gain of ch for its device role.
func (s *Server) rememberLevel(ch *audio.Channel) {
	if err := s.config.SetChannelLevel(ch.Device().Direction, ch.Volume(), ch.Muted()); err != nil {
		slog.Warn("failed to save channel level", "device", ch.Device().Name, "error", err)
	}
}

// handleAPIEvents returns the newest session and upload events.
// GET /api/events?limit=50&offset=0&type=session
func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), defaultEventLimit)
	if err != nil || limit < 1 || limit > eventlog.MaxReadLimit {
		s.writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(eventlog.MaxReadLimit))
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		s.writeError(w, http.StatusBadRequest, "offset must be a non-negative number")
		return
	}
	filter := eventlog.TypeFilter(q.Get("type"))
	switch filter {
	case eventlog.FilterAll, eventlog.FilterSession, eventlog.FilterUpload:
	default:
		s.writeError(w, http.StatusBadRequest, "type must be one of: session, upload")
		return
	}

	events := []eventlog.Event{}
	more := false
	if path := s.config.Snapshot().EventsPath; path != "" {
		events, more, err = eventlog.ReadLast(path, limit, offset, filter)
		if err != nil {
			slog.Error("failed to read event log", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to read event log")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "more": more})
}

func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// handleTestS3 verifies the configured archive bucket.
// POST /api/storage/test
func (s *Server) handleTestS3(w http.ResponseWriter, r *http.Request) {
	cfg := s.config.Snapshot()
	if err := recording.TestS3Connection(r.Context(), &cfg.S3); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, recording.ErrS3NotConfigured) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleRegenerateKey replaces the control API key with a new random key.
// POST /api/key/regenerate
func (s *Server) handleRegenerateKey(w http.ResponseWriter, r *http.Request) {
	newKey, err := config.GenerateAPIKey()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.config.SetAPIKey(newKey); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	slog.Info("API key regenerated")
	s.writeJSON(w, http.StatusOK, map[string]string{"api_key": newKey})
}
