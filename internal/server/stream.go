package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio"
)

// Default update rates of the level stream.
const (
	DefaultLevelInterval  = 100 * time.Millisecond // 10 fps for VU meters
	DefaultStatusInterval = 1 * time.Second
)

// Source provides the data pushed to stream clients.
type Source interface {
	// Levels returns the latest reading of every attached channel.
	Levels() []audio.Level
	// Status returns the payload of status messages.
	Status() any
}

// Meter is one channel in a levels message.
type Meter struct {
	Device   string  `json:"device"`   // Device ID
	Name     string  `json:"name"`     // Device display name
	Level    float64 `json:"level"`    // Linear peak in [0, 1]
	DB       float64 `json:"db"`       // Peak in dBFS
	PeakDB   float64 `json:"peak_db"`  // Held peak in dBFS
	Position float64 `json:"position"` // Meter position in [0, 60]
}

// LevelsMessage carries the current meters.
type LevelsMessage struct {
	Type   string  `json:"type"` // "levels"
	Meters []Meter `json:"meters"`
}

// StatusMessage carries the Source status.
type StatusMessage struct {
	Type   string `json:"type"` // "status"
	Status any    `json:"status"`
}

// clientMessage is a message sent by a client. {"type": "status"} requests
// an immediate status message.
type clientMessage struct {
	Type string `json:"type"`
}

// Stream pushes levels and status of a Source to WebSocket clients.
type Stream struct {
	src            Source
	levelInterval  time.Duration
	statusInterval time.Duration
}

// NewStream returns a Stream for src using the default update rates.
func NewStream(src Source) *Stream {
	return &Stream{
		src:            src,
		levelInterval:  DefaultLevelInterval,
		statusInterval: DefaultStatusInterval,
	}
}

// SetIntervals changes the update rates. Zero keeps the current value.
func (s *Stream) SetIntervals(levels, status time.Duration) {
	if levels > 0 {
		s.levelInterval = levels
	}
	if status > 0 {
		s.statusInterval = status
	}
}

// Serve streams to conn until the client disconnects or ctx is done.
// conn is closed when Serve returns.
func (s *Stream) Serve(ctx context.Context, conn Conn) {
	// Only the writer goroutine writes to the connection.
	send := make(chan any, 16)
	done := make(chan struct{})
	statusUpdate := make(chan struct{}, 1)

	go runWriter(conn, send)
	go runReader(conn, done, statusUpdate)

	s.runEventLoop(ctx, send, done, statusUpdate)
}

// runWriter writes messages from the send channel to the connection.
func runWriter(conn Conn, send <-chan any) {
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// runReader reads client messages until the connection fails.
func runReader(conn Conn, done chan<- struct{}, statusUpdate chan<- struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in WebSocket reader", "panic", r)
		}
		close(done)
	}()

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == "status" {
			select {
			case statusUpdate <- struct{}{}:
			default:
			}
		}
	}
}

// runEventLoop sends periodic status and level updates.
func (s *Stream) runEventLoop(ctx context.Context, send chan any, done, statusUpdate <-chan struct{}) {
	defer close(send)

	levelsTicker := time.NewTicker(s.levelInterval)
	statusTicker := time.NewTicker(s.statusInterval)
	defer levelsTicker.Stop()
	defer statusTicker.Stop()

	holders := make(map[string]*audio.PeakHolder)

	// trySend attempts to send a message, returning false once the client is gone
	trySend := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		case <-ctx.Done():
			return false
		}
	}

	if !trySend(s.statusMessage()) {
		return
	}

	for {
		var msg any
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-statusUpdate:
			msg = s.statusMessage()
		case <-statusTicker.C:
			msg = s.statusMessage()
		case now := <-levelsTicker.C:
			msg = s.levelsMessage(holders, now)
		}
		if !trySend(msg) {
			return
		}
	}
}

func (s *Stream) statusMessage() StatusMessage {
	return StatusMessage{Type: "status", Status: s.src.Status()}
}

// levelsMessage converts the current readings to meters, holding each
// channel's peak. Holders of channels that are gone are dropped.
func (s *Stream) levelsMessage(holders map[string]*audio.PeakHolder, now time.Time) LevelsMessage {
	levels := s.src.Levels()
	msg := LevelsMessage{Type: "levels", Meters: make([]Meter, 0, len(levels))}

	seen := make(map[string]bool, len(levels))
	for _, l := range levels {
		id := l.Device.ID
		seen[id] = true
		h, ok := holders[id]
		if !ok {
			h = audio.NewPeakHolder()
			holders[id] = h
		}
		db := audio.LevelToDB(l.Peak)
		msg.Meters = append(msg.Meters, Meter{
			Device:   id,
			Name:     l.Device.Name,
			Level:    l.Peak,
			DB:       db,
			PeakDB:   h.Update(db, now),
			Position: audio.MeterPosition(l.Peak),
		})
	}
	for id := range holders {
		if !seen[id] {
			delete(holders, id)
		}
	}
	return msg
}
