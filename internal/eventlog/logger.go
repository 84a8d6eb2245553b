// Package eventlog records recording session history in a JSON lines file.
// Session events (started, stopped, failed) and archive upload events
// (queued, completed, failed) share one file, newest last.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Session event types.
const (
	SessionStarted EventType = "session_started"
	SessionStopped EventType = "session_stopped"
	SessionFailed  EventType = "session_failed"
)

// Upload event types.
const (
	UploadQueued    EventType = "upload_queued"
	UploadCompleted EventType = "upload_completed"
	UploadFailed    EventType = "upload_failed"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// SessionDetails contains session-specific event details.
type SessionDetails struct {
	Filename   string   `json:"filename,omitempty"`
	Format     string   `json:"format,omitempty"`
	Devices    []string `json:"devices,omitempty"`
	DurationMs int64    `json:"duration_ms,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// UploadDetails contains upload-specific event details.
type UploadDetails struct {
	Filename string `json:"filename,omitempty"`
	S3Key    string `json:"s3_key,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Logger writes events to a JSON lines file.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file. A nil Logger discards the event.
func (l *Logger) Log(event *Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return l.encoder.Encode(event)
}

// LogSession logs a session event.
func (l *Logger) LogSession(eventType EventType, details *SessionDetails) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Details:   details,
	})
}

// LogUpload logs an upload event.
func (l *Logger) LogUpload(eventType EventType, filename, s3Key, errMsg string) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Details: &UploadDetails{
			Filename: filename,
			S3Key:    s3Key,
			Error:    errMsg,
		},
	})
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll     TypeFilter = ""
	FilterSession TypeFilter = "session"
	FilterUpload  TypeFilter = "upload"
)

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads events from the log file with pagination support.
// Returns up to n events starting from offset, filtered by type, newest first,
// and whether older matching events exist.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	skipped := 0
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.Matches(event.Type) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) == n {
			return events, true, nil
		}
		events = append(events, event)
	}

	return events, false, nil
}

// Matches reports whether t passes the filter.
func (f TypeFilter) Matches(t EventType) bool {
	switch f {
	case FilterSession:
		return IsSessionEvent(t)
	case FilterUpload:
		return IsUploadEvent(t)
	default:
		return true
	}
}

// IsSessionEvent returns true if the event type is a session event.
func IsSessionEvent(t EventType) bool {
	return t == SessionStarted || t == SessionStopped || t == SessionFailed
}

// IsUploadEvent returns true if the event type is an upload event.
func IsUploadEvent(t EventType) bool {
	return t == UploadQueued || t == UploadCompleted || t == UploadFailed
}
