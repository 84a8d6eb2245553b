package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio/audiotest"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/config"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/recording"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/util"
)

func testCatalog() *audio.Catalog {
	b := audiotest.New()
	b.Add(audio.Device{ID: "mic-1", Name: "USB Microphone", Direction: audio.Capture, IsDefault: true}, stereo48)
	b.Add(audio.Device{ID: "mic-2", Name: "Line In", Direction: audio.Capture}, stereo48)
	b.Add(audio.Device{ID: "spk-1", Name: "Speakers", Direction: audio.Render, IsDefault: true}, stereo48)
	return audio.NewCatalog(b)
}

func TestConfiguredIndex(t *testing.T) {
	cat := testCatalog()
	tests := []struct {
		dir  audio.Direction
		id   string
		want *int
		err  error
	}{
		{audio.Capture, "", ptr(audio.DefaultIndex), nil},
		{audio.Capture, config.DeviceNone, nil, nil},
		{audio.Capture, "mic-2", ptr(1), nil},
		{audio.Render, "spk-1", ptr(0), nil},
		{audio.Render, "mic-1", nil, audio.ErrDeviceNotFound},
	}
	for _, tt := range tests {
		got, err := configuredIndex(cat, tt.dir, config.DeviceSnapshot{ID: tt.id})
		if !errors.Is(err, tt.err) {
			t.Errorf("configuredIndex(%s, %q) error = %v, want %v", tt.dir, tt.id, err, tt.err)
			continue
		}
		if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
			t.Errorf("configuredIndex(%s, %q) = %v, want %v", tt.dir, tt.id, deref(got), deref(tt.want))
		}
	}
}

func TestSelectionID(t *testing.T) {
	cat := testCatalog()
	tests := []struct {
		idx  *int
		want string
	}{
		{nil, config.DeviceNone},
		{ptr(audio.DefaultIndex), ""},
		{ptr(1), "mic-2"},
	}
	for _, tt := range tests {
		got, err := selectionID(cat, audio.Capture, tt.idx)
		if err != nil || got != tt.want {
			t.Errorf("selectionID(%v) = %q, %v; want %q", deref(tt.idx), got, err, tt.want)
		}
	}
	if _, err := selectionID(cat, audio.Capture, ptr(5)); !errors.Is(err, audio.ErrDeviceNotFound) {
		t.Errorf("selectionID(5) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestPrintDevices(t *testing.T) {
	var sb strings.Builder
	if err := printDevices(&sb, testCatalog()); err != nil {
		t.Fatalf("printDevices: %v", err)
	}
	out := sb.String()
	for _, want := range []string{"Capture devices:", "[1]", "Line In", "Render devices (loopback):", "Speakers", "default"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestNewEncoder(t *testing.T) {
	wav := &config.Snapshot{Codec: config.CodecWAV}
	if _, ok := newEncoder(wav, "/usr/bin/ffmpeg", true).(recording.WAVEncoder); !ok {
		t.Fatal("wav codec did not select the WAV encoder")
	}
	mp3 := &config.Snapshot{Codec: config.CodecMP3, BitrateKbps: 192}
	enc, ok := newEncoder(mp3, "/usr/bin/ffmpeg", true).(*recording.MP3Encoder)
	if !ok || enc.BitrateKbps != 192 || enc.FFmpegPath != "/usr/bin/ffmpeg" {
		t.Fatalf("mp3 encoder = %#v", enc)
	}
	if _, ok := newEncoder(mp3, "", false).(recording.WAVEncoder); !ok {
		t.Fatal("mp3 without FFmpeg should fall back to WAV")
	}
}

func TestIsNewerVersion(t *testing.T) {
	tests := []struct {
		latest, current string
		want            bool
	}{
		{"1.2.0", "1.1.9", true},
		{"v1.10.0", "1.9.0", true},
		{"1.2.0", "1.2.0", false},
		{"1.1.0", "v1.2.0", false},
		{"garbage", "1.0.0", false},
	}
	for _, tt := range tests {
		if got := isNewerVersion(tt.latest, tt.current); got != tt.want {
			t.Errorf("isNewerVersion(%q, %q) = %v, want %v", tt.latest, tt.current, got, tt.want)
		}
	}
}

func TestVersionCheck(t *testing.T) {
	var mu sync.Mutex
	var etags []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		etags = append(etags, r.Header.Get("If-None-Match"))
		mu.Unlock()
		if r.Header.Get("If-None-Match") == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		_, _ = w.Write([]byte(`{"tag_name": "v9.9.9", "draft": false, "prerelease": false}`))
	}))
	defer srv.Close()

	vc := NewVersionChecker()
	vc.url = srv.URL
	vc.client = srv.Client()

	if err := vc.check(context.Background()); err != nil {
		t.Fatalf("first check: %v", err)
	}
	if err := vc.check(context.Background()); err != nil {
		t.Fatalf("conditional check: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(etags) != 2 || etags[0] != "" || etags[1] != `"abc"` {
		t.Fatalf("If-None-Match headers = %q", etags)
	}

	info := vc.Info()
	if info.Latest != "9.9.9" {
		t.Fatalf("Latest = %q, want 9.9.9", info.Latest)
	}
	if info.Current != "dev" || info.UpdateAvail {
		t.Fatalf("dev builds never report updates: %+v", info)
	}
	if info.CheckedAt == "" {
		t.Fatal("CheckedAt not set after a successful lookup")
	}
}

func TestVersionCheckRetryableStatus(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	vc := NewVersionChecker()
	vc.url = srv.URL

	tests := []struct {
		status    int
		transient bool
		ok        bool
	}{
		{http.StatusTooManyRequests, true, false},
		{http.StatusForbidden, true, false},
		{http.StatusBadGateway, true, false},
		{http.StatusNotFound, false, true},
		{http.StatusTeapot, false, false},
	}
	for _, tt := range tests {
		status.Store(int32(tt.status))
		err := vc.check(context.Background())
		if (err == nil) != tt.ok {
			t.Errorf("status %d: err = %v, want success %v", tt.status, err, tt.ok)
		}
		if errors.Is(err, errTransient) != tt.transient {
			t.Errorf("status %d: transient = %v, want %v", tt.status, errors.Is(err, errTransient), tt.transient)
		}
	}
}

func TestVersionPollStopsAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	vc := NewVersionChecker()
	vc.url = srv.URL
	vc.backoff = func() *util.Backoff { return util.NewBackoff(time.Millisecond, time.Millisecond) }

	if err := vc.poll(context.Background()); !errors.Is(err, errTransient) {
		t.Fatalf("poll = %v, want a transient error", err)
	}
	if n := calls.Load(); n != releaseAttempts {
		t.Fatalf("requests = %d, want %d", n, releaseAttempts)
	}
	if vc.Info().CheckedAt != "" {
		t.Fatal("failed lookups must not set CheckedAt")
	}
}

func ptr(v int) *int { return &v }

func deref(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
