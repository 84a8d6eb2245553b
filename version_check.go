package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-mixrecorder/internal/util"
	"golang.org/x/mod/semver"
)

const (
	releaseURL            = "https://api.github.com/repos/oszuidwest/zwfm-mixrecorder/releases/latest"
	releasePollInterval   = 24 * time.Hour
	releaseStartDelay     = 30 * time.Second
	releaseRequestTimeout = 30 * time.Second
	releaseAttempts       = 3
	releaseRetryDelay     = time.Minute
	releaseRetryMax       = 4 * time.Minute
)

// errTransient marks release lookups worth repeating: network errors, rate
// limits and server errors.
var errTransient = errors.New("transient release lookup failure")

// VersionInfo is the version block of the status response.
type VersionInfo struct {
	Current     string `json:"current"`
	Latest      string `json:"latest,omitempty"`
	UpdateAvail bool   `json:"update_available"`
	Commit      string `json:"commit,omitempty"`
	BuildTime   string `json:"build_time,omitempty"`
	CheckedAt   string `json:"checked_at,omitempty"`
}

// VersionChecker polls the project's latest published release. It is safe for
// concurrent use.
type VersionChecker struct {
	url     string
	client  *http.Client
	delay   time.Duration
	backoff func() *util.Backoff

	mu      sync.RWMutex
	latest  string
	etag    string
	checked time.Time
}

// NewVersionChecker returns a checker for the GitHub releases of this project.
func NewVersionChecker() *VersionChecker {
	return &VersionChecker{
		url:     releaseURL,
		client:  http.DefaultClient,
		delay:   releaseStartDelay,
		backoff: func() *util.Backoff { return util.NewBackoff(releaseRetryDelay, releaseRetryMax) },
	}
}

// Run polls once after a start delay and then daily until ctx is done.
func (vc *VersionChecker) Run(ctx context.Context) {
	wait := vc.delay
	for {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if err := vc.poll(ctx); err != nil && ctx.Err() == nil {
			slog.Debug("release lookup failed", "error", err)
		}
		wait = releasePollInterval
	}
}

// poll looks up the latest release, repeating transient failures with backoff.
func (vc *VersionChecker) poll(ctx context.Context) error {
	b := vc.backoff()
	for attempt := 1; ; attempt++ {
		err := vc.check(ctx)
		if !errors.Is(err, errTransient) || attempt == releaseAttempts {
			return err
		}
		if err := b.Wait(ctx); err != nil {
			return err
		}
	}
}

type release struct {
	Tag        string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// check performs one conditional request for the latest release. A missing
// release list or an unchanged ETag counts as a successful lookup.
func (vc *VersionChecker) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, releaseRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, vc.url, http.NoBody)
	if err != nil {
		return util.WrapError("build release request", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "zwfm-mixrecorder/"+Version)
	vc.mu.RLock()
	if vc.etag != "" {
		req.Header.Set("If-None-Match", vc.etag)
	}
	vc.mu.RUnlock()

	resp, err := vc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch code := resp.StatusCode; {
	case code == http.StatusNotModified, code == http.StatusNotFound:
		vc.record("", "")
		return nil
	case code == http.StatusForbidden, code == http.StatusTooManyRequests, code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", errTransient, resp.Status)
	case code != http.StatusOK:
		return fmt.Errorf("release lookup: unexpected %s", resp.Status)
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return util.WrapError("decode release", err)
	}
	etag := resp.Header.Get("ETag")
	switch {
	case rel.Draft, rel.Prerelease:
		vc.record("", etag)
	case rel.Tag == "":
		return errors.New("release lookup: release has no tag")
	default:
		vc.record(strings.TrimPrefix(rel.Tag, "v"), etag)
	}
	return nil
}

// record stores the outcome of a successful lookup. Empty values keep what
// is already known.
func (vc *VersionChecker) record(latest, etag string) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.checked = time.Now()
	if latest != "" {
		vc.latest = latest
	}
	if etag != "" {
		vc.etag = etag
	}
}

// Info returns the running build and the latest known release.
func (vc *VersionChecker) Info() VersionInfo {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	info := VersionInfo{
		Current:   strings.TrimPrefix(strings.TrimSpace(Version), "v"),
		Latest:    vc.latest,
		Commit:    Commit,
		BuildTime: util.FormatHumanTime(BuildTime),
	}
	if !vc.checked.IsZero() {
		info.CheckedAt = vc.checked.Format(time.RFC3339)
	}
	// Development builds have no comparable version.
	if info.Latest != "" && semver.IsValid(semverTag(info.Current)) {
		info.UpdateAvail = isNewerVersion(info.Latest, info.Current)
	}
	return info
}

func semverTag(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// isNewerVersion reports whether latest is a higher semantic version than
// current. Invalid versions never compare as newer.
func isNewerVersion(latest, current string) bool {
	return semver.Compare(semverTag(latest), semverTag(current)) > 0
}
