package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/eventlog"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/metrics"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/util"
)

const (
	// uploadQueueSize is the number of finished files that can wait for upload.
	uploadQueueSize = 100
	// uploadTimeout bounds a single PutObject call.
	uploadTimeout = 5 * time.Minute
	// maxUploadAttempts is how often an upload is tried before it is abandoned.
	maxUploadAttempts = 4
)

// ErrS3NotConfigured is returned when S3 settings are incomplete.
var ErrS3NotConfigured = errors.New("S3 is not configured")

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint          string `json:"endpoint,omitempty"`          // Custom S3 endpoint (empty for AWS)
	Bucket            string `json:"bucket,omitempty"`            // S3 bucket name
	AccessKeyID       string `json:"access_key_id,omitempty"`     // Access key ID
	SecretAccessKey   string `json:"secret_access_key,omitempty"` // Secret access key
	Prefix            string `json:"prefix,omitempty"`            // Key prefix for archived recordings
	DeleteAfterUpload bool   `json:"delete_after_upload"`         // Remove the local file once archived
}

// IsConfigured returns true if S3 settings are configured.
func (c *S3Config) IsConfigured() bool {
	return util.IsConfigured(c.Bucket, c.AccessKeyID, c.SecretAccessKey)
}

// ObjectKey returns the key a file is archived under.
func (c *S3Config) ObjectKey(filename string) string {
	prefix := strings.Trim(c.Prefix, "/")
	if prefix == "" {
		return filename
	}
	return path.Join(prefix, filename)
}

// createS3Client creates an S3 client with the given configuration.
func createS3Client(cfg *S3Config) *s3.Client {
	creds := credentials.NewStaticCredentialsProvider(
		cfg.AccessKeyID,
		cfg.SecretAccessKey,
		"",
	)

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = "auto"
		},
	}

	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return s3.New(s3.Options{}, options...)
}

// TestS3Connection tests connectivity to an S3 bucket by uploading and deleting a test file.
func TestS3Connection(ctx context.Context, cfg *S3Config) error {
	if !cfg.IsConfigured() {
		return ErrS3NotConfigured
	}

	client := createS3Client(cfg)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	testKey := cfg.ObjectKey(fmt.Sprintf("test-connection-%d.txt", time.Now().UnixNano()))
	testContent := []byte("ZuidWest FM mix recorder connection test")

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(cfg.Bucket),
		Key:           aws.String(testKey),
		Body:          bytes.NewReader(testContent),
		ContentLength: aws.Int64(int64(len(testContent))),
	})
	if err != nil {
		return fmt.Errorf("upload test file: %w", err)
	}

	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(testKey),
	})
	if err != nil {
		slog.Warn("failed to delete test file", "key", testKey, "error", err)
	}

	return nil
}

// objectPutter is the part of the S3 client the uploader uses.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// uploadRequest represents a file to be uploaded to S3.
type uploadRequest struct {
	localPath   string
	s3Key       string
	contentType string
}

// Uploader archives finished recordings to S3 from a single worker goroutine.
// Files still queued on Close are uploaded before Close returns.
type Uploader struct {
	cfg     S3Config
	client  objectPutter
	events  *eventlog.Logger
	metrics *metrics.Pipeline
	backoff func() *util.Backoff

	mu     sync.RWMutex
	closed bool
	queue  chan uploadRequest
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUploader creates an uploader for cfg and starts its worker.
func NewUploader(cfg S3Config, events *eventlog.Logger, m *metrics.Pipeline) (*Uploader, error) {
	if !cfg.IsConfigured() {
		return nil, ErrS3NotConfigured
	}
	return newUploader(cfg, createS3Client(&cfg), events, m), nil
}

func newUploader(cfg S3Config, client objectPutter, events *eventlog.Logger, m *metrics.Pipeline) *Uploader {
	ctx, cancel := context.WithCancel(context.Background())
	u := &Uploader{
		cfg:     cfg,
		client:  client,
		events:  events,
		metrics: m,
		backoff: func() *util.Backoff { return util.NewBackoff(5*time.Second, time.Minute) },
		queue:   make(chan uploadRequest, uploadQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	u.wg.Add(1)
	go u.worker()
	return u
}

// Enqueue queues a finished file for upload. It never blocks; a full queue
// or a closed uploader leaves the file on local disk.
func (u *Uploader) Enqueue(localPath, contentType string) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		slog.Warn("uploader closed, keeping local file", "file", filepath.Base(localPath))
		return
	}

	filename := filepath.Base(localPath)
	req := uploadRequest{
		localPath:   localPath,
		s3Key:       u.cfg.ObjectKey(filename),
		contentType: contentType,
	}

	select {
	case u.queue <- req:
		slog.Info("queued file for upload", "file", filename)
		u.logEvent(eventlog.UploadQueued, req, "")
	default:
		slog.Warn("upload queue full, keeping local file", "file", filename)
		u.logEvent(eventlog.UploadFailed, req, "upload queue full")
	}
}

// Close stops accepting files and waits until everything already queued has
// been tried. Once ctx is done, pending retries are abandoned and in-flight
// uploads cancelled.
func (u *Uploader) Close(ctx context.Context) {
	u.mu.Lock()
	if !u.closed {
		u.closed = true
		close(u.queue)
	}
	u.mu.Unlock()

	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("abandoning pending uploads", "error", context.Cause(ctx))
		u.cancel()
		<-done
	}
	u.cancel()
}

// worker processes the upload queue until it is closed.
func (u *Uploader) worker() {
	defer u.wg.Done()
	for req := range u.queue {
		u.upload(req)
	}
}

// upload tries a request with exponential backoff between attempts.
func (u *Uploader) upload(req uploadRequest) {
	b := u.backoff()
	started := time.Now()
	var err error
	for attempt := 1; attempt <= maxUploadAttempts; attempt++ {
		if err = u.put(req); err == nil {
			break
		}
		slog.Error("upload failed", "s3_key", req.s3Key, "attempt", attempt, "error", err)
		if attempt == maxUploadAttempts || b.Wait(u.ctx) != nil {
			break
		}
	}

	if err != nil {
		u.metrics.Upload(false)
		u.logEvent(eventlog.UploadFailed, req, err.Error())
		return
	}

	slog.Info("upload completed", "s3_key", req.s3Key, "took", util.FormatDuration(time.Since(started).Milliseconds()))
	u.metrics.Upload(true)
	u.logEvent(eventlog.UploadCompleted, req, "")

	if u.cfg.DeleteAfterUpload {
		if err := os.Remove(req.localPath); err != nil {
			slog.Warn("failed to delete local file after upload", "path", req.localPath, "error", err)
		} else {
			slog.Debug("deleted local file after upload", "path", req.localPath)
		}
	}
}

func (u *Uploader) put(req uploadRequest) error {
	file, err := os.Open(req.localPath)
	if err != nil {
		return err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	info, err := file.Stat()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeoutCause(
		u.ctx,
		uploadTimeout,
		errors.New("s3 upload timeout"),
	)
	defer cancel()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(req.s3Key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(req.contentType),
	})
	return err
}

func (u *Uploader) logEvent(t eventlog.EventType, req uploadRequest, errMsg string) {
	if err := u.events.LogUpload(t, filepath.Base(req.localPath), req.s3Key, errMsg); err != nil {
		slog.Warn("failed to log upload event", "error", err)
	}
}
