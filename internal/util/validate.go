package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrPathNotWritable is returned by CheckPathWritable.
var ErrPathNotWritable = errors.New("path is not writable")

// IsConfigured reports whether all provided values are non-empty.
func IsConfigured(values ...string) bool {
	for _, v := range values {
		if v == "" {
			return false
		}
	}
	return true
}

// ValidatePath rejects empty paths and paths containing "..".
func ValidatePath(field, path string) error {
	if path == "" {
		return fmt.Errorf("%s: is required", field)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("%s: path cannot contain '..'", field)
	}
	return nil
}

// CheckPathWritable creates the directory path if needed and verifies that a
// file can be created, written and removed in it.
func CheckPathWritable(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrPathNotWritable, err)
	}

	testFile := filepath.Join(path, fmt.Sprintf(".mixrecorder-write-test-%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPathNotWritable, err)
	}

	_, writeErr := f.Write(make([]byte, 1024))
	closeErr := f.Close()
	removeErr := os.Remove(testFile)
	if err := errors.Join(writeErr, closeErr, removeErr); err != nil {
		return fmt.Errorf("%w: %w", ErrPathNotWritable, err)
	}
	return nil
}

// DefaultOutputDir returns the directory recordings are written to when none
// is configured: Documents/SoundBits in the user's home directory.
func DefaultOutputDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "SoundBits"
	}
	return filepath.Join(home, "Documents", "SoundBits")
}
