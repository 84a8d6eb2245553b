// Package util provides small helpers shared by the recorder packages.
package util

import "fmt"

// WrapError wraps an error with a descriptive operation context.
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to %s: %w", operation, err)
}

// ErrorString returns err's message, or "" for a nil error.
func ErrorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
