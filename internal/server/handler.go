// Package server provides the WebSocket level stream and request validation
// used by the HTTP control API.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/config"
)

// maxRequestBytes bounds the size of a request body.
const maxRequestBytes = 64 << 10

// validate is the shared validator instance for request validation.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Use JSON tag names in error messages instead of struct field names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
}

// DecodeAndValidate decodes a JSON request body into data and validates it.
// An empty body decodes to the zero value. Validation failures are returned
// as a *ValidationError.
func DecodeAndValidate[T any](body io.Reader, data *T) error {
	dec := json.NewDecoder(io.LimitReader(body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(data); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := validate.Struct(data); err != nil {
		return newValidationError(err)
	}
	return nil
}

// newValidationError converts validator errors to a ValidationError.
func newValidationError(err error) *ValidationError {
	verr := NewValidationError()

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, e := range validationErrors {
			verr.Add(e.Field(), config.FieldMessage(e), e.Value())
		}
	} else {
		// Fallback for non-validation errors
		verr.Add("", err.Error(), nil)
	}
	return verr
}
