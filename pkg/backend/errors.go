package backend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// InitError reports a failure to open the backend stream. It is the only
// error class a session surfaces to its caller; everything after a
// successful open is handled in-stream.
type InitError struct {
	ModelID string
	Err     error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("backend: open stream for model %q: %v", e.ModelID, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a backend validation fault, the one
// error class a session treats as non-fatal: the client sent an envelope the
// model rejected, and the stream stays up. Matches the smithy error code
// when the typed error survived wrapping, and falls back to a textual match
// for errors that crossed an untyped boundary.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationException" {
		return true
	}
	return strings.Contains(err.Error(), "ValidationException")
}
