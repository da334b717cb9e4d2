package transfer

import (
	"fmt"

	"github.com/italolelis/obb_downloader/internal/storage"
)

// StopError ends a transfer attempt with a final status.
type StopError struct {
	Status  storage.Status // Final status recorded for the download
	Message string         // Human-readable reason
	Err     error          // Underlying error, if any
}

func (e *StopError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer stopped with %s: %s: %v", e.Status, e.Message, e.Err)
	}

	return fmt.Sprintf("transfer stopped with %s: %s", e.Status, e.Message)
}

func (e *StopError) Unwrap() error {
	return e.Err
}

func stop(status storage.Status, msg string) *StopError {
	return &StopError{Status: status, Message: msg}
}

func stopErr(status storage.Status, msg string, err error) *StopError {
	return &StopError{Status: status, Message: msg, Err: err}
}

// NetworkError represents a failed request or an interrupted response body.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "execute_request", "read_body")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %v", e.Operation, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// FileError represents a failure touching the destination file.
type FileError struct {
	Path   string // The file that caused the error
	Reason string // Human-readable explanation
	Err    error  // Underlying error, if any
}

func (e *FileError) Error() string {
	return fmt.Sprintf("file error for '%s': %s", e.Path, e.Reason)
}

func (e *FileError) Unwrap() error {
	return e.Err
}
