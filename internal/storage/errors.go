package storage

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Compare with errors.Is.
var (
	ErrInvalidPath         = errors.New("invalid path")
	ErrNotFound            = errors.New("not found")
	ErrProviderUnavailable = errors.New("storage provider unavailable")
	ErrAssembly            = errors.New("upload assembly failed")
	ErrSessionConflict     = errors.New("upload session conflict")
	ErrAlreadyAssembling   = errors.New("upload already assembling")
	ErrSizeMismatch        = errors.New("content length does not match declared size")
	ErrPartialFailure      = errors.New("folder operation partially failed")
)

// Error carries the operation and logical path alongside an error kind.
// Err is the underlying cause and is never shown to end users.
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, path string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: cause}
}

// InvalidPathf builds an ErrInvalidPath error with a formatted reason.
func InvalidPathf(path, format string, args ...any) error {
	return newError(ErrInvalidPath, "validate", path, fmt.Errorf(format, args...))
}

// NotFoundError reports a missing object.
func NotFoundError(op, path string) error {
	return newError(ErrNotFound, op, path, nil)
}

// SafeMessage returns a message suitable for end users. Provider error text
// is never included.
func SafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidPath):
		return "invalid path"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrSessionConflict):
		return "upload session conflict"
	case errors.Is(err, ErrAlreadyAssembling):
		return "upload is already being assembled"
	case errors.Is(err, ErrAssembly):
		return "upload could not be assembled"
	case errors.Is(err, ErrSizeMismatch):
		return "content length does not match declared size"
	case errors.Is(err, ErrPartialFailure):
		return "some items could not be processed"
	case errors.Is(err, ErrProviderUnavailable):
		return "storage provider unavailable, try again later"
	default:
		return "storage operation failed"
	}
}

// HTTPStatus maps an error to the status code used by the HTTP API.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSessionConflict):
		return http.StatusConflict
	case errors.Is(err, ErrAlreadyAssembling):
		return http.StatusAccepted
	case errors.Is(err, ErrAssembly), errors.Is(err, ErrSizeMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrPartialFailure):
		return http.StatusMultiStatus
	case errors.Is(err, ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
