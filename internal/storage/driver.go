// Package storage is the provider-agnostic object storage layer: the
// Driver capability interface implemented per cloud, the logical path
// model, folder emulation, sync stamps and the Service facade used by
// every caller.
package storage

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/fruitsalade/objectstore/internal/logging"
	"github.com/fruitsalade/objectstore/internal/metrics"
	"github.com/fruitsalade/objectstore/internal/retry"
)

// Driver wraps one provider SDK. Keys are native object keys produced by
// PathTranslator. Implementations must be safe for concurrent use.
type Driver interface {
	// Name identifies the provider ("azure", "amazon", "google", "local", "memory").
	Name() string

	Capabilities() Capabilities

	// List returns objects under prefix and, when delimiter is non-empty,
	// the common prefixes one level below it. Pagination is handled
	// internally.
	List(ctx context.Context, prefix, delimiter string) ([]FileMetadata, []string, error)

	// GetMetadata returns ErrNotFound when the key is absent.
	GetMetadata(ctx context.Context, key string) (FileMetadata, error)

	// OpenRead returns ErrNotFound when the key is absent.
	OpenRead(ctx context.Context, key string) (io.ReadCloser, error)

	// OpenWrite returns a sink. Close commits the object; Abort discards it.
	OpenWrite(ctx context.Context, key string, opts WriteOptions) (ObjectWriter, error)

	// Delete returns ErrNotFound when the key is absent.
	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	// Copy duplicates an object within the provider, keeping its metadata.
	Copy(ctx context.Context, srcKey, dstKey string) error

	Close() error
}

// Capabilities describes optional provider behaviour.
type Capabilities struct {
	// Append is true when OpenWrite honours WriteOptions.Append natively.
	Append bool

	// FolderMarkers is true when empty folders must be kept alive by a
	// zero-length marker object. When false, creating a folder is a no-op.
	FolderMarkers bool
}

// WriteOptions controls a write.
type WriteOptions struct {
	ContentType  string
	CacheControl string
	Metadata     map[string]string

	// Size is the expected length, or -1 when unknown.
	Size int64

	// Append adds to the object instead of replacing it, creating it when
	// absent. Only valid when Capabilities().Append is true.
	Append bool
}

// ObjectWriter is a streaming write to one key.
type ObjectWriter interface {
	io.Writer

	// Close flushes and commits the object.
	Close() error

	// Abort discards everything written. It is safe to call after Close.
	Abort(err error)
}

// Policy is the per-driver retry and error classification used by Invoke.
type Policy struct {
	Provider string
	Retry    retry.Config

	// Classify maps a raw SDK error to one of: an error wrapping
	// ErrNotFound, retry.Retryable(err) for transient failures, or err
	// itself for permanent ones. Nil means IsTransient only.
	Classify func(error) error
}

// Invoke runs one provider call with bounded retries, metrics and
// logging. Exhausted retries surface as ErrProviderUnavailable; permanent
// errors are returned unchanged.
func Invoke[T any](ctx context.Context, p Policy, op, key string, fn func(context.Context) (T, error)) (T, error) {
	cfg := p.Retry
	cfg.OnRetry = func(attempt int, err error) {
		metrics.RecordProviderRetry(p.Provider, op)
		logging.Warn("retrying provider call",
			logging.Provider(p.Provider), logging.Op(op), logging.Path(key),
			logging.Err(err))
	}

	classify := p.Classify
	if classify == nil {
		classify = ClassifyTransient
	}

	start := time.Now()
	v, err := retry.DoWithResult(ctx, cfg, func() (T, error) {
		v, err := fn(ctx)
		if err != nil {
			return v, classify(err)
		}
		return v, nil
	})
	metrics.RecordProviderOperation(p.Provider, op, time.Since(start), err == nil || errors.Is(err, ErrNotFound))

	switch {
	case err == nil:
		logging.Debug("provider call", logging.Provider(p.Provider), logging.Op(op), logging.Path(key))
		return v, nil
	case errors.Is(err, ErrNotFound):
		return v, err
	case errors.Is(err, retry.ErrExhausted):
		return v, newError(ErrProviderUnavailable, op, key, err)
	default:
		return v, err
	}
}

// InvokeErr is Invoke for calls without a result.
func InvokeErr(ctx context.Context, p Policy, op, key string, fn func(context.Context) error) error {
	_, err := Invoke(ctx, p, op, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ClassifyTransient marks network timeouts, connection resets and
// truncated responses as retryable.
func ClassifyTransient(err error) error {
	if IsTransient(err) {
		return retry.Retryable(err)
	}
	return err
}

// commit closes a streaming writer. The body is already consumed, so a
// transient failure here cannot be retried and surfaces as
// ErrProviderUnavailable, the same as an exhausted Invoke.
func commit(w ObjectWriter, op, key string) error {
	err := w.Close()
	if err != nil && (retry.IsRetryable(err) || IsTransient(err)) {
		return newError(ErrProviderUnavailable, op, key, err)
	}
	return err
}

// IsTransient reports whether err is a network-level failure worth retrying.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

// IsTransientStatus reports whether an HTTP status code is worth retrying.
func IsTransientStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}
