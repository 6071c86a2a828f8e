package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fruitsalade/objectstore/internal/retry"
)

// ErrSimulatedOutage is returned by fault hooks to emulate a transient
// provider failure. Invoke retries it.
var ErrSimulatedOutage = errors.New("simulated provider outage")

// FaultFunc is consulted before every memory driver operation. Returning
// a non-nil error fails that operation.
type FaultFunc func(op, key string) error

type memObject struct {
	data []byte
	meta FileMetadata
}

// MemoryDriver keeps objects in process memory. It backs tests and the
// "memory" provider used for local development.
type MemoryDriver struct {
	mu      sync.RWMutex
	objects map[string]*memObject
	caps    Capabilities
	policy  Policy
	fault   FaultFunc
}

// NewMemoryDriver returns an empty driver with folder markers and append support.
func NewMemoryDriver() *MemoryDriver {
	cfg := retry.DefaultConfig()
	cfg.InitialWait = time.Millisecond
	cfg.MaxWait = 5 * time.Millisecond
	return &MemoryDriver{
		objects: make(map[string]*memObject),
		caps:    Capabilities{Append: true, FolderMarkers: true},
		policy: Policy{
			Provider: "memory",
			Retry:    cfg,
			Classify: func(err error) error {
				if errors.Is(err, ErrSimulatedOutage) {
					return retry.Retryable(err)
				}
				return err
			},
		},
	}
}

// SetCapabilities overrides the advertised capabilities.
func (d *MemoryDriver) SetCapabilities(c Capabilities) {
	d.mu.Lock()
	d.caps = c
	d.mu.Unlock()
}

// SetFault installs a fault hook. Pass nil to clear it.
func (d *MemoryDriver) SetFault(f FaultFunc) {
	d.mu.Lock()
	d.fault = f
	d.mu.Unlock()
}

func (d *MemoryDriver) checkFault(op, key string) error {
	d.mu.RLock()
	f := d.fault
	d.mu.RUnlock()
	if f == nil {
		return nil
	}
	return f(op, key)
}

// Name returns "memory".
func (d *MemoryDriver) Name() string { return "memory" }

// Capabilities returns the advertised capabilities.
func (d *MemoryDriver) Capabilities() Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.caps
}

// List implements Driver.
func (d *MemoryDriver) List(ctx context.Context, prefix, delimiter string) ([]FileMetadata, []string, error) {
	type result struct {
		objects  []FileMetadata
		prefixes []string
	}
	r, err := Invoke(ctx, d.policy, "list", prefix, func(context.Context) (result, error) {
		if err := d.checkFault("list", prefix); err != nil {
			return result{}, err
		}
		d.mu.RLock()
		defer d.mu.RUnlock()

		var res result
		seen := make(map[string]struct{})
		for key, obj := range d.objects {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			rest := key[len(prefix):]
			if delimiter != "" {
				if i := strings.Index(rest, delimiter); i >= 0 {
					cp := prefix + rest[:i+len(delimiter)]
					if _, ok := seen[cp]; !ok {
						seen[cp] = struct{}{}
						res.prefixes = append(res.prefixes, cp)
					}
					continue
				}
			}
			res.objects = append(res.objects, obj.meta)
		}
		sort.Slice(res.objects, func(i, j int) bool { return res.objects[i].Key < res.objects[j].Key })
		sort.Strings(res.prefixes)
		return res, nil
	})
	return r.objects, r.prefixes, err
}

// GetMetadata implements Driver.
func (d *MemoryDriver) GetMetadata(ctx context.Context, key string) (FileMetadata, error) {
	return Invoke(ctx, d.policy, "get_metadata", key, func(context.Context) (FileMetadata, error) {
		if err := d.checkFault("get_metadata", key); err != nil {
			return FileMetadata{}, err
		}
		d.mu.RLock()
		defer d.mu.RUnlock()
		obj, ok := d.objects[key]
		if !ok {
			return FileMetadata{}, NotFoundError("get_metadata", key)
		}
		return cloneMeta(obj.meta), nil
	})
}

// OpenRead implements Driver.
func (d *MemoryDriver) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	return Invoke(ctx, d.policy, "open_read", key, func(context.Context) (io.ReadCloser, error) {
		if err := d.checkFault("open_read", key); err != nil {
			return nil, err
		}
		d.mu.RLock()
		defer d.mu.RUnlock()
		obj, ok := d.objects[key]
		if !ok {
			return nil, NotFoundError("open_read", key)
		}
		return io.NopCloser(bytes.NewReader(obj.data)), nil
	})
}

// OpenWrite implements Driver. Writes are buffered until Close.
func (d *MemoryDriver) OpenWrite(ctx context.Context, key string, opts WriteOptions) (ObjectWriter, error) {
	return Invoke(ctx, d.policy, "open_write", key, func(context.Context) (ObjectWriter, error) {
		if err := d.checkFault("open_write", key); err != nil {
			return nil, err
		}
		if opts.Append && !d.Capabilities().Append {
			return nil, fmt.Errorf("memory driver: append disabled")
		}
		return &memWriter{d: d, key: key, opts: opts}, nil
	})
}

type memWriter struct {
	d      *MemoryDriver
	key    string
	opts   WriteOptions
	buf    bytes.Buffer
	closed bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("memory driver: write after close")
	}
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.d.checkFault("commit", w.key); err != nil {
		return w.d.policy.Classify(err)
	}

	w.d.mu.Lock()
	defer w.d.mu.Unlock()

	now := time.Now().UTC()
	data := append([]byte(nil), w.buf.Bytes()...)
	created := now
	if prev, ok := w.d.objects[w.key]; ok {
		created = prev.meta.Created
		if w.opts.Append {
			data = append(append([]byte(nil), prev.data...), data...)
		}
	}

	stamp, extra := DecodeMetadata(w.opts.Metadata)
	w.d.objects[w.key] = &memObject{
		data: data,
		meta: FileMetadata{
			Key:           w.key,
			ContentType:   w.opts.ContentType,
			ContentLength: int64(len(data)),
			ETag:          `"` + uuid.NewString() + `"`,
			CacheControl:  w.opts.CacheControl,
			Created:       created,
			LastModified:  now,
			Sync:          stamp,
			Metadata:      extra,
		},
	}
	return nil
}

func (w *memWriter) Abort(error) {
	w.closed = true
	w.buf.Reset()
}

// Delete implements Driver.
func (d *MemoryDriver) Delete(ctx context.Context, key string) error {
	return InvokeErr(ctx, d.policy, "delete", key, func(context.Context) error {
		if err := d.checkFault("delete", key); err != nil {
			return err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.objects[key]; !ok {
			return NotFoundError("delete", key)
		}
		delete(d.objects, key)
		return nil
	})
}

// Exists implements Driver.
func (d *MemoryDriver) Exists(ctx context.Context, key string) (bool, error) {
	return Invoke(ctx, d.policy, "exists", key, func(context.Context) (bool, error) {
		if err := d.checkFault("exists", key); err != nil {
			return false, err
		}
		d.mu.RLock()
		defer d.mu.RUnlock()
		_, ok := d.objects[key]
		return ok, nil
	})
}

// Copy implements Driver.
func (d *MemoryDriver) Copy(ctx context.Context, srcKey, dstKey string) error {
	return InvokeErr(ctx, d.policy, "copy", srcKey, func(context.Context) error {
		if err := d.checkFault("copy", srcKey); err != nil {
			return err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		src, ok := d.objects[srcKey]
		if !ok {
			return NotFoundError("copy", srcKey)
		}
		now := time.Now().UTC()
		meta := cloneMeta(src.meta)
		meta.Key = dstKey
		meta.ETag = `"` + uuid.NewString() + `"`
		meta.Created = now
		meta.LastModified = now
		d.objects[dstKey] = &memObject{data: append([]byte(nil), src.data...), meta: meta}
		return nil
	})
}

// Close is a no-op.
func (d *MemoryDriver) Close() error { return nil }

// Len returns the number of stored objects.
func (d *MemoryDriver) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.objects)
}

func cloneMeta(m FileMetadata) FileMetadata {
	if m.Sync != nil {
		s := *m.Sync
		m.Sync = &s
	}
	if m.Metadata != nil {
		cp := make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			cp[k] = v
		}
		m.Metadata = cp
	}
	return m
}
