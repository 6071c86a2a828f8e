package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/fruitsalade/objectstore/internal/logging"
	"github.com/fruitsalade/objectstore/internal/metrics"
)

// UnknownSize marks a write whose length is not known up front.
const UnknownSize int64 = -1

const (
	defaultMaxCachedBody     = 256 << 10
	defaultFolderConcurrency = 8
	sniffLen                 = 3072
)

// Backend is one configured provider: a driver plus its path translator.
type Backend struct {
	Name   string
	Driver Driver
	Paths  PathTranslator
}

// ChangeKind classifies a Change.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "create"
	ChangeModified ChangeKind = "modify"
	ChangeDeleted  ChangeKind = "delete"
)

// Change describes a successful mutation of one logical path.
type Change struct {
	Kind ChangeKind
	Path string
	Size int64
	ETag string
}

// Options configures a Service.
type Options struct {
	// MaxCacheSeconds bounds how long metadata and small bodies are
	// cached. Zero disables caching.
	MaxCacheSeconds int

	// Cache is the backing store. Nil uses an in-process MemoryCache.
	Cache Cache

	// MaxCachedBodyBytes caps the size of bodies kept in the cache.
	// Zero uses the default; negative disables body caching.
	MaxCachedBodyBytes int64

	// ProbeSubdirectories fills FolderEntry.HasSubdirectories with one
	// extra listing per directory entry.
	ProbeSubdirectories bool

	// FolderConcurrency bounds parallel provider calls in folder operations.
	FolderConcurrency int

	// OnChange is called after every successful write or delete.
	OnChange func(Change)

	Now func() time.Time
}

// PutOptions controls a write through Put.
type PutOptions struct {
	ContentType  string
	CacheControl string

	// Size is the exact body length, or UnknownSize.
	Size int64

	// Stamp is the sync identity to record. Nil stamps a fresh upload id.
	Stamp *SyncStamp

	// Metadata is extra user metadata, e.g. image dimensions.
	Metadata map[string]string
}

// Service is the single entry point for logical file operations. It
// resolves paths against the primary provider, stamps sync metadata,
// infers content types and keeps the metadata cache coherent.
type Service struct {
	primary     Backend
	mirrors     []Backend
	cache       *cacheLayer
	maxBody     int64
	probe       bool
	concurrency int
	onChange    func(Change)
	now         func() time.Time
}

// NewService builds a Service over primary. Mirrors are optional
// replication targets; they are never written by the normal write path.
func NewService(primary Backend, mirrors []Backend, opts Options) (*Service, error) {
	if primary.Driver == nil {
		return nil, errors.New("storage: primary driver is required")
	}
	if primary.Name == "" {
		primary.Name = primary.Driver.Name()
	}

	s := &Service{
		primary:     primary,
		mirrors:     mirrors,
		maxBody:     opts.MaxCachedBodyBytes,
		probe:       opts.ProbeSubdirectories,
		concurrency: opts.FolderConcurrency,
		onChange:    opts.OnChange,
		now:         opts.Now,
	}
	if s.maxBody == 0 {
		s.maxBody = defaultMaxCachedBody
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultFolderConcurrency
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.MaxCacheSeconds > 0 {
		store := opts.Cache
		if store == nil {
			store = NewMemoryCache(0)
		}
		s.cache = newCacheLayer(store, time.Duration(opts.MaxCacheSeconds)*time.Second, primary.Name+":")
	}
	return s, nil
}

// Primary returns the authoritative backend.
func (s *Service) Primary() Backend { return s.primary }

// Mirrors returns the configured replication targets.
func (s *Service) Mirrors() []Backend { return s.mirrors }

// Mirror looks up a mirror by name.
func (s *Service) Mirror(name string) (Backend, bool) {
	for _, m := range s.mirrors {
		if m.Name == name {
			return m, true
		}
	}
	return Backend{}, false
}

// Close releases every driver.
func (s *Service) Close() error {
	errs := []error{s.primary.Driver.Close()}
	for _, m := range s.mirrors {
		errs = append(errs, m.Driver.Close())
	}
	return errors.Join(errs...)
}

// resolve validates a public logical file path and returns its cleaned
// form and native key.
func (s *Service) resolve(logical string) (string, string, error) {
	clean, err := s.primary.Paths.Clean(logical)
	if err != nil {
		return "", "", err
	}
	if clean == "/" {
		return "", "", InvalidPathf(logical, "path names the root folder")
	}
	if s.primary.Paths.Reserved(clean) {
		return "", "", InvalidPathf(logical, "path is reserved")
	}
	_, key, err := s.primary.Paths.ToNativeKey(clean)
	return clean, key, err
}

func (s *Service) cacheKey(kind, clean string) string {
	if s.primary.Paths.CaseInsensitive {
		clean = strings.ToLower(clean)
	}
	return kind + ":" + clean
}

// invalidate evicts every cache entry for clean.
func (s *Service) invalidate(ctx context.Context, clean string) error {
	if err := s.cache.invalidate(ctx, s.cacheKey("meta", clean), s.cacheKey("body", clean)); err != nil {
		return newError(ErrProviderUnavailable, "invalidate", clean, err)
	}
	return nil
}

// wrap rewrites driver not-found errors in terms of the logical path.
func wrap(op, clean string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return NotFoundError(op, clean)
	}
	return err
}

// present fills the logical fields of a driver result.
func (s *Service) present(b Backend, clean string, meta FileMetadata) FileMetadata {
	meta.FullPath = clean
	if meta.ContentType == "" {
		meta.ContentType = b.inferContentType(clean)
	}
	return meta
}

func (b Backend) inferContentType(name string) string {
	if ct := mime.TypeByExtension(b.Paths.Extension(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (s *Service) notify(kind ChangeKind, meta FileMetadata) {
	if s.onChange == nil {
		return
	}
	s.onChange(Change{Kind: kind, Path: meta.FullPath, Size: meta.ContentLength, ETag: meta.ETag})
}

// GetFile returns the metadata for a logical path.
func (s *Service) GetFile(ctx context.Context, path string) (FileMetadata, error) {
	clean, key, err := s.resolve(path)
	if err != nil {
		return FileMetadata{}, err
	}
	return s.getFile(ctx, clean, key)
}

func (s *Service) getFile(ctx context.Context, clean, key string) (FileMetadata, error) {
	return getOrPopulate(ctx, s.cache, "meta", s.cacheKey("meta", clean), func(ctx context.Context) (FileMetadata, error) {
		meta, err := s.primary.Driver.GetMetadata(ctx, key)
		if err != nil {
			return FileMetadata{}, wrap("get_file", clean, err)
		}
		return s.present(s.primary, clean, meta), nil
	})
}

// Exists reports whether a logical path names an object.
func (s *Service) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.GetFile(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

type cachedBody struct {
	ETag string `json:"etag"`
	Data []byte `json:"data"`
}

// GetStream opens the content at a logical path. The caller closes the
// returned reader.
func (s *Service) GetStream(ctx context.Context, path string) (io.ReadCloser, FileMetadata, error) {
	clean, key, err := s.resolve(path)
	if err != nil {
		return nil, FileMetadata{}, err
	}
	meta, err := s.getFile(ctx, clean, key)
	if err != nil {
		return nil, FileMetadata{}, err
	}

	if s.cache.enabled() && s.maxBody > 0 && meta.ContentLength <= s.maxBody {
		body, err := getOrPopulate(ctx, s.cache, "body", s.cacheKey("body", clean), func(ctx context.Context) (cachedBody, error) {
			rc, err := s.primary.Driver.OpenRead(ctx, key)
			if err != nil {
				return cachedBody{}, wrap("get_stream", clean, err)
			}
			defer rc.Close()
			data, err := io.ReadAll(io.LimitReader(rc, s.maxBody+1))
			if err != nil {
				return cachedBody{}, err
			}
			return cachedBody{ETag: meta.ETag, Data: data}, nil
		})
		if err != nil {
			return nil, FileMetadata{}, err
		}
		if body.ETag == meta.ETag && int64(len(body.Data)) == meta.ContentLength {
			return io.NopCloser(bytes.NewReader(body.Data)), meta, nil
		}
	}

	rc, err := s.primary.Driver.OpenRead(ctx, key)
	if err != nil {
		return nil, FileMetadata{}, wrap("get_stream", clean, err)
	}
	return rc, meta, nil
}

// PutFile writes a whole object. An empty contentType is inferred from
// the extension, then from the leading bytes.
func (s *Service) PutFile(ctx context.Context, path string, r io.Reader, contentType string) (FileMetadata, error) {
	return s.Put(ctx, path, r, PutOptions{ContentType: contentType, Size: UnknownSize})
}

// Put writes a whole object with explicit options. The object is stamped
// with opts.Stamp or a fresh upload identity. The path's cache entries
// are evicted before Put returns.
func (s *Service) Put(ctx context.Context, path string, r io.Reader, opts PutOptions) (FileMetadata, error) {
	clean, key, err := s.resolve(path)
	if err != nil {
		return FileMetadata{}, err
	}

	body, size, cleanup, err := sizedReader(r, opts.Size)
	if err != nil {
		return FileMetadata{}, fmt.Errorf("put %s: %w", clean, err)
	}
	defer cleanup()

	contentType := opts.ContentType
	if contentType == "" {
		contentType, body = s.detectContentType(s.primary, clean, body)
	}
	stamp := opts.Stamp
	if stamp == nil {
		stamp = NewSyncStamp(uuid.NewString(), size, s.now())
	}

	kind := ChangeModified
	if s.onChange != nil {
		if ok, err := s.primary.Driver.Exists(ctx, key); err == nil && !ok {
			kind = ChangeCreated
		}
	}

	n, err := s.write(ctx, s.primary, key, io.LimitReader(body, size+1), WriteOptions{
		ContentType:  contentType,
		CacheControl: opts.CacheControl,
		Metadata:     EncodeMetadata(stamp, opts.Metadata),
		Size:         size,
	})
	if err != nil {
		return FileMetadata{}, wrap("put", clean, err)
	}
	if err := s.invalidate(ctx, clean); err != nil {
		return FileMetadata{}, err
	}

	meta, err := s.primary.Driver.GetMetadata(ctx, key)
	if err != nil {
		return FileMetadata{}, wrap("put", clean, err)
	}
	meta = s.present(s.primary, clean, meta)

	metrics.RecordContentUpload(n)
	logging.Debug("object written", logging.Path(clean), logging.Provider(s.primary.Name))
	s.notify(kind, meta)
	return meta, nil
}

// write streams body into key and commits it only when exactly
// opts.Size bytes were copied.
func (s *Service) write(ctx context.Context, b Backend, key string, body io.Reader, opts WriteOptions) (int64, error) {
	w, err := b.Driver.OpenWrite(ctx, key, opts)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, body)
	if err != nil {
		w.Abort(err)
		return n, err
	}
	if opts.Size >= 0 && n != opts.Size {
		err := newError(ErrSizeMismatch, "write", key, fmt.Errorf("copied %d of %d bytes", n, opts.Size))
		w.Abort(err)
		return n, err
	}
	if err := commit(w, "write", key); err != nil {
		return n, err
	}
	return n, nil
}

// Append adds r to the end of the object at path, creating it when
// absent. Providers without native append are emulated by rewriting the
// object. The sync stamp is renewed with the new total size.
func (s *Service) Append(ctx context.Context, path string, r io.Reader) (FileMetadata, error) {
	clean, key, err := s.resolve(path)
	if err != nil {
		return FileMetadata{}, err
	}

	body, size, cleanup, err := sizedReader(r, UnknownSize)
	if err != nil {
		return FileMetadata{}, fmt.Errorf("append %s: %w", clean, err)
	}
	defer cleanup()

	current, err := s.primary.Driver.GetMetadata(ctx, key)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return FileMetadata{}, err
	}

	total := size
	contentType := current.ContentType
	if exists {
		total += current.ContentLength
	}
	if contentType == "" {
		contentType, body = s.detectContentType(s.primary, clean, body)
	}

	opts := WriteOptions{
		ContentType:  contentType,
		CacheControl: current.CacheControl,
		Metadata:     EncodeMetadata(NewSyncStamp(uuid.NewString(), total, s.now()), current.Metadata),
	}

	if s.primary.Driver.Capabilities().Append {
		opts.Append = true
		opts.Size = size
		_, err = s.write(ctx, s.primary, key, io.LimitReader(body, size+1), opts)
	} else {
		src := body
		if exists {
			prev, err := s.primary.Driver.OpenRead(ctx, key)
			if err != nil {
				return FileMetadata{}, wrap("append", clean, err)
			}
			defer prev.Close()
			src = io.MultiReader(prev, body)
		}
		opts.Size = total
		_, err = s.write(ctx, s.primary, key, io.LimitReader(src, total+1), opts)
	}
	if err != nil {
		return FileMetadata{}, wrap("append", clean, err)
	}
	if err := s.invalidate(ctx, clean); err != nil {
		return FileMetadata{}, err
	}

	meta, err := s.primary.Driver.GetMetadata(ctx, key)
	if err != nil {
		return FileMetadata{}, wrap("append", clean, err)
	}
	meta = s.present(s.primary, clean, meta)
	metrics.RecordContentUpload(size)

	kind := ChangeModified
	if !exists {
		kind = ChangeCreated
	}
	s.notify(kind, meta)
	return meta, nil
}

// DeleteFile removes the object at path. The cache entry is evicted even
// when the object was already gone.
func (s *Service) DeleteFile(ctx context.Context, path string) error {
	clean, key, err := s.resolve(path)
	if err != nil {
		return err
	}
	delErr := s.primary.Driver.Delete(ctx, key)
	if err := s.invalidate(ctx, clean); err != nil && delErr == nil {
		return err
	}
	if delErr != nil {
		return wrap("delete", clean, delErr)
	}
	s.notify(ChangeDeleted, FileMetadata{FullPath: clean})
	return nil
}

// CopyFile duplicates one object, sync stamp included.
func (s *Service) CopyFile(ctx context.Context, from, to string) error {
	srcClean, srcKey, err := s.resolve(from)
	if err != nil {
		return err
	}
	dstClean, dstKey, err := s.resolve(to)
	if err != nil {
		return err
	}
	if s.primary.Paths.SameKey(srcKey, dstKey) {
		return InvalidPathf(to, "source and destination are the same")
	}
	if err := s.primary.Driver.Copy(ctx, srcKey, dstKey); err != nil {
		return wrap("copy", srcClean, err)
	}
	if err := s.invalidate(ctx, dstClean); err != nil {
		return err
	}
	s.notify(ChangeCreated, FileMetadata{FullPath: dstClean})
	return nil
}

// MoveFile copies then deletes the source. It is not atomic.
func (s *Service) MoveFile(ctx context.Context, from, to string) error {
	if err := s.CopyFile(ctx, from, to); err != nil {
		return err
	}
	return s.DeleteFile(ctx, from)
}

// Replicate copies the primary object at path to a mirror, preserving its
// content type, cache control and sync stamp.
func (s *Service) Replicate(ctx context.Context, path, mirror string) (FileMetadata, error) {
	clean, key, err := s.resolve(path)
	if err != nil {
		return FileMetadata{}, err
	}
	target, ok := s.Mirror(mirror)
	if !ok {
		return FileMetadata{}, InvalidPathf(clean, "unknown mirror %q", mirror)
	}
	_, targetKey, err := target.Paths.ToNativeKey(clean)
	if err != nil {
		return FileMetadata{}, err
	}

	meta, err := s.primary.Driver.GetMetadata(ctx, key)
	if err != nil {
		return FileMetadata{}, wrap("replicate", clean, err)
	}
	rc, err := s.primary.Driver.OpenRead(ctx, key)
	if err != nil {
		return FileMetadata{}, wrap("replicate", clean, err)
	}
	defer rc.Close()

	_, err = s.write(ctx, target, targetKey, io.LimitReader(rc, meta.ContentLength+1), WriteOptions{
		ContentType:  meta.ContentType,
		CacheControl: meta.CacheControl,
		Metadata:     EncodeMetadata(meta.Sync, meta.Metadata),
		Size:         meta.ContentLength,
	})
	if err != nil {
		return FileMetadata{}, wrap("replicate", clean, err)
	}

	out, err := target.Driver.GetMetadata(ctx, targetKey)
	if err != nil {
		return FileMetadata{}, wrap("replicate", clean, err)
	}
	logging.Info("object replicated", logging.Path(clean), logging.Provider(target.Name))
	return s.present(target, clean, out), nil
}

// detectContentType infers a MIME type from the extension, or sniffs
// the leading bytes of body. The returned reader replays what was sniffed.
func (s *Service) detectContentType(b Backend, clean string, body io.Reader) (string, io.Reader) {
	if ct := mime.TypeByExtension(b.Paths.Extension(clean)); ct != "" {
		return ct, body
	}
	br := bufio.NewReaderSize(body, sniffLen)
	head, _ := br.Peek(sniffLen)
	if len(head) == 0 {
		return "application/octet-stream", br
	}
	return mimetype.Detect(head).String(), br
}

type lener interface{ Len() int }

// sizedReader returns r with its exact length. Readers that cannot report
// a length are spooled to a temporary file first.
func sizedReader(r io.Reader, size int64) (io.Reader, int64, func(), error) {
	noop := func() {}
	if size >= 0 {
		return r, size, noop, nil
	}
	switch v := r.(type) {
	case lener:
		return r, int64(v.Len()), noop, nil
	case io.Seeker:
		cur, err := v.Seek(0, io.SeekCurrent)
		if err == nil {
			end, err := v.Seek(0, io.SeekEnd)
			if err == nil {
				if _, err := v.Seek(cur, io.SeekStart); err == nil {
					return r, end - cur, noop, nil
				}
			}
		}
	}

	f, err := os.CreateTemp("", "objectstore-spool-*")
	if err != nil {
		return nil, 0, noop, fmt.Errorf("create spool file: %w", err)
	}
	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}
	n, err := io.Copy(f, r)
	if err != nil {
		cleanup()
		return nil, 0, noop, fmt.Errorf("spool body: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, noop, fmt.Errorf("rewind spool file: %w", err)
	}
	return f, n, cleanup, nil
}
