// Package local provides a filesystem storage.Driver for development and
// tests. Object metadata lives in JSON sidecar files under a hidden
// directory at the root.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fruitsalade/objectstore/internal/retry"
	"github.com/fruitsalade/objectstore/internal/storage"
)

const (
	metaDir    = ".objectstore"
	tempPrefix = ".objectstore-"
)

// Config holds local filesystem driver settings.
type Config struct {
	RootPath   string `mapstructure:"root_path" json:"root_path"`
	CreateDirs bool   `mapstructure:"create_dirs" json:"create_dirs"`
}

// Driver implements storage.Driver on a directory tree. Keys ending in
// "/" are directories.
type Driver struct {
	rootPath string
	policy   storage.Policy

	// mu orders commits against metadata reads so a sidecar always
	// describes the file next to it.
	mu sync.RWMutex
}

// New creates a new local filesystem driver.
func New(cfg Config, rc retry.Config) (*Driver, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Driver{
		rootPath: filepath.Clean(cfg.RootPath),
		policy:   storage.Policy{Provider: "local", Retry: rc, Classify: classify},
	}, nil
}

// sidecar is the persisted metadata of one file.
type sidecar struct {
	ContentType  string            `json:"content_type,omitempty"`
	CacheControl string            `json:"cache_control,omitempty"`
	ETag         string            `json:"etag"`
	Created      time.Time         `json:"created"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (d *Driver) fullPath(key string) string {
	return filepath.Join(d.rootPath, filepath.FromSlash(strings.TrimSuffix(key, "/")))
}

func (d *Driver) sidecarPath(key string) string {
	return filepath.Join(d.rootPath, metaDir, filepath.FromSlash(key)+".json")
}

// checkKey rejects keys that would address the sidecar tree or a
// pending temp file.
func checkKey(key string) error {
	segments := strings.Split(strings.TrimSuffix(key, "/"), "/")
	if key == "" || segments[0] == metaDir {
		return storage.InvalidPathf(key, "key is reserved by the local driver")
	}
	for _, seg := range segments {
		if strings.HasPrefix(seg, tempPrefix) {
			return storage.InvalidPathf(key, "key is reserved by the local driver")
		}
	}
	return nil
}

// Name returns "local".
func (d *Driver) Name() string { return "local" }

// Capabilities: appends are native and folder markers are directories.
func (d *Driver) Capabilities() storage.Capabilities {
	return storage.Capabilities{Append: true, FolderMarkers: true}
}

// List walks the tree below the deepest directory named by prefix.
func (d *Driver) List(ctx context.Context, prefix, delimiter string) ([]storage.FileMetadata, []string, error) {
	type result struct {
		objects  []storage.FileMetadata
		prefixes []string
	}
	r, err := storage.Invoke(ctx, d.policy, "list", prefix, func(ctx context.Context) (result, error) {
		d.mu.RLock()
		defer d.mu.RUnlock()

		base := ""
		if i := strings.LastIndexByte(prefix, '/'); i >= 0 {
			base = prefix[:i+1]
		}
		start := d.fullPath(base)

		var res result
		seen := make(map[string]struct{})
		err := filepath.WalkDir(start, func(p string, de fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p == d.rootPath {
				return nil
			}
			rel, err := filepath.Rel(d.rootPath, p)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if de.IsDir() {
				key += "/"
			}
			if checkKey(key) != nil {
				if de.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !strings.HasPrefix(key, prefix) {
				if de.IsDir() && !strings.HasPrefix(prefix, key) {
					return fs.SkipDir
				}
				return nil
			}

			rest := key[len(prefix):]
			if delimiter != "" {
				if i := strings.Index(rest, delimiter); i >= 0 {
					cp := prefix + rest[:i+len(delimiter)]
					if _, ok := seen[cp]; !ok {
						seen[cp] = struct{}{}
						res.prefixes = append(res.prefixes, cp)
					}
					if de.IsDir() {
						return fs.SkipDir
					}
					return nil
				}
			}
			meta, err := d.stat(key)
			if err != nil {
				return err
			}
			res.objects = append(res.objects, meta)
			return nil
		})
		if err != nil {
			return result{}, err
		}
		sort.Slice(res.objects, func(i, j int) bool { return res.objects[i].Key < res.objects[j].Key })
		sort.Strings(res.prefixes)
		return res, nil
	})
	return r.objects, r.prefixes, err
}

// stat must be called with d.mu held.
func (d *Driver) stat(key string) (storage.FileMetadata, error) {
	info, err := os.Stat(d.fullPath(key))
	if err != nil {
		return storage.FileMetadata{}, err
	}
	isDir := strings.HasSuffix(key, "/")
	if info.IsDir() != isDir {
		return storage.FileMetadata{}, fmt.Errorf("stat %s: %w", key, fs.ErrNotExist)
	}

	meta := storage.FileMetadata{
		Key:          key,
		LastModified: info.ModTime().UTC(),
		Created:      info.ModTime().UTC(),
	}
	if isDir {
		meta.ContentType = "application/x-directory"
		return meta, nil
	}
	meta.ContentLength = info.Size()
	meta.ETag = `"` + strconv.FormatInt(info.ModTime().UnixNano(), 36) + "-" + strconv.FormatInt(info.Size(), 36) + `"`

	raw, err := os.ReadFile(d.sidecarPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return meta, nil
		}
		return storage.FileMetadata{}, err
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return storage.FileMetadata{}, fmt.Errorf("parse metadata for %s: %w", key, err)
	}
	meta.ContentType = sc.ContentType
	meta.CacheControl = sc.CacheControl
	if sc.ETag != "" {
		meta.ETag = sc.ETag
	}
	if !sc.Created.IsZero() {
		meta.Created = sc.Created
	}
	meta.Sync, meta.Metadata = storage.DecodeMetadata(sc.Metadata)
	return meta, nil
}

// GetMetadata implements storage.Driver.
func (d *Driver) GetMetadata(ctx context.Context, key string) (storage.FileMetadata, error) {
	if err := checkKey(key); err != nil {
		return storage.FileMetadata{}, err
	}
	return storage.Invoke(ctx, d.policy, "get_metadata", key, func(context.Context) (storage.FileMetadata, error) {
		d.mu.RLock()
		defer d.mu.RUnlock()
		return d.stat(key)
	})
}

// OpenRead implements storage.Driver.
func (d *Driver) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return storage.Invoke(ctx, d.policy, "open_read", key, func(context.Context) (io.ReadCloser, error) {
		f, err := os.Open(d.fullPath(key))
		if err != nil {
			return nil, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		if info.IsDir() {
			f.Close()
			return nil, fmt.Errorf("open %s: %w", key, fs.ErrNotExist)
		}
		return f, nil
	})
}

// OpenWrite writes to a temp file that is renamed over the target on
// Close. Appends start the temp file as a copy of the current content.
func (d *Driver) OpenWrite(ctx context.Context, key string, opts storage.WriteOptions) (storage.ObjectWriter, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return storage.Invoke(ctx, d.policy, "open_write", key, func(context.Context) (storage.ObjectWriter, error) {
		if strings.HasSuffix(key, "/") {
			return &dirWriter{path: d.fullPath(key)}, nil
		}

		path := d.fullPath(key)
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create dirs for %s: %w", key, err)
		}
		tmp, err := os.CreateTemp(dir, tempPrefix+"*.tmp")
		if err != nil {
			return nil, fmt.Errorf("create temp for %s: %w", key, err)
		}
		w := &fileWriter{d: d, key: key, path: path, tmp: tmp, opts: opts}

		if opts.Append {
			src, err := os.Open(path)
			switch {
			case err == nil:
				_, err = io.Copy(tmp, src)
				src.Close()
				if err != nil {
					w.Abort(err)
					return nil, fmt.Errorf("copy %s for append: %w", key, err)
				}
			case !errors.Is(err, fs.ErrNotExist):
				w.Abort(err)
				return nil, err
			}
		}
		return w, nil
	})
}

type dirWriter struct {
	path string
}

func (w *dirWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		return 0, errors.New("local: folder markers cannot hold content")
	}
	return 0, nil
}

func (w *dirWriter) Close() error {
	return os.MkdirAll(w.path, 0755)
}

func (w *dirWriter) Abort(error) {}

type fileWriter struct {
	d      *Driver
	key    string
	path   string
	tmp    *os.File
	opts   storage.WriteOptions
	closed bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	return w.tmp.Write(p)
}

func (w *fileWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	tmpName := w.tmp.Name()
	if err := w.tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", w.key, err)
	}

	w.d.mu.Lock()
	defer w.d.mu.Unlock()

	created := time.Now().UTC()
	if prev, err := w.d.readSidecar(w.key); err == nil && !prev.Created.IsZero() {
		created = prev.Created
	}
	sc := sidecar{
		ContentType:  w.opts.ContentType,
		CacheControl: w.opts.CacheControl,
		ETag:         `"` + uuid.NewString() + `"`,
		Created:      created,
		Metadata:     w.opts.Metadata,
	}
	if err := w.d.writeSidecar(w.key, sc); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", w.key, err)
	}
	return nil
}

func (w *fileWriter) Abort(error) {
	if w.closed {
		return
	}
	w.closed = true
	w.tmp.Close()
	os.Remove(w.tmp.Name())
}

func (d *Driver) readSidecar(key string) (sidecar, error) {
	var sc sidecar
	raw, err := os.ReadFile(d.sidecarPath(key))
	if err != nil {
		return sc, err
	}
	err = json.Unmarshal(raw, &sc)
	return sc, err
}

// writeSidecar must be called with d.mu held.
func (d *Driver) writeSidecar(key string, sc sidecar) error {
	raw, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	path := d.sidecarPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create metadata dir for %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Delete implements storage.Driver. Deleting a folder marker removes the
// directory, which must already be empty.
func (d *Driver) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return storage.InvokeErr(ctx, d.policy, "delete", key, func(context.Context) error {
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, err := d.stat(key); err != nil {
			return err
		}
		if err := os.Remove(d.fullPath(key)); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		if !strings.HasSuffix(key, "/") {
			if err := os.Remove(d.sidecarPath(key)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("delete metadata for %s: %w", key, err)
			}
		}
		return nil
	})
}

// Exists implements storage.Driver.
func (d *Driver) Exists(ctx context.Context, key string) (bool, error) {
	_, err := d.GetMetadata(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Copy duplicates a file and its metadata. The copy gets a new ETag.
func (d *Driver) Copy(ctx context.Context, srcKey, dstKey string) error {
	if err := checkKey(srcKey); err != nil {
		return err
	}
	if err := checkKey(dstKey); err != nil {
		return err
	}
	src, err := d.GetMetadata(ctx, srcKey)
	if err != nil {
		return err
	}
	if src.IsFolderMarker() {
		return storage.InvokeErr(ctx, d.policy, "copy", srcKey, func(context.Context) error {
			return os.MkdirAll(d.fullPath(dstKey), 0755)
		})
	}

	rc, err := d.OpenRead(ctx, srcKey)
	if err != nil {
		return err
	}
	defer rc.Close()
	w, err := d.OpenWrite(ctx, dstKey, storage.WriteOptions{
		ContentType:  src.ContentType,
		CacheControl: src.CacheControl,
		Metadata:     storage.EncodeMetadata(src.Sync, src.Metadata),
		Size:         src.ContentLength,
	})
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, rc); err != nil {
		w.Abort(err)
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	return w.Close()
}

// Close is a no-op for local drivers.
func (d *Driver) Close() error { return nil }

func classify(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &storage.Error{Kind: storage.ErrNotFound, Op: "local", Err: err}
	}
	return err
}
