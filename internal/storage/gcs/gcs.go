// Package gcs implements storage.Driver on Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcstorage "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/fruitsalade/objectstore/internal/logging"
	"github.com/fruitsalade/objectstore/internal/retry"
	"github.com/fruitsalade/objectstore/internal/storage"
)

// Config describes one GCS bucket. Endpoint points the client at an
// emulator and disables authentication.
type Config struct {
	ProjectId    string `mapstructure:"project_id" json:"project_id"`
	JsonAuthPath string `mapstructure:"json_auth_path" json:"json_auth_path"`
	BucketName   string `mapstructure:"bucket_name" json:"bucket_name"`
	Endpoint     string `mapstructure:"endpoint" json:"endpoint"`
}

// Driver is a storage.Driver backed by one GCS bucket.
type Driver struct {
	client *gcstorage.Client
	bucket *gcstorage.BucketHandle
	policy storage.Policy
}

// New opens a client for the bucket in cfg.
func New(ctx context.Context, cfg Config, rc retry.Config) (*Driver, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("gcs: bucket name is required")
	}
	var opts []option.ClientOption
	if cfg.JsonAuthPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.JsonAuthPath))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := gcstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	// Retries are owned by storage.Invoke.
	bucket := client.Bucket(cfg.BucketName).Retryer(gcstorage.WithPolicy(gcstorage.RetryNever))

	return &Driver{
		client: client,
		bucket: bucket,
		policy: storage.Policy{Provider: "google", Retry: rc, Classify: classify},
	}, nil
}

// Name returns "google".
func (d *Driver) Name() string { return "google" }

// Capabilities: appends use object composition. Folders are pure prefixes.
func (d *Driver) Capabilities() storage.Capabilities {
	return storage.Capabilities{Append: true}
}

func fromAttrs(a *gcstorage.ObjectAttrs) storage.FileMetadata {
	stamp, extra := storage.DecodeMetadata(a.Metadata)
	return storage.FileMetadata{
		Key:           a.Name,
		ContentType:   a.ContentType,
		ContentLength: a.Size,
		ETag:          a.Etag,
		CacheControl:  a.CacheControl,
		Created:       a.Created,
		LastModified:  a.Updated,
		Sync:          stamp,
		Metadata:      extra,
	}
}

// List implements storage.Driver.
func (d *Driver) List(ctx context.Context, prefix, delimiter string) ([]storage.FileMetadata, []string, error) {
	type page struct {
		objects  []storage.FileMetadata
		prefixes []string
	}
	r, err := storage.Invoke(ctx, d.policy, "list", prefix, func(ctx context.Context) (page, error) {
		var res page
		it := d.bucket.Objects(ctx, &gcstorage.Query{Prefix: prefix, Delimiter: delimiter})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return page{}, err
			}
			if attrs.Prefix != "" {
				res.prefixes = append(res.prefixes, attrs.Prefix)
				continue
			}
			res.objects = append(res.objects, fromAttrs(attrs))
		}
		return res, nil
	})
	return r.objects, r.prefixes, err
}

// GetMetadata implements storage.Driver.
func (d *Driver) GetMetadata(ctx context.Context, key string) (storage.FileMetadata, error) {
	return storage.Invoke(ctx, d.policy, "get_metadata", key, func(ctx context.Context) (storage.FileMetadata, error) {
		attrs, err := d.bucket.Object(key).Attrs(ctx)
		if err != nil {
			return storage.FileMetadata{}, err
		}
		return fromAttrs(attrs), nil
	})
}

// OpenRead implements storage.Driver.
func (d *Driver) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	return storage.Invoke(ctx, d.policy, "open_read", key, func(ctx context.Context) (io.ReadCloser, error) {
		return d.bucket.Object(key).NewReader(ctx)
	})
}

// OpenWrite implements storage.Driver. Appends are written to a temporary
// object and composed onto the target on Close.
func (d *Driver) OpenWrite(ctx context.Context, key string, opts storage.WriteOptions) (storage.ObjectWriter, error) {
	target := key
	if opts.Append {
		exists, err := d.Exists(ctx, key)
		if err != nil {
			return nil, err
		}
		if exists {
			target = appendStagingKey()
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	w := d.bucket.Object(target).NewWriter(ctx)
	w.ContentType = opts.ContentType
	w.CacheControl = opts.CacheControl
	w.Metadata = opts.Metadata
	if opts.Size >= 0 && opts.Size < googleapi.DefaultUploadChunkSize {
		// Small objects go up in a single request.
		w.ChunkSize = 0
	}
	return &writer{d: d, w: w, cancel: cancel, ctx: ctx, key: key, tmp: target, opts: opts}, nil
}

// appendStagingKey names the temporary part of an append. It sits
// directly under the reserved uploads/ prefix, outside any logical folder
// and outside every chunk session.
func appendStagingKey() string {
	return storage.UploadsPrefix + ".append-" + uuid.NewString()
}

type writer struct {
	d      *Driver
	w      *gcstorage.Writer
	ctx    context.Context
	cancel context.CancelFunc
	key    string
	tmp    string
	opts   storage.WriteOptions
	closed bool
	result error
}

func (w *writer) Write(p []byte) (int, error) {
	return w.w.Write(p)
}

func (w *writer) Close() error {
	if w.closed {
		return w.result
	}
	w.closed = true
	defer w.cancel()

	if err := w.w.Close(); err != nil {
		w.result = fmt.Errorf("gcs upload %s: %w", w.tmp, classify(err))
		return w.result
	}
	if w.tmp != w.key {
		w.result = w.compose()
	}
	return w.result
}

// compose appends the temporary object to the target and removes it.
func (w *writer) compose() error {
	d := w.d
	err := storage.InvokeErr(w.ctx, d.policy, "compose", w.key, func(ctx context.Context) error {
		dst := d.bucket.Object(w.key)
		c := dst.ComposerFrom(dst, d.bucket.Object(w.tmp))
		c.ContentType = w.opts.ContentType
		c.CacheControl = w.opts.CacheControl
		c.Metadata = w.opts.Metadata
		_, err := c.Run(ctx)
		return err
	})
	if delErr := d.bucket.Object(w.tmp).Delete(context.WithoutCancel(w.ctx)); delErr != nil {
		logging.Warn("append part cleanup failed", logging.Path(w.tmp), logging.Err(delErr))
	}
	return err
}

func (w *writer) Abort(error) {
	if w.closed {
		return
	}
	w.closed = true
	// Cancelling the context before Close discards the upload.
	w.cancel()
	_ = w.w.Close()
}

// Delete implements storage.Driver.
func (d *Driver) Delete(ctx context.Context, key string) error {
	return storage.InvokeErr(ctx, d.policy, "delete", key, func(ctx context.Context) error {
		return d.bucket.Object(key).Delete(ctx)
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

// Copy implements storage.Driver. Metadata is carried by the rewrite.
func (d *Driver) Copy(ctx context.Context, srcKey, dstKey string) error {
	return storage.InvokeErr(ctx, d.policy, "copy", srcKey, func(ctx context.Context) error {
		_, err := d.bucket.Object(dstKey).CopierFrom(d.bucket.Object(srcKey)).Run(ctx)
		return err
	})
}

// Close releases the client.
func (d *Driver) Close() error {
	return d.client.Close()
}

func classify(err error) error {
	if errors.Is(err, gcstorage.ErrObjectNotExist) || errors.Is(err, gcstorage.ErrBucketNotExist) {
		return &storage.Error{Kind: storage.ErrNotFound, Op: "gcs", Err: err}
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 404 {
			return &storage.Error{Kind: storage.ErrNotFound, Op: "gcs", Err: err}
		}
		if storage.IsTransientStatus(apiErr.Code) {
			return retry.Retryable(err)
		}
	}
	return storage.ClassifyTransient(err)
}
