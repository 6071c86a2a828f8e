// Package azure implements storage.Driver on Azure Blob Storage.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"go.uber.org/zap"

	"github.com/fruitsalade/objectstore/internal/logging"
	"github.com/fruitsalade/objectstore/internal/retry"
	"github.com/fruitsalade/objectstore/internal/storage"
)

const (
	appendBlockSize = 4 << 20
	uploadBlockSize = 8 << 20
	copyPollEvery   = 250 * time.Millisecond
)

// Config describes one blob container.
type Config struct {
	ConnectionString string `mapstructure:"connection_string" json:"connection_string"`
	Container        string `mapstructure:"container" json:"container"`
	CreateContainer  bool   `mapstructure:"create_container" json:"create_container"`
}

// Driver is a storage.Driver backed by one Azure blob container.
type Driver struct {
	container *container.Client
	policy    storage.Policy
}

// New connects to the container in cfg.
func New(ctx context.Context, cfg Config, rc retry.Config) (*Driver, error) {
	if cfg.ConnectionString == "" || cfg.Container == "" {
		return nil, errors.New("azure: connection string and container are required")
	}
	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			// Retries are owned by storage.Invoke.
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}

	d := &Driver{
		container: client.ServiceClient().NewContainerClient(cfg.Container),
		policy:    storage.Policy{Provider: "azure", Retry: rc, Classify: classify},
	}
	if cfg.CreateContainer {
		_, err := d.container.Create(ctx, nil)
		if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
			logging.Error("container check failed", zap.String("container", cfg.Container), zap.Error(err))
		}
	}
	return d, nil
}

// Name returns "azure".
func (d *Driver) Name() string { return "azure" }

// Capabilities: append blobs give native append; folders are pure prefixes.
func (d *Driver) Capabilities() storage.Capabilities {
	return storage.Capabilities{Append: true}
}

func fromItem(item *container.BlobItem) storage.FileMetadata {
	meta := storage.FileMetadata{Key: deref(item.Name)}
	if p := item.Properties; p != nil {
		meta.ContentType = deref(p.ContentType)
		meta.ContentLength = derefInt(p.ContentLength)
		meta.CacheControl = deref(p.CacheControl)
		meta.LastModified = derefTime(p.LastModified)
		meta.Created = derefTime(p.CreationTime)
		if p.ETag != nil {
			meta.ETag = string(*p.ETag)
		}
	}
	meta.Sync, meta.Metadata = storage.DecodePointerMetadata(item.Metadata)
	return meta
}

// List implements storage.Driver with the hierarchy pager, or the flat
// pager when delimiter is empty.
func (d *Driver) List(ctx context.Context, prefix, delimiter string) ([]storage.FileMetadata, []string, error) {
	type page struct {
		objects  []storage.FileMetadata
		prefixes []string
	}
	include := container.ListBlobsInclude{Metadata: true}
	r, err := storage.Invoke(ctx, d.policy, "list", prefix, func(ctx context.Context) (page, error) {
		var res page
		var pfx *string
		if prefix != "" {
			pfx = &prefix
		}

		if delimiter == "" {
			pager := d.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: pfx, Include: include})
			for pager.More() {
				resp, err := pager.NextPage(ctx)
				if err != nil {
					return page{}, err
				}
				for _, item := range resp.Segment.BlobItems {
					res.objects = append(res.objects, fromItem(item))
				}
			}
			return res, nil
		}

		pager := d.container.NewListBlobsHierarchyPager(delimiter, &container.ListBlobsHierarchyOptions{Prefix: pfx, Include: include})
		for pager.More() {
			resp, err := pager.NextPage(ctx)
			if err != nil {
				return page{}, err
			}
			for _, item := range resp.Segment.BlobItems {
				res.objects = append(res.objects, fromItem(item))
			}
			for _, bp := range resp.Segment.BlobPrefixes {
				res.prefixes = append(res.prefixes, deref(bp.Name))
			}
		}
		return res, nil
	})
	return r.objects, r.prefixes, err
}

type properties struct {
	meta     storage.FileMetadata
	blobType blob.BlobType
}

func (d *Driver) properties(ctx context.Context, key string) (properties, error) {
	return storage.Invoke(ctx, d.policy, "get_metadata", key, func(ctx context.Context) (properties, error) {
		resp, err := d.container.NewBlobClient(key).GetProperties(ctx, nil)
		if err != nil {
			return properties{}, err
		}
		meta := storage.FileMetadata{
			Key:           key,
			ContentType:   deref(resp.ContentType),
			ContentLength: derefInt(resp.ContentLength),
			CacheControl:  deref(resp.CacheControl),
			LastModified:  derefTime(resp.LastModified),
			Created:       derefTime(resp.CreationTime),
		}
		if resp.ETag != nil {
			meta.ETag = string(*resp.ETag)
		}
		meta.Sync, meta.Metadata = storage.DecodePointerMetadata(resp.Metadata)
		p := properties{meta: meta}
		if resp.BlobType != nil {
			p.blobType = *resp.BlobType
		}
		return p, nil
	})
}

// GetMetadata implements storage.Driver.
func (d *Driver) GetMetadata(ctx context.Context, key string) (storage.FileMetadata, error) {
	p, err := d.properties(ctx, key)
	return p.meta, err
}

// OpenRead implements storage.Driver.
func (d *Driver) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	return storage.Invoke(ctx, d.policy, "open_read", key, func(ctx context.Context) (io.ReadCloser, error) {
		resp, err := d.container.NewBlobClient(key).DownloadStream(ctx, nil)
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	})
}

func headers(opts storage.WriteOptions) *blob.HTTPHeaders {
	h := &blob.HTTPHeaders{}
	if opts.ContentType != "" {
		h.BlobContentType = &opts.ContentType
	}
	if opts.CacheControl != "" {
		h.BlobCacheControl = &opts.CacheControl
	}
	return h
}

// OpenWrite implements storage.Driver. Whole-object writes stream into
// a block blob. Appends go to an append blob; appending to an existing
// block blob rewrites it with the new bytes at the end.
func (d *Driver) OpenWrite(ctx context.Context, key string, opts storage.WriteOptions) (storage.ObjectWriter, error) {
	if !opts.Append {
		return d.streamBlock(ctx, key, opts, nil), nil
	}

	p, err := d.properties(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &appendWriter{d: d, ctx: ctx, key: key, opts: opts, create: true}, nil
	case err != nil:
		return nil, err
	case p.blobType == blob.BlobTypeAppendBlob:
		return &appendWriter{d: d, ctx: ctx, key: key, opts: opts}, nil
	}

	prev, err := d.OpenRead(ctx, key)
	if err != nil {
		return nil, err
	}
	return d.streamBlock(ctx, key, opts, prev), nil
}

// streamBlock uploads everything written to the returned writer as a
// block blob, preceded by prefix when it is non-nil.
func (d *Driver) streamBlock(ctx context.Context, key string, opts storage.WriteOptions, prefix io.ReadCloser) *blockWriter {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	w := &blockWriter{pw: pw, cancel: cancel, done: make(chan error, 1), key: key}

	var body io.Reader = pr
	if prefix != nil {
		body = io.MultiReader(prefix, pr)
	}
	go func() {
		if prefix != nil {
			defer prefix.Close()
		}
		_, err := d.container.NewBlockBlobClient(key).UploadStream(ctx, body, &blockblob.UploadStreamOptions{
			BlockSize:   uploadBlockSize,
			HTTPHeaders: headers(opts),
			Metadata:    storage.PointerMetadata(opts.Metadata),
		})
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w
}

type blockWriter struct {
	pw     *io.PipeWriter
	cancel context.CancelFunc
	done   chan error
	key    string
	closed bool
	result error
}

func (w *blockWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *blockWriter) Close() error {
	if w.closed {
		return w.result
	}
	w.closed = true
	w.pw.Close()
	err := <-w.done
	w.cancel()
	if err != nil {
		w.result = fmt.Errorf("azure upload %s: %w", w.key, classify(err))
	}
	return w.result
}

// Abort cancels the upload before the block list is committed, so no
// blob is created or replaced.
func (w *blockWriter) Abort(err error) {
	if w.closed {
		return
	}
	w.closed = true
	if err == nil {
		err = errors.New("upload aborted")
	}
	w.cancel()
	w.pw.CloseWithError(err)
	<-w.done
}

// appendWriter holds appended bytes until Close so an aborted append
// leaves the blob untouched.
type appendWriter struct {
	d      *Driver
	ctx    context.Context
	key    string
	opts   storage.WriteOptions
	create bool
	buf    bytes.Buffer
	closed bool
}

func (w *appendWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("azure: write after close")
	}
	return w.buf.Write(p)
}

func (w *appendWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	d := w.d
	ab := d.container.NewAppendBlobClient(w.key)
	meta := storage.PointerMetadata(w.opts.Metadata)

	if w.create {
		err := storage.InvokeErr(w.ctx, d.policy, "create_append", w.key, func(ctx context.Context) error {
			_, err := ab.Create(ctx, nil)
			return err
		})
		if err != nil {
			return err
		}
	}

	data := w.buf.Bytes()
	for len(data) > 0 {
		n := min(len(data), appendBlockSize)
		block := data[:n]
		err := storage.InvokeErr(w.ctx, d.policy, "append_block", w.key, func(ctx context.Context) error {
			_, err := ab.AppendBlock(ctx, streaming.NopCloser(bytes.NewReader(block)), nil)
			return err
		})
		if err != nil {
			return err
		}
		data = data[n:]
	}

	return storage.InvokeErr(w.ctx, d.policy, "set_properties", w.key, func(ctx context.Context) error {
		bc := d.container.NewBlobClient(w.key)
		if _, err := bc.SetHTTPHeaders(ctx, *headers(w.opts), nil); err != nil {
			return err
		}
		_, err := bc.SetMetadata(ctx, meta, nil)
		return err
	})
}

func (w *appendWriter) Abort(error) {
	w.closed = true
	w.buf.Reset()
}

// Delete implements storage.Driver.
func (d *Driver) Delete(ctx context.Context, key string) error {
	return storage.InvokeErr(ctx, d.policy, "delete", key, func(ctx context.Context) error {
		_, err := d.container.NewBlobClient(key).Delete(ctx, nil)
		return err
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

// Copy implements storage.Driver with a server-side copy, waiting until
// the service reports it finished.
func (d *Driver) Copy(ctx context.Context, srcKey, dstKey string) error {
	return storage.InvokeErr(ctx, d.policy, "copy", srcKey, func(ctx context.Context) error {
		src := d.container.NewBlobClient(srcKey)
		if _, err := src.GetProperties(ctx, nil); err != nil {
			return err
		}
		dst := d.container.NewBlobClient(dstKey)
		resp, err := dst.StartCopyFromURL(ctx, src.URL(), nil)
		if err != nil {
			return err
		}
		status := resp.CopyStatus
		for status != nil && *status == blob.CopyStatusTypePending {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(copyPollEvery):
			}
			props, err := dst.GetProperties(ctx, nil)
			if err != nil {
				return err
			}
			status = props.CopyStatus
		}
		if status != nil && *status != blob.CopyStatusTypeSuccess {
			return fmt.Errorf("copy %s: status %s", srcKey, *status)
		}
		return nil
	})
}

// Close is a no-op.
func (d *Driver) Close() error { return nil }

func classify(err error) error {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.CannotVerifyCopySource) {
		return &storage.Error{Kind: storage.ErrNotFound, Op: "azure", Err: err}
	}
	if bloberror.HasCode(err, bloberror.ServerBusy, bloberror.OperationTimedOut, bloberror.InternalError) {
		return retry.Retryable(err)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode == 404 {
			return &storage.Error{Kind: storage.ErrNotFound, Op: "azure", Err: err}
		}
		if storage.IsTransientStatus(respErr.StatusCode) {
			return retry.Retryable(err)
		}
	}
	return storage.ClassifyTransient(err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(n *int64) int64 {
	if n == nil {
		return 0
	}
	return *n
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
