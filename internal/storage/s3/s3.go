// Package s3 implements storage.Driver on Amazon S3 and S3-compatible
// stores such as Cloudflare R2 and MinIO.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/fruitsalade/objectstore/internal/logging"
	"github.com/fruitsalade/objectstore/internal/retry"
	"github.com/fruitsalade/objectstore/internal/storage"
)

// Config describes one S3 bucket. AccountId selects the Cloudflare R2
// endpoint for that account; Endpoint overrides it for other
// S3-compatible servers.
type Config struct {
	KeyId        string `mapstructure:"key_id" json:"key_id"`
	Key          string `mapstructure:"key" json:"key"`
	BucketName   string `mapstructure:"bucket_name" json:"bucket_name"`
	Region       string `mapstructure:"region" json:"region"`
	AccountId    string `mapstructure:"account_id" json:"account_id"`
	Endpoint     string `mapstructure:"endpoint" json:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style" json:"use_path_style"`
	CreateBucket bool   `mapstructure:"create_bucket" json:"create_bucket"`

	// PartSizeMB is the multipart chunk size for streamed uploads.
	PartSizeMB int64 `mapstructure:"part_size_mb" json:"part_size_mb"`
}

// Driver is a storage.Driver backed by one S3 bucket.
type Driver struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	policy   storage.Policy
}

// New connects to the bucket described by cfg.
func New(ctx context.Context, cfg Config, rc retry.Config) (*Driver, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("s3: bucket name is required")
	}
	region := cfg.Region
	endpoint := cfg.Endpoint
	if cfg.AccountId != "" && endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountId)
		if region == "" {
			region = "auto"
		}
	}
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.KeyId != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.KeyId, cfg.Key, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		// Retries are owned by storage.Invoke.
		o.RetryMaxAttempts = 1
	})

	partSize := cfg.PartSizeMB << 20
	if partSize < manager.MinUploadPartSize {
		partSize = manager.DefaultUploadPartSize
	}
	d := &Driver{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = partSize
		}),
		bucket: cfg.BucketName,
		policy: storage.Policy{Provider: "amazon", Retry: rc, Classify: classify},
	}

	if cfg.CreateBucket {
		if err := d.ensureBucket(ctx); err != nil {
			logging.Error("bucket check failed", zap.String("bucket", cfg.BucketName), zap.Error(err))
		}
	}
	return d, nil
}

func (d *Driver) ensureBucket(ctx context.Context) error {
	return storage.InvokeErr(ctx, d.policy, "ensure_bucket", d.bucket, func(ctx context.Context) error {
		_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(d.bucket)})
		if err == nil {
			return nil
		}
		if _, err := d.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(d.bucket)}); err != nil {
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", d.bucket, err)
		}
		logging.Info("created S3 bucket", zap.String("bucket", d.bucket))
		return nil
	})
}

// Name returns "amazon".
func (d *Driver) Name() string { return "amazon" }

// Capabilities: S3 has no append and keeps empty folders as markers.
func (d *Driver) Capabilities() storage.Capabilities {
	return storage.Capabilities{FolderMarkers: true}
}

// List implements storage.Driver using the ListObjectsV2 paginator.
func (d *Driver) List(ctx context.Context, prefix, delimiter string) ([]storage.FileMetadata, []string, error) {
	type page struct {
		objects  []storage.FileMetadata
		prefixes []string
	}
	r, err := storage.Invoke(ctx, d.policy, "list", prefix, func(ctx context.Context) (page, error) {
		input := &s3.ListObjectsV2Input{Bucket: aws.String(d.bucket)}
		if prefix != "" {
			input.Prefix = aws.String(prefix)
		}
		if delimiter != "" {
			input.Delimiter = aws.String(delimiter)
		}

		var res page
		p := s3.NewListObjectsV2Paginator(d.client, input)
		for p.HasMorePages() {
			out, err := p.NextPage(ctx)
			if err != nil {
				return page{}, err
			}
			for _, obj := range out.Contents {
				res.objects = append(res.objects, storage.FileMetadata{
					Key:           aws.ToString(obj.Key),
					ContentLength: aws.ToInt64(obj.Size),
					ETag:          aws.ToString(obj.ETag),
					LastModified:  aws.ToTime(obj.LastModified),
				})
			}
			for _, cp := range out.CommonPrefixes {
				res.prefixes = append(res.prefixes, aws.ToString(cp.Prefix))
			}
		}
		return res, nil
	})
	return r.objects, r.prefixes, err
}

// GetMetadata implements storage.Driver with HeadObject.
func (d *Driver) GetMetadata(ctx context.Context, key string) (storage.FileMetadata, error) {
	return storage.Invoke(ctx, d.policy, "get_metadata", key, func(ctx context.Context) (storage.FileMetadata, error) {
		out, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return storage.FileMetadata{}, err
		}
		stamp, extra := storage.DecodeMetadata(out.Metadata)
		return storage.FileMetadata{
			Key:           key,
			ContentType:   aws.ToString(out.ContentType),
			ContentLength: aws.ToInt64(out.ContentLength),
			ETag:          aws.ToString(out.ETag),
			CacheControl:  aws.ToString(out.CacheControl),
			LastModified:  aws.ToTime(out.LastModified),
			Sync:          stamp,
			Metadata:      extra,
		}, nil
	})
}

// OpenRead implements storage.Driver.
func (d *Driver) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	return storage.Invoke(ctx, d.policy, "open_read", key, func(ctx context.Context) (io.ReadCloser, error) {
		out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, err
		}
		return out.Body, nil
	})
}

// OpenWrite streams through the multipart upload manager, so objects of
// unknown size never need to be buffered whole.
func (d *Driver) OpenWrite(ctx context.Context, key string, opts storage.WriteOptions) (storage.ObjectWriter, error) {
	if opts.Append {
		return nil, errors.New("s3: append is not supported")
	}
	input := &s3.PutObjectInput{
		Bucket:   aws.String(d.bucket),
		Key:      aws.String(key),
		Metadata: opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.CacheControl != "" {
		input.CacheControl = aws.String(opts.CacheControl)
	}

	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	input.Body = pr
	w := &writer{pw: pw, cancel: cancel, done: make(chan error, 1), key: key}
	go func() {
		_, err := d.uploader.Upload(ctx, input)
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

type writer struct {
	pw     *io.PipeWriter
	cancel context.CancelFunc
	done   chan error
	key    string
	result error
	closed bool
}

func (w *writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *writer) Close() error {
	if w.closed {
		return w.result
	}
	w.closed = true
	w.pw.Close()
	err := <-w.done
	w.cancel()
	if err != nil {
		w.result = fmt.Errorf("s3 upload %s: %w", w.key, classify(err))
	}
	return w.result
}

func (w *writer) Abort(err error) {
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

// Delete implements storage.Driver. S3 deletes are idempotent, so the key
// is checked first to report NotFound.
func (d *Driver) Delete(ctx context.Context, key string) error {
	if _, err := d.GetMetadata(ctx, key); err != nil {
		return err
	}
	return storage.InvokeErr(ctx, d.policy, "delete", key, func(ctx context.Context) error {
		_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(key),
		})
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

// Copy implements storage.Driver with a server-side CopyObject.
func (d *Driver) Copy(ctx context.Context, srcKey, dstKey string) error {
	return storage.InvokeErr(ctx, d.policy, "copy", srcKey, func(ctx context.Context) error {
		_, err := d.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:            aws.String(d.bucket),
			Key:               aws.String(dstKey),
			CopySource:        aws.String(copySource(d.bucket, srcKey)),
			MetadataDirective: types.MetadataDirectiveCopy,
		})
		return err
	})
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (d *Driver) Close() error { return nil }

func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

// classify maps SDK errors onto the storage taxonomy.
func classify(err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return &storage.Error{Kind: storage.ErrNotFound, Op: "s3", Err: err}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return &storage.Error{Kind: storage.ErrNotFound, Op: "s3", Err: err}
		case "SlowDown", "RequestTimeout", "ThrottlingException", "InternalError", "ServiceUnavailable":
			return retry.Retryable(err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == 404 {
			return &storage.Error{Kind: storage.ErrNotFound, Op: "s3", Err: err}
		}
		if storage.IsTransientStatus(code) {
			return retry.Retryable(err)
		}
	}
	return storage.ClassifyTransient(err)
}
