// Package provider builds storage backends and the storage service from
// configuration.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/fruitsalade/objectstore/internal/config"
	"github.com/fruitsalade/objectstore/internal/logging"
	"github.com/fruitsalade/objectstore/internal/storage"
	"github.com/fruitsalade/objectstore/internal/storage/azure"
	"github.com/fruitsalade/objectstore/internal/storage/gcs"
	"github.com/fruitsalade/objectstore/internal/storage/local"
	"github.com/fruitsalade/objectstore/internal/storage/rediscache"
	"github.com/fruitsalade/objectstore/internal/storage/s3"
)

// NewBackend opens the index-th configured provider of kind.
func NewBackend(ctx context.Context, cfg *config.Config, kind string, index int) (storage.Backend, error) {
	if index < 0 || index >= cfg.Providers.Count(kind) {
		return storage.Backend{}, fmt.Errorf("no %s provider with index %d", kind, index)
	}
	rc := cfg.RetryPolicy()
	paths := storage.PathTranslator{CaseInsensitive: cfg.Storage.CaseInsensitive}

	var (
		driver storage.Driver
		err    error
	)
	switch kind {
	case config.KindAzure:
		c := cfg.Providers.Azure[index]
		paths.Container = c.Container
		driver, err = azure.New(ctx, c, rc)
	case config.KindAmazon:
		c := cfg.Providers.Amazon[index]
		paths.Container = c.BucketName
		driver, err = s3.New(ctx, c, rc)
	case config.KindGoogle:
		c := cfg.Providers.Google[index]
		paths.Container = c.BucketName
		driver, err = gcs.New(ctx, c, rc)
	case config.KindLocal:
		c := cfg.Providers.Local[index]
		paths.Container = c.RootPath
		driver, err = local.New(c, rc)
	case config.KindMemory:
		paths.Container = config.InstanceName(kind, index)
		driver = storage.NewMemoryDriver()
	default:
		return storage.Backend{}, fmt.Errorf("unknown provider kind: %s", kind)
	}
	if err != nil {
		return storage.Backend{}, fmt.Errorf("open %s: %w", config.InstanceName(kind, index), err)
	}
	return storage.Backend{Name: config.InstanceName(kind, index), Driver: driver, Paths: paths}, nil
}

// Open opens every configured provider and splits them into the primary
// and its mirrors. On error, already opened drivers are closed.
func Open(ctx context.Context, cfg *config.Config) (storage.Backend, []storage.Backend, error) {
	primaryName, err := cfg.PrimaryName()
	if err != nil {
		return storage.Backend{}, nil, err
	}

	var (
		primary storage.Backend
		mirrors []storage.Backend
		opened  []storage.Driver
	)
	for _, kind := range config.Kinds() {
		for i := 0; i < cfg.Providers.Count(kind); i++ {
			b, err := NewBackend(ctx, cfg, kind, i)
			if err != nil {
				for _, d := range opened {
					d.Close()
				}
				return storage.Backend{}, nil, err
			}
			opened = append(opened, b.Driver)
			if b.Name == primaryName {
				primary = b
			} else {
				mirrors = append(mirrors, b)
			}
			logging.Info("storage provider opened",
				logging.Provider(b.Name), zap.Bool("primary", b.Name == primaryName))
		}
	}
	return primary, mirrors, nil
}

// OpenCache returns the configured cache store. A nil store with a nil
// error means caching is disabled.
func OpenCache(ctx context.Context, cfg *config.Config) (storage.Cache, io.Closer, error) {
	switch cfg.Cache.Backend {
	case "none":
		return nil, nopCloser{}, nil
	case "redis":
		c, err := rediscache.Open(ctx, rediscache.Options{
			Addr:      cfg.Cache.Redis.Addr,
			Password:  cfg.Cache.Redis.Password,
			DB:        cfg.Cache.Redis.DB,
			KeyPrefix: cfg.Cache.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	default:
		return storage.NewMemoryCache(cfg.Cache.MaxEntries), nopCloser{}, nil
	}
}

// NewService opens the providers and cache and builds the storage
// service. Closing the returned closer releases all of them.
func NewService(ctx context.Context, cfg *config.Config, onChange func(storage.Change)) (*storage.Service, io.Closer, error) {
	cache, cacheCloser, err := OpenCache(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	primary, mirrors, err := Open(ctx, cfg)
	if err != nil {
		cacheCloser.Close()
		return nil, nil, err
	}

	maxCache := cfg.Storage.MaxCacheSeconds
	if cache == nil {
		maxCache = 0
	}
	svc, err := storage.NewService(primary, mirrors, storage.Options{
		MaxCacheSeconds:     maxCache,
		Cache:               cache,
		MaxCachedBodyBytes:  cfg.Storage.MaxCachedBodyBytes,
		ProbeSubdirectories: cfg.Storage.ProbeSubdirectories,
		FolderConcurrency:   cfg.Storage.FolderConcurrency,
		OnChange:            onChange,
	})
	if err != nil {
		cacheCloser.Close()
		return nil, nil, err
	}
	return svc, closers{svc, cacheCloser}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, cl := range c {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}
