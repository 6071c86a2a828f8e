package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/objectstore/internal/logging"
)

// FailedItem is one child that a folder operation could not process.
type FailedItem struct {
	Path  string `json:"path"`
	Error string `json:"error"`
	err   error
}

// Unwrap returns the underlying error.
func (f FailedItem) Unwrap() error { return f.err }

// FolderReport lists which logical child paths a folder operation
// processed and which it did not. There is no rollback; callers retry the
// failed remainder.
type FolderReport struct {
	Succeeded []string     `json:"succeeded"`
	Failed    []FailedItem `json:"failed"`
}

type reportBuilder struct {
	mu     sync.Mutex
	report FolderReport
}

func (b *reportBuilder) ok(path string) {
	b.mu.Lock()
	b.report.Succeeded = append(b.report.Succeeded, path)
	b.mu.Unlock()
}

func (b *reportBuilder) fail(path string, err error) {
	b.mu.Lock()
	b.report.Failed = append(b.report.Failed, FailedItem{Path: path, Error: SafeMessage(err), err: err})
	b.mu.Unlock()
}

func (b *reportBuilder) result(op, path string) (FolderReport, error) {
	r := b.report
	sort.Strings(r.Succeeded)
	sort.Slice(r.Failed, func(i, j int) bool { return r.Failed[i].Path < r.Failed[j].Path })
	if r.Succeeded == nil {
		r.Succeeded = []string{}
	}
	if r.Failed == nil {
		r.Failed = []FailedItem{}
	}
	if len(r.Failed) > 0 {
		return r, newError(ErrPartialFailure, op, path, r.Failed[0].err)
	}
	return r, nil
}

// resolveFolder validates a logical folder path and returns its cleaned
// form and native prefix. The root folder is rejected.
func (s *Service) resolveFolder(folder string) (string, string, error) {
	paths := s.primary.Paths
	clean, err := paths.Clean(folder)
	if err != nil {
		return "", "", err
	}
	if clean == "/" {
		return "", "", InvalidPathf(folder, "operation not allowed on the root folder")
	}
	if paths.Reserved(clean) {
		return "", "", InvalidPathf(folder, "path is reserved")
	}
	prefix, err := paths.FolderPrefix(clean)
	return clean, prefix, err
}

// CreateFolder makes an empty folder visible. Providers that need it get
// a zero-length marker object; for the others this is a no-op.
func (s *Service) CreateFolder(ctx context.Context, folder string) error {
	clean, prefix, err := s.resolveFolder(folder)
	if err != nil {
		return err
	}
	if !s.primary.Driver.Capabilities().FolderMarkers {
		return nil
	}
	if _, err := s.write(ctx, s.primary, prefix, strings.NewReader(""), WriteOptions{
		ContentType: "application/x-directory",
		Size:        0,
	}); err != nil {
		return wrap("create_folder", clean, err)
	}
	return nil
}

// enumerate lists every object below prefix, split into content objects
// and folder markers. Markers are ordered deepest first.
func (s *Service) enumerate(ctx context.Context, clean, prefix string) ([]FileMetadata, []FileMetadata, error) {
	objects, _, err := s.primary.Driver.List(ctx, prefix, "")
	if err != nil {
		return nil, nil, wrap("list", clean, err)
	}
	var files, markers []FileMetadata
	for _, obj := range objects {
		if obj.IsFolderMarker() {
			markers = append(markers, obj)
		} else {
			files = append(files, obj)
		}
	}
	sort.Slice(markers, func(i, j int) bool {
		di, dj := strings.Count(markers[i].Key, "/"), strings.Count(markers[j].Key, "/")
		if di != dj {
			return di > dj
		}
		return markers[i].Key < markers[j].Key
	})
	return files, markers, nil
}

// DeleteFolder removes every object below folder, then the folder markers
// from the deepest up.
func (s *Service) DeleteFolder(ctx context.Context, folder string) (FolderReport, error) {
	clean, prefix, err := s.resolveFolder(folder)
	if err != nil {
		return FolderReport{}, err
	}
	files, markers, err := s.enumerate(ctx, clean, prefix)
	if err != nil {
		return FolderReport{}, err
	}
	if len(files) == 0 && len(markers) == 0 {
		return FolderReport{}, NotFoundError("delete_folder", clean)
	}

	var rb reportBuilder
	s.forEach(ctx, files, func(ctx context.Context, obj FileMetadata) {
		p := s.primary.Paths.ToLogicalPath("", obj.Key)
		if err := s.deleteKey(ctx, p, obj.Key); err != nil {
			rb.fail(p, err)
			return
		}
		rb.ok(p)
	})
	for _, m := range markers {
		p := s.primary.Paths.ToLogicalPath("", m.Key) + "/"
		if err := s.primary.Driver.Delete(ctx, m.Key); err != nil && !isNotFound(err) {
			rb.fail(p, err)
			continue
		}
		rb.ok(p)
	}

	report, err := rb.result("delete_folder", clean)
	logging.Info("folder deleted", logging.Path(clean),
		zap.Int("succeeded", len(report.Succeeded)), zap.Int("failed", len(report.Failed)))
	return report, err
}

// CopyFolder copies every object below from to the same relative key below to.
func (s *Service) CopyFolder(ctx context.Context, from, to string) (FolderReport, error) {
	return s.transferFolder(ctx, "copy_folder", from, to, false)
}

// MoveFolder renames a folder by copying each child and deleting the
// original once its copy succeeded. It is not atomic: on partial failure
// both trees may hold some of the children.
func (s *Service) MoveFolder(ctx context.Context, from, to string) (FolderReport, error) {
	return s.transferFolder(ctx, "move_folder", from, to, true)
}

func (s *Service) transferFolder(ctx context.Context, op, from, to string, move bool) (FolderReport, error) {
	srcClean, srcPrefix, err := s.resolveFolder(from)
	if err != nil {
		return FolderReport{}, err
	}
	dstClean, dstPrefix, err := s.resolveFolder(to)
	if err != nil {
		return FolderReport{}, err
	}
	if s.primary.Paths.HasPrefix(dstPrefix, srcPrefix) || s.primary.Paths.HasPrefix(srcPrefix, dstPrefix) {
		return FolderReport{}, InvalidPathf(to, "source and destination folders overlap")
	}

	files, markers, err := s.enumerate(ctx, srcClean, srcPrefix)
	if err != nil {
		return FolderReport{}, err
	}
	if len(files) == 0 && len(markers) == 0 {
		return FolderReport{}, NotFoundError(op, srcClean)
	}

	var rb reportBuilder
	transfer := func(ctx context.Context, obj FileMetadata) {
		rel := obj.Key[len(srcPrefix):]
		srcPath := s.primary.Paths.ToLogicalPath("", obj.Key)
		if obj.IsFolderMarker() {
			srcPath += "/"
		}
		dstKey := dstPrefix + rel
		dstPath := s.primary.Paths.ToLogicalPath("", dstKey)

		if err := s.primary.Driver.Copy(ctx, obj.Key, dstKey); err != nil {
			rb.fail(srcPath, err)
			return
		}
		if err := s.invalidate(ctx, dstPath); err != nil {
			rb.fail(srcPath, err)
			return
		}
		if move {
			if err := s.deleteKey(ctx, srcPath, obj.Key); err != nil && !isNotFound(err) {
				rb.fail(srcPath, err)
				return
			}
		}
		rb.ok(srcPath)
	}

	s.forEach(ctx, files, transfer)
	for _, m := range markers {
		transfer(ctx, m)
	}

	report, err := rb.result(op, srcClean)
	logging.Info("folder transferred", logging.Op(op), logging.Path(srcClean),
		zap.String("to", dstClean),
		zap.Int("succeeded", len(report.Succeeded)), zap.Int("failed", len(report.Failed)))
	return report, err
}

// deleteKey deletes one object and evicts its cache entries.
func (s *Service) deleteKey(ctx context.Context, clean, key string) error {
	delErr := s.primary.Driver.Delete(ctx, key)
	if err := s.invalidate(ctx, strings.TrimSuffix(clean, "/")); err != nil && delErr == nil {
		return err
	}
	if delErr != nil {
		return delErr
	}
	if !strings.HasSuffix(key, "/") {
		s.notify(ChangeDeleted, FileMetadata{FullPath: clean})
	}
	return nil
}

// forEach runs fn over objects with bounded concurrency. Failures are
// recorded by fn; one failing child never stops the others.
func (s *Service) forEach(ctx context.Context, objects []FileMetadata, fn func(context.Context, FileMetadata)) {
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, obj := range objects {
		g.Go(func() error {
			fn(ctx, obj)
			return nil
		})
	}
	_ = g.Wait()
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, ErrNotFound)
}
