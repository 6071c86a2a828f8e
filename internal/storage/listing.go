package storage

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// FolderEntry is one row of a directory listing. Directory entries are
// synthesized from common prefixes and never carry a size or content type.
type FolderEntry struct {
	Name              string    `json:"name"`
	Path              string    `json:"path"`
	IsDirectory       bool      `json:"isDirectory"`
	HasSubdirectories bool      `json:"hasSubdirectories"`
	Created           time.Time `json:"created,omitzero"`
	CreatedUtc        time.Time `json:"createdUtc,omitzero"`
	Modified          time.Time `json:"modified,omitzero"`
	ModifiedUtc       time.Time `json:"modifiedUtc,omitzero"`
	Size              int64     `json:"size,omitempty"`
	Extension         string    `json:"extension,omitempty"`
	ContentType       string    `json:"contentType,omitempty"`
}

// ListFolder returns the files and subfolders directly under a logical
// folder, sorted by name. It never recurses. An empty or missing folder
// yields an empty list.
func (s *Service) ListFolder(ctx context.Context, folder string) ([]FolderEntry, error) {
	paths := s.primary.Paths
	clean, err := paths.Clean(folder)
	if err != nil {
		return nil, err
	}
	if paths.Reserved(clean) {
		return nil, InvalidPathf(folder, "path is reserved")
	}
	prefix, err := paths.FolderPrefix(clean)
	if err != nil {
		return nil, err
	}

	objects, prefixes, err := s.primary.Driver.List(ctx, prefix, "/")
	if err != nil {
		return nil, wrap("list", clean, err)
	}

	entries := buildEntries(s.primary, clean, prefix, objects, prefixes)

	if s.probe {
		if err := s.probeSubdirectories(ctx, prefix, entries); err != nil {
			return nil, wrap("list", clean, err)
		}
	}
	return entries, nil
}

// buildEntries converts one level of a flat listing into folder entries.
func buildEntries(b Backend, clean, prefix string, objects []FileMetadata, prefixes []string) []FolderEntry {
	paths := b.Paths
	seen := make(map[string]struct{}, len(objects)+len(prefixes))
	entries := make([]FolderEntry, 0, len(objects)+len(prefixes))

	for _, cp := range prefixes {
		if !paths.HasPrefix(cp, prefix) {
			continue
		}
		name := strings.TrimSuffix(cp[len(prefix):], "/")
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		if prefix == "" && paths.Reserved("/"+name) {
			continue
		}
		id := "d:" + name
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		entries = append(entries, FolderEntry{
			Name:        name,
			Path:        JoinLogical(clean, name),
			IsDirectory: true,
		})
	}

	for _, obj := range objects {
		if obj.IsFolderMarker() || !paths.HasPrefix(obj.Key, prefix) {
			continue
		}
		name := obj.Key[len(prefix):]
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		id := "f:" + name
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		contentType := obj.ContentType
		if contentType == "" {
			contentType = b.inferContentType(name)
		}
		created := obj.Created
		if created.IsZero() {
			created = obj.LastModified
		}
		entries = append(entries, FolderEntry{
			Name:        name,
			Path:        JoinLogical(clean, name),
			Created:     created.Local(),
			CreatedUtc:  created.UTC(),
			Modified:    obj.LastModified.Local(),
			ModifiedUtc: obj.LastModified.UTC(),
			Size:        obj.ContentLength,
			Extension:   paths.Extension(name),
			ContentType: contentType,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].IsDirectory && !entries[j].IsDirectory
	})
	return entries
}

// probeSubdirectories lists each directory entry one level down, bounded
// by the folder concurrency limit.
func (s *Service) probeSubdirectories(ctx context.Context, prefix string, entries []FolderEntry) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range entries {
		if !entries[i].IsDirectory {
			continue
		}
		g.Go(func() error {
			_, sub, err := s.primary.Driver.List(gctx, prefix+entries[i].Name+"/", "/")
			if err != nil {
				return err
			}
			entries[i].HasSubdirectories = len(sub) > 0
			return nil
		})
	}
	return g.Wait()
}
