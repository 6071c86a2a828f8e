package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ChunkInfo describes one stored chunk.
type ChunkInfo struct {
	Size   int64
	SHA256 string
}

// Scratch stores in-flight upload chunks under the reserved uploads/
// prefix of the primary provider. Nothing under that prefix is reachable
// through the logical path API.
type Scratch struct {
	b Backend
}

// Scratch returns the chunk store on the primary provider.
func (s *Service) Scratch() *Scratch {
	return &Scratch{b: s.primary}
}

// Put streams one chunk to uploads/{uid}/{index}. A body longer than
// maxBytes is discarded and reported as a session conflict.
func (sc *Scratch) Put(ctx context.Context, uid string, index int64, r io.Reader, maxBytes int64) (ChunkInfo, error) {
	if !ValidUploadUID(uid) {
		return ChunkInfo{}, InvalidPathf(uid, "invalid upload id")
	}
	key := ChunkKey(uid, index)
	w, err := sc.b.Driver.OpenWrite(ctx, key, WriteOptions{
		ContentType: "application/octet-stream",
		Size:        UnknownSize,
	})
	if err != nil {
		return ChunkInfo{}, err
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, h), io.LimitReader(r, maxBytes+1))
	if err != nil {
		w.Abort(err)
		return ChunkInfo{}, fmt.Errorf("store chunk %s: %w", key, err)
	}
	if n > maxBytes {
		err := newError(ErrSessionConflict, "accept_chunk", uid, fmt.Errorf("chunk %d exceeds %d bytes", index, maxBytes))
		w.Abort(err)
		return ChunkInfo{}, err
	}
	if err := commit(w, "accept_chunk", key); err != nil {
		return ChunkInfo{}, err
	}
	return ChunkInfo{Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

// Open reads one stored chunk.
func (sc *Scratch) Open(ctx context.Context, uid string, index int64) (io.ReadCloser, error) {
	return sc.b.Driver.OpenRead(ctx, ChunkKey(uid, index))
}

// Delete removes one stored chunk. A missing chunk is not an error.
func (sc *Scratch) Delete(ctx context.Context, uid string, index int64) error {
	err := sc.b.Driver.Delete(ctx, ChunkKey(uid, index))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Purge deletes every chunk stored for uid and returns how many were removed.
func (sc *Scratch) Purge(ctx context.Context, uid string) (int, error) {
	if !ValidUploadUID(uid) {
		return 0, InvalidPathf(uid, "invalid upload id")
	}
	objects, _, err := sc.b.Driver.List(ctx, ChunkPrefix(uid), "")
	if err != nil {
		return 0, err
	}
	// Reverse key order deletes children before any directory marker.
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key > objects[j].Key })
	var errs []error
	removed := 0
	for _, obj := range objects {
		if err := sc.b.Driver.Delete(ctx, obj.Key); err != nil {
			if !errors.Is(err, ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Sessions returns the upload ids that currently hold stored chunks.
func (sc *Scratch) Sessions(ctx context.Context) ([]string, error) {
	_, prefixes, err := sc.b.Driver.List(ctx, UploadsPrefix, "/")
	if err != nil {
		return nil, err
	}
	uids := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		uid := strings.TrimSuffix(strings.TrimPrefix(p, UploadsPrefix), "/")
		if ValidUploadUID(uid) {
			uids = append(uids, uid)
		}
	}
	return uids, nil
}
