package upload

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fruitsalade/objectstore/internal/storage"
)

// chunkReader streams a session's chunks in index order, opening each
// one only when the previous is exhausted.
type chunkReader struct {
	ctx     context.Context
	scratch *storage.Scratch
	uid     string
	next    int64
	total   int64
	cur     io.ReadCloser
}

func newChunkReader(ctx context.Context, scratch *storage.Scratch, uid string, total int64) *chunkReader {
	return &chunkReader{ctx: ctx, scratch: scratch, uid: uid, total: total}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.next >= r.total {
				return 0, io.EOF
			}
			if err := r.ctx.Err(); err != nil {
				return 0, err
			}
			rc, err := r.scratch.Open(r.ctx, r.uid, r.next)
			if errors.Is(err, storage.ErrNotFound) {
				// A lost chunk can only produce a short object.
				return 0, &storage.Error{Kind: storage.ErrSizeMismatch, Op: "assemble", Path: r.uid,
					Err: fmt.Errorf("chunk %d is missing", r.next)}
			}
			if err != nil {
				return 0, fmt.Errorf("open chunk %d: %w", r.next, err)
			}
			r.cur = rc
			r.next++
		}
		n, err := r.cur.Read(p)
		if err == io.EOF {
			r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Close releases the chunk currently open, if any.
func (r *chunkReader) Close() error {
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	return err
}
