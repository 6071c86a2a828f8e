// Package upload assembles chunked uploads into final objects.
//
// Chunks of one session (UploadUid) may arrive in any order and
// concurrently. Each is streamed to uploads/{uid}/{index} on the primary
// provider. When every index has arrived the session is claimed once and
// the chunks are concatenated into the destination through the storage
// service, stamped with the session's sync identity.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/objectstore/internal/logging"
	"github.com/fruitsalade/objectstore/internal/metrics"
	"github.com/fruitsalade/objectstore/internal/storage"
)

const (
	DefaultCacheControl = "max-age=3600, must-revalidate"
	DefaultIdleTimeout  = 30 * time.Minute
	DefaultMaxChunk     = 64 * 1024 * 1024

	// maxAssemblyAttempts bounds size-mismatch retries before the
	// session's chunks are purged.
	maxAssemblyAttempts = 2
)

// State is the lifecycle position of an upload session.
type State string

const (
	StateCollecting State = "collecting"
	StateComplete   State = "complete"
	StateAssembled  State = "assembled"
	StateAbandoned  State = "abandoned"
)

// ChunkMetadata is the per-chunk wire contract.
type ChunkMetadata struct {
	UploadUid     string `json:"uploadUid"`
	FileName      string `json:"fileName"`
	RelativePath  string `json:"relativePath"`
	ContentType   string `json:"contentType"`
	ChunkIndex    int64  `json:"chunkIndex"`
	TotalChunks   int64  `json:"totalChunks"`
	TotalFileSize int64  `json:"totalFileSize"`
	ImageWidth    string `json:"imageWidth,omitempty"`
	ImageHeight   string `json:"imageHeight,omitempty"`
	CacheControl  string `json:"cacheControl,omitempty"`
}

// Destination is the logical path of the assembled object.
func (m ChunkMetadata) Destination() string {
	return storage.JoinLogical(m.RelativePath, m.FileName)
}

// Result reports the session after one accepted chunk.
type Result struct {
	UploadUid   string                `json:"uploadUid"`
	State       State                 `json:"state"`
	Received    int                   `json:"received"`
	TotalChunks int64                 `json:"totalChunks"`
	Duplicate   bool                  `json:"duplicate,omitempty"`
	File        *storage.FileMetadata `json:"file,omitempty"`
}

// Status is a snapshot of one session.
type Status struct {
	UploadUid     string    `json:"uploadUid"`
	State         State     `json:"state"`
	Path          string    `json:"path"`
	TotalChunks   int64     `json:"totalChunks"`
	TotalFileSize int64     `json:"totalFileSize"`
	Received      []int64   `json:"received"`
	Attempts      int       `json:"attempts"`
	LastActivity  time.Time `json:"lastActivity"`
}

// Options configures an Assembler.
type Options struct {
	// IdleTimeout abandons sessions that receive no chunk for this long.
	IdleTimeout time.Duration

	// MaxChunkBytes caps a single chunk body.
	MaxChunkBytes int64

	// DefaultCacheControl applies when a chunk carries none.
	DefaultCacheControl string

	// OnAssembled is called after a session's object was written.
	OnAssembled func(uid string, meta storage.FileMetadata)

	Now func() time.Time
}

type session struct {
	mu sync.Mutex

	uid   string
	meta  ChunkMetadata
	dest  string
	state State

	chunks   map[int64]storage.ChunkInfo
	inflight int
	attempts int
	last     time.Time
	final    *storage.FileMetadata
}

func (s *session) status() Status {
	received := make([]int64, 0, len(s.chunks))
	for idx := range s.chunks {
		received = append(received, idx)
	}
	sort.Slice(received, func(i, j int) bool { return received[i] < received[j] })
	return Status{
		UploadUid:     s.uid,
		State:         s.state,
		Path:          s.dest,
		TotalChunks:   s.meta.TotalChunks,
		TotalFileSize: s.meta.TotalFileSize,
		Received:      received,
		Attempts:      s.attempts,
		LastActivity:  s.last,
	}
}

// Assembler tracks upload sessions in memory. It is safe for concurrent use.
type Assembler struct {
	svc     *storage.Service
	scratch *storage.Scratch
	opts    Options

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates an Assembler writing through svc.
func New(svc *storage.Service, opts Options) *Assembler {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = DefaultMaxChunk
	}
	if opts.DefaultCacheControl == "" {
		opts.DefaultCacheControl = DefaultCacheControl
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Assembler{
		svc:      svc,
		scratch:  svc.Scratch(),
		opts:     opts,
		sessions: make(map[string]*session),
	}
}

func conflict(uid, format string, args ...any) error {
	return &storage.Error{Kind: storage.ErrSessionConflict, Op: "accept_chunk", Path: uid, Err: fmt.Errorf(format, args...)}
}

// validate checks a chunk on its own and returns the cleaned destination.
func (a *Assembler) validate(m ChunkMetadata) (string, error) {
	if !storage.ValidUploadUID(m.UploadUid) {
		return "", storage.InvalidPathf(m.UploadUid, "invalid upload id")
	}
	if m.FileName == "" {
		return "", storage.InvalidPathf(m.Destination(), "file name is required")
	}
	paths := a.svc.Primary().Paths
	dest, err := paths.Clean(m.Destination())
	if err != nil {
		return "", err
	}
	if dest == "/" || paths.Reserved(dest) {
		return "", storage.InvalidPathf(m.Destination(), "path is reserved")
	}
	if m.TotalChunks < 1 {
		return "", conflict(m.UploadUid, "total chunks must be positive, got %d", m.TotalChunks)
	}
	if m.TotalFileSize < 0 {
		return "", conflict(m.UploadUid, "total file size must not be negative")
	}
	if m.ChunkIndex < 0 || m.ChunkIndex >= m.TotalChunks {
		return "", conflict(m.UploadUid, "chunk index %d outside [0, %d)", m.ChunkIndex, m.TotalChunks)
	}
	return dest, nil
}

// session returns the live session for uid, creating it from m.
func (a *Assembler) session(m ChunkMetadata, dest string) *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[m.UploadUid]
	if !ok {
		s = &session{
			uid:    m.UploadUid,
			meta:   m,
			dest:   dest,
			state:  StateCollecting,
			chunks: make(map[int64]storage.ChunkInfo),
			last:   a.opts.Now(),
		}
		a.sessions[m.UploadUid] = s
		metrics.SetUploadSessionsActive(len(a.sessions))
	}
	return s
}

func (a *Assembler) forget(uid string) {
	a.mu.Lock()
	delete(a.sessions, uid)
	metrics.SetUploadSessionsActive(len(a.sessions))
	a.mu.Unlock()
}

func (a *Assembler) maxChunk(m ChunkMetadata) int64 {
	return min(m.TotalFileSize, a.opts.MaxChunkBytes)
}

// AcceptChunk stores one chunk and assembles the session when it was the
// last one missing. A chunk arriving while the session is being
// assembled gets ErrAlreadyAssembling.
func (a *Assembler) AcceptChunk(ctx context.Context, m ChunkMetadata, body io.Reader) (Result, error) {
	dest, err := a.validate(m)
	if err != nil {
		metrics.RecordChunk("conflict")
		return Result{}, err
	}
	s := a.session(m, dest)

	s.mu.Lock()
	if err := s.check(m, dest); err != nil {
		s.mu.Unlock()
		metrics.RecordChunk("conflict")
		return Result{}, err
	}
	switch s.state {
	case StateAbandoned:
		s.mu.Unlock()
		metrics.RecordChunk("conflict")
		return Result{}, conflict(m.UploadUid, "session was abandoned")
	case StateComplete:
		s.mu.Unlock()
		metrics.RecordChunk("duplicate")
		return Result{}, &storage.Error{Kind: storage.ErrAlreadyAssembling, Op: "accept_chunk", Path: dest}
	case StateAssembled:
		recorded, ok := s.chunks[m.ChunkIndex]
		s.mu.Unlock()
		if !ok {
			metrics.RecordChunk("conflict")
			return Result{}, conflict(m.UploadUid, "chunk %d was not part of the assembled upload", m.ChunkIndex)
		}
		return a.duplicate(ctx, m, dest, recorded, body)
	}
	s.inflight++
	s.last = a.opts.Now()
	s.mu.Unlock()

	info, putErr := a.scratch.Put(ctx, m.UploadUid, m.ChunkIndex, body, a.maxChunk(m))

	s.mu.Lock()
	s.inflight--
	s.last = a.opts.Now()
	if putErr != nil {
		// A failed retry of an index that already arrived can be the last
		// write in flight, so it may still have to claim the session.
		claimed := s.claim()
		received := len(s.chunks)
		s.mu.Unlock()
		metrics.RecordChunk("error")
		if !claimed {
			return Result{}, putErr
		}
		logging.Debug("chunk retry failed after upload completed", logging.UploadUID(m.UploadUid),
			zap.Int64("index", m.ChunkIndex), logging.Err(putErr))
		return a.finish(ctx, s, received)
	}
	if s.state == StateAbandoned {
		s.mu.Unlock()
		// The session was purged while this chunk was in flight.
		if err := a.scratch.Delete(context.WithoutCancel(ctx), m.UploadUid, m.ChunkIndex); err != nil {
			logging.Warn("purge of late chunk failed", logging.UploadUID(m.UploadUid), logging.Err(err))
		}
		metrics.RecordChunk("conflict")
		return Result{}, conflict(m.UploadUid, "session was abandoned")
	}
	s.chunks[m.ChunkIndex] = info
	received := len(s.chunks)
	claimed := s.claim()
	s.mu.Unlock()
	metrics.RecordChunk("accepted")

	logging.Debug("chunk accepted", logging.UploadUID(m.UploadUid),
		zap.Int64("index", m.ChunkIndex), zap.Int64("size", info.Size),
		zap.Int("received", received), zap.Int64("total", m.TotalChunks))

	if !claimed {
		return Result{UploadUid: m.UploadUid, State: StateCollecting, Received: received, TotalChunks: m.TotalChunks}, nil
	}

	return a.finish(ctx, s, received)
}

// claim moves a session holding every chunk, with no write in flight, to
// StateComplete. It reports whether the caller now owns assembly. Must be
// called with s.mu held.
func (s *session) claim() bool {
	if s.state != StateCollecting || int64(len(s.chunks)) != s.meta.TotalChunks || s.inflight != 0 {
		return false
	}
	s.state = StateComplete
	return true
}

// finish assembles a session the caller has claimed.
func (a *Assembler) finish(ctx context.Context, s *session, received int) (Result, error) {
	meta, err := a.assemble(ctx, s)
	if err != nil {
		return Result{}, err
	}
	return Result{
		UploadUid:   s.uid,
		State:       StateAssembled,
		Received:    received,
		TotalChunks: s.meta.TotalChunks,
		File:        &meta,
	}, nil
}

// check rejects a chunk whose session-level fields disagree with the
// session. Must be called with s.mu held.
func (s *session) check(m ChunkMetadata, dest string) error {
	if m.TotalChunks != s.meta.TotalChunks {
		return conflict(m.UploadUid, "total chunks %d does not match session value %d", m.TotalChunks, s.meta.TotalChunks)
	}
	if m.TotalFileSize != s.meta.TotalFileSize {
		return conflict(m.UploadUid, "total file size %d does not match session value %d", m.TotalFileSize, s.meta.TotalFileSize)
	}
	if dest != s.dest {
		return conflict(m.UploadUid, "destination %s does not match session destination %s", dest, s.dest)
	}
	return nil
}

// duplicate handles a chunk re-sent after its session was assembled. It
// is a no-op when the final object still carries this session's stamp
// and the body matches the chunk that was assembled.
func (a *Assembler) duplicate(ctx context.Context, m ChunkMetadata, dest string, recorded storage.ChunkInfo, body io.Reader) (Result, error) {
	h := sha256.New()
	n, err := io.Copy(h, io.LimitReader(body, a.maxChunk(m)+1))
	if err != nil {
		metrics.RecordChunk("error")
		return Result{}, fmt.Errorf("read duplicate chunk: %w", err)
	}
	if n != recorded.Size || hex.EncodeToString(h.Sum(nil)) != recorded.SHA256 {
		metrics.RecordChunk("conflict")
		return Result{}, conflict(m.UploadUid, "chunk %d differs from the assembled one", m.ChunkIndex)
	}

	final, err := a.svc.GetFile(ctx, dest)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			metrics.RecordChunk("conflict")
			return Result{}, conflict(m.UploadUid, "assembled object no longer exists")
		}
		return Result{}, err
	}
	if final.Sync == nil || final.Sync.UploadUID != m.UploadUid || final.ContentLength != m.TotalFileSize {
		metrics.RecordChunk("conflict")
		return Result{}, conflict(m.UploadUid, "assembled object was replaced")
	}

	metrics.RecordChunk("duplicate")
	return Result{
		UploadUid:   m.UploadUid,
		State:       StateAssembled,
		Received:    int(m.TotalChunks),
		TotalChunks: m.TotalChunks,
		Duplicate:   true,
		File:        &final,
	}, nil
}

// assemble writes the claimed session's chunks, in index order, to its
// destination. The caller must hold the claim (state Complete).
func (a *Assembler) assemble(ctx context.Context, s *session) (storage.FileMetadata, error) {
	start := time.Now()
	s.mu.Lock()
	m := s.meta
	var stored int64
	for _, c := range s.chunks {
		stored += c.Size
	}
	s.mu.Unlock()

	var (
		meta storage.FileMetadata
		err  error
	)
	if stored != m.TotalFileSize {
		err = &storage.Error{Kind: storage.ErrSizeMismatch, Op: "assemble", Path: s.dest,
			Err: fmt.Errorf("chunks hold %d bytes, declared %d", stored, m.TotalFileSize)}
	} else {
		r := newChunkReader(ctx, a.scratch, s.uid, m.TotalChunks)
		meta, err = a.svc.Put(ctx, s.dest, r, a.putOptions(m))
		r.Close()
	}
	metrics.RecordAssembly(time.Since(start), err == nil)

	if err != nil {
		return storage.FileMetadata{}, a.assemblyFailed(ctx, s, err)
	}

	s.mu.Lock()
	s.state = StateAssembled
	s.final = &meta
	s.last = a.opts.Now()
	s.mu.Unlock()

	// A failed purge leaves orphans for the sweeper; the object is committed.
	if _, err := a.scratch.Purge(context.WithoutCancel(ctx), s.uid); err != nil {
		logging.Warn("chunk purge after assembly failed", logging.UploadUID(s.uid), logging.Err(err))
	}
	logging.Info("chunked upload assembled",
		logging.UploadUID(s.uid), logging.Path(s.dest),
		zap.Int64("size", meta.ContentLength), zap.Int64("chunks", m.TotalChunks),
		zap.Duration("duration", time.Since(start)))

	if a.opts.OnAssembled != nil {
		a.opts.OnAssembled(s.uid, meta)
	}
	return meta, nil
}

// assemblyFailed moves a failed session back to Collecting so re-sent
// chunks can trigger another attempt. A second length mismatch abandons
// the session and purges its chunks.
func (a *Assembler) assemblyFailed(ctx context.Context, s *session, err error) error {
	mismatch := errors.Is(err, storage.ErrSizeMismatch)

	s.mu.Lock()
	if mismatch {
		s.attempts++
	}
	abandon := mismatch && s.attempts >= maxAssemblyAttempts
	if abandon {
		s.state = StateAbandoned
	} else {
		s.state = StateCollecting
	}
	s.last = a.opts.Now()
	attempts := s.attempts
	s.mu.Unlock()

	logging.Warn("chunked upload assembly failed",
		logging.UploadUID(s.uid), logging.Path(s.dest),
		zap.Int("attempts", attempts), zap.Bool("abandoned", abandon), logging.Err(err))

	if abandon {
		if _, perr := a.scratch.Purge(context.WithoutCancel(ctx), s.uid); perr != nil {
			logging.Warn("chunk purge failed", logging.UploadUID(s.uid), logging.Err(perr))
		}
		a.forget(s.uid)
	}
	if !mismatch {
		return err
	}
	return &storage.Error{Kind: storage.ErrAssembly, Op: "assemble", Path: s.dest, Err: err}
}

func (a *Assembler) putOptions(m ChunkMetadata) storage.PutOptions {
	cacheControl := m.CacheControl
	if cacheControl == "" {
		cacheControl = a.opts.DefaultCacheControl
	}
	var extra map[string]string
	if m.ImageWidth != "" || m.ImageHeight != "" {
		extra = map[string]string{}
		if m.ImageWidth != "" {
			extra["imagewidth"] = m.ImageWidth
		}
		if m.ImageHeight != "" {
			extra["imageheight"] = m.ImageHeight
		}
	}
	return storage.PutOptions{
		ContentType:  m.ContentType,
		CacheControl: cacheControl,
		Size:         m.TotalFileSize,
		Stamp:        storage.NewSyncStamp(m.UploadUid, m.TotalFileSize, a.opts.Now()),
		Metadata:     extra,
	}
}

// Status returns a snapshot of the session for uid.
func (a *Assembler) Status(uid string) (Status, error) {
	a.mu.Lock()
	s, ok := a.sessions[uid]
	a.mu.Unlock()
	if !ok {
		return Status{}, storage.NotFoundError("upload_status", uid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status(), nil
}

// Abort abandons a session and purges its chunks. Aborting a session that
// is being assembled returns ErrAlreadyAssembling. Aborting an assembled
// session only forgets it.
func (a *Assembler) Abort(ctx context.Context, uid string) error {
	a.mu.Lock()
	s, ok := a.sessions[uid]
	a.mu.Unlock()
	if !ok {
		return storage.NotFoundError("upload_abort", uid)
	}

	s.mu.Lock()
	state := s.state
	if state == StateComplete {
		s.mu.Unlock()
		return &storage.Error{Kind: storage.ErrAlreadyAssembling, Op: "upload_abort", Path: s.dest}
	}
	s.state = StateAbandoned
	s.mu.Unlock()

	if state == StateAssembled {
		a.forget(uid)
		return nil
	}
	n, err := a.scratch.Purge(ctx, uid)
	a.forget(uid)
	logging.Info("chunked upload aborted", logging.UploadUID(uid), zap.Int("purged", n))
	return err
}

// Sweep abandons sessions idle for longer than the idle timeout, forgets
// assembled sessions after the same period, and purges chunk prefixes
// that no live session owns. It returns the number of sessions abandoned.
func (a *Assembler) Sweep(ctx context.Context) (int, error) {
	now := a.opts.Now()

	a.mu.Lock()
	candidates := make([]*session, 0, len(a.sessions))
	for _, s := range a.sessions {
		candidates = append(candidates, s)
	}
	a.mu.Unlock()

	var (
		errs      []error
		swept     int
		expired   []string
		forgotten []string
	)
	for _, s := range candidates {
		s.mu.Lock()
		idle := now.Sub(s.last) > a.opts.IdleTimeout
		switch {
		case !idle || s.inflight > 0:
		case s.state == StateCollecting:
			s.state = StateAbandoned
			expired = append(expired, s.uid)
			swept++
		case s.state == StateAssembled:
			forgotten = append(forgotten, s.uid)
		}
		s.mu.Unlock()
	}

	// Chunks are purged while the abandoned session still shadows its uid.
	for _, uid := range expired {
		n, err := a.scratch.Purge(ctx, uid)
		if err != nil {
			errs = append(errs, err)
		}
		a.forget(uid)
		logging.Info("idle upload session abandoned", logging.UploadUID(uid), zap.Int("purged", n))
	}
	for _, uid := range forgotten {
		a.forget(uid)
	}

	orphans, err := a.purgeOrphans(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	if swept > 0 || orphans > 0 {
		logging.Info("upload sweep finished", zap.Int("abandoned", swept), zap.Int("orphans", orphans))
	}
	metrics.RecordSessionsSwept(swept)
	return swept, errors.Join(errs...)
}

// purgeOrphans removes chunk prefixes with no session, such as those
// left by a restart.
func (a *Assembler) purgeOrphans(ctx context.Context) (int, error) {
	uids, err := a.scratch.Sessions(ctx)
	if err != nil {
		return 0, err
	}
	// An abandoned placeholder shadows each orphan uid while its chunks
	// are purged, so a chunk arriving meanwhile is refused instead of
	// starting a session whose data would be deleted.
	a.mu.Lock()
	placeholders := make(map[string]*session)
	for _, uid := range uids {
		if _, live := a.sessions[uid]; live {
			continue
		}
		s := &session{uid: uid, state: StateAbandoned, chunks: make(map[int64]storage.ChunkInfo)}
		a.sessions[uid] = s
		placeholders[uid] = s
	}
	a.mu.Unlock()

	var errs []error
	purged := 0
	for uid, s := range placeholders {
		_, err := a.scratch.Purge(ctx, uid)
		a.release(uid, s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		purged++
	}
	return purged, errors.Join(errs...)
}

// release drops the placeholder s for uid unless it was already replaced.
func (a *Assembler) release(uid string, s *session) {
	a.mu.Lock()
	if a.sessions[uid] == s {
		delete(a.sessions, uid)
	}
	a.mu.Unlock()
}

// StartSweeper runs Sweep every interval until ctx is done. A non-positive
// interval sweeps at a sixth of the idle timeout.
func (a *Assembler) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = a.opts.IdleTimeout / 6
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := a.Sweep(ctx); err != nil {
					logging.Warn("upload sweep failed", logging.Err(err))
				}
			}
		}
	}()
}
