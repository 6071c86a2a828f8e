package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/objectstore/internal/logging"
	"github.com/fruitsalade/objectstore/internal/metrics"
	"github.com/fruitsalade/objectstore/internal/storage"
)

// HeaderCacheControl carries the Cache-Control value to store with an
// uploaded object. The request's own Cache-Control header is left to
// intermediaries.
const HeaderCacheControl = "X-Object-Cache-Control"

// ─── Objects ────────────────────────────────────────────────────────────────

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	meta, err := s.storage.GetFile(r.Context(), r.PathValue("path"))
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, meta)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")

	meta, err := s.storage.GetFile(r.Context(), path)
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	if meta.ETag != "" && r.Header.Get("If-None-Match") == meta.ETag {
		setObjectHeaders(w, meta)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	rc, meta, err := s.storage.GetStream(r.Context(), path)
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	defer rc.Close()

	setObjectHeaders(w, meta)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.ContentLength, 10))
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, rc)
	metrics.RecordContentDownload(n)
	if err != nil {
		logging.WithContext(r.Context()).Warn("content stream interrupted",
			logging.Path(meta.FullPath),
			zap.Int64("written", n),
			logging.Err(err),
		)
	}
}

func setObjectHeaders(w http.ResponseWriter, meta storage.FileMetadata) {
	h := w.Header()
	if meta.ContentType != "" {
		h.Set("Content-Type", meta.ContentType)
	}
	if meta.ETag != "" {
		h.Set("ETag", meta.ETag)
	}
	if meta.CacheControl != "" {
		h.Set("Cache-Control", meta.CacheControl)
	}
	if !meta.LastModified.IsZero() {
		h.Set("Last-Modified", meta.LastModified.UTC().Format(http.TimeFormat))
	}
}

// handlePutContent writes a whole object. With ?append=true the body is
// appended to the existing object instead.
func (s *Server) handlePutContent(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	if s.maxUploadSize > 0 {
		if r.ContentLength > s.maxUploadSize {
			s.sendError(w, http.StatusRequestEntityTooLarge, "upload exceeds maximum size")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	}

	var (
		meta storage.FileMetadata
		err  error
	)
	if r.URL.Query().Get("append") == "true" {
		meta, err = s.storage.Append(r.Context(), path, r.Body)
	} else {
		opts := storage.PutOptions{
			ContentType:  r.Header.Get("Content-Type"),
			CacheControl: r.Header.Get(HeaderCacheControl),
			Size:         storage.UnknownSize,
		}
		if r.ContentLength >= 0 {
			opts.Size = r.ContentLength
		}
		meta, err = s.storage.Put(r.Context(), path, r.Body, opts)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "upload exceeds maximum size")
			return
		}
		s.sendStorageError(w, r, err)
		return
	}

	logging.WithContext(r.Context()).Info("object written",
		logging.Path(meta.FullPath),
		zap.Int64("size", meta.ContentLength),
	)
	s.sendJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleDeleteContent(w http.ResponseWriter, r *http.Request) {
	if err := s.storage.DeleteFile(r.Context(), r.PathValue("path")); err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Folders ────────────────────────────────────────────────────────────────

// FolderListing is the body of a folder listing.
type FolderListing struct {
	Path    string                `json:"path"`
	Entries []storage.FolderEntry `json:"entries"`
}

func (s *Server) handleListFolder(w http.ResponseWriter, r *http.Request) {
	path := "/" + r.PathValue("path")
	entries, err := s.storage.ListFolder(r.Context(), path)
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	if entries == nil {
		entries = []storage.FolderEntry{}
	}
	s.sendJSON(w, http.StatusOK, FolderListing{Path: path, Entries: entries})
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	if err := s.storage.CreateFolder(r.Context(), path); err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, map[string]string{"path": "/" + path})
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	report, err := s.storage.DeleteFolder(r.Context(), r.PathValue("path"))
	s.sendReport(w, r, report, err)
}

// TransferRequest is the body of move and copy requests.
type TransferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Folder bool   `json:"folder"`
}

func (s *Server) decodeTransfer(w http.ResponseWriter, r *http.Request) (TransferRequest, bool) {
	var req TransferRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.From == "" || req.To == "" {
		s.sendError(w, http.StatusBadRequest, "from and to are required")
		return req, false
	}
	return req, true
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTransfer(w, r)
	if !ok {
		return
	}
	if req.Folder {
		report, err := s.storage.MoveFolder(r.Context(), req.From, req.To)
		s.sendReport(w, r, report, err)
		return
	}
	if err := s.storage.MoveFile(r.Context(), req.From, req.To); err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"from": req.From, "to": req.To})
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTransfer(w, r)
	if !ok {
		return
	}
	if req.Folder {
		report, err := s.storage.CopyFolder(r.Context(), req.From, req.To)
		s.sendReport(w, r, report, err)
		return
	}
	if err := s.storage.CopyFile(r.Context(), req.From, req.To); err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"from": req.From, "to": req.To})
}

// ─── Mirrors ────────────────────────────────────────────────────────────────

// SyncResponse is the body of a sync status request.
type SyncResponse struct {
	Path    string               `json:"path"`
	Checked time.Time            `json:"checked"`
	Mirrors []storage.SyncReport `json:"mirrors"`
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	reports, err := s.storage.SyncStatus(r.Context(), path)
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, SyncResponse{
		Path:    "/" + path,
		Checked: time.Now().UTC(),
		Mirrors: reports,
	})
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("mirror")
	if name == "" {
		s.sendError(w, http.StatusBadRequest, "mirror is required")
		return
	}
	if _, ok := s.storage.Mirror(name); !ok {
		s.sendError(w, http.StatusBadRequest, "unknown mirror")
		return
	}
	meta, err := s.storage.Replicate(r.Context(), r.PathValue("path"), name)
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, meta)
}
