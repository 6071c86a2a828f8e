// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/fruitsalade/objectstore/internal/events"
	"github.com/fruitsalade/objectstore/internal/logging"
	"github.com/fruitsalade/objectstore/internal/metrics"
	"github.com/fruitsalade/objectstore/internal/storage"
	"github.com/fruitsalade/objectstore/internal/upload"
)

// Server is the HTTP server.
type Server struct {
	storage       *storage.Service
	uploads       *upload.Assembler
	broadcaster   *events.Broadcaster
	maxUploadSize int64
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// NewServer creates a new server. broadcaster may be nil, which disables
// the event stream.
func NewServer(svc *storage.Service, uploads *upload.Assembler, broadcaster *events.Broadcaster, maxUploadSize int64) *Server {
	return &Server{
		storage:       svc,
		uploads:       uploads,
		broadcaster:   broadcaster,
		maxUploadSize: maxUploadSize,
	}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	// Objects
	mux.HandleFunc("GET /api/v1/metadata/{path...}", s.handleMetadata)
	mux.HandleFunc("GET /api/v1/content/{path...}", s.handleContent)
	mux.HandleFunc("PUT /api/v1/content/{path...}", s.handlePutContent)
	mux.HandleFunc("DELETE /api/v1/content/{path...}", s.handleDeleteContent)

	// Folders
	mux.HandleFunc("GET /api/v1/folders/{path...}", s.handleListFolder)
	mux.HandleFunc("POST /api/v1/folders/{path...}", s.handleCreateFolder)
	mux.HandleFunc("DELETE /api/v1/folders/{path...}", s.handleDeleteFolder)
	mux.HandleFunc("POST /api/v1/move", s.handleMove)
	mux.HandleFunc("POST /api/v1/copy", s.handleCopy)

	// Chunked uploads
	mux.HandleFunc("POST /api/v1/uploads/chunk", s.handleChunk)
	mux.HandleFunc("GET /api/v1/uploads/{uid}", s.handleUploadStatus)
	mux.HandleFunc("DELETE /api/v1/uploads/{uid}", s.handleAbortUpload)

	// Mirrors
	mux.HandleFunc("GET /api/v1/sync/{path...}", s.handleSyncStatus)
	mux.HandleFunc("POST /api/v1/replicate/{path...}", s.handleReplicate)

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": "1.0",
		"primary": s.storage.Primary().Name,
		"mirrors": len(s.storage.Mirrors()),
	})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		s.sendError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Responses ──────────────────────────────────────────────────────────────

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// sendStorageError maps a storage error to its status code. Provider
// details are logged, never returned.
func (s *Server) sendStorageError(w http.ResponseWriter, r *http.Request, err error) {
	code := storage.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("method", r.Method),
			logging.Path(r.URL.Path),
			logging.Err(err),
		)
	} else {
		logging.WithContext(r.Context()).Debug("request rejected",
			zap.Int("status", code),
			logging.Err(err),
		)
	}
	s.sendError(w, code, storage.SafeMessage(err))
}

// sendReport answers a folder operation. A partial failure is a 207 with
// the report as body.
func (s *Server) sendReport(w http.ResponseWriter, r *http.Request, report storage.FolderReport, err error) {
	switch {
	case err == nil:
		s.sendJSON(w, http.StatusOK, report)
	case errors.Is(err, storage.ErrPartialFailure):
		logging.WithContext(r.Context()).Warn("folder operation partially failed",
			logging.Path(r.URL.Path),
			zap.Int("succeeded", len(report.Succeeded)),
			zap.Int("failed", len(report.Failed)),
		)
		s.sendJSON(w, http.StatusMultiStatus, report)
	default:
		s.sendStorageError(w, r, err)
	}
}
