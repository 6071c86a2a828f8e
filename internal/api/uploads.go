package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/objectstore/internal/logging"
	"github.com/fruitsalade/objectstore/internal/storage"
	"github.com/fruitsalade/objectstore/internal/upload"
)

// maxFieldBytes bounds one multipart form value.
const maxFieldBytes = 4096

// ─── Chunked uploads ────────────────────────────────────────────────────────

// handleChunk accepts one chunk as multipart/form-data. Metadata fields
// must precede the file part, which is streamed straight into scratch
// storage.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}

	fields := make(map[string]string)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			s.sendError(w, http.StatusBadRequest, "missing chunk file part")
			return
		}
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}

		if part.FileName() == "" {
			value, err := readField(part)
			part.Close()
			if err != nil {
				s.sendError(w, http.StatusBadRequest, "form field too large")
				return
			}
			fields[strings.ToLower(part.FormName())] = value
			continue
		}

		meta, err := chunkMetadata(fields)
		if err != nil {
			part.Close()
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.acceptChunk(w, r, meta, part)
		part.Close()
		return
	}
}

func (s *Server) acceptChunk(w http.ResponseWriter, r *http.Request, meta upload.ChunkMetadata, body io.Reader) {
	res, err := s.uploads.AcceptChunk(r.Context(), meta, body)
	if errors.Is(err, storage.ErrAlreadyAssembling) {
		s.sendJSON(w, http.StatusAccepted, upload.Result{
			UploadUid:   meta.UploadUid,
			State:       upload.StateComplete,
			TotalChunks: meta.TotalChunks,
		})
		return
	}
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}

	code := http.StatusOK
	if res.File != nil && !res.Duplicate {
		code = http.StatusCreated
		logging.WithContext(r.Context()).Info("chunked upload completed",
			logging.UploadUID(res.UploadUid),
			logging.Path(res.File.FullPath),
			zap.Int64("size", res.File.ContentLength),
		)
	}
	s.sendJSON(w, code, res)
}

func readField(p *multipart.Part) (string, error) {
	data, err := io.ReadAll(io.LimitReader(p, maxFieldBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxFieldBytes {
		return "", errors.New("field too large")
	}
	return string(data), nil
}

// chunkMetadata builds the wire contract from form fields. Names are
// matched case-insensitively.
func chunkMetadata(f map[string]string) (upload.ChunkMetadata, error) {
	parse := func(name string) (int64, error) {
		v, ok := f[strings.ToLower(name)]
		if !ok || v == "" {
			return 0, errors.New("missing field " + name)
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, errors.New("invalid field " + name)
		}
		return n, nil
	}

	m := upload.ChunkMetadata{
		UploadUid:    f["uploaduid"],
		FileName:     f["filename"],
		RelativePath: f["relativepath"],
		ContentType:  f["contenttype"],
		ImageWidth:   f["imagewidth"],
		ImageHeight:  f["imageheight"],
		CacheControl: f["cachecontrol"],
	}
	var err error
	if m.ChunkIndex, err = parse("ChunkIndex"); err != nil {
		return m, err
	}
	if m.TotalChunks, err = parse("TotalChunks"); err != nil {
		return m, err
	}
	if m.TotalFileSize, err = parse("TotalFileSize"); err != nil {
		return m, err
	}
	return m, nil
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.uploads.Status(r.PathValue("uid"))
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, st)
}

func (s *Server) handleAbortUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.uploads.Abort(r.Context(), r.PathValue("uid")); err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
