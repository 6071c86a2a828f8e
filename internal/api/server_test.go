package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/objectstore/internal/events"
	"github.com/fruitsalade/objectstore/internal/logging"
	"github.com/fruitsalade/objectstore/internal/storage"
	"github.com/fruitsalade/objectstore/internal/upload"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

type fixture struct {
	svc         *storage.Service
	broadcaster *events.Broadcaster
	handler     http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := events.NewBroadcaster()
	svc, err := storage.NewService(
		storage.Backend{Name: "memory-0", Driver: storage.NewMemoryDriver()},
		[]storage.Backend{{Name: "memory-1", Driver: storage.NewMemoryDriver()}},
		storage.Options{MaxCacheSeconds: 60, OnChange: b.OnChange},
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })
	uploads := upload.New(svc, upload.Options{OnAssembled: b.OnAssembled})
	return &fixture{
		svc:         svc,
		broadcaster: b,
		handler:     NewServer(svc, uploads, b, 1<<20).Handler(),
	}
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" || body["primary"] != "memory-0" {
		t.Errorf("body = %v", body)
	}
}

func TestContentRoundTrip(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest("PUT", "/api/v1/content/notes/a.txt", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set(HeaderCacheControl, "max-age=60")
	rec := f.do(t, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body.String())
	}
	meta := decode[storage.FileMetadata](t, rec)
	if meta.FullPath != "/notes/a.txt" || meta.ContentLength != 5 {
		t.Fatalf("meta = %+v", meta)
	}
	if meta.Sync == nil || meta.Sync.UploadSize != 5 {
		t.Errorf("sync stamp = %+v", meta.Sync)
	}

	rec = f.do(t, httptest.NewRequest("GET", "/api/v1/content/notes/a.txt", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "max-age=60" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "5" {
		t.Errorf("Content-Length = %q", got)
	}
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}

	req = httptest.NewRequest("GET", "/api/v1/content/notes/a.txt", nil)
	req.Header.Set("If-None-Match", etag)
	if rec = f.do(t, req); rec.Code != http.StatusNotModified {
		t.Errorf("conditional get status = %d", rec.Code)
	}

	rec = f.do(t, httptest.NewRequest("GET", "/api/v1/metadata/notes/a.txt", nil))
	if got := decode[storage.FileMetadata](t, rec); got.ETag != etag {
		t.Errorf("metadata etag = %q, want %q", got.ETag, etag)
	}

	if rec = f.do(t, httptest.NewRequest("DELETE", "/api/v1/content/notes/a.txt", nil)); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = f.do(t, httptest.NewRequest("GET", "/api/v1/content/notes/a.txt", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", rec.Code)
	}
	if e := decode[ErrorResponse](t, rec); e.Error != "not found" || e.Code != http.StatusNotFound {
		t.Errorf("error body = %+v", e)
	}
}

func TestAppendContent(t *testing.T) {
	f := newFixture(t)
	for _, s := range []string{"ab", "cd"} {
		rec := f.do(t, httptest.NewRequest("PUT", "/api/v1/content/log.txt?append=true", strings.NewReader(s)))
		if rec.Code != http.StatusCreated {
			t.Fatalf("append status = %d: %s", rec.Code, rec.Body.String())
		}
	}
	rec := f.do(t, httptest.NewRequest("GET", "/api/v1/content/log.txt", nil))
	if rec.Body.String() != "abcd" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestUploadTooLarge(t *testing.T) {
	f := newFixture(t)
	body := bytes.Repeat([]byte("x"), 2<<20)
	rec := f.do(t, httptest.NewRequest("PUT", "/api/v1/content/big.bin", bytes.NewReader(body)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestInvalidPath(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, httptest.NewRequest("GET", "/api/v1/metadata/uploads/x/0", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("reserved path status = %d", rec.Code)
	}
}

func TestFolders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, p := range []string{"/docs/a.txt", "/docs/b.txt", "/docs/sub/c.txt"} {
		if _, err := f.svc.PutFile(ctx, p, strings.NewReader("x"), ""); err != nil {
			t.Fatal(err)
		}
	}

	rec := f.do(t, httptest.NewRequest("GET", "/api/v1/folders/docs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	listing := decode[FolderListing](t, rec)
	if len(listing.Entries) != 3 {
		t.Fatalf("entries = %+v", listing.Entries)
	}
	if !listing.Entries[2].IsDirectory || listing.Entries[2].Name != "sub" {
		t.Errorf("last entry = %+v", listing.Entries[2])
	}

	rec = f.do(t, httptest.NewRequest("GET", "/api/v1/folders/", nil))
	if root := decode[FolderListing](t, rec); len(root.Entries) != 1 || root.Entries[0].Name != "docs" {
		t.Errorf("root = %+v", root)
	}

	if rec = f.do(t, httptest.NewRequest("POST", "/api/v1/folders/empty", nil)); rec.Code != http.StatusCreated {
		t.Errorf("create status = %d", rec.Code)
	}

	rec = f.do(t, httptest.NewRequest("POST", "/api/v1/move",
		strings.NewReader(`{"from":"/docs","to":"/archive","folder":true}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("move status = %d: %s", rec.Code, rec.Body.String())
	}
	report := decode[storage.FolderReport](t, rec)
	if len(report.Succeeded) != 3 || len(report.Failed) != 0 {
		t.Errorf("report = %+v", report)
	}
	if ok, _ := f.svc.Exists(ctx, "/archive/sub/c.txt"); !ok {
		t.Error("moved file missing")
	}

	rec = f.do(t, httptest.NewRequest("POST", "/api/v1/copy",
		strings.NewReader(`{"from":"/archive/a.txt","to":"/a-copy.txt"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("copy status = %d", rec.Code)
	}

	if rec = f.do(t, httptest.NewRequest("DELETE", "/api/v1/folders/archive", nil)); rec.Code != http.StatusOK {
		t.Errorf("delete folder status = %d", rec.Code)
	}

	if rec = f.do(t, httptest.NewRequest("POST", "/api/v1/move", strings.NewReader(`{"from":""}`))); rec.Code != http.StatusBadRequest {
		t.Errorf("bad move status = %d", rec.Code)
	}
}

func chunkRequest(t *testing.T, uid string, index, total, size int64, body []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"UploadUid":     uid,
		"FileName":      "video.bin",
		"RelativePath":  "media",
		"ChunkIndex":    strconv.FormatInt(index, 10),
		"TotalChunks":   strconv.FormatInt(total, 10),
		"TotalFileSize": strconv.FormatInt(size, 10),
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	fw, err := mw.CreateFormFile("chunk", "blob")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(body)
	mw.Close()

	req := httptest.NewRequest("POST", "/api/v1/uploads/chunk", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestChunkedUpload(t *testing.T) {
	f := newFixture(t)
	parts := [][]byte{
		bytes.Repeat([]byte("a"), 10),
		bytes.Repeat([]byte("b"), 10),
		bytes.Repeat([]byte("c"), 5),
	}

	for _, idx := range []int64{1, 0} {
		rec := f.do(t, chunkRequest(t, "up-1", idx, 3, 25, parts[idx]))
		if rec.Code != http.StatusOK {
			t.Fatalf("chunk %d status = %d: %s", idx, rec.Code, rec.Body.String())
		}
	}

	rec := f.do(t, httptest.NewRequest("GET", "/api/v1/uploads/up-1", nil))
	if st := decode[upload.Status](t, rec); st.State != upload.StateCollecting || len(st.Received) != 2 {
		t.Errorf("status = %+v", st)
	}

	rec = f.do(t, chunkRequest(t, "up-1", 2, 3, 25, parts[2]))
	if rec.Code != http.StatusCreated {
		t.Fatalf("final chunk status = %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[upload.Result](t, rec)
	if res.File == nil || res.File.FullPath != "/media/video.bin" || res.File.ContentLength != 25 {
		t.Fatalf("result = %+v", res)
	}

	rec = f.do(t, httptest.NewRequest("GET", "/api/v1/content/media/video.bin", nil))
	if rec.Body.String() != "aaaaaaaaaabbbbbbbbbbccccc" {
		t.Errorf("assembled body = %q", rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != upload.DefaultCacheControl {
		t.Errorf("Cache-Control = %q", got)
	}

	// A resent chunk after assembly is an idempotent success.
	rec = f.do(t, chunkRequest(t, "up-1", 0, 3, 25, parts[0]))
	if rec.Code != http.StatusOK {
		t.Errorf("duplicate status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestChunkErrors(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, chunkRequest(t, "up-2", 0, 2, 20, make([]byte, 10))); rec.Code != http.StatusOK {
		t.Fatalf("first chunk status = %d", rec.Code)
	}

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"total chunks disagree", chunkRequest(t, "up-2", 1, 3, 20, make([]byte, 10)), http.StatusConflict},
		{"index out of range", chunkRequest(t, "up-3", 5, 2, 20, make([]byte, 10)), http.StatusConflict},
		{"bad upload uid", chunkRequest(t, "../x", 0, 1, 1, []byte("x")), http.StatusBadRequest},
		{"not multipart", httptest.NewRequest("POST", "/api/v1/uploads/chunk", strings.NewReader("x")), http.StatusBadRequest},
		{"unknown session", httptest.NewRequest("GET", "/api/v1/uploads/nope", nil), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := f.do(t, tt.req); rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	if rec := f.do(t, httptest.NewRequest("DELETE", "/api/v1/uploads/up-2", nil)); rec.Code != http.StatusNoContent {
		t.Errorf("abort status = %d", rec.Code)
	}
}

func TestSyncAndReplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.PutFile(ctx, "/img/cat.png", strings.NewReader("png"), ""); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, httptest.NewRequest("GET", "/api/v1/sync/img/cat.png", nil))
	sync := decode[SyncResponse](t, rec)
	if len(sync.Mirrors) != 1 || sync.Mirrors[0].State != storage.SyncMissing {
		t.Fatalf("sync = %+v", sync)
	}

	if rec = f.do(t, httptest.NewRequest("POST", "/api/v1/replicate/img/cat.png", nil)); rec.Code != http.StatusBadRequest {
		t.Errorf("missing mirror status = %d", rec.Code)
	}
	if rec = f.do(t, httptest.NewRequest("POST", "/api/v1/replicate/img/cat.png?mirror=memory-9", nil)); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown mirror status = %d", rec.Code)
	}
	if rec = f.do(t, httptest.NewRequest("POST", "/api/v1/replicate/img/cat.png?mirror=memory-1", nil)); rec.Code != http.StatusOK {
		t.Fatalf("replicate status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, httptest.NewRequest("GET", "/api/v1/sync/img/cat.png", nil))
	if sync = decode[SyncResponse](t, rec); sync.Mirrors[0].State != storage.SyncInSync {
		t.Errorf("sync after replicate = %+v", sync.Mirrors[0])
	}

	if rec = f.do(t, httptest.NewRequest("GET", "/api/v1/sync/img/dog.png", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("sync of missing object = %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	for f.broadcaster.Count() == 0 {
		if ctx.Err() != nil {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := f.svc.PutFile(ctx, "/notes/new.txt", strings.NewReader("hi"), ""); err != nil {
		t.Fatal(err)
	}

	scanner := bufio.NewScanner(resp.Body)
	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			var e events.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
				t.Fatal(err)
			}
			if eventType != events.EventCreate || e.Path != "/notes/new.txt" || e.Size != 2 {
				t.Errorf("event %s = %+v", eventType, e)
			}
			return
		}
	}
	t.Fatalf("stream ended: %v", scanner.Err())
}
