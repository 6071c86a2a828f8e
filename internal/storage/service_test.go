package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/fruitsalade/objectstore/internal/logging"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func newTestService(t *testing.T, opts Options) (*Service, *MemoryDriver) {
	t.Helper()
	d := NewMemoryDriver()
	svc, err := NewService(Backend{Name: "memory-0", Driver: d, Paths: PathTranslator{Container: "test"}}, nil, opts)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, d
}

func readAll(t *testing.T, svc *Service, path string) string {
	t.Helper()
	rc, _, err := svc.GetStream(context.Background(), path)
	if err != nil {
		t.Fatalf("GetStream(%s): %v", path, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestReadYourWrite(t *testing.T) {
	svc, _ := newTestService(t, Options{MaxCacheSeconds: 60})
	ctx := context.Background()

	for _, body := range []string{"version one", "v2", ""} {
		if _, err := svc.PutFile(ctx, "/pub/notes.txt", strings.NewReader(body), ""); err != nil {
			t.Fatalf("PutFile: %v", err)
		}
		if got := readAll(t, svc, "/pub/notes.txt"); got != body {
			t.Errorf("read %q after writing %q", got, body)
		}
	}
}

func TestPutFileMetadata(t *testing.T) {
	svc, _ := newTestService(t, Options{MaxCacheSeconds: 60})
	ctx := context.Background()
	data := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 64)

	if _, err := svc.PutFile(ctx, "/pub/images/logo.png", bytes.NewReader(data), "image/png"); err != nil {
		t.Fatal(err)
	}
	meta, err := svc.GetFile(ctx, "/pub/images/logo.png")
	if err != nil {
		t.Fatal(err)
	}
	if meta.ContentType != "image/png" {
		t.Errorf("ContentType = %q", meta.ContentType)
	}
	if meta.ContentLength != int64(len(data)) {
		t.Errorf("ContentLength = %d, want %d", meta.ContentLength, len(data))
	}
	if meta.ETag == "" {
		t.Error("ETag is empty")
	}
	if meta.FullPath != "/pub/images/logo.png" {
		t.Errorf("FullPath = %q", meta.FullPath)
	}
	if meta.Sync == nil || meta.Sync.UploadUID == "" || meta.Sync.UploadSize != int64(len(data)) {
		t.Errorf("Sync = %+v", meta.Sync)
	}
}

func TestETagChangesOnWrite(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	first, err := svc.PutFile(ctx, "/a.txt", strings.NewReader("1"), "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.PutFile(ctx, "/a.txt", strings.NewReader("1"), "")
	if err != nil {
		t.Fatal(err)
	}
	if first.ETag == second.ETag {
		t.Error("ETag did not change on rewrite")
	}
}

func TestContentTypeInference(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	meta, err := svc.PutFile(ctx, "/site/style.css", strings.NewReader("body{}"), "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(meta.ContentType, "text/css") {
		t.Errorf("css ContentType = %q", meta.ContentType)
	}

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
	meta, err = svc.PutFile(ctx, "/site/blob", bytes.NewReader(png), "")
	if err != nil {
		t.Fatal(err)
	}
	if meta.ContentType != "image/png" {
		t.Errorf("sniffed ContentType = %q", meta.ContentType)
	}
	if got := readAll(t, svc, "/site/blob"); got != string(png) {
		t.Error("sniffing consumed part of the body")
	}
}

func TestUnsizedReaderIsSpooled(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	body := strings.Repeat("x", 10000)
	meta, err := svc.PutFile(context.Background(), "/big.bin", io.MultiReader(strings.NewReader(body)), "application/octet-stream")
	if err != nil {
		t.Fatal(err)
	}
	if meta.ContentLength != int64(len(body)) || meta.Sync.UploadSize != int64(len(body)) {
		t.Errorf("length = %d, stamp = %+v", meta.ContentLength, meta.Sync)
	}
}

func TestPutSizeMismatch(t *testing.T) {
	svc, d := newTestService(t, Options{})
	_, err := svc.Put(context.Background(), "/short.bin", strings.NewReader("abc"), PutOptions{Size: 10})
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
	if d.Len() != 0 {
		t.Error("aborted write left an object behind")
	}
}

func TestGetFileIsCached(t *testing.T) {
	svc, d := newTestService(t, Options{MaxCacheSeconds: 60})
	ctx := context.Background()
	if _, err := svc.PutFile(ctx, "/c.txt", strings.NewReader("x"), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetFile(ctx, "/c.txt"); err != nil {
		t.Fatal(err)
	}

	// Remove behind the service's back; the cached entry still answers.
	if err := d.Delete(ctx, "c.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetFile(ctx, "/c.txt"); err != nil {
		t.Errorf("expected cached hit, got %v", err)
	}
}

func TestDeleteEvictsCache(t *testing.T) {
	svc, _ := newTestService(t, Options{MaxCacheSeconds: 60})
	ctx := context.Background()
	if _, err := svc.PutFile(ctx, "/pub/d.txt", strings.NewReader("data"), ""); err != nil {
		t.Fatal(err)
	}
	readAll(t, svc, "/pub/d.txt")
	if _, err := svc.GetFile(ctx, "/pub/d.txt"); err != nil {
		t.Fatal(err)
	}

	if err := svc.DeleteFile(ctx, "/pub/d.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetFile(ctx, "/pub/d.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetFile after delete: expected ErrNotFound, got %v", err)
	}
	if _, _, err := svc.GetStream(ctx, "/pub/d.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetStream after delete: expected ErrNotFound, got %v", err)
	}
	if err := svc.DeleteFile(ctx, "/pub/d.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestRejectedPaths(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	for _, p := range []string{"/", "../x", "/a/\x00", "/uploads/u1/0"} {
		if _, err := svc.GetFile(ctx, p); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("GetFile(%q): expected ErrInvalidPath, got %v", p, err)
		}
		if _, err := svc.PutFile(ctx, p, strings.NewReader("x"), ""); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("PutFile(%q): expected ErrInvalidPath, got %v", p, err)
		}
	}
}

func TestTransientFailureExhaustsRetries(t *testing.T) {
	svc, d := newTestService(t, Options{})
	var calls atomic.Int32
	d.SetFault(func(op, key string) error {
		if op == "get_metadata" {
			calls.Add(1)
			return ErrSimulatedOutage
		}
		return nil
	})

	_, err := svc.GetFile(context.Background(), "/x.txt")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if calls.Load() != 4 {
		t.Errorf("expected 4 attempts, got %d", calls.Load())
	}
	if strings.Contains(SafeMessage(err), "simulated") {
		t.Error("safe message leaked provider text")
	}
}

func TestTransientCommitFailure(t *testing.T) {
	svc, d := newTestService(t, Options{})
	d.SetFault(func(op, key string) error {
		if op == "commit" {
			return ErrSimulatedOutage
		}
		return nil
	})

	_, err := svc.PutFile(context.Background(), "/c.txt", strings.NewReader("data"), "")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if code := HTTPStatus(err); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", code)
	}
	if msg := SafeMessage(err); msg != "storage provider unavailable, try again later" {
		t.Errorf("safe message = %q", msg)
	}

	_, err = svc.Scratch().Put(context.Background(), "u1", 0, strings.NewReader("x"), 10)
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("chunk commit: expected ErrProviderUnavailable, got %v", err)
	}
}

func TestTransientFailureRecovers(t *testing.T) {
	svc, d := newTestService(t, Options{})
	ctx := context.Background()
	if _, err := svc.PutFile(ctx, "/r.txt", strings.NewReader("ok"), ""); err != nil {
		t.Fatal(err)
	}
	var calls atomic.Int32
	d.SetFault(func(op, key string) error {
		if op == "get_metadata" && calls.Add(1) < 3 {
			return ErrSimulatedOutage
		}
		return nil
	})
	if _, err := svc.GetFile(ctx, "/r.txt"); err != nil {
		t.Errorf("expected success after retries, got %v", err)
	}
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	svc, d := newTestService(t, Options{})
	denied := errors.New("access denied")
	var calls atomic.Int32
	d.SetFault(func(op, key string) error {
		if op == "get_metadata" {
			calls.Add(1)
			return denied
		}
		return nil
	})
	_, err := svc.GetFile(context.Background(), "/x.txt")
	if !errors.Is(err, denied) || errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("expected the permanent error unchanged, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", calls.Load())
	}
}

func TestAppend(t *testing.T) {
	for _, native := range []bool{true, false} {
		svc, d := newTestService(t, Options{MaxCacheSeconds: 60})
		if !native {
			d.SetCapabilities(Capabilities{FolderMarkers: true})
		}
		ctx := context.Background()

		if _, err := svc.Append(ctx, "/log.txt", strings.NewReader("ab")); err != nil {
			t.Fatal(err)
		}
		readAll(t, svc, "/log.txt")
		meta, err := svc.Append(ctx, "/log.txt", strings.NewReader("cd"))
		if err != nil {
			t.Fatal(err)
		}
		if got := readAll(t, svc, "/log.txt"); got != "abcd" {
			t.Errorf("native=%v: content = %q", native, got)
		}
		if meta.ContentLength != 4 || meta.Sync == nil || meta.Sync.UploadSize != 4 {
			t.Errorf("native=%v: meta = %+v", native, meta)
		}
	}
}

func TestCopyAndMoveFile(t *testing.T) {
	svc, _ := newTestService(t, Options{MaxCacheSeconds: 60})
	ctx := context.Background()
	orig, err := svc.PutFile(ctx, "/a/one.txt", strings.NewReader("1"), "")
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.CopyFile(ctx, "/a/one.txt", "/b/one.txt"); err != nil {
		t.Fatal(err)
	}
	cp, err := svc.GetFile(ctx, "/b/one.txt")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Sync == nil || cp.Sync.UploadUID != orig.Sync.UploadUID {
		t.Errorf("copy lost the sync stamp: %+v", cp.Sync)
	}

	if err := svc.MoveFile(ctx, "/b/one.txt", "/c/one.txt"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := svc.Exists(ctx, "/b/one.txt"); ok {
		t.Error("move left the source behind")
	}
	if got := readAll(t, svc, "/c/one.txt"); got != "1" {
		t.Errorf("moved content = %q", got)
	}
	if err := svc.CopyFile(ctx, "/c/one.txt", "/c/one.txt"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("copy onto itself: expected ErrInvalidPath, got %v", err)
	}
}

func TestOnChange(t *testing.T) {
	var changes []Change
	svc, _ := newTestService(t, Options{OnChange: func(c Change) { changes = append(changes, c) }})
	ctx := context.Background()
	svc.PutFile(ctx, "/e.txt", strings.NewReader("1"), "")
	svc.PutFile(ctx, "/e.txt", strings.NewReader("2"), "")
	svc.DeleteFile(ctx, "/e.txt")

	want := []ChangeKind{ChangeCreated, ChangeModified, ChangeDeleted}
	if len(changes) != len(want) {
		t.Fatalf("changes = %+v", changes)
	}
	for i, k := range want {
		if changes[i].Kind != k || changes[i].Path != "/e.txt" {
			t.Errorf("change %d = %+v, want kind %s", i, changes[i], k)
		}
	}
}
