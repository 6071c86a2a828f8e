package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fruitsalade/objectstore/internal/logging"
	"github.com/fruitsalade/objectstore/internal/retry"
	"github.com/fruitsalade/objectstore/internal/storage"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func newService(t *testing.T) (*storage.Service, *Driver, string) {
	t.Helper()
	root := t.TempDir()
	d, err := New(Config{RootPath: root}, retry.Config{MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}
	svc, err := storage.NewService(storage.Backend{Name: "local-0", Driver: d}, nil, storage.Options{MaxCacheSeconds: 60})
	if err != nil {
		t.Fatal(err)
	}
	return svc, d, root
}

func read(t *testing.T, svc *storage.Service, path string) string {
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

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New(Config{}, retry.DefaultConfig()); err == nil {
		t.Error("expected an error for an empty root")
	}
	missing := filepath.Join(t.TempDir(), "a", "b")
	if _, err := New(Config{RootPath: missing}, retry.DefaultConfig()); err == nil {
		t.Error("expected an error for a missing root without CreateDirs")
	}
	if _, err := New(Config{RootPath: missing, CreateDirs: true}, retry.DefaultConfig()); err != nil {
		t.Errorf("CreateDirs: %v", err)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	svc, _, root := newService(t)
	ctx := context.Background()

	meta, err := svc.PutFile(ctx, "/pub/images/logo.png", strings.NewReader("png bytes"), "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if meta.ContentType != "image/png" || meta.ContentLength != 9 || meta.ETag == "" {
		t.Errorf("meta = %+v", meta)
	}
	if meta.Sync == nil || meta.Sync.UploadSize != 9 {
		t.Errorf("stamp = %+v", meta.Sync)
	}
	if got := read(t, svc, "/pub/images/logo.png"); got != "png bytes" {
		t.Errorf("content = %q", got)
	}
	if _, err := os.Stat(filepath.Join(root, "pub", "images", "logo.png")); err != nil {
		t.Errorf("file not at its native path: %v", err)
	}

	if _, err := svc.PutFile(ctx, "/pub/images/logo.png", strings.NewReader("v2"), "image/png"); err != nil {
		t.Fatal(err)
	}
	again, err := svc.GetFile(ctx, "/pub/images/logo.png")
	if err != nil {
		t.Fatal(err)
	}
	if again.ETag == meta.ETag || !again.Created.Equal(meta.Created) {
		t.Errorf("rewrite: etag %s -> %s, created %v -> %v", meta.ETag, again.ETag, meta.Created, again.Created)
	}
	if got := read(t, svc, "/pub/images/logo.png"); got != "v2" {
		t.Errorf("content after rewrite = %q", got)
	}
}

func TestDeleteAndNotFound(t *testing.T) {
	svc, _, root := newService(t)
	ctx := context.Background()
	if _, err := svc.PutFile(ctx, "/a.txt", strings.NewReader("x"), ""); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteFile(ctx, "/a.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetFile(ctx, "/a.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := svc.DeleteFile(ctx, "/a.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, metaDir, "a.txt.json")); !os.IsNotExist(err) {
		t.Error("sidecar survived the delete")
	}
}

func TestListFolder(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	for _, p := range []string{
		"/pub/articles/42/a.png",
		"/pub/articles/42/b.png",
		"/pub/articles/42/assets/site.css",
	} {
		if _, err := svc.PutFile(ctx, p, strings.NewReader("x"), ""); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := svc.ListFolder(ctx, "/pub/articles/42")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[1].Name != "assets" || !entries[1].IsDirectory {
		t.Errorf("entries = %+v", entries)
	}

	root, err := svc.ListFolder(ctx, "/")
	if err != nil {
		t.Fatal(err)
	}
	if len(root) != 1 || root[0].Name != "pub" {
		t.Errorf("root listing leaked metadata dir: %+v", root)
	}
}

func TestFolderLifecycle(t *testing.T) {
	svc, _, root := newService(t)
	ctx := context.Background()

	if err := svc.CreateFolder(ctx, "/docs/empty"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(root, "docs", "empty"))
	if err != nil || !info.IsDir() {
		t.Fatalf("folder not created: %v", err)
	}
	if _, err := svc.PutFile(ctx, "/docs/readme.md", strings.NewReader("# hi"), ""); err != nil {
		t.Fatal(err)
	}

	report, err := svc.MoveFolder(ctx, "/docs", "/archive/docs")
	if err != nil {
		t.Fatalf("MoveFolder: %v (%+v)", err, report)
	}
	if got := read(t, svc, "/archive/docs/readme.md"); got != "# hi" {
		t.Errorf("moved content = %q", got)
	}
	if _, err := os.Stat(filepath.Join(root, "archive", "docs", "empty")); err != nil {
		t.Errorf("empty folder not moved: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "docs")); !os.IsNotExist(err) {
		t.Errorf("source folder survived the move: %v", err)
	}

	if _, err := svc.DeleteFolder(ctx, "/archive"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "archive")); !os.IsNotExist(err) {
		t.Errorf("folder survived the delete: %v", err)
	}
}

func TestAppend(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	for _, part := range []string{"one,", "two,", "three"} {
		if _, err := svc.Append(ctx, "/log/app.log", strings.NewReader(part)); err != nil {
			t.Fatal(err)
		}
	}
	if got := read(t, svc, "/log/app.log"); got != "one,two,three" {
		t.Errorf("content = %q", got)
	}
}

func TestCopyKeepsStamp(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	orig, err := svc.PutFile(ctx, "/a/src.bin", strings.NewReader("data"), "application/octet-stream")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.CopyFile(ctx, "/a/src.bin", "/b/dst.bin"); err != nil {
		t.Fatal(err)
	}
	cp, err := svc.GetFile(ctx, "/b/dst.bin")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Sync == nil || *cp.Sync != *orig.Sync {
		t.Errorf("stamp %+v, want %+v", cp.Sync, orig.Sync)
	}
	if cp.ContentType != "application/octet-stream" {
		t.Errorf("ContentType = %q", cp.ContentType)
	}
}

func TestAbortLeavesNoTrace(t *testing.T) {
	_, d, root := newService(t)
	ctx := context.Background()
	w, err := d.OpenWrite(ctx, "x/y.txt", storage.WriteOptions{Size: storage.UnknownSize})
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("partial"))
	w.Abort(errors.New("client went away"))

	if ok, _ := d.Exists(ctx, "x/y.txt"); ok {
		t.Error("aborted write is visible")
	}
	entries, _ := os.ReadDir(filepath.Join(root, "x"))
	if len(entries) != 0 {
		t.Errorf("temp file left behind: %v", entries)
	}
}

func TestReservedKeys(t *testing.T) {
	_, d, _ := newService(t)
	ctx := context.Background()
	for _, key := range []string{".objectstore/a.json", "a/.objectstore-1.tmp"} {
		if _, err := d.GetMetadata(ctx, key); !errors.Is(err, storage.ErrInvalidPath) {
			t.Errorf("GetMetadata(%q): expected ErrInvalidPath, got %v", key, err)
		}
	}
}
