package storage

import (
	"context"
	"errors"
	"slices"
	"testing"
)

func TestDeleteFolder(t *testing.T) {
	svc, d := newTestService(t, Options{MaxCacheSeconds: 60})
	ctx := context.Background()
	put(t, svc, "/f/a.txt", "/f/sub/b.txt", "/keep.txt")
	if err := svc.CreateFolder(ctx, "/f/sub"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetFile(ctx, "/f/a.txt"); err != nil {
		t.Fatal(err)
	}

	report, err := svc.DeleteFolder(ctx, "/f")
	if err != nil {
		t.Fatalf("DeleteFolder: %v", err)
	}
	want := []string{"/f/a.txt", "/f/sub/", "/f/sub/b.txt"}
	if !slices.Equal(report.Succeeded, want) {
		t.Errorf("Succeeded = %v, want %v", report.Succeeded, want)
	}
	if len(report.Failed) != 0 {
		t.Errorf("Failed = %+v", report.Failed)
	}
	if d.Len() != 1 {
		t.Errorf("expected only keep.txt to remain, have %d objects", d.Len())
	}
	if _, err := svc.GetFile(ctx, "/f/a.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cached entry survived folder delete: %v", err)
	}
	if _, err := svc.DeleteFolder(ctx, "/f"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleting a missing folder: expected ErrNotFound, got %v", err)
	}
}

func TestDeleteFolderPartialFailure(t *testing.T) {
	svc, d := newTestService(t, Options{})
	ctx := context.Background()
	put(t, svc, "/f/a.txt", "/f/b.txt", "/f/c.txt")
	d.SetFault(func(op, key string) error {
		if op == "delete" && key == "f/b.txt" {
			return errors.New("quota exceeded on account xyz")
		}
		return nil
	})

	report, err := svc.DeleteFolder(ctx, "/f")
	if !errors.Is(err, ErrPartialFailure) {
		t.Fatalf("expected ErrPartialFailure, got %v", err)
	}
	if !slices.Equal(report.Succeeded, []string{"/f/a.txt", "/f/c.txt"}) {
		t.Errorf("Succeeded = %v", report.Succeeded)
	}
	if len(report.Failed) != 1 || report.Failed[0].Path != "/f/b.txt" {
		t.Fatalf("Failed = %+v", report.Failed)
	}
	if report.Failed[0].Error != "storage operation failed" {
		t.Errorf("failure message leaked provider text: %q", report.Failed[0].Error)
	}
	if ok, _ := svc.Exists(ctx, "/f/b.txt"); !ok {
		t.Error("failed child should remain for a retry")
	}
}

func TestMoveFolder(t *testing.T) {
	svc, _ := newTestService(t, Options{MaxCacheSeconds: 60})
	ctx := context.Background()
	put(t, svc, "/src/a.txt", "/src/x/b.txt")
	if err := svc.CreateFolder(ctx, "/src/empty"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetFile(ctx, "/dst/a.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatal("destination should start empty")
	}

	report, err := svc.MoveFolder(ctx, "/src", "/dst")
	if err != nil {
		t.Fatalf("MoveFolder: %v", err)
	}
	if len(report.Succeeded) != 3 {
		t.Errorf("Succeeded = %v", report.Succeeded)
	}
	if got := readAll(t, svc, "/dst/x/b.txt"); got != "content of /src/x/b.txt" {
		t.Errorf("moved content = %q", got)
	}
	if ok, _ := svc.Exists(ctx, "/src/a.txt"); ok {
		t.Error("source survived the move")
	}
	entries, err := svc.ListFolder(ctx, "/dst")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("dst listing = %+v", entries)
	}
	src, _ := svc.ListFolder(ctx, "/src")
	if len(src) != 0 {
		t.Errorf("src listing = %+v", src)
	}
}

func TestCopyFolderPartialFailureKeepsSource(t *testing.T) {
	svc, d := newTestService(t, Options{})
	ctx := context.Background()
	put(t, svc, "/src/a.txt", "/src/b.txt")
	d.SetFault(func(op, key string) error {
		if op == "copy" && key == "src/a.txt" {
			return errors.New("denied")
		}
		return nil
	})

	report, err := svc.MoveFolder(ctx, "/src", "/dst")
	if !errors.Is(err, ErrPartialFailure) {
		t.Fatalf("expected ErrPartialFailure, got %v", err)
	}
	if !slices.Equal(report.Succeeded, []string{"/src/b.txt"}) || len(report.Failed) != 1 {
		t.Errorf("report = %+v", report)
	}
	if ok, _ := svc.Exists(ctx, "/src/a.txt"); !ok {
		t.Error("uncopied source must not be deleted")
	}
	if ok, _ := svc.Exists(ctx, "/dst/b.txt"); !ok {
		t.Error("successful child missing from destination")
	}
}

func TestTransferFolderValidation(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	put(t, svc, "/src/a.txt")

	if _, err := svc.CopyFolder(ctx, "/src", "/src/inner"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("copy into itself: expected ErrInvalidPath, got %v", err)
	}
	if _, err := svc.MoveFolder(ctx, "/", "/dst"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("move root: expected ErrInvalidPath, got %v", err)
	}
	if _, err := svc.CopyFolder(ctx, "/nothing", "/dst"); !errors.Is(err, ErrNotFound) {
		t.Errorf("copy missing folder: expected ErrNotFound, got %v", err)
	}
	report, err := svc.CopyFolder(ctx, "/src", "/srccopy")
	if err != nil || len(report.Succeeded) != 1 {
		t.Errorf("sibling with shared name prefix: report=%+v err=%v", report, err)
	}
}
