package provider

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/fruitsalade/objectstore/internal/config"
	"github.com/fruitsalade/objectstore/internal/logging"
	"github.com/fruitsalade/objectstore/internal/storage"
	"github.com/fruitsalade/objectstore/internal/storage/local"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func testConfig(t *testing.T, primary string) *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{PrimaryCloud: primary, MaxCacheSeconds: 60},
		Cache:   config.CacheConfig{Backend: "memory"},
		Upload:  config.UploadConfig{MaxChunkBytes: 1 << 20, IdleTimeout: 1},
		Providers: config.ProvidersConfig{
			Local:  []local.Config{{RootPath: t.TempDir()}},
			Memory: 2,
		},
	}
}

func TestOpenSplitsPrimaryAndMirrors(t *testing.T) {
	tests := []struct {
		primary     string
		wantPrimary string
		wantMirrors []string
	}{
		{"local", "local-0", []string{"memory-0", "memory-1"}},
		{"memory", "memory-0", []string{"local-0", "memory-1"}},
		{"memory-1", "memory-1", []string{"local-0", "memory-0"}},
	}
	for _, tt := range tests {
		t.Run(tt.primary, func(t *testing.T) {
			primary, mirrors, err := Open(context.Background(), testConfig(t, tt.primary))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if primary.Name != tt.wantPrimary {
				t.Errorf("primary = %q, want %q", primary.Name, tt.wantPrimary)
			}
			var names []string
			for _, m := range mirrors {
				names = append(names, m.Name)
			}
			if strings.Join(names, ",") != strings.Join(tt.wantMirrors, ",") {
				t.Errorf("mirrors = %v, want %v", names, tt.wantMirrors)
			}
		})
	}
}

func TestOpenRejectsUnknownPrimary(t *testing.T) {
	if _, _, err := Open(context.Background(), testConfig(t, "google")); err == nil {
		t.Error("expected an error for an unconfigured primary")
	}
}

func TestOpenClosesOnFailure(t *testing.T) {
	cfg := testConfig(t, "memory")
	cfg.Providers.Local = append(cfg.Providers.Local, local.Config{RootPath: "/definitely/not/here"})
	if _, _, err := Open(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "local-1") {
		t.Errorf("error = %v, want one naming local-1", err)
	}
}

func TestNewServiceEndToEnd(t *testing.T) {
	cfg := testConfig(t, "local")
	var changes []storage.Change
	svc, closer, err := NewService(context.Background(), cfg, func(c storage.Change) {
		changes = append(changes, c)
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer closer.Close()

	ctx := context.Background()
	if _, err := svc.PutFile(ctx, "/pub/a.txt", strings.NewReader("hello"), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Replicate(ctx, "/pub/a.txt", "memory-0"); err != nil {
		t.Fatal(err)
	}
	reports, err := svc.SyncStatus(ctx, "/pub/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 {
		t.Fatalf("reports = %+v", reports)
	}
	if reports[0].Mirror != "memory-0" || reports[0].State != storage.SyncInSync {
		t.Errorf("memory-0 report = %+v", reports[0])
	}
	if reports[1].State != storage.SyncMissing {
		t.Errorf("memory-1 report = %+v", reports[1])
	}
	if len(changes) != 1 || changes[0].Kind != storage.ChangeCreated {
		t.Errorf("changes = %+v", changes)
	}
}

func TestOpenCache(t *testing.T) {
	cfg := testConfig(t, "memory")
	cfg.Cache.Backend = "none"
	c, closer, err := OpenCache(context.Background(), cfg)
	if err != nil || c != nil {
		t.Errorf("none: cache = %v, err = %v", c, err)
	}
	closer.Close()

	cfg.Cache.Backend = "memory"
	c, _, err = OpenCache(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.(*storage.MemoryCache); !ok {
		t.Errorf("memory backend returned %T", c)
	}
}
