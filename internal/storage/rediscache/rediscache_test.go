package rediscache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Open(ctx, Options{Addr: addr, KeyPrefix: "objectstore-test:" + uuid.NewString() + ":"})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetSetDelete(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = %v, %v", ok, err)
	}
	if err := c.Set(ctx, "a", []byte("one"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, "b", []byte("two"), time.Minute); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Get(ctx, "a")
	if err != nil || !ok || string(got) != "one" {
		t.Fatalf("Get(a) = %q, %v, %v", got, ok, err)
	}
	if err := c.Delete(ctx, "a", "b"); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"a", "b"} {
		if _, ok, _ := c.Get(ctx, k); ok {
			t.Errorf("%s survived Delete", k)
		}
	}
	if err := c.Delete(ctx); err != nil {
		t.Errorf("empty Delete: %v", err)
	}
}

func TestExpiry(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	if err := c.Set(ctx, "short", []byte("x"), 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "short"); ok {
		t.Error("entry outlived its ttl")
	}
}

func TestPrefixIsolation(t *testing.T) {
	a := openTestCache(t)
	b := New(a.client, "other:")
	ctx := context.Background()
	if err := a.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := b.Get(ctx, "k"); ok {
		t.Error("prefixes are not isolated")
	}
	if err := b.Close(); err != nil {
		t.Errorf("Close on a borrowed client: %v", err)
	}
	if _, ok, _ := a.Get(ctx, "k"); !ok {
		t.Error("borrowed Close closed the shared client")
	}
}
