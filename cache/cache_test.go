package cache

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(Options{
		Path:        filepath.Join(t.TempDir(), "cache.sqlite"),
		DefaultTTL:  time.Minute,
		MaxTTL:      time.Hour,
		LockTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	c := openTestCache(t)

	if err := c.Set("k", []byte("v1"), nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, found, err := c.Get("k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || string(val) != "v1" {
		t.Fatalf("get = (%q, %v), want (v1, true)", val, found)
	}

	// Overwrite.
	if err := c.Set("k", []byte("v2"), nil); err != nil {
		t.Fatalf("set again: %v", err)
	}
	val, _, _ = c.Get("k")
	if string(val) != "v2" {
		t.Errorf("after overwrite = %q, want v2", val)
	}

	_, found, err = c.Get("missing")
	if err != nil || found {
		t.Errorf("missing key = (found=%v, err=%v)", found, err)
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := openTestCache(t)

	ttl := int64(30)
	if err := c.Set("short", []byte("x"), &ttl); err != nil {
		t.Fatalf("set: %v", err)
	}

	if _, found, _ := c.Get("short"); !found {
		t.Fatal("entry expired immediately")
	}

	time.Sleep(60 * time.Millisecond)
	if _, found, _ := c.Get("short"); found {
		t.Error("entry still readable past its TTL")
	}
}

func TestCache_SweepRemovesExpired(t *testing.T) {
	c := openTestCache(t)

	ttl := int64(1)
	_ = c.Set("a", []byte("1"), &ttl)
	_ = c.Set("b", []byte("2"), &ttl)
	_ = c.Set("keep", []byte("3"), nil)

	time.Sleep(10 * time.Millisecond)
	n, err := c.Sweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("swept %d rows, want 2", n)
	}
	if _, found, _ := c.Get("keep"); !found {
		t.Error("unexpired entry swept")
	}
}

func TestCache_LockExcludesSecondOpener(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.sqlite")

	first, err := Open(Options{Path: path, DefaultTTL: time.Minute, MaxTTL: time.Hour, LockTimeout: time.Second})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	defer first.Close()

	_, err = Open(Options{
		Path: path, DefaultTTL: time.Minute, MaxTTL: time.Hour,
		LockTimeout: 50 * time.Millisecond, RetryInterval: 10 * time.Millisecond,
	})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("second open err = %v, want ErrLockTimeout", err)
	}
}
