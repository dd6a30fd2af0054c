package idempotency

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func submission(body string, ttl time.Duration) Record {
	return Record{
		Fingerprint: Fingerprint([]byte(body)),
		StatusCode:  202,
		Response:    []byte(`{"phase":"validating_metadata"}`),
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(ttl),
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if rec, _ := store.Get(ctx, "missing"); rec != nil {
		t.Fatalf("expected nil for missing key")
	}
	if err := store.Save(ctx, "abc", submission(`{"tokenUri":"ipfs://a"}`, time.Minute)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, _ := store.Get(ctx, "abc")
	if got == nil || got.StatusCode != 202 {
		t.Fatalf("unexpected record: %+v", got)
	}

	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if rec, _ := store.Get(ctx, "abc"); rec != nil {
		t.Fatalf("expired record should not be returned")
	}
}

func TestLookupDetectsReusedKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	body := `{"tokenUri":"ipfs://a"}`
	_ = store.Save(ctx, "k1", submission(body, time.Minute))

	rec, err := Lookup(ctx, store, "k1", Fingerprint([]byte(body)))
	if err != nil || rec == nil {
		t.Fatalf("expected replayable record, got %v %v", rec, err)
	}
	if _, err := Lookup(ctx, store, "k1", Fingerprint([]byte(`{"tokenUri":"ipfs://b"}`))); !errors.Is(err, ErrKeyReused) {
		t.Fatalf("expected reused key error, got %v", err)
	}
	if rec, err := Lookup(ctx, store, "k2", "x"); rec != nil || err != nil {
		t.Fatalf("unknown key should miss cleanly")
	}
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "idem.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Save(ctx, "live", submission("a", time.Hour)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, "stale", submission("b", -time.Minute)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file should be renamed away")
	}

	store2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}
	got, _ := store2.Get(ctx, "live")
	if got == nil || got.Fingerprint != Fingerprint([]byte("a")) {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, ok := store2.data["stale"]; ok {
		t.Fatalf("expired record should be dropped on load")
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idem.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewFileStore(path); err == nil {
		t.Fatalf("expected error for corrupt store")
	}
}
