package disk_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/storage"
	"pkt.systems/relayd/internal/storage/disk"
)

func newStore(t *testing.T, clk clock.Clock) *disk.Store {
	t.Helper()
	store, err := disk.New(disk.Config{Root: t.TempDir(), Clock: clk})
	if err != nil {
		t.Fatalf("open disk store: %v", err)
	}
	return store
}

func TestPutGetDelete(t *testing.T) {
	t.Parallel()

	store := newStore(t, nil)
	ctx := context.Background()
	etag, err := store.Put(ctx, "deny/addr:1", []byte(`{"reason":"fraud"}`), storage.PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	rec, err := store.Get(ctx, "deny/addr:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ETag != etag || string(rec.Value) != `{"reason":"fraud"}` {
		t.Fatalf("unexpected record %+v", rec)
	}
	if err := store.Delete(ctx, "deny/addr:1", etag); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "deny/addr:1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConditionalPuts(t *testing.T) {
	t.Parallel()

	store := newStore(t, nil)
	ctx := context.Background()
	if _, err := store.Put(ctx, "k", []byte("1"), storage.PutOptions{IfNotExists: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Put(ctx, "k", []byte("2"), storage.PutOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on second create, got %v", err)
	}
	if _, err := store.Put(ctx, "k", []byte("2"), storage.PutOptions{ExpectedETag: "bogus"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on stale etag, got %v", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := newStore(t, manual)
	ctx := context.Background()
	if _, err := store.Put(ctx, "nonce", []byte("1"), storage.PutOptions{TTL: time.Minute}); err != nil {
		t.Fatalf("put: %v", err)
	}
	manual.Advance(2 * time.Minute)
	if _, err := store.Get(ctx, "nonce"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
	keys, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no live keys, got %v", keys)
	}
}
