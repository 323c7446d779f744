package denylist_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/denylist"
	"pkt.systems/relayd/internal/storage"
	"pkt.systems/relayd/internal/storage/memory"
)

func newStore(t *testing.T, backend storage.Backend) *denylist.Store {
	t.Helper()
	if backend == nil {
		backend = memory.New()
	}
	s, err := denylist.New(backend, clock.NewManual(time.Unix(1_700_000_000, 0)), nil)
	if err != nil {
		t.Fatalf("new denylist: %v", err)
	}
	return s
}

func TestAddCheckRemove(t *testing.T) {
	t.Parallel()

	s := newStore(t, nil)
	ctx := context.Background()
	if v := s.IsBlocked(ctx, "addr-1"); v.Blocked {
		t.Fatalf("fresh address blocked: %+v", v)
	}
	if err := s.Add(ctx, "addr-1", "fraud pattern"); err != nil {
		t.Fatalf("add: %v", err)
	}
	v := s.IsBlocked(ctx, "addr-1")
	if !v.Blocked || v.Reason != "fraud pattern" {
		t.Fatalf("expected blocked with reason, got %+v", v)
	}
	if err := s.Remove(ctx, "addr-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if v := s.IsBlocked(ctx, "addr-1"); v.Blocked {
		t.Fatalf("address still blocked after remove: %+v", v)
	}
}

func TestDoubleAddKeepsLatestReason(t *testing.T) {
	t.Parallel()

	s := newStore(t, nil)
	ctx := context.Background()
	if err := s.Add(ctx, "addr-1", "first"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(ctx, "addr-1", "second"); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	entries, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(entries))
	}
	if entries[0].Reason != "second" {
		t.Fatalf("expected latest reason, got %q", entries[0].Reason)
	}
}

func TestRemoveUnlistedIsNoop(t *testing.T) {
	t.Parallel()

	s := newStore(t, nil)
	if err := s.Remove(context.Background(), "never-listed"); err != nil {
		t.Fatalf("remove unlisted: %v", err)
	}
}

type downBackend struct{}

func (downBackend) Get(context.Context, string) (storage.Record, error) {
	return storage.Record{}, storage.NewTransientError(errors.New("connection refused"))
}
func (downBackend) Put(context.Context, string, []byte, storage.PutOptions) (string, error) {
	return "", storage.NewTransientError(errors.New("connection refused"))
}
func (downBackend) Delete(context.Context, string, string) error {
	return storage.NewTransientError(errors.New("connection refused"))
}
func (downBackend) List(context.Context, string) ([]string, error) {
	return nil, storage.NewTransientError(errors.New("connection refused"))
}
func (downBackend) Close() error { return nil }

func TestLookupFailsOpenOnStoreOutage(t *testing.T) {
	t.Parallel()

	s := newStore(t, downBackend{})
	v := s.IsBlocked(context.Background(), "addr-1")
	if v.Blocked || !v.FailedOpen {
		t.Fatalf("expected fail-open verdict, got %+v", v)
	}
}
