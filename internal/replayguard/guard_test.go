package replayguard_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/replayguard"
	"pkt.systems/relayd/internal/storage"
	"pkt.systems/relayd/internal/storage/memory"
)

func newGuard(t *testing.T, manual *clock.Manual, store storage.Backend, strict bool) *replayguard.Guard {
	t.Helper()
	if store == nil {
		store = memory.NewWithConfig(memory.Config{Clock: manual})
	}
	g, err := replayguard.New(replayguard.Config{Secret: "test-secret", Strict: strict}, store, manual, nil)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	return g
}

func signedHeaders(t *testing.T, g *replayguard.Guard, manual *clock.Manual, body any) replayguard.Headers {
	t.Helper()
	hdr := replayguard.Headers{
		Timestamp: strconv.FormatInt(manual.Now().UnixMilli(), 10),
		Nonce:     uuid.NewString(),
		ClientID:  "client-1",
	}
	sig, err := g.Sign("POST", "/v1/transfer", body, hdr.Timestamp, hdr.Nonce)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	hdr.Signature = sig
	return hdr
}

func TestVerifyAcceptsValidRequest(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	g := newGuard(t, manual, nil, true)
	body := map[string]any{"amount": "100", "senderAddress": "abc"}
	hdr := signedHeaders(t, g, manual, body)
	if err := g.Verify(context.Background(), "POST", "/v1/transfer", body, hdr); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestMissingHeadersRejected(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	g := newGuard(t, manual, nil, true)
	err := g.Verify(context.Background(), "POST", "/v1/transfer", nil, replayguard.Headers{
		Timestamp: "123", Nonce: "n", ClientID: "c",
	})
	if !errors.Is(err, replayguard.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if !strings.Contains(err.Error(), "missing signing headers") {
		t.Fatalf("expected specific internal reason, got %v", err)
	}
}

func TestTimestampSkewRejectedBothDirections(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	g := newGuard(t, manual, nil, true)
	for _, offset := range []time.Duration{6 * time.Minute, -6 * time.Minute} {
		hdr := replayguard.Headers{
			Timestamp: strconv.FormatInt(manual.Now().Add(offset).UnixMilli(), 10),
			Nonce:     uuid.NewString(),
			ClientID:  "client-1",
		}
		sig, err := g.Sign("POST", "/v1/transfer", nil, hdr.Timestamp, hdr.Nonce)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		hdr.Signature = sig
		err = g.Verify(context.Background(), "POST", "/v1/transfer", nil, hdr)
		if !errors.Is(err, replayguard.ErrUnauthorized) || !strings.Contains(err.Error(), "skew") {
			t.Fatalf("offset %v: expected skew rejection, got %v", offset, err)
		}
	}
}

func TestNonceReplayRejected(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	g := newGuard(t, manual, nil, true)
	hdr := signedHeaders(t, g, manual, nil)
	if err := g.Verify(context.Background(), "POST", "/v1/transfer", nil, hdr); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	err := g.Verify(context.Background(), "POST", "/v1/transfer", nil, hdr)
	if !errors.Is(err, replayguard.ErrUnauthorized) || !strings.Contains(err.Error(), "nonce already consumed") {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestNonceKeysDistinctAcrossSlashedClientIDs(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	g := newGuard(t, manual, nil, true)
	ts := strconv.FormatInt(manual.Now().UnixMilli(), 10)

	// ("a/b", "c") and ("a", "b/c") would map to the same marker if the
	// components were joined unescaped.
	pairs := []struct{ clientID, nonce string }{
		{"a/b", "c"},
		{"a", "b/c"},
	}
	for _, p := range pairs {
		hdr := replayguard.Headers{Timestamp: ts, Nonce: p.nonce, ClientID: p.clientID}
		sig, err := g.Sign("POST", "/v1/transfer", nil, hdr.Timestamp, hdr.Nonce)
		if err != nil {
			t.Fatalf("sign %q: %v", p.clientID, err)
		}
		hdr.Signature = sig
		if err := g.Verify(context.Background(), "POST", "/v1/transfer", nil, hdr); err != nil {
			t.Fatalf("verify client %q nonce %q: %v", p.clientID, p.nonce, err)
		}
	}
}

func TestConcurrentNonceConsumptionSingleWinner(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	g := newGuard(t, manual, nil, true)
	hdr := signedHeaders(t, g, manual, nil)

	const racers = 16
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- g.Verify(context.Background(), "POST", "/v1/transfer", nil, hdr)
		}()
	}
	wg.Wait()
	close(results)
	ok := 0
	for err := range results {
		if err == nil {
			ok++
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one winner, got %d", ok)
	}
}

func TestNonceReusableAfterTTL(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	g := newGuard(t, manual, nil, true)
	hdr := signedHeaders(t, g, manual, nil)
	if err := g.Verify(context.Background(), "POST", "/v1/transfer", nil, hdr); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	manual.Advance(replayguard.DefaultMaxSkew)
	// Nonce has expired, but so has the timestamp: re-sign with a fresh
	// timestamp and the same nonce.
	hdr.Timestamp = strconv.FormatInt(manual.Now().UnixMilli(), 10)
	sig, err := g.Sign("POST", "/v1/transfer", nil, hdr.Timestamp, hdr.Nonce)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	hdr.Signature = sig
	if err := g.Verify(context.Background(), "POST", "/v1/transfer", nil, hdr); err != nil {
		t.Fatalf("verify after TTL: %v", err)
	}
}

func TestWrongSignatureReportsSpecificInternalReason(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	g := newGuard(t, manual, nil, true)
	hdr := signedHeaders(t, g, manual, nil)
	hdr.Signature = strings.Repeat("0", 64)
	err := g.Verify(context.Background(), "POST", "/v1/transfer", nil, hdr)
	if !errors.Is(err, replayguard.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid signature") {
		t.Fatalf("expected invalid signature reason, got %v", err)
	}
}

func TestCanonicalBodySortsKeys(t *testing.T) {
	t.Parallel()

	got, err := replayguard.CanonicalBody(map[string]any{
		"zeta":   "1",
		"alpha":  "2",
		"nested": map[string]any{"b": "3", "a": "4"},
	})
	if err != nil {
		t.Fatalf("canonical body: %v", err)
	}
	want := `{"alpha":"2","nested":{"a":"4","b":"3"},"zeta":"1"}`
	if got != want {
		t.Fatalf("canonical body %s, want %s", got, want)
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

func TestStoreUnavailableStrictFailsClosed(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	g := newGuard(t, manual, downBackend{}, true)
	hdr := signedHeaders(t, g, manual, nil)
	err := g.Verify(context.Background(), "POST", "/v1/transfer", nil, hdr)
	if !errors.Is(err, replayguard.ErrUnauthorized) {
		t.Fatalf("strict mode should fail closed, got %v", err)
	}
}

func TestStoreUnavailableLenientFailsOpen(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	g := newGuard(t, manual, downBackend{}, false)
	hdr := signedHeaders(t, g, manual, nil)
	if err := g.Verify(context.Background(), "POST", "/v1/transfer", nil, hdr); err != nil {
		t.Fatalf("lenient mode should fail open, got %v", err)
	}
}
