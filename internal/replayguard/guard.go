// Package replayguard authenticates inbound requests: HMAC signature
// verification, timestamp skew bounding, and single-use nonce consumption
// against the shared store.
//
// All verification failures collapse to ErrUnauthorized for the caller; the
// specific reason is carried in the wrapped detail for internal logging
// only, so the HTTP surface cannot be used as an oracle for which check
// failed.
package replayguard

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/storage"
	"pkt.systems/relayd/internal/svcfields"
)

// ErrUnauthorized is the umbrella failure for every verification reason.
var ErrUnauthorized = errors.New("replayguard: unauthorized")

// DefaultMaxSkew bounds how far a request timestamp may drift from server
// time in either direction. The nonce TTL equals this window.
const DefaultMaxSkew = 5 * time.Minute

const noncePrefix = "nonce/"

// Headers carries the four signing headers of a request.
type Headers struct {
	Timestamp string
	Nonce     string
	Signature string
	ClientID  string
}

// Config drives Guard construction.
type Config struct {
	// Secret is the shared HMAC-SHA256 key.
	Secret string
	// MaxSkew overrides DefaultMaxSkew when positive.
	MaxSkew time.Duration
	// Strict makes nonce-store unavailability a verification failure.
	// Lenient deployments skip the nonce check and log instead.
	Strict bool
}

// Guard verifies request authenticity and replay freshness.
type Guard struct {
	secret  []byte
	maxSkew time.Duration
	strict  bool
	store   storage.Backend
	clock   clock.Clock
	logger  pslog.Logger
}

// New constructs a Guard over the shared store.
func New(cfg Config, store storage.Backend, clk clock.Clock, logger pslog.Logger) (*Guard, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("replayguard: shared secret required")
	}
	if store == nil {
		return nil, fmt.Errorf("replayguard: store required")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	maxSkew := cfg.MaxSkew
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Guard{
		secret:  []byte(cfg.Secret),
		maxSkew: maxSkew,
		strict:  cfg.Strict,
		store:   store,
		clock:   clk,
		logger:  svcfields.WithSubsystem(logger, "replayguard"),
	}, nil
}

// MaxSkew reports the configured skew window.
func (g *Guard) MaxSkew() time.Duration {
	return g.maxSkew
}

// Verify checks headers and body authenticity. The body is the decoded
// (already decrypted) JSON value, or nil when the request has no body.
// Checks run in fixed order and short-circuit: header presence, timestamp
// skew, nonce consumption, signature.
func (g *Guard) Verify(ctx context.Context, method, path string, body any, hdr Headers) error {
	if hdr.Timestamp == "" || hdr.Nonce == "" || hdr.Signature == "" || hdr.ClientID == "" {
		return fmt.Errorf("%w: missing signing headers", ErrUnauthorized)
	}

	millis, err := strconv.ParseInt(hdr.Timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp %q", ErrUnauthorized, hdr.Timestamp)
	}
	at := time.UnixMilli(millis)
	now := g.clock.Now()
	if drift := now.Sub(at); drift > g.maxSkew || drift < -g.maxSkew {
		return fmt.Errorf("%w: timestamp outside skew window (drift %s)", ErrUnauthorized, now.Sub(at))
	}

	if err := g.consumeNonce(ctx, hdr.ClientID, hdr.Nonce); err != nil {
		return err
	}

	expected, err := g.Sign(method, path, body, hdr.Timestamp, hdr.Nonce)
	if err != nil {
		return fmt.Errorf("%w: canonicalize body: %v", ErrUnauthorized, err)
	}
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(hdr.Signature))) {
		return fmt.Errorf("%w: invalid signature", ErrUnauthorized)
	}
	return nil
}

// Sign computes the hex HMAC over the canonical request string
// METHOD|PATH|body-with-sorted-keys|timestamp|nonce. Exposed for clients
// and tests.
func (g *Guard) Sign(method, path string, body any, timestamp, nonce string) (string, error) {
	canonical, err := CanonicalBody(body)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, g.secret)
	fmt.Fprintf(mac, "%s|%s|%s|%s|%s", strings.ToUpper(method), path, canonical, timestamp, nonce)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// CanonicalBody renders the body with alphabetically sorted object keys.
// encoding/json marshals map keys in sorted order, so one decode/encode
// round trip yields the canonical form.
func CanonicalBody(body any) (string, error) {
	if body == nil {
		return "", nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// consumeNonce marks (clientID, nonce) consumed via a single IfNotExists
// round trip; two concurrent requests cannot both observe "not consumed".
// Both components are path-escaped so a client id containing "/" cannot
// collide with another pair's marker.
func (g *Guard) consumeNonce(ctx context.Context, clientID, nonce string) error {
	key := noncePrefix + url.PathEscape(clientID) + "/" + url.PathEscape(nonce)
	_, err := g.store.Put(ctx, key, []byte("1"), storage.PutOptions{
		IfNotExists: true,
		TTL:         g.maxSkew,
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrCASMismatch) {
		return fmt.Errorf("%w: nonce already consumed", ErrUnauthorized)
	}
	if g.strict {
		g.logger.Error("nonce store unreachable, failing closed", "client", clientID, "error", err)
		return fmt.Errorf("%w: nonce store unreachable", ErrUnauthorized)
	}
	g.logger.Warn("nonce store unreachable, skipping replay check", "client", clientID, "error", err)
	return nil
}
