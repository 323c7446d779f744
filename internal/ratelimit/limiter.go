// Package ratelimit implements fixed-window request limiting with
// escalating penalty windows, backed by the shared store.
//
// Correctness of limiting is traded for availability: when the store cannot
// be reached the limiter fails open and logs, it never blocks traffic on
// infrastructure trouble.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/storage"
	"pkt.systems/relayd/internal/svcfields"
)

const (
	// DefaultWindow is the fixed counting window length.
	DefaultWindow = time.Minute
	// DefaultMaxRequests is the per-window quota.
	DefaultMaxRequests = 10
	// DefaultViolationHorizon bounds how long violations keep escalating
	// before the counter resets.
	DefaultViolationHorizon = 24 * time.Hour

	recordPrefix = "rate/"
	casAttempts  = 4
)

// DefaultPenaltyTable escalates penalty duration by violation count; the
// last entry is the terminal tier applied to every further violation.
var DefaultPenaltyTable = []time.Duration{
	10 * time.Minute,
	15 * time.Minute,
	20 * time.Minute,
	time.Hour,
}

// Config drives Limiter construction.
type Config struct {
	Window           time.Duration
	MaxRequests      int
	PenaltyTable     []time.Duration
	ViolationHorizon time.Duration
}

// Result reports the outcome of a limit check.
type Result struct {
	Allowed bool
	// Limit is the per-window quota, surfaced in X-RateLimit-Limit.
	Limit int
	// Remaining requests in the current window.
	Remaining int
	// ResetAt is when the current window (or active penalty) ends.
	ResetAt time.Time
	// RetryAfter is the wait the caller must observe when rejected. During
	// a penalty it reflects the penalty's remaining duration, not the
	// window counter.
	RetryAfter time.Duration
	// Penalized reports that an escalated penalty window caused the
	// rejection.
	Penalized bool
	// FailedOpen reports that the store was unreachable and the request
	// was allowed without counting.
	FailedOpen bool
}

type record struct {
	Count             int   `json:"count"`
	WindowStartUnix   int64 `json:"window_start_unix"`
	ViolationCount    int   `json:"violation_count"`
	LastViolationUnix int64 `json:"last_violation_unix,omitempty"`
	PenaltyUntilUnix  int64 `json:"penalty_until_unix,omitempty"`
}

// Limiter applies per-key fixed-window limits with penalty escalation.
type Limiter struct {
	cfg    Config
	store  storage.Backend
	clock  clock.Clock
	logger pslog.Logger
}

// New constructs a Limiter over the shared store.
func New(cfg Config, store storage.Backend, clk clock.Clock, logger pslog.Logger) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("ratelimit: store required")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if len(cfg.PenaltyTable) == 0 {
		cfg.PenaltyTable = DefaultPenaltyTable
	}
	if cfg.ViolationHorizon <= 0 {
		cfg.ViolationHorizon = DefaultViolationHorizon
	}
	return &Limiter{
		cfg:    cfg,
		store:  store,
		clock:  clk,
		logger: svcfields.WithSubsystem(logger, "ratelimit"),
	}, nil
}

// Check counts a request against key and reports whether it may proceed.
// The count mutation is a single CAS round trip per attempt; concurrent
// checkers loop on ErrCASMismatch instead of clobbering each other.
func (l *Limiter) Check(ctx context.Context, key string) Result {
	storeKey := recordPrefix + key
	for attempt := 0; attempt < casAttempts; attempt++ {
		now := l.clock.Now()
		rec, etag, err := l.load(ctx, storeKey)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				res, retry := l.create(ctx, storeKey, now)
				if retry {
					continue
				}
				return res
			}
			return l.failOpen(key, err)
		}

		if rec.PenaltyUntilUnix > now.Unix() {
			remaining := time.Duration(rec.PenaltyUntilUnix-now.Unix()) * time.Second
			return Result{
				Allowed:    false,
				Limit:      l.cfg.MaxRequests,
				Remaining:  0,
				ResetAt:    time.Unix(rec.PenaltyUntilUnix, 0).UTC(),
				RetryAfter: remaining,
				Penalized:  true,
			}
		}

		windowEnd := time.Unix(rec.WindowStartUnix, 0).Add(l.cfg.Window)
		res := Result{Limit: l.cfg.MaxRequests}
		switch {
		case !now.Before(windowEnd):
			rec.Count = 1
			rec.WindowStartUnix = now.Unix()
			res.Allowed = true
			res.Remaining = l.cfg.MaxRequests - 1
			res.ResetAt = now.Add(l.cfg.Window).UTC()
		case rec.Count < l.cfg.MaxRequests:
			rec.Count++
			res.Allowed = true
			res.Remaining = l.cfg.MaxRequests - rec.Count
			res.ResetAt = windowEnd.UTC()
		default:
			if rec.LastViolationUnix == 0 || now.Sub(time.Unix(rec.LastViolationUnix, 0)) > l.cfg.ViolationHorizon {
				rec.ViolationCount = 1
			} else {
				rec.ViolationCount++
			}
			rec.LastViolationUnix = now.Unix()
			penalty := l.penaltyFor(rec.ViolationCount)
			rec.PenaltyUntilUnix = now.Add(penalty).Unix()
			res.Allowed = false
			res.Remaining = 0
			res.ResetAt = time.Unix(rec.PenaltyUntilUnix, 0).UTC()
			res.RetryAfter = penalty
			res.Penalized = true
		}

		if err := l.save(ctx, storeKey, rec, etag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				continue
			}
			return l.failOpen(key, err)
		}
		return res
	}
	// Contention exhausted the CAS budget; treat like infrastructure
	// degradation and let the request through.
	return l.failOpen(key, storage.ErrCASMismatch)
}

func (l *Limiter) create(ctx context.Context, storeKey string, now time.Time) (Result, bool) {
	rec := record{Count: 1, WindowStartUnix: now.Unix()}
	data, _ := json.Marshal(rec)
	_, err := l.store.Put(ctx, storeKey, data, storage.PutOptions{IfNotExists: true})
	if err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return Result{}, true
		}
		return l.failOpen(storeKey, err), false
	}
	return Result{
		Allowed:   true,
		Limit:     l.cfg.MaxRequests,
		Remaining: l.cfg.MaxRequests - 1,
		ResetAt:   now.Add(l.cfg.Window).UTC(),
	}, false
}

func (l *Limiter) load(ctx context.Context, storeKey string) (record, string, error) {
	stored, err := l.store.Get(ctx, storeKey)
	if err != nil {
		return record{}, "", err
	}
	var rec record
	if err := json.Unmarshal(stored.Value, &rec); err != nil {
		return record{}, "", fmt.Errorf("ratelimit: decode record: %w", err)
	}
	return rec, stored.ETag, nil
}

func (l *Limiter) save(ctx context.Context, storeKey string, rec record, etag string) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ratelimit: encode record: %w", err)
	}
	_, err = l.store.Put(ctx, storeKey, data, storage.PutOptions{ExpectedETag: etag})
	return err
}

func (l *Limiter) penaltyFor(violations int) time.Duration {
	idx := violations - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(l.cfg.PenaltyTable) {
		idx = len(l.cfg.PenaltyTable) - 1
	}
	return l.cfg.PenaltyTable[idx]
}

func (l *Limiter) failOpen(key string, err error) Result {
	l.logger.Warn("rate limit store degraded, allowing request", "key", key, "error", err)
	return Result{
		Allowed:    true,
		Limit:      l.cfg.MaxRequests,
		Remaining:  l.cfg.MaxRequests,
		ResetAt:    l.clock.Now().Add(l.cfg.Window).UTC(),
		FailedOpen: true,
	}
}
