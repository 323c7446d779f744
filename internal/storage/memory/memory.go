// Package memory implements storage.Backend in process memory; intended for
// tests, development, and single-instance deployments.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/storage"
)

// Config configures the in-memory store behaviour.
type Config struct {
	Clock clock.Clock
}

// Store implements storage.Backend in-memory.
type Store struct {
	mu      sync.RWMutex
	records map[string]*entry
	clock   clock.Clock
}

type entry struct {
	value   []byte
	etag    string
	expires time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// New returns a ready to use in-memory store.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns an in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		records: make(map[string]*entry),
		clock:   clk,
	}
}

// Get returns the live record for key.
func (s *Store) Get(_ context.Context, key string) (storage.Record, error) {
	now := s.clock.Now()
	s.mu.RLock()
	rec, ok := s.records[key]
	if ok && !rec.expired(now) {
		out := storage.Record{
			Value: append([]byte(nil), rec.value...),
			ETag:  rec.etag,
		}
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()
	if ok {
		s.purgeExpired(key, now)
	}
	return storage.Record{}, storage.ErrNotFound
}

// Put writes value under key honouring conditional options.
func (s *Store) Put(_ context.Context, key string, value []byte, opts storage.PutOptions) (string, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.records[key]
	if exists && current.expired(now) {
		delete(s.records, key)
		current, exists = nil, false
	}
	if opts.IfNotExists && exists {
		return "", storage.ErrCASMismatch
	}
	if opts.ExpectedETag != "" {
		if !exists || current.etag != opts.ExpectedETag {
			return "", storage.ErrCASMismatch
		}
	}
	rec := &entry{
		value: append([]byte(nil), value...),
		etag:  xid.New().String(),
	}
	if opts.TTL > 0 {
		rec.expires = now.Add(opts.TTL)
	}
	s.records[key] = rec
	return rec.etag, nil
}

// Delete removes the record for key.
func (s *Store) Delete(_ context.Context, key string, expectedETag string) error {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.records[key]
	if !exists || current.expired(now) {
		delete(s.records, key)
		return storage.ErrNotFound
	}
	if expectedETag != "" && current.etag != expectedETag {
		return storage.ErrCASMismatch
	}
	delete(s.records, key)
	return nil
}

// List enumerates live keys under prefix in ascending order.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	now := s.clock.Now()
	s.mu.RLock()
	keys := make([]string, 0, len(s.records))
	for key, rec := range s.records {
		if rec.expired(now) {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Close satisfies storage.Backend but requires no action for the in-memory
// store.
func (s *Store) Close() error {
	return nil
}

func (s *Store) purgeExpired(key string, now time.Time) {
	s.mu.Lock()
	if rec, ok := s.records[key]; ok && rec.expired(now) {
		delete(s.records, key)
	}
	s.mu.Unlock()
}
