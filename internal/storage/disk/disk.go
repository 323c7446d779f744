// Package disk implements storage.Backend on the local filesystem. It is a
// single-instance backend: CAS is serialized in-process, which is sufficient
// for one relay instance pointing at a private data directory.
package disk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/storage"
)

// Config configures the disk store.
type Config struct {
	Root  string
	Clock clock.Clock
}

// Store implements storage.Backend on top of a directory of record files.
type Store struct {
	root  string
	clock clock.Clock
	mu    sync.Mutex
}

type envelope struct {
	Value       []byte `json:"value"`
	ETag        string `json:"etag"`
	ExpiresUnix int64  `json:"expires_unix,omitempty"`
}

func (e *envelope) expired(now time.Time) bool {
	return e.ExpiresUnix != 0 && now.Unix() >= e.ExpiresUnix
}

// New opens (creating if needed) a disk store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("disk: root directory required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("disk: resolve %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("disk: create %s: %w", abs, err)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{root: abs, clock: clk}, nil
}

// Get returns the live record for key.
func (s *Store) Get(_ context.Context, key string) (storage.Record, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := s.read(key)
	if err != nil {
		return storage.Record{}, err
	}
	if env.expired(now) {
		_ = os.Remove(s.path(key))
		return storage.Record{}, storage.ErrNotFound
	}
	return storage.Record{Value: env.Value, ETag: env.ETag}, nil
}

// Put writes value under key honouring conditional options.
func (s *Store) Put(_ context.Context, key string, value []byte, opts storage.PutOptions) (string, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.read(key)
	exists := err == nil && !current.expired(now)
	if err != nil && err != storage.ErrNotFound {
		return "", err
	}
	if opts.IfNotExists && exists {
		return "", storage.ErrCASMismatch
	}
	if opts.ExpectedETag != "" {
		if !exists || current.ETag != opts.ExpectedETag {
			return "", storage.ErrCASMismatch
		}
	}
	env := envelope{
		Value: value,
		ETag:  xid.New().String(),
	}
	if opts.TTL > 0 {
		env.ExpiresUnix = now.Add(opts.TTL).Unix()
	}
	if err := s.write(key, env); err != nil {
		return "", err
	}
	return env.ETag, nil
}

// Delete removes the record for key.
func (s *Store) Delete(_ context.Context, key string, expectedETag string) error {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.read(key)
	if err != nil {
		return err
	}
	if current.expired(now) {
		_ = os.Remove(s.path(key))
		return storage.ErrNotFound
	}
	if expectedETag != "" && current.ETag != expectedETag {
		return storage.ErrCASMismatch
	}
	if err := os.Remove(s.path(key)); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}
		return storage.NewTransientError(fmt.Errorf("disk: remove %s: %w", key, err))
	}
	return nil
}

// List enumerates live keys under prefix in ascending order.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	now := s.clock.Now()
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, storage.NewTransientError(fmt.Errorf("disk: list: %w", err))
	}
	var keys []string
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		key, err := url.QueryUnescape(ent.Name())
		if err != nil || !strings.HasPrefix(key, prefix) {
			continue
		}
		env, err := s.read(key)
		if err != nil || env.expired(now) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close satisfies storage.Backend.
func (s *Store) Close() error {
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, url.QueryEscape(key))
}

func (s *Store) read(key string) (envelope, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return envelope{}, storage.ErrNotFound
		}
		return envelope{}, storage.NewTransientError(fmt.Errorf("disk: read %s: %w", key, err))
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("disk: decode %s: %w", key, err)
	}
	return env, nil
}

func (s *Store) write(key string, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("disk: encode %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return storage.NewTransientError(fmt.Errorf("disk: temp file: %w", err))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: write %s: %w", key, err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: sync %s: %w", key, err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: close %s: %w", key, err))
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: rename %s: %w", key, err))
	}
	return nil
}
