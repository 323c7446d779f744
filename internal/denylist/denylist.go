// Package denylist maintains the shared set of blocked addresses with
// block reasons. Lookups fail open: an unreachable store must not take the
// relay down with it.
package denylist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/storage"
	"pkt.systems/relayd/internal/svcfields"
)

const entryPrefix = "deny/"

// Entry describes a blocked address.
type Entry struct {
	Address string    `json:"address"`
	Reason  string    `json:"reason"`
	AddedAt time.Time `json:"added_at"`
}

// Verdict reports a lookup outcome.
type Verdict struct {
	Blocked bool
	Reason  string
	// FailedOpen reports that the store was unreachable and the address
	// was treated as not blocked.
	FailedOpen bool
}

// Store is the dynamic deny list over the shared backend.
type Store struct {
	store  storage.Backend
	clock  clock.Clock
	logger pslog.Logger
}

// New constructs a deny list store.
func New(store storage.Backend, clk clock.Clock, logger pslog.Logger) (*Store, error) {
	if store == nil {
		return nil, fmt.Errorf("denylist: store required")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		store:  store,
		clock:  clk,
		logger: svcfields.WithSubsystem(logger, "denylist"),
	}, nil
}

// IsBlocked reports whether address is deny-listed. Lookups never mutate
// state.
func (s *Store) IsBlocked(ctx context.Context, address string) Verdict {
	address = strings.TrimSpace(address)
	if address == "" {
		return Verdict{}
	}
	rec, err := s.store.Get(ctx, entryPrefix+address)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Verdict{}
		}
		s.logger.Warn("deny list store degraded, treating address as clear",
			"address", address, "error", err)
		return Verdict{FailedOpen: true}
	}
	var entry Entry
	if err := json.Unmarshal(rec.Value, &entry); err != nil {
		s.logger.Warn("deny list entry corrupt, treating address as clear",
			"address", address, "error", err)
		return Verdict{FailedOpen: true}
	}
	return Verdict{Blocked: true, Reason: entry.Reason}
}

// Add records address with reason. Adding an already-listed address
// replaces the entry, keeping the latest reason.
func (s *Store) Add(ctx context.Context, address, reason string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("denylist: address required")
	}
	entry := Entry{
		Address: address,
		Reason:  reason,
		AddedAt: s.clock.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("denylist: encode entry: %w", err)
	}
	if _, err := s.store.Put(ctx, entryPrefix+address, data, storage.PutOptions{}); err != nil {
		return fmt.Errorf("denylist: add %s: %w", address, err)
	}
	s.logger.Info("address deny-listed", "address", address, "reason", reason)
	return nil
}

// Remove deletes the entry for address. Removing an unlisted address is a
// no-op.
func (s *Store) Remove(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("denylist: address required")
	}
	if err := s.store.Delete(ctx, entryPrefix+address, ""); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("denylist: remove %s: %w", address, err)
	}
	s.logger.Info("address removed from deny list", "address", address)
	return nil
}

// List returns every entry in address order.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	keys, err := s.store.List(ctx, entryPrefix)
	if err != nil {
		return nil, fmt.Errorf("denylist: list: %w", err)
	}
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		rec, err := s.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("denylist: read %s: %w", key, err)
		}
		var entry Entry
		if err := json.Unmarshal(rec.Value, &entry); err != nil {
			s.logger.Warn("skipping corrupt deny list entry", "key", key, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
