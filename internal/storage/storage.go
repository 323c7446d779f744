package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrCASMismatch    = errors.New("storage: cas mismatch")
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Record is a stored value together with its opaque ETag.
type Record struct {
	Value []byte
	ETag  string
}

// PutOptions control conditional semantics for Put.
type PutOptions struct {
	// ExpectedETag enforces compare-and-swap against the current record.
	// Empty means unconditional unless IfNotExists is set.
	ExpectedETag string
	// IfNotExists makes the put fail with ErrCASMismatch when the key
	// already holds a live record.
	IfNotExists bool
	// TTL expires the record after the supplied duration. Zero keeps the
	// record until deleted.
	TTL time.Duration
}

// Backend is the shared key-value store the relay keeps its mutable state
// in: nonce consumption markers, rate-limit counters, and deny-list
// entries. Conditional puts are the only mutation primitive; read-modify-
// write sequences must loop on ErrCASMismatch rather than overwrite.
type Backend interface {
	// Get returns the live record for key or ErrNotFound.
	Get(ctx context.Context, key string) (Record, error)
	// Put writes value under key honouring opts and returns the new ETag.
	Put(ctx context.Context, key string, value []byte, opts PutOptions) (string, error)
	// Delete removes the record. A non-empty expectedETag enforces CAS.
	// Deleting an absent key returns ErrNotFound.
	Delete(ctx context.Context, key string, expectedETag string) error
	// List enumerates live keys under prefix in ascending lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Close releases backend resources.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

// IsUnavailable reports whether err indicates the store itself could not be
// reached, as opposed to a conditional failure on a reachable store. The
// fail-open components (rate limiter, deny list) key their degradation off
// this distinction.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrCASMismatch)
}
