package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// CryptoConfig drives the creation of a Crypto helper for at-rest record
// encryption.
type CryptoConfig struct {
	Enabled    bool
	RootKey    keymgmt.RootKey
	Descriptor keymgmt.Descriptor
	Context    []byte
}

// Crypto encapsulates kryptograf helpers for encrypting relay records
// (nonce markers, rate-limit counters, deny-list entries) before they reach
// the backend.
type Crypto struct {
	enabled  bool
	kg       kryptograf.Kryptograf
	material kryptograf.Material
}

// NewCrypto initialises a Crypto helper according to cfg. When encryption is
// disabled the returned value is nil.
func NewCrypto(cfg CryptoConfig) (*Crypto, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Context) == 0 {
		return nil, fmt.Errorf("storage crypto: context required when encryption enabled")
	}
	if cfg.Descriptor == (keymgmt.Descriptor{}) {
		return nil, fmt.Errorf("storage crypto: descriptor required when encryption enabled")
	}
	if cfg.RootKey == (keymgmt.RootKey{}) {
		return nil, fmt.Errorf("storage crypto: root key required when encryption enabled")
	}
	kg := kryptograf.New(cfg.RootKey)
	mat, err := kg.ReconstructDEK(cfg.Context, cfg.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: reconstruct DEK: %w", err)
	}
	return &Crypto{enabled: true, kg: kg, material: mat}, nil
}

// Enabled reports whether encryption is active.
func (c *Crypto) Enabled() bool {
	return c != nil && c.enabled
}

// EncryptRecord encrypts plaintext with the record material.
func (c *Crypto) EncryptRecord(plaintext []byte) ([]byte, error) {
	if !c.Enabled() {
		return plaintext, nil
	}
	var buf bytes.Buffer
	buf.Grow(len(plaintext) + 128)
	writer, err := c.kg.EncryptWriter(&buf, c.material)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		writer.Close()
		return nil, fmt.Errorf("storage crypto: encrypt write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt close: %w", err)
	}
	return buf.Bytes(), nil
}

// DecryptRecord decrypts a record payload produced by EncryptRecord.
func (c *Crypto) DecryptRecord(ciphertext []byte) ([]byte, error) {
	if !c.Enabled() {
		return ciphertext, nil
	}
	reader, err := c.kg.DecryptReader(bytes.NewReader(ciphertext), c.material)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt: %w", err)
	}
	defer reader.Close()
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt read: %w", err)
	}
	return plaintext, nil
}

// WithCrypto wraps inner so record payloads are encrypted at rest. A nil or
// disabled Crypto returns inner unchanged.
func WithCrypto(inner Backend, crypto *Crypto) Backend {
	if inner == nil || !crypto.Enabled() {
		return inner
	}
	return &cryptoBackend{inner: inner, crypto: crypto}
}

type cryptoBackend struct {
	inner  Backend
	crypto *Crypto
}

func (b *cryptoBackend) Get(ctx context.Context, key string) (Record, error) {
	rec, err := b.inner.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	plain, err := b.crypto.DecryptRecord(rec.Value)
	if err != nil {
		return Record{}, err
	}
	rec.Value = plain
	return rec, nil
}

func (b *cryptoBackend) Put(ctx context.Context, key string, value []byte, opts PutOptions) (string, error) {
	sealed, err := b.crypto.EncryptRecord(value)
	if err != nil {
		return "", err
	}
	return b.inner.Put(ctx, key, sealed, opts)
}

func (b *cryptoBackend) Delete(ctx context.Context, key string, expectedETag string) error {
	return b.inner.Delete(ctx, key, expectedETag)
}

func (b *cryptoBackend) List(ctx context.Context, prefix string) ([]string, error) {
	return b.inner.List(ctx, prefix)
}

func (b *cryptoBackend) Close() error {
	return b.inner.Close()
}
