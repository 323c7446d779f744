package storagecheck

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/relayd"
	"pkt.systems/relayd/internal/storage"
)

func baseConfig() relayd.Config {
	return relayd.Config{
		PayloadPassphrase: "verify-passphrase",
		PayloadIVSeed:     "verify-iv-seed",
	}
}

func TestVerifyStoreMemory(t *testing.T) {
	cfg := baseConfig()
	cfg.Store = "mem://"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	res, err := VerifyStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("VerifyStore: %v", err)
	}
	if res.Provider != "memory" {
		t.Fatalf("provider = %q", res.Provider)
	}
	if !res.Passed() {
		t.Fatalf("checks failed: %+v", res.Checks)
	}
}

func TestVerifyStoreDiskWithEncryption(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig()
	cfg.Store = "disk://" + filepath.Join(dir, "state")
	cfg.StorageKeysPath = filepath.Join(dir, "storage.pem")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	res, err := VerifyStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("VerifyStore: %v", err)
	}
	if res.Provider != "disk" {
		t.Fatalf("provider = %q", res.Provider)
	}
	if !res.Passed() {
		t.Fatalf("checks failed: %+v", res.Checks)
	}
	sawCrypto := false
	for _, chk := range res.Checks {
		if chk.Name == "CryptoRoundTrip" {
			sawCrypto = true
		}
	}
	if !sawCrypto {
		t.Fatal("expected CryptoRoundTrip check with keystore configured")
	}
	if _, err := os.Stat(cfg.StorageKeysPath); err != nil {
		t.Fatalf("expected keystore to be bootstrapped: %v", err)
	}
}

func TestVerifyStoreRejectsUnknownScheme(t *testing.T) {
	cfg := baseConfig()
	cfg.Store = "s3://bucket/prefix"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	_, err := VerifyStore(context.Background(), cfg)
	if !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}
