// Package storagecheck runs operator-facing diagnostics against the
// configured state backend: basic IO, conditional-write safety, and, when
// envelope encryption is enabled, a ciphertext round trip proving the
// keystore material actually decrypts what the backend persists.
package storagecheck

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"pkt.systems/relayd"
	"pkt.systems/relayd/internal/storage"
	"pkt.systems/relayd/internal/storage/disk"
	"pkt.systems/relayd/internal/storage/memory"
	"pkt.systems/relayd/internal/uuidv7"
)

// Result captures the outcome of store verification checks.
type Result struct {
	Provider string
	Path     string
	Checks   []CheckResult
}

// Passed reports whether all checks succeeded.
func (r Result) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// CheckResult is the outcome of a single verification step.
type CheckResult struct {
	Name string
	Err  error
}

// VerifyStore runs backend-specific diagnostics for the configured store.
func VerifyStore(ctx context.Context, cfg relayd.Config) (Result, error) {
	crypto, err := relayd.PrepareStorageCrypto(cfg)
	if err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if strings.HasPrefix(cfg.Store, "disk://") {
		diskCfg, root, err := relayd.BuildDiskConfig(cfg)
		if err != nil {
			return Result{}, err
		}
		return verifyDisk(ctx, diskCfg, root, crypto)
	}
	if cfg.Store == "" || strings.HasPrefix(cfg.Store, "mem://") || strings.HasPrefix(cfg.Store, "memory://") {
		return verifyMemory(ctx, crypto)
	}
	return Result{}, storage.ErrNotImplemented
}

// verifyDisk executes the disk backend verification routine and adapts the
// results to the diagnostics Result structure.
func verifyDisk(ctx context.Context, diskCfg disk.Config, root string, crypto *storage.Crypto) (Result, error) {
	checks := disk.Verify(ctx, diskCfg)
	result := Result{Provider: "disk", Path: root}
	result.Checks = make([]CheckResult, 0, len(checks))
	for _, chk := range checks {
		result.Checks = append(result.Checks, CheckResult{Name: chk.Name, Err: chk.Err})
	}
	if crypto.Enabled() {
		store, err := disk.New(diskCfg)
		if err != nil {
			result.Checks = append(result.Checks, CheckResult{Name: "CryptoInit", Err: err})
			return result, nil
		}
		defer store.Close()
		result.Checks = append(result.Checks, CheckResult{
			Name: "CryptoRoundTrip",
			Err:  verifyCryptoRoundTrip(ctx, store, crypto),
		})
	}
	return result, nil
}

func verifyMemory(ctx context.Context, crypto *storage.Crypto) (Result, error) {
	result := Result{Provider: "memory"}
	store := memory.New()
	defer store.Close()

	key := "relayd-verify/" + uuidv7.NewString()
	probe := []byte(`{"probe":true}`)
	etag, err := store.Put(ctx, key, probe, storage.PutOptions{IfNotExists: true})
	result.Checks = append(result.Checks, CheckResult{Name: "CreateRecord", Err: err})
	if err == nil {
		rec, err := store.Get(ctx, key)
		if err == nil && !bytes.Equal(rec.Value, probe) {
			err = fmt.Errorf("record value mismatch")
		}
		result.Checks = append(result.Checks, CheckResult{Name: "ReadBack", Err: err})
		result.Checks = append(result.Checks, CheckResult{Name: "Cleanup", Err: store.Delete(ctx, key, etag)})
	}
	if crypto.Enabled() {
		result.Checks = append(result.Checks, CheckResult{
			Name: "CryptoRoundTrip",
			Err:  verifyCryptoRoundTrip(ctx, store, crypto),
		})
	}
	return result, nil
}

// verifyCryptoRoundTrip writes a probe record through the encrypting wrapper
// and confirms the raw backend holds ciphertext the keystore material can
// reconstruct.
func verifyCryptoRoundTrip(ctx context.Context, raw storage.Backend, crypto *storage.Crypto) error {
	wrapped := storage.WithCrypto(raw, crypto)
	key := "relayd-verify/" + uuidv7.NewString()
	plaintext := []byte(`{"crypto_probe":true}`)
	etag, err := wrapped.Put(ctx, key, plaintext, storage.PutOptions{IfNotExists: true})
	if err != nil {
		return fmt.Errorf("write probe: %w", err)
	}
	defer func() {
		_ = wrapped.Delete(ctx, key, "")
	}()

	rec, err := raw.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read raw probe: %w", err)
	}
	if bytes.Contains(rec.Value, []byte("crypto_probe")) {
		return fmt.Errorf("record stored in plaintext")
	}
	decrypted, err := crypto.DecryptRecord(rec.Value)
	if err != nil {
		return fmt.Errorf("decrypt probe: %w", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		return fmt.Errorf("decrypted probe mismatch")
	}

	roundTrip, err := wrapped.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read probe: %w", err)
	}
	if !bytes.Equal(roundTrip.Value, plaintext) {
		return fmt.Errorf("probe mismatch after round trip")
	}
	if roundTrip.ETag != etag {
		return fmt.Errorf("probe etag changed: got %q want %q", roundTrip.ETag, etag)
	}
	return nil
}
