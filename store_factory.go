package relayd

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/kryptograf/keymgmt"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/storage"
	"pkt.systems/relayd/internal/storage/disk"
	"pkt.systems/relayd/internal/storage/memory"
)

const (
	storageDescriptorName    = "relayd-records"
	storageDescriptorContext = "relayd/storage/records"
)

func openBackend(cfg Config, crypto *storage.Crypto, clk clock.Clock) (storage.Backend, error) {
	if cfg.StorageEncryptionEnabled() && !crypto.Enabled() {
		return nil, fmt.Errorf("config: storage encryption enabled but crypto material missing")
	}
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	var backend storage.Backend
	switch u.Scheme {
	case "memory", "mem", "":
		backend = memory.NewWithConfig(memory.Config{Clock: clk})
	case "disk":
		diskCfg, _, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		diskCfg.Clock = clk
		backend, err = disk.New(diskCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	return storage.WithCrypto(backend, crypto), nil
}

// BuildDiskConfig resolves the disk backend configuration and root directory
// from a disk:// store URL.
func BuildDiskConfig(cfg Config) (disk.Config, string, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, "", fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, "", fmt.Errorf("store %q is not a disk backend", cfg.Store)
	}
	root := u.Path
	if u.Host != "" {
		root = filepath.Join(u.Host, root)
	}
	if strings.TrimSpace(root) == "" {
		return disk.Config{}, "", fmt.Errorf("disk store missing path (expected disk:///var/lib/relayd)")
	}
	return disk.Config{Root: root}, root, nil
}

// PrepareStorageCrypto loads the record encryption material referenced by
// cfg. It returns (nil, nil) when envelope encryption is disabled.
func PrepareStorageCrypto(cfg Config) (*storage.Crypto, error) {
	if !cfg.StorageEncryptionEnabled() {
		return nil, nil
	}
	return loadStorageCrypto(cfg.StorageKeysPath)
}

// loadStorageCrypto loads (or bootstraps) the kryptograf keystore at path and
// returns the record encryption material. The keystore file is created with
// a fresh root key and descriptor on first use.
func loadStorageCrypto(path string) (*storage.Crypto, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read storage keystore %q: %w", path, err)
	}
	var out []byte
	store, err := keymgmt.LoadPEMInto(existing, &out)
	if err != nil {
		return nil, fmt.Errorf("load storage keystore %q: %w", path, err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return nil, fmt.Errorf("ensure root key: %w", err)
	}
	if _, err := store.EnsureDescriptor(storageDescriptorName, root, []byte(storageDescriptorContext)); err != nil {
		return nil, fmt.Errorf("ensure record descriptor: %w", err)
	}
	if err := store.Commit(); err != nil {
		return nil, fmt.Errorf("commit storage keystore: %w", err)
	}
	desc, ok, err := store.Descriptor(storageDescriptorName)
	if err != nil {
		return nil, fmt.Errorf("read record descriptor: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("storage keystore %q missing record descriptor", path)
	}
	if len(out) > 0 && !bytes.Equal(out, existing) {
		if err := writeKeystore(path, out); err != nil {
			return nil, err
		}
	}
	return storage.NewCrypto(storage.CryptoConfig{
		Enabled:    true,
		RootKey:    root,
		Descriptor: desc,
		Context:    []byte(storageDescriptorContext),
	})
}

func writeKeystore(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create keystore dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace keystore: %w", err)
	}
	return nil
}
