// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package authority

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/privgate/privgate/primitives"
	"github.com/privgate/privgate/sealbox"
)

const (
	pinnedKeyFilename = "pinned.key"
	storageSaltFile   = "storage.salt"
	machineIDPath     = "/etc/machine-id"
)

var storageKeyLabel = []byte("privgate pinned key storage")

// PinnedKey is the provisioned client public key with its algorithm tag.
// It is the only state the daemon persists; the sealed blob on disk also
// carries the attestation chain the client offered at provisioning time,
// recorded for offline audit.
type PinnedKey struct {
	Algorithm   primitives.Algorithm `json:"-"`
	AlgName     string               `json:"alg"`
	Key         []byte               `json:"key"`
	KeyID       primitives.KeyID     `json:"keyId"`
	Attestation [][]byte             `json:"attestation,omitempty"`
	Provisioned time.Time            `json:"provisionedAt"`
}

// keyStore seals the pinned key to disk. The sealing key is derived from
// a device secret, never stored itself: /etc/machine-id when readable,
// otherwise a random salt file created next to the blob on first use.
type keyStore struct {
	path    string
	sealKey [32]byte
}

func newKeyStore(root string) (*keyStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	secret, err := deviceSecret(root)
	if err != nil {
		return nil, err
	}
	sealKey, err := sealbox.DeriveKey(secret, storageKeyLabel)
	primitives.Zero(secret)
	if err != nil {
		return nil, err
	}
	ks := &keyStore{path: filepath.Join(root, pinnedKeyFilename)}
	ks.sealKey = sealKey
	primitives.Zero32(&sealKey)
	return ks, nil
}

// deviceSecret returns the device specific secret the storage key is
// derived from. The fallback salt file makes the blob unreadable when
// copied to another host even without a machine id.
func deviceSecret(root string) ([]byte, error) {
	id, err := os.ReadFile(machineIDPath)
	if err == nil && len(bytes.TrimSpace(id)) > 0 {
		return bytes.TrimSpace(id), nil
	}

	saltPath := filepath.Join(root, storageSaltFile)
	salt, err := os.ReadFile(saltPath)
	if err == nil && len(salt) == 32 {
		return salt, nil
	}
	salt = make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("rng failure: %w", err)
	}
	if err := os.WriteFile(saltPath, salt, 0600); err != nil {
		return nil, fmt.Errorf("unable to persist storage salt: %w", err)
	}
	return salt, nil
}

// load reads and decrypts the pinned key. A missing file is not an error;
// it returns (nil, nil) so the caller can distinguish "no key pinned yet"
// from a corrupt or foreign blob.
func (ks *keyStore) load() (*PinnedKey, error) {
	blob, err := os.ReadFile(ks.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	plain, ok := sealbox.Open(blob, &ks.sealKey)
	if !ok {
		return nil, fmt.Errorf("pinned key blob %s cannot be decrypted", ks.path)
	}
	var pk PinnedKey
	err = json.Unmarshal(plain, &pk)
	primitives.Zero(plain)
	if err != nil {
		return nil, fmt.Errorf("pinned key blob %s corrupt: %w", ks.path, err)
	}
	alg, err := primitives.AlgorithmFromString(pk.AlgName)
	if err != nil {
		return nil, fmt.Errorf("pinned key blob %s corrupt: %w", ks.path, err)
	}
	pk.Algorithm = alg
	return &pk, nil
}

// save seals and writes the pinned key, replacing any prior blob
// atomically.
func (ks *keyStore) save(pk *PinnedKey) error {
	pk.AlgName = pk.Algorithm.String()
	plain, err := json.Marshal(pk)
	if err != nil {
		return err
	}
	blob, err := sealbox.Seal(plain, &ks.sealKey)
	primitives.Zero(plain)
	if err != nil {
		return err
	}
	tmp := ks.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, ks.path)
}

// remove deletes the pinned key blob.
func (ks *keyStore) remove() error {
	err := os.Remove(ks.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
