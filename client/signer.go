// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package client

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"

	"github.com/privgate/privgate/primitives"
)

// Signer produces the client identity material the daemon pins and
// challenges. Implementations may hold the key in a file, an agent or a
// hardware token; the daemon never learns anything beyond the public
// half, the challenge signatures and the optional attestation chain.
type Signer interface {
	GetPublicKey() ([]byte, error)
	SignData(data []byte) ([]byte, error)
	GetAttestationChain() ([][]byte, error)
}

// FileSigner is an ed25519 Signer backed by a seed file on disk.
type FileSigner struct {
	priv ed25519.PrivateKey
}

var _ Signer = (*FileSigner)(nil)

// NewFileSigner loads an ed25519 seed or private key from path.
func NewFileSigner(path string) (*FileSigner, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return &FileSigner{priv: ed25519.NewKeyFromSeed(raw)}, nil
	case ed25519.PrivateKeySize:
		return &FileSigner{priv: ed25519.PrivateKey(raw)}, nil
	default:
		return nil, fmt.Errorf("%s: not an ed25519 key (%d bytes)",
			path, len(raw))
	}
}

// GenerateFileSigner creates a fresh ed25519 identity at path, refusing
// to clobber an existing one.
func GenerateFileSigner(path string) (*FileSigner, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%s already exists", path)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, priv.Seed(), 0600); err != nil {
		return nil, err
	}
	return &FileSigner{priv: priv}, nil
}

// GetPublicKey returns the raw 32 byte ed25519 public key.
func (fs *FileSigner) GetPublicKey() ([]byte, error) {
	pub := fs.priv.Public().(ed25519.PublicKey)
	return append([]byte(nil), pub...), nil
}

// SignData signs data with the file identity.
func (fs *FileSigner) SignData(data []byte) ([]byte, error) {
	return ed25519.Sign(fs.priv, data), nil
}

// GetAttestationChain returns nil; a file identity has no hardware
// attestation to offer.
func (fs *FileSigner) GetAttestationChain() ([][]byte, error) {
	return nil, nil
}

// Destroy wipes the private key material.
func (fs *FileSigner) Destroy() {
	primitives.Zero(fs.priv)
	fs.priv = nil
}
