// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrInvalidPoint is returned when a Diffie-Hellman operation lands on a
// low order point, which would yield an all-zero shared secret.
var ErrInvalidPoint = errors.New("ratchet: invalid curve25519 point")

// KeyPair is an X25519 key pair. The private scalar never leaves this
// struct; it is wiped in place when the pair is replaced by a ratchet step.
type KeyPair struct {
	private [32]byte
	public  [32]byte
}

// GenerateKeyPair creates a fresh X25519 key pair from the given entropy
// source.
func GenerateKeyPair(rand io.Reader) (*KeyPair, error) {
	kp := new(KeyPair)
	if _, err := io.ReadFull(rand, kp.private[:]); err != nil {
		return nil, err
	}
	kp.private[0] &= 248
	kp.private[31] &= 127
	kp.private[31] |= 64
	curve25519.ScalarBaseMult(&kp.public, &kp.private)
	return kp, nil
}

// Public returns the public point of the pair.
func (kp *KeyPair) Public() [32]byte {
	return kp.public
}

// dh computes the shared secret between our private scalar and the peer's
// public point, rejecting low order inputs.
func (kp *KeyPair) dh(peer *[32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(kp.private[:], peer[:])
	if err != nil {
		return out, ErrInvalidPoint
	}
	copy(out[:], shared)
	return out, nil
}

// KeyExchange computes the stretched key exchange secret between the
// pair and a peer public point. Both endpoints derive the same secret,
// suitable for seeding a ratchet.
func (kp *KeyPair) KeyExchange(peer *[32]byte) ([]byte, error) {
	shared, err := kp.dh(peer)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, shared[:], nil, []byte("privgate key exchange"))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	for i := range shared {
		shared[i] = 0
	}
	return out, nil
}

// wipe destroys the private half of the pair.
func (kp *KeyPair) wipe() {
	for i := range kp.private {
		kp.private[i] = 0
	}
}
