// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sealbox wraps nacl/secretbox and hides the very awkward append
// interface. It is used for everything privgate keeps encrypted at rest,
// which today is the pinned client public key.
package sealbox

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// MinSealedSize is the minimum size of a sealed blob packed with a nonce.
const MinSealedSize = 24 + secretbox.Overhead

// Seal encrypts a message with the provided key. Behind the scenes it
// adds a random nonce and returns an encrypted blob that is prefixed by
// the nonce.
func Seal(message []byte, key *[32]byte) ([]byte, error) {
	var nonce [24]byte
	_, err := io.ReadFull(rand.Reader, nonce[:])
	if err != nil {
		return nil, err
	}

	return secretbox.Seal(nonce[:], message, &nonce, key), nil
}

// Open decrypts a blob sealed with Seal. It uses the prefixed nonce and
// returns the decrypted message and true. If the blob is corrupt, too
// short or keyed differently it returns false.
func Open(box []byte, key *[32]byte) ([]byte, bool) {
	if len(box) < MinSealedSize {
		return nil, false
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])
	return secretbox.Open(nil, box[24:], &nonce, key)
}

// SealedSize returns the size of a sealed blob for a payload of msgSize
// bytes: the 24 byte nonce plus the secretbox output.
func SealedSize(msgSize int) int {
	return 24 + msgSize + secretbox.Overhead
}

// DeriveKey derives a sealing key from a device secret and a label via
// HKDF-SHA256. The same (secret, label) pair always yields the same key,
// so a daemon can reopen its blobs across restarts without persisting the
// key itself.
func DeriveKey(secret, label []byte) ([32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, secret, nil, label)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, err
	}
	return key, nil
}
