// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
)

// These constants are used as the label argument to deriveKey to derive
// independent keys from a master secret. Distinct labels keep the root
// KDF, chain KDF and session key KDF invocations domain separated.
var (
	rootSeedLabel   = []byte("privgate root seed")
	rootUpdateLabel = []byte("privgate root update")
	rootKeyLabel    = []byte("privgate root key")
	chainKeyLabel   = []byte("privgate chain key")
	chainStepLabel  = []byte("privgate chain step")
	messageKeyLabel = []byte("privgate message key")
	masterKeyLabel  = []byte("privgate session master")
)

// deriveKey computes out = HMAC(k, label) for an HMAC object keyed by k.
func deriveKey(out *[32]byte, label []byte, h hash.Hash) {
	h.Reset()
	h.Write(label)
	sum := h.Sum(nil)
	if len(sum) != len(out) {
		panic("kdf hash output has wrong size")
	}
	copy(out[:], sum)
	for i := range sum {
		sum[i] = 0
	}
}

// seedRootKey derives the initial root key from the externally established
// shared secret. Both parties run the identical derivation.
func seedRootKey(root *[32]byte, sharedSecret []byte) error {
	r := hkdf.New(sha256.New, sharedSecret, nil, rootSeedLabel)
	_, err := io.ReadFull(r, root[:])
	return err
}

// kdfRoot advances the root key in place with a DH output and returns the
// chain key split off the same update. The intermediate key material is
// wiped before returning.
func kdfRoot(root *[32]byte, dhOut *[32]byte) [32]byte {
	mix := hmac.New(sha256.New, root[:])
	mix.Write(rootUpdateLabel)
	mix.Write(dhOut[:])
	var km [32]byte
	copy(km[:], mix.Sum(nil))

	h := hmac.New(sha256.New, km[:])
	var chain [32]byte
	deriveKey(root, rootKeyLabel, h)
	deriveKey(&chain, chainKeyLabel, h)
	for i := range km {
		km[i] = 0
	}
	return chain
}

// kdfChain advances a chain key in place and returns the one-time message
// key for the current position.
func kdfChain(chain *[32]byte) [32]byte {
	h := hmac.New(sha256.New, chain[:])
	var msgKey [32]byte
	deriveKey(&msgKey, messageKeyLabel, h)
	deriveKey(chain, chainStepLabel, h)
	return msgKey
}

// kdfMaster derives the session master key for the data channel from the
// just-updated root key and the chain key produced by the same root
// update. Both sides compute every root update exactly once, so the master
// key sequence is identical on both ends of the link.
func kdfMaster(out *[32]byte, root, chain *[32]byte) {
	h := hmac.New(sha256.New, root[:])
	h.Write(masterKeyLabel)
	h.Write(chain[:])
	copy(out[:], h.Sum(nil))
}
