// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package primitives provides the low level crypto operations shared by the
// privgate protocol stack: signature verification with algorithm detection,
// domain separated hashing, constant time comparison and fail-loud random
// byte generation.
//
// All operations hang off an explicit Context instead of package level
// globals so that callers never depend on hidden init ordering. A single
// Context is constructed per process and shared by reference.
package primitives

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
)

// Algorithm identifies a client signature scheme. There are exactly two
// supported schemes and no negotiation; the scheme is inferred from the
// public key encoding.
type Algorithm int

const (
	// Ed25519 is a raw 32-byte ed25519 public key.
	Ed25519 Algorithm = iota

	// ECDSAP256 is a DER (PKIX) encoded P-256 public key.
	ECDSAP256
)

// String returns the stable wire name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case Ed25519:
		return "ed25519"
	case ECDSAP256:
		return "ecdsa-p256"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// AlgorithmFromString is the inverse of Algorithm.String.
func AlgorithmFromString(s string) (Algorithm, error) {
	switch s {
	case "ed25519":
		return Ed25519, nil
	case "ecdsa-p256":
		return ECDSAP256, nil
	default:
		return 0, fmt.Errorf("unknown signature algorithm %q", s)
	}
}

var (
	ErrAmbiguousKey = errors.New("public key does not parse as any supported algorithm")
	ErrShortRead    = errors.New("entropy source returned short read")
)

// domainTag is prepended by TaggedSum256 so privgate hashes can never be
// confused with hashes computed by an unrelated protocol over the same
// curve or data.
var domainTag = [4]byte{'P', 'G', 'T', '1'}

// Context carries the entropy source used by all primitive operations.
type Context struct {
	rand io.Reader
}

// NewContext returns a Context reading entropy from rand.
func NewContext(rand io.Reader) *Context {
	return &Context{rand: rand}
}

// RandomBytes returns n cryptographically secure random bytes. An RNG
// failure is returned as an error, never papered over with partial output.
func (c *Context) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	got, err := io.ReadFull(c.rand, b)
	if err != nil {
		return nil, fmt.Errorf("rng failure: %w", err)
	}
	if got != n {
		return nil, ErrShortRead
	}
	return b, nil
}

// DetectAlgorithm classifies a client public key. A raw 32-byte key is
// always treated as ed25519; anything else must parse as a PKIX encoded
// P-256 key. This is a structural heuristic, not a negotiated value, so
// callers must not submit ambiguous keys.
func (c *Context) DetectAlgorithm(publicKey []byte) (Algorithm, error) {
	if len(publicKey) == ed25519.PublicKeySize {
		return Ed25519, nil
	}
	pub, err := x509.ParsePKIXPublicKey(publicKey)
	if err != nil {
		return 0, ErrAmbiguousKey
	}
	ec, ok := pub.(*ecdsa.PublicKey)
	if !ok || ec.Curve.Params().Name != "P-256" {
		return 0, ErrAmbiguousKey
	}
	return ECDSAP256, nil
}

// VerifySignature verifies signature over message with the given public
// key, dispatching on the detected algorithm. Ed25519 verifies the pure
// message; ECDSA-P256 verifies over the SHA-256 digest, as the respective
// schemes require. Parse failures and malformed signatures yield false,
// never an error that could be mistaken for "verified".
func (c *Context) VerifySignature(publicKey, message, signature []byte) bool {
	alg, err := c.DetectAlgorithm(publicKey)
	if err != nil {
		return false
	}
	switch alg {
	case Ed25519:
		if len(signature) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
	case ECDSAP256:
		pub, err := x509.ParsePKIXPublicKey(publicKey)
		if err != nil {
			return false
		}
		ec, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return false
		}
		digest := sha256.Sum256(message)
		return ecdsa.VerifyASN1(ec, digest[:], signature)
	}
	return false
}

// Sum256 returns the plain SHA-256 of data.
func (c *Context) Sum256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// TaggedSum256 returns the domain separated SHA-256 of data, with the
// privgate application tag prepended before hashing.
func (c *Context) TaggedSum256(data []byte) [32]byte {
	h := sha256.New()
	h.Write(domainTag[:])
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ConstantTimeCompare reports whether a and b are equal. A length mismatch
// short-circuits to false; equal length inputs are compared without early
// exit.
func ConstantTimeCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zero overwrites b with zeroes. Key material is wiped with this on every
// path where it goes out of use, including error returns.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Zero32 wipes a fixed 32-byte buffer in place.
func Zero32(b *[32]byte) {
	for i := range b {
		b[i] = 0
	}
}
