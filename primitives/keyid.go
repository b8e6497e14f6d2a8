// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package primitives

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// KeyID is the 32-byte, fixed size identifier of a pinned public key: the
// domain tagged SHA-256 of the raw key bytes. It encodes as an hex string
// in json for compactness.
type KeyID [32]byte

// KeyIDFor computes the identifier for the given raw public key bytes.
func (c *Context) KeyIDFor(publicKey []byte) KeyID {
	return KeyID(c.TaggedSum256(publicKey))
}

// String returns the hex encoding of the KeyID.
func (u KeyID) String() string {
	return hex.EncodeToString(u[:])
}

// ShortLogID returns a truncated hex prefix suitable for log lines.
func (u KeyID) ShortLogID() string {
	return hex.EncodeToString(u[:4])
}

// MarshalJSON marshals the id into a json string.
func (u KeyID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a KeyID.
func (u *KeyID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a KeyID. s must contain an hex-encoded id of
// the correct length.
func (u *KeyID) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid KeyID length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}
