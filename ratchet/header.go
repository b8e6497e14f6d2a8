// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"encoding/binary"
	"errors"
)

const (
	// HeaderSize is the fixed serialized size of a message header: the
	// 32-byte sender ratchet public key, the previous chain length and
	// the message number, little endian.
	HeaderSize = 32 + 4 + 4

	// nonceSize is the AES-GCM nonce prepended to every sealed message.
	nonceSize = 12

	// tagSize is the AEAD authentication tag length.
	tagSize = 16
)

var (
	ErrShortHeader  = errors.New("ratchet: header too small to be valid")
	ErrShortMessage = errors.New("ratchet: message too small to be valid")
)

// Header is the cleartext framing of a control message. It is serialized
// verbatim as the AEAD associated data, so any tampering with it makes the
// ciphertext fail authentication.
type Header struct {
	DHPublic     [32]byte
	PrevChainLen uint32
	MessageNum   uint32
}

// Marshal serializes the header into its fixed 40-byte wire form.
func (h *Header) Marshal() [HeaderSize]byte {
	var out [HeaderSize]byte
	copy(out[:32], h.DHPublic[:])
	binary.LittleEndian.PutUint32(out[32:36], h.PrevChainLen)
	binary.LittleEndian.PutUint32(out[36:40], h.MessageNum)
	return out
}

// ParseHeader deserializes a fixed 40-byte header record.
func ParseHeader(b []byte) (*Header, error) {
	if len(b) != HeaderSize {
		return nil, ErrShortHeader
	}
	h := new(Header)
	copy(h.DHPublic[:], b[:32])
	h.PrevChainLen = binary.LittleEndian.Uint32(b[32:36])
	h.MessageNum = binary.LittleEndian.Uint32(b[36:40])
	return h, nil
}

// EncodeMessage frames a header and sealed payload into the control wire
// format: a 4-byte little endian header length, the header bytes and the
// ciphertext.
func EncodeMessage(h *Header, ciphertext []byte) []byte {
	hdr := h.Marshal()
	out := make([]byte, 4+HeaderSize+len(ciphertext))
	binary.LittleEndian.PutUint32(out[:4], HeaderSize)
	copy(out[4:4+HeaderSize], hdr[:])
	copy(out[4+HeaderSize:], ciphertext)
	return out
}

// DecodeMessage splits a control wire message back into header and
// ciphertext. The ciphertext must at least hold a nonce and tag.
func DecodeMessage(b []byte) (*Header, []byte, error) {
	if len(b) < 4+HeaderSize {
		return nil, nil, ErrShortHeader
	}
	hlen := binary.LittleEndian.Uint32(b[:4])
	if hlen != HeaderSize {
		return nil, nil, ErrShortHeader
	}
	h, err := ParseHeader(b[4 : 4+HeaderSize])
	if err != nil {
		return nil, nil, err
	}
	ciphertext := b[4+HeaderSize:]
	if len(ciphertext) < nonceSize+tagSize {
		return nil, nil, ErrShortMessage
	}
	return h, ciphertext, nil
}

// EncryptedSize returns the size of an encoded control message carrying a
// payload of msgSize bytes.
func EncryptedSize(msgSize int) int {
	return 4 + HeaderSize + nonceSize + msgSize + tagSize
}
