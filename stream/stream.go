// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package stream implements the high throughput data channel. Unlike the
// control channel there is no per-message ratchet; frames are sealed with
// ChaCha20-Poly1305 under per-direction keys handed down from the control
// ratchet, tagged with the key generation that produced them.
// Rekeying is strictly monotonic and a channel tracks when it has carried
// enough traffic, or held a key long enough, that a rotation is due.
package stream

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// DefaultMaxMessages is the number of frames a single key is allowed
	// to seal before a rotation is flagged.
	DefaultMaxMessages = 4096

	// DefaultMaxKeyAge is how long a single key may stay in use before a
	// rotation is flagged.
	DefaultMaxKeyAge = 10 * time.Minute

	// FrameOverhead is the fixed per-frame cost: the 8-byte key
	// generation, the 8-byte frame counter and the AEAD tag.
	FrameOverhead = 8 + 8 + chacha20poly1305.Overhead
)

var (
	ErrNotKeyed           = errors.New("stream: no key installed")
	ErrGenerationRollback = errors.New("stream: key generation moved backwards")
	ErrUnknownGeneration  = errors.New("stream: frame from unknown key generation")
	ErrReplayOrReorder    = errors.New("stream: frame counter not increasing")
	ErrShortFrame         = errors.New("stream: frame too small to be valid")
	ErrDecryptFailed      = errors.New("stream: cannot decrypt")
)

// epoch is the sealing state for one key generation. Each direction
// seals under its own key so the two endpoints of a channel never share
// a (key, nonce) pair.
type epoch struct {
	send       cipher.AEAD
	recv       cipher.AEAD
	generation uint64
	recvCount  uint64
}

// Channel is one endpoint of the data channel. All methods are safe for
// concurrent use.
type Channel struct {
	// MaxMessages and MaxKeyAge may be adjusted before the first key is
	// installed to tune the rotation thresholds.
	MaxMessages uint64
	MaxKeyAge   time.Duration

	mtx sync.Mutex
	now func() time.Time

	cur       *epoch
	prev      *epoch
	keySetAt  time.Time
	sendCount uint64

	// lastGeneration is the monotonic floor for rekeys. It survives a
	// Wipe so a rekey can never reinstall an old generation.
	lastGeneration uint64
}

// New returns a channel with no key installed. Both Encrypt and Decrypt
// fail until UpdateKey is called.
func New() *Channel {
	return &Channel{
		MaxMessages: DefaultMaxMessages,
		MaxKeyAge:   DefaultMaxKeyAge,
		now:         time.Now,
	}
}

// UpdateKey installs the session keys for the given generation: send
// seals outbound frames, recv opens the peer's. The peer must install
// the same keys mirrored. The generation must be strictly greater than
// any generation seen before; stale or repeated updates are rejected so
// a confused caller can never roll the channel back onto an old key.
// The previous generation remains usable for decryption only, so frames
// sealed just before a rotation still open.
func (c *Channel) UpdateKey(send, recv *[32]byte, generation uint64) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if generation <= c.lastGeneration {
		return ErrGenerationRollback
	}
	sendAEAD, err := chacha20poly1305.New(send[:])
	if err != nil {
		return err
	}
	recvAEAD, err := chacha20poly1305.New(recv[:])
	if err != nil {
		return err
	}
	if c.cur != nil {
		c.prev = c.cur
	}
	c.cur = &epoch{send: sendAEAD, recv: recvAEAD, generation: generation}
	c.lastGeneration = generation
	c.keySetAt = c.now()
	c.sendCount = 0
	return nil
}

// KeyGeneration returns the generation of the installed key, zero when no
// key is installed yet.
func (c *Channel) KeyGeneration() uint64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.cur == nil {
		return 0
	}
	return c.cur.generation
}

// NeedsRotation reports whether the current key has sealed enough frames,
// or has been in place long enough, that the owner should rotate it.
func (c *Channel) NeedsRotation() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.cur == nil {
		return false
	}
	if c.sendCount >= c.MaxMessages {
		return true
	}
	return c.now().Sub(c.keySetAt) >= c.MaxKeyAge
}

// Encrypt seals a frame under the current send key. The frame layout is
// the 8-byte little endian key generation, the 8-byte frame counter and
// the AEAD output. Generation and counter are bound into the associated
// data, and the counter doubles as the nonce.
func (c *Channel) Encrypt(plaintext []byte) ([]byte, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.cur == nil {
		return nil, ErrNotKeyed
	}
	out := make([]byte, 16, 16+len(plaintext)+chacha20poly1305.Overhead)
	binary.LittleEndian.PutUint64(out[0:8], c.cur.generation)
	binary.LittleEndian.PutUint64(out[8:16], c.sendCount)
	nonce := counterNonce(c.sendCount)
	out = c.cur.send.Seal(out, nonce[:], plaintext, out[:16])
	c.sendCount++
	return out, nil
}

// Decrypt opens a frame sealed by the peer's channel. Frames must carry
// the current or immediately previous key generation, and within a
// generation the frame counter must be strictly increasing; the transport
// is ordered and reliable, so anything else is a replay or an injection.
func (c *Channel) Decrypt(frame []byte) ([]byte, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.cur == nil {
		return nil, ErrNotKeyed
	}
	if len(frame) < FrameOverhead {
		return nil, ErrShortFrame
	}
	generation := binary.LittleEndian.Uint64(frame[0:8])
	counter := binary.LittleEndian.Uint64(frame[8:16])

	var st *epoch
	switch {
	case generation == c.cur.generation:
		st = c.cur
	case c.prev != nil && generation == c.prev.generation:
		st = c.prev
	default:
		return nil, ErrUnknownGeneration
	}
	if counter < st.recvCount {
		return nil, ErrReplayOrReorder
	}
	nonce := counterNonce(counter)
	plaintext, err := st.recv.Open(nil, nonce[:], frame[16:], frame[:16])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	st.recvCount = counter + 1
	return plaintext, nil
}

// Wipe drops all key state. The channel fails until rekeyed, and the
// rekey must still respect the monotonic generation floor. The AEAD
// states hold the expanded keys; dropping the references is the best Go
// can do for them.
func (c *Channel) Wipe() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.cur = nil
	c.prev = nil
	c.sendCount = 0
}

func counterNonce(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}
