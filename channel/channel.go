// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package channel composes the control ratchet and the data stream into a
// single secure link. Control messages ride the double ratchet; bulk data
// rides the stream channel under the session master key the ratchet hands
// down. Whenever a ratchet operation advances the key generation the
// stream key is brought forward automatically, so the caller only ever
// sees one channel object.
package channel

import (
	"crypto/sha256"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/privgate/privgate/ratchet"
	"github.com/privgate/privgate/stream"
)

// Per-direction key derivation labels. Each endpoint seals data frames
// under the key of its own role, so the two directions never share a
// (key, nonce) pair even though both derive from one master key.
const (
	labelInitiatorData = "privgate data initiator"
	labelResponderData = "privgate data responder"
)

// Dual is one endpoint of a paired control/data channel. All methods are
// safe for concurrent use.
type Dual struct {
	mtx       sync.Mutex
	rat       *ratchet.Ratchet
	str       *stream.Channel
	initiator bool

	// rotationPending is set when EncryptData rotated the key on its
	// own. The transport must announce the new generation on the control
	// channel before delivering any data frame sealed under it.
	rotationPending bool
}

// New returns an uninitialized channel reading entropy from rand.
func New(rand io.Reader) *Dual {
	return &Dual{
		rat: ratchet.New(rand),
		str: stream.New(),
	}
}

// Ratchet exposes the underlying control ratchet for tuning before
// initialization.
func (d *Dual) Ratchet() *ratchet.Ratchet { return d.rat }

// Stream exposes the underlying data channel for tuning before
// initialization.
func (d *Dual) Stream() *stream.Channel { return d.str }

// InitInitiator initializes the side that speaks first on the control
// channel. The data key for generation one is installed immediately.
func (d *Dual) InitInitiator(sharedSecret []byte, peerPublic *[32]byte) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.initiator = true
	if err := d.rat.InitInitiator(sharedSecret, peerPublic); err != nil {
		return err
	}
	return d.syncStream()
}

// InitResponder initializes the answering side. No data key exists until
// the first control message arrives and triggers the responder's half of
// the ratchet step.
func (d *Dual) InitResponder(sharedSecret []byte, own *ratchet.KeyPair) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	return d.rat.InitResponder(sharedSecret, own)
}

// EncryptControl seals a control message and returns the full wire
// encoding, header included.
func (d *Dual) EncryptControl(plaintext []byte) ([]byte, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	h, ct, err := d.rat.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	if err := d.syncStream(); err != nil {
		return nil, err
	}
	return ratchet.EncodeMessage(h, ct), nil
}

// DecryptControl opens a control wire message. If the message carried a
// new peer ratchet key the data key is brought forward to the new
// generation before returning.
func (d *Dual) DecryptControl(wire []byte) ([]byte, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	h, ct, err := ratchet.DecodeMessage(wire)
	if err != nil {
		return nil, err
	}
	plaintext, err := d.rat.Decrypt(h, ct)
	if err != nil {
		return nil, err
	}
	if err := d.syncStream(); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// EncryptData seals a bulk data frame under the current session key. When
// the stream reports its key is due for rotation a ratchet step happens
// first, so rotation shows up as added latency on exactly one call and
// never as a silent downgrade. After an automatic rotation the caller
// must drain PendingRotation and announce the new generation on the
// control channel before this frame is delivered.
func (d *Dual) EncryptData(plaintext []byte) ([]byte, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.str.NeedsRotation() {
		if err := d.rat.ForceStep(); err != nil {
			return nil, err
		}
		if err := d.syncStream(); err != nil {
			return nil, err
		}
		d.rotationPending = true
	}
	return d.str.Encrypt(plaintext)
}

// PendingRotation reports whether EncryptData rotated the data key since
// the last call, clearing the flag. A true return obliges the transport
// to send a control message before the next data frame.
func (d *Dual) PendingRotation() bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	p := d.rotationPending
	d.rotationPending = false
	return p
}

// DecryptData opens a bulk data frame.
func (d *Dual) DecryptData(frame []byte) ([]byte, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.str.Decrypt(frame)
}

// NeedsRotation reports whether the data key is due for rotation, by
// traffic volume or by age.
func (d *Dual) NeedsRotation() bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.str.NeedsRotation()
}

// RotateKeys forces a ratchet step, installs the new data key locally and
// returns the sealed announcement that must be delivered to the peer over
// the control transport. The peer catches up to the new generation when
// it decrypts the announcement, so the announcement has to be sent before
// any data frame of the new generation.
func (d *Dual) RotateKeys(announce []byte) ([]byte, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.rat.ForceStep(); err != nil {
		return nil, err
	}
	h, ct, err := d.rat.Encrypt(announce)
	if err != nil {
		return nil, err
	}
	if err := d.syncStream(); err != nil {
		return nil, err
	}
	return ratchet.EncodeMessage(h, ct), nil
}

// KeyGeneration returns the data channel's current key generation.
func (d *Dual) KeyGeneration() uint64 {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.str.KeyGeneration()
}

// Destroy wipes both halves of the channel.
func (d *Dual) Destroy() {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.rat.Destroy()
	d.str.Wipe()
}

// syncStream derives the per-direction data keys from the ratchet's
// master key and installs them when the ratchet has moved to a newer
// generation. The local key copies are wiped before returning. The
// caller must hold the mutex.
func (d *Dual) syncStream() error {
	gen := d.rat.KeyGeneration()
	if gen <= d.str.KeyGeneration() {
		return nil
	}
	master := d.rat.MasterKey()
	ini, err := dataKey(&master, labelInitiatorData)
	if err != nil {
		ratchet.Zero32(&master)
		return err
	}
	rsp, err := dataKey(&master, labelResponderData)
	ratchet.Zero32(&master)
	if err != nil {
		ratchet.Zero32(&ini)
		return err
	}

	send, recv := &ini, &rsp
	if !d.initiator {
		send, recv = &rsp, &ini
	}
	err = d.str.UpdateKey(send, recv, gen)
	ratchet.Zero32(&ini)
	ratchet.Zero32(&rsp)
	return err
}

// dataKey derives one direction's data key from the session master key.
func dataKey(master *[32]byte, label string) ([32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, master[:], nil, []byte(label))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, err
	}
	return key, nil
}
