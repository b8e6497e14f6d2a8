// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package stream

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"
)

func randomKey(t *testing.T) (key [32]byte) {
	t.Helper()
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatal(err)
	}
	return
}

// pairedChannels keys two channels as the opposite ends of one link: a
// sends under ka and receives under kb, b the mirror image.
func pairedChannels(t *testing.T) (a, b *Channel, ka, kb [32]byte) {
	t.Helper()

	ka, kb = randomKey(t), randomKey(t)
	a, b = New(), New()
	if err := a.UpdateKey(&ka, &kb, 1); err != nil {
		t.Fatal(err)
	}
	if err := b.UpdateKey(&kb, &ka, 1); err != nil {
		t.Fatal(err)
	}
	return
}

func rekeyPair(t *testing.T, a, b *Channel, generation uint64) {
	t.Helper()

	ka, kb := randomKey(t), randomKey(t)
	if err := a.UpdateKey(&ka, &kb, generation); err != nil {
		t.Fatal(err)
	}
	if err := b.UpdateKey(&kb, &ka, generation); err != nil {
		t.Fatal(err)
	}
}

func TestRoundTrip(t *testing.T) {
	a, b, _, _ := pairedChannels(t)

	msg := []byte("data channel payload")
	for i := 0; i < 10; i++ {
		frame, err := a.Encrypt(msg)
		if err != nil {
			t.Fatal(err)
		}
		if len(frame) != len(msg)+FrameOverhead {
			t.Fatalf("unexpected frame size: %d", len(frame))
		}
		result, err := b.Decrypt(frame)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(msg, result) {
			t.Fatalf("result doesn't match: %x vs %x", msg, result)
		}
	}
}

// TestDirectionalKeys verifies the send and recv keys are separate: a
// frame never opens on the channel that sealed it.
func TestDirectionalKeys(t *testing.T) {
	a, b, _, _ := pairedChannels(t)

	msg := []byte("data channel payload")
	fa, err := a.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	fb, err := b.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}

	// Both frames carry generation 1, counter 0; under separated keys
	// the ciphertexts still differ.
	if bytes.Equal(fa[16:], fb[16:]) {
		t.Fatal("both directions sealed identical ciphertext")
	}

	// Loopback fails, the mirrored channel opens.
	if _, err := a.Decrypt(fa); err != ErrDecryptFailed {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := b.Decrypt(fa); err != nil {
		t.Fatal(err)
	}
}

func TestNotKeyed(t *testing.T) {
	c := New()
	if _, err := c.Encrypt([]byte("x")); err != ErrNotKeyed {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Decrypt(make([]byte, FrameOverhead)); err != ErrNotKeyed {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.NeedsRotation() {
		t.Fatal("unkeyed channel wants rotation")
	}
	if c.KeyGeneration() != 0 {
		t.Fatal("unkeyed channel reports a generation")
	}
}

func TestMonotonicRekey(t *testing.T) {
	a, _, ka, kb := pairedChannels(t)

	if err := a.UpdateKey(&ka, &kb, 1); err != ErrGenerationRollback {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.UpdateKey(&ka, &kb, 0); err != ErrGenerationRollback {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.UpdateKey(&ka, &kb, 5); err != nil {
		t.Fatal(err)
	}
	if g := a.KeyGeneration(); g != 5 {
		t.Fatalf("unexpected generation: %d", g)
	}

	// The floor survives a wipe.
	a.Wipe()
	if err := a.UpdateKey(&ka, &kb, 5); err != ErrGenerationRollback {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.UpdateKey(&ka, &kb, 6); err != nil {
		t.Fatal(err)
	}
}

func TestReplayAndReorder(t *testing.T) {
	a, b, _, _ := pairedChannels(t)

	msg := []byte("data channel payload")
	f1, err := a.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	f2, err := a.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(f2); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(f2); err != ErrReplayOrReorder {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := b.Decrypt(f1); err != ErrReplayOrReorder {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTamperedFrame(t *testing.T) {
	a, b, _, _ := pairedChannels(t)

	frame, err := a.Encrypt([]byte("data channel payload"))
	if err != nil {
		t.Fatal(err)
	}
	frame[len(frame)-1] ^= 0x01
	if _, err := b.Decrypt(frame); err != ErrDecryptFailed {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := b.Decrypt(frame[:FrameOverhead-1]); err != ErrShortFrame {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRotationOverlap(t *testing.T) {
	a, b, _, _ := pairedChannels(t)

	msg := []byte("data channel payload")
	inFlight, err := a.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}

	rekeyPair(t, a, b, 2)

	// A frame sealed under the previous generation still opens.
	result, err := b.Decrypt(inFlight)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg, result) {
		t.Fatalf("result doesn't match: %x vs %x", msg, result)
	}

	// New generation frames flow.
	frame, err := a.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(frame); err != nil {
		t.Fatal(err)
	}

	// Two generations back is gone.
	rekeyPair(t, a, b, 3)
	stale, err := a.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	rekeyPair(t, a, b, 4)
	if _, err := b.Decrypt(stale); err != nil {
		// gen 3 is still the previous generation on b.
		t.Fatal(err)
	}
	gen1 := make([]byte, len(inFlight))
	copy(gen1, inFlight)
	if _, err := b.Decrypt(gen1); err != ErrUnknownGeneration && err != ErrReplayOrReorder {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNeedsRotationByCount(t *testing.T) {
	a, _, _, _ := pairedChannels(t)
	a.MaxMessages = 3

	for i := 0; i < 3; i++ {
		if a.NeedsRotation() {
			t.Fatalf("rotation flagged too early at %d", i)
		}
		if _, err := a.Encrypt([]byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if !a.NeedsRotation() {
		t.Fatal("rotation not flagged after message budget")
	}

	// Rekeying resets the count.
	var k2, k3 [32]byte
	if err := a.UpdateKey(&k2, &k3, 2); err != nil {
		t.Fatal(err)
	}
	if a.NeedsRotation() {
		t.Fatal("rotation flagged right after rekey")
	}
}

func TestNeedsRotationByAge(t *testing.T) {
	a, _, _, _ := pairedChannels(t)

	base := time.Now()
	a.now = func() time.Time { return base }
	var k2, k3 [32]byte
	if err := a.UpdateKey(&k2, &k3, 2); err != nil {
		t.Fatal(err)
	}
	if a.NeedsRotation() {
		t.Fatal("rotation flagged too early")
	}
	a.now = func() time.Time { return base.Add(DefaultMaxKeyAge + time.Second) }
	if !a.NeedsRotation() {
		t.Fatal("rotation not flagged after key aged out")
	}
}

func TestWipe(t *testing.T) {
	a, b, _, _ := pairedChannels(t)

	frame, err := a.Encrypt([]byte("data channel payload"))
	if err != nil {
		t.Fatal(err)
	}
	b.Wipe()
	if _, err := b.Decrypt(frame); err != ErrNotKeyed {
		t.Fatalf("unexpected error: %v", err)
	}
}
