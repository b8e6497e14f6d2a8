// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package channel

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/privgate/privgate/ratchet"
	"github.com/privgate/privgate/stream"
)

func pairedChannels(t *testing.T) (client, daemon *Dual) {
	t.Helper()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatal(err)
	}
	pair, err := ratchet.GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	client, daemon = New(rand.Reader), New(rand.Reader)
	pub := pair.Public()
	if err := client.InitInitiator(secret, &pub); err != nil {
		t.Fatal(err)
	}
	if err := daemon.InitResponder(secret, pair); err != nil {
		t.Fatal(err)
	}
	return
}

func relayControl(t *testing.T, from, to *Dual, msg []byte) {
	t.Helper()

	wire, err := from.EncryptControl(msg)
	if err != nil {
		t.Fatal(err)
	}
	result, err := to.DecryptControl(wire)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg, result) {
		t.Fatalf("result doesn't match: %x vs %x", msg, result)
	}
}

func relayData(t *testing.T, from, to *Dual, msg []byte) {
	t.Helper()

	frame, err := from.EncryptData(msg)
	if err != nil {
		t.Fatal(err)
	}
	result, err := to.DecryptData(frame)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg, result) {
		t.Fatalf("result doesn't match: %x vs %x", msg, result)
	}
}

func TestHello(t *testing.T) {
	client, daemon := pairedChannels(t)

	relayControl(t, client, daemon, []byte("hello"))
	relayControl(t, daemon, client, []byte("hello back"))
}

func TestControlThenData(t *testing.T) {
	client, daemon := pairedChannels(t)

	// The responder has no data key until the first control message.
	if _, err := daemon.EncryptData([]byte("x")); err != stream.ErrNotKeyed {
		t.Fatalf("unexpected error: %v", err)
	}
	relayControl(t, client, daemon, []byte("auth done"))

	if client.KeyGeneration() != daemon.KeyGeneration() {
		t.Fatalf("generations diverged: %d vs %d",
			client.KeyGeneration(), daemon.KeyGeneration())
	}
	relayData(t, client, daemon, []byte("bulk payload"))
	relayData(t, daemon, client, []byte("bulk reply"))
}

func TestRotationTransparency(t *testing.T) {
	client, daemon := pairedChannels(t)
	relayControl(t, client, daemon, []byte("auth done"))
	relayData(t, client, daemon, []byte("before rotation"))

	prevGen := client.KeyGeneration()
	announce, err := client.RotateKeys([]byte("rekey"))
	if err != nil {
		t.Fatal(err)
	}
	if client.KeyGeneration() != prevGen+1 {
		t.Fatalf("unexpected generation: %d", client.KeyGeneration())
	}

	// A frame sealed before the peer processed the announcement still
	// opens through the retained previous generation.
	inFlight, err := daemon.EncryptData([]byte("late frame"))
	if err != nil {
		t.Fatal(err)
	}

	result, err := daemon.DecryptControl(announce)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(result, []byte("rekey")) {
		t.Fatalf("bad announcement payload: %x", result)
	}
	if daemon.KeyGeneration() != client.KeyGeneration() {
		t.Fatalf("generations diverged: %d vs %d",
			client.KeyGeneration(), daemon.KeyGeneration())
	}

	if _, err := client.DecryptData(inFlight); err != nil {
		t.Fatal(err)
	}

	// Traffic flows in both directions under the new generation.
	relayData(t, client, daemon, []byte("after rotation"))
	relayData(t, daemon, client, []byte("after rotation too"))
	relayControl(t, daemon, client, []byte("control still fine"))
}

func TestChainedRotations(t *testing.T) {
	client, daemon := pairedChannels(t)
	relayControl(t, client, daemon, []byte("auth done"))

	for i := 0; i < 5; i++ {
		announce, err := client.RotateKeys([]byte("rekey"))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := daemon.DecryptControl(announce); err != nil {
			t.Fatal(err)
		}
		relayData(t, client, daemon, []byte("payload"))
		relayData(t, daemon, client, []byte("payload"))
	}
}

func TestNeedsRotation(t *testing.T) {
	client, daemon := pairedChannels(t)
	relayControl(t, client, daemon, []byte("auth done"))

	client.Stream().MaxMessages = 2
	if client.NeedsRotation() {
		t.Fatal("rotation flagged too early")
	}
	relayData(t, client, daemon, []byte("one"))
	relayData(t, client, daemon, []byte("two"))
	if !client.NeedsRotation() {
		t.Fatal("rotation not flagged after message budget")
	}

	announce, err := client.RotateKeys([]byte("rekey"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := daemon.DecryptControl(announce); err != nil {
		t.Fatal(err)
	}
	if client.NeedsRotation() {
		t.Fatal("rotation still flagged after rekey")
	}
	relayData(t, client, daemon, []byte("three"))
}

func TestAutoRotationOnEncryptData(t *testing.T) {
	client, daemon := pairedChannels(t)
	relayControl(t, client, daemon, []byte("auth done"))
	client.Stream().MaxMessages = 1
	relayData(t, client, daemon, []byte("one"))

	// The next data encrypt crosses the threshold and rotates first.
	gen := client.KeyGeneration()
	frame, err := client.EncryptData([]byte("two"))
	if err != nil {
		t.Fatal(err)
	}
	if client.KeyGeneration() != gen+1 {
		t.Fatalf("unexpected generation: %d", client.KeyGeneration())
	}
	if !client.PendingRotation() {
		t.Fatal("rotation not flagged")
	}
	if client.PendingRotation() {
		t.Fatal("rotation flag not cleared")
	}

	// The announcement reaches the peer before the frame.
	announce, err := client.EncryptControl([]byte("rekey"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := daemon.DecryptControl(announce); err != nil {
		t.Fatal(err)
	}
	result, err := daemon.DecryptData(frame)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(result, []byte("two")) {
		t.Fatalf("result doesn't match: %x", result)
	}
}

// TestDataDirectionSeparation verifies the two endpoints of one
// generation seal under different keystreams. Both sides seal their
// first data frame at counter zero of the same generation; if the
// directions shared a (key, nonce) pair the ciphertext XOR would equal
// the plaintext XOR.
func TestDataDirectionSeparation(t *testing.T) {
	client, daemon := pairedChannels(t)
	relayControl(t, client, daemon, []byte("auth done"))

	p1 := []byte("0123456789abcdef")
	p2 := []byte("fedcba9876543210")
	f1, err := client.EncryptData(p1)
	if err != nil {
		t.Fatal(err)
	}
	f2, err := daemon.EncryptData(p2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(f1[:16], f2[:16]) {
		t.Fatalf("frames not at the same generation and counter: %x vs %x",
			f1[:16], f2[:16])
	}

	ctXor := make([]byte, len(p1))
	ptXor := make([]byte, len(p1))
	for i := range ctXor {
		ctXor[i] = f1[16+i] ^ f2[16+i]
		ptXor[i] = p1[i] ^ p2[i]
	}
	if bytes.Equal(ctXor, ptXor) {
		t.Fatal("keystream shared across directions")
	}

	// A frame never opens on the endpoint that sealed it.
	if _, err := client.DecryptData(f1); err != stream.ErrDecryptFailed {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := daemon.DecryptData(f1); err != nil {
		t.Fatal(err)
	}
}

func TestRotateBeforePeerKnown(t *testing.T) {
	secret := make([]byte, 32)
	pair, err := ratchet.GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	daemon := New(rand.Reader)
	if err := daemon.InitResponder(secret, pair); err != nil {
		t.Fatal(err)
	}
	if _, err := daemon.RotateKeys([]byte("rekey")); err != ratchet.ErrNoPeerKey {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDestroy(t *testing.T) {
	client, daemon := pairedChannels(t)
	relayControl(t, client, daemon, []byte("auth done"))

	client.Destroy()
	if _, err := client.EncryptControl([]byte("x")); err != ratchet.ErrNotInitialized {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := client.EncryptData([]byte("x")); err != stream.ErrNotKeyed {
		t.Fatalf("unexpected error: %v", err)
	}
}
