// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package authority

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/privgate/privgate/primitives"
)

const (
	testUID uint32 = 1000
	testPID uint32 = 4242
)

type testClock struct {
	now time.Time
}

func (c *testClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestAuthority(t *testing.T, cfg Config) (*Authority, *testClock) {
	t.Helper()

	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	a, err := New(primitives.NewContext(rand.Reader), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })

	clock := &testClock{now: time.Now()}
	a.now = func() time.Time { return clock.now }
	return a, clock
}

func provisionEd25519(t *testing.T, a *Authority) ed25519.PrivateKey {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.ProvisionPublicKey(pub, nil, false); err != nil {
		t.Fatal(err)
	}
	return priv
}

func authOnce(t *testing.T, a *Authority, priv ed25519.PrivateKey, instanceID string) *AuthResult {
	t.Helper()

	nonce, err := a.IssueChallenge(testUID, testPID)
	if err != nil {
		t.Fatal(err)
	}
	res, err := a.Authenticate(ed25519.Sign(priv, nonce), instanceID, testUID, testPID)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestProvisionPinning(t *testing.T) {
	root := t.TempDir()
	a, _ := newTestAuthority(t, Config{Root: root})

	if _, ok := a.PinnedKeyID(); ok {
		t.Fatal("fresh authority reports a pinned key")
	}
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	id, err := a.ProvisionPublicKey(pub, nil, false)
	if err != nil {
		t.Fatal(err)
	}

	// Silent overwrite is refused.
	pub2, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.ProvisionPublicKey(pub2, nil, false); err != ErrKeyAlreadyPinned {
		t.Fatalf("unexpected error: %v", err)
	}
	// Explicit replacement works.
	id2, err := a.ProvisionPublicKey(pub2, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if id2 == id {
		t.Fatal("replacement kept the old key id")
	}

	// The pinned key survives a restart through the sealed blob.
	b, err := New(primitives.NewContext(rand.Reader), Config{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	got, ok := b.PinnedKeyID()
	if !ok || got != id2 {
		t.Fatalf("pinned key not reloaded: %v %v", got, ok)
	}

	// Garbage keys are refused outright.
	if _, err := a.ProvisionPublicKey([]byte("garbage"), nil, true); err != primitives.ErrAmbiguousKey {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSealedBlobNotPlaintext(t *testing.T) {
	root := t.TempDir()
	a, _ := newTestAuthority(t, Config{Root: root})
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.ProvisionPublicKey(pub, nil, false); err != nil {
		t.Fatal(err)
	}
	blob, err := os.ReadFile(filepath.Join(root, pinnedKeyFilename))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(blob), "ed25519") {
		t.Fatal("pinned key blob stored in plaintext")
	}
}

func TestAuthenticateEd25519(t *testing.T) {
	a, _ := newTestAuthority(t, Config{})
	priv := provisionEd25519(t, a)

	res := authOnce(t, a, priv, "instance-1")
	if len(res.Token) != tokenSize {
		t.Fatalf("unexpected token size: %d", len(res.Token))
	}
	if !a.ValidateSession("instance-1", testUID) {
		t.Fatal("fresh session does not validate")
	}
}

func TestAuthenticateECDSA(t *testing.T) {
	a, _ := newTestAuthority(t, Config{})

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.ProvisionPublicKey(der, nil, false); err != nil {
		t.Fatal(err)
	}

	nonce, err := a.IssueChallenge(testUID, testPID)
	if err != nil {
		t.Fatal(err)
	}
	digest := sha256.Sum256(nonce)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Authenticate(sig, "instance-1", testUID, testPID); err != nil {
		t.Fatal(err)
	}
}

func TestAuthenticateFailureTaxonomy(t *testing.T) {
	a, clock := newTestAuthority(t, Config{})

	// No pinned key.
	_, err := a.Authenticate([]byte("sig"), "i", testUID, testPID)
	if !errors.Is(err, ErrPubkeyNotFound) {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.advance(backoffMax + time.Second)

	priv := provisionEd25519(t, a)

	// No challenge outstanding.
	_, err = a.Authenticate([]byte("sig"), "i", testUID, testPID)
	if !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.advance(backoffMax + time.Second)

	// Expired challenge.
	nonce, err := a.IssueChallenge(testUID, testPID)
	if err != nil {
		t.Fatal(err)
	}
	clock.advance(DefaultChallengeTimeout + time.Second)
	_, err = a.Authenticate(ed25519.Sign(priv, nonce), "i", testUID, testPID)
	if !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.advance(backoffMax + time.Second)

	// Wrong signature.
	nonce, err = a.IssueChallenge(testUID, testPID)
	if err != nil {
		t.Fatal(err)
	}
	_, err = a.Authenticate(ed25519.Sign(priv, []byte("other")), "i", testUID, testPID)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("unexpected error: %v", err)
	}
	// Step past the escalated backoff but not past the challenge
	// timeout.
	clock.advance(10 * time.Second)

	// The failed attempt did not consume the challenge; a correct
	// signature over it still authenticates.
	if _, err := a.Authenticate(ed25519.Sign(priv, nonce), "i", testUID, testPID); err != nil {
		t.Fatal(err)
	}
}

func TestChallengeSingleUse(t *testing.T) {
	a, clock := newTestAuthority(t, Config{})
	priv := provisionEd25519(t, a)

	nonce, err := a.IssueChallenge(testUID, testPID)
	if err != nil {
		t.Fatal(err)
	}
	sig := ed25519.Sign(priv, nonce)
	if _, err := a.Authenticate(sig, "i", testUID, testPID); err != nil {
		t.Fatal(err)
	}

	// Replaying the verified signature fails: the challenge is spent.
	clock.advance(time.Second)
	_, err = a.Authenticate(sig, "i", testUID, testPID)
	if !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSessionConflict(t *testing.T) {
	a, clock := newTestAuthority(t, Config{})
	priv := provisionEd25519(t, a)

	authOnce(t, a, priv, "instance-1")

	// A different instance conflicts while instance-1 is live.
	nonce, err := a.IssueChallenge(testUID, testPID)
	if err != nil {
		t.Fatal(err)
	}
	_, err = a.Authenticate(ed25519.Sign(priv, nonce), "instance-2", testUID, testPID)
	if !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.advance(backoffMax + time.Second)

	// The same instance renews instead of conflicting.
	first := a.CheckSession("instance-1", testUID)
	clock.advance(time.Minute)
	res := authOnce(t, a, priv, "instance-1")
	if res.ExpiresAt.Sub(clock.now) != DefaultSessionTimeout {
		t.Fatal("renewal did not slide the expiry")
	}
	_ = first

	// After invalidation the second instance authenticates fine.
	if err := a.InvalidateSession("instance-1"); err != nil {
		t.Fatal(err)
	}
	authOnce(t, a, priv, "instance-2")
}

func TestRateLimiting(t *testing.T) {
	a, clock := newTestAuthority(t, Config{})
	priv := provisionEd25519(t, a)

	// Three consecutive failures with the clock stepped past each
	// backoff window.
	for i := 0; i < 3; i++ {
		clock.advance(backoffMax + time.Second)
		nonce, err := a.IssueChallenge(testUID, testPID)
		if err != nil {
			t.Fatal(err)
		}
		_, err = a.Authenticate(ed25519.Sign(priv, []byte("bogus")), "i", testUID, testPID)
		if !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("#%d: unexpected error: %v", i, err)
		}
		_ = nonce
	}

	// Inside the escalated backoff window even a correct signature is
	// rate limited, at challenge issuance already.
	clock.advance(time.Second)
	_, err := a.IssueChallenge(testUID, testPID)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("unexpected error: %v", err)
	}

	// A different uid is unaffected.
	if _, err := a.IssueChallenge(testUID+1, testPID); err != nil {
		t.Fatal(err)
	}

	// After the backoff decays the original uid recovers.
	clock.advance(backoffMax + time.Second)
	authOnce(t, a, priv, "i")
}

type failVerifier struct{}

func (failVerifier) VerifyCaller(uid, pid uint32) error {
	return errors.New("unexpected binary")
}

func TestCallerVerification(t *testing.T) {
	a, _ := newTestAuthority(t, Config{Verifier: failVerifier{}})
	provisionEd25519(t, a)

	_, err := a.IssueChallenge(testUID, testPID)
	if !errors.Is(err, ErrCallerVerification) {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = a.Authenticate([]byte("sig"), "i", testUID, testPID)
	if !errors.Is(err, ErrCallerVerification) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateSession(t *testing.T) {
	a, clock := newTestAuthority(t, Config{})
	priv := provisionEd25519(t, a)
	authOnce(t, a, priv, "instance-1")

	if !a.ValidateSession("instance-1", testUID) {
		t.Fatal("valid session rejected")
	}
	// Sessions are not transferable across uids.
	if a.ValidateSession("instance-1", testUID+1) {
		t.Fatal("session validated under wrong uid")
	}
	if a.ValidateSession("instance-2", testUID) {
		t.Fatal("unknown instance validated")
	}

	clock.advance(DefaultSessionTimeout + time.Second)
	if a.ValidateSession("instance-1", testUID) {
		t.Fatal("expired session validated")
	}
}

func TestSessionActivity(t *testing.T) {
	a, clock := newTestAuthority(t, Config{})
	priv := provisionEd25519(t, a)
	authOnce(t, a, priv, "instance-1")

	// Regular activity keeps the session alive past the base timeout.
	for i := 0; i < 5; i++ {
		clock.advance(DefaultSessionTimeout / 2)
		if err := a.UpdateSessionActivity("instance-1"); err != nil {
			t.Fatal(err)
		}
	}
	if !a.ValidateSession("instance-1", testUID) {
		t.Fatal("active session expired")
	}

	if err := a.UpdateSessionActivity("nope"); err != ErrNoSession {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.advance(DefaultSessionTimeout + time.Second)
	if err := a.UpdateSessionActivity("instance-1"); err != ErrNoSession {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckSession(t *testing.T) {
	a, clock := newTestAuthority(t, Config{})
	priv := provisionEd25519(t, a)

	st := a.CheckSession("instance-1", testUID)
	if st.HasActiveSession || st.IsOwnSession {
		t.Fatal("empty table reports a session")
	}

	authOnce(t, a, priv, "instance-1")
	st = a.CheckSession("instance-1", testUID)
	if !st.HasActiveSession || !st.IsOwnSession {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.RemainingTimeout != DefaultSessionTimeout {
		t.Fatalf("unexpected remaining timeout: %v", st.RemainingTimeout)
	}

	// Another instance sees the session but does not own it.
	st = a.CheckSession("instance-2", testUID)
	if !st.HasActiveSession || st.IsOwnSession {
		t.Fatalf("unexpected status: %+v", st)
	}

	clock.advance(DefaultSessionTimeout + time.Second)
	st = a.CheckSession("instance-1", testUID)
	if st.HasActiveSession {
		t.Fatal("expired session reported active")
	}
}

func TestCleanupExpired(t *testing.T) {
	a, clock := newTestAuthority(t, Config{})
	priv := provisionEd25519(t, a)
	authOnce(t, a, priv, "instance-1")
	if _, err := a.IssueChallenge(testUID+1, testPID); err != nil {
		t.Fatal(err)
	}

	sessions, challenges := a.CleanupExpired()
	if sessions != 0 || challenges != 0 {
		t.Fatalf("unexpected evictions: %d %d", sessions, challenges)
	}

	clock.advance(DefaultSessionTimeout + time.Second)
	sessions, challenges = a.CleanupExpired()
	if sessions != 1 || challenges != 1 {
		t.Fatalf("unexpected evictions: %d %d", sessions, challenges)
	}
	if a.ValidateSession("instance-1", testUID) {
		t.Fatal("swept session validated")
	}
}

func TestInvalidateAllSessions(t *testing.T) {
	a, _ := newTestAuthority(t, Config{})
	priv := provisionEd25519(t, a)
	authOnce(t, a, priv, "instance-1")

	a.InvalidateAllSessions()
	if a.ValidateSession("instance-1", testUID) {
		t.Fatal("session survived InvalidateAllSessions")
	}
}

func TestAuditTrail(t *testing.T) {
	root := t.TempDir()
	a, _ := newTestAuthority(t, Config{Root: root})
	priv := provisionEd25519(t, a)
	authOnce(t, a, priv, "instance-1")
	_, _ = a.Authenticate([]byte("bogus"), "instance-1", testUID, testPID)

	data, err := os.ReadFile(filepath.Join(root, auditFilename))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 4 {
		t.Fatalf("expected at least 4 audit records, got %d", len(lines))
	}
	events := make(map[string]int)
	for _, line := range lines {
		var rec auditRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("bad audit line %q: %v", line, err)
		}
		events[rec.Event]++
	}
	for _, want := range []string{"provision", "challenge", "auth", "auth-fail"} {
		if events[want] == 0 {
			t.Fatalf("missing audit event %q in %v", want, events)
		}
	}
}

func TestExternalReason(t *testing.T) {
	if ErrPubkeyNotFound.External() != ReasonAuthFailed {
		t.Fatal("pubkey-not-found leaks externally")
	}
	if ErrSignatureInvalid.External() != ReasonAuthFailed {
		t.Fatal("signature-invalid leaks externally")
	}
	if ErrRateLimited.External() != ReasonRateLimited {
		t.Fatal("rate-limited collapsed unnecessarily")
	}
}
