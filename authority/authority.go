// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package authority implements the daemon side trust decisions: pinning a
// single client public key, issuing single-use challenges, verifying
// challenge signatures and maintaining the per-client session table with
// timeout, conflict, rate limit and caller identity checks. Every
// authentication attempt, successful or not, lands in an append-only
// audit log.
//
// Nothing here persists across daemon restarts except the pinned key
// itself; sessions, challenges and rate limiter state are ephemeral.
package authority

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/privgate/privgate/primitives"
)

const (
	// DefaultChallengeTimeout is how long an issued challenge stays
	// consumable.
	DefaultChallengeTimeout = 30 * time.Second

	// DefaultSessionTimeout is the sliding inactivity window of an
	// authenticated session.
	DefaultSessionTimeout = 10 * time.Minute

	// DefaultSweepInterval is how often expired sessions, challenges and
	// idle rate limiter buckets are evicted.
	DefaultSweepInterval = 30 * time.Second

	challengeSize = 32
	tokenSize     = 32
)

// Config carries the tunables for an Authority. The zero value of every
// field selects a sane default.
type Config struct {
	// Root is the daemon state directory holding the pinned key blob,
	// the storage salt and the audit log.
	Root string

	ChallengeTimeout time.Duration
	SessionTimeout   time.Duration
	SweepInterval    time.Duration

	// Verifier checks caller identity. Nil accepts every caller.
	Verifier CallerVerifier

	Log slog.Logger
}

// Session is one authenticated client instance. Exactly one non-expired
// session exists per pinned identity.
type Session struct {
	InstanceID   string
	UID          uint32
	Token        []byte
	KeyID        primitives.KeyID
	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
}

// AuthResult is the successful outcome of Authenticate.
type AuthResult struct {
	InstanceID string
	Token      []byte
	KeyID      primitives.KeyID
	ExpiresAt  time.Time
}

// SessionStatus is the read-only answer of CheckSession.
type SessionStatus struct {
	HasActiveSession bool
	IsOwnSession     bool
	RemainingTimeout time.Duration
}

type challenge struct {
	nonce    []byte
	issuedAt time.Time
}

// Authority is the daemon's session authority. All methods are safe for
// concurrent use.
type Authority struct {
	cfg      Config
	prim     *primitives.Context
	log      slog.Logger
	verifier CallerVerifier
	now      func() time.Time

	store   *keyStore
	limiter *rateLimiter
	audit   *auditLog

	mtx        sync.Mutex
	pinned     *PinnedKey
	challenges map[uint32]*challenge
	sessions   map[string]*Session
}

// New creates an Authority rooted at cfg.Root, loading the pinned key
// from its sealed blob when one exists.
func New(prim *primitives.Context, cfg Config) (*Authority, error) {
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = DefaultChallengeTimeout
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Verifier == nil {
		cfg.Verifier = NewNullVerifier()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}

	store, err := newKeyStore(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("key store: %w", err)
	}
	pinned, err := store.load()
	if err != nil {
		return nil, fmt.Errorf("pinned key: %w", err)
	}
	audit, err := newAuditLog(cfg.Root, cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}

	a := &Authority{
		cfg:        cfg,
		prim:       prim,
		log:        cfg.Log,
		verifier:   cfg.Verifier,
		now:        time.Now,
		store:      store,
		limiter:    newRateLimiter(),
		audit:      audit,
		pinned:     pinned,
		challenges: make(map[uint32]*challenge),
		sessions:   make(map[string]*Session),
	}
	if pinned != nil {
		a.log.Infof("Loaded pinned %s key %s", pinned.Algorithm,
			pinned.KeyID.ShortLogID())
	} else {
		a.log.Infof("No public key pinned yet")
	}
	return a, nil
}

// Close releases the audit log.
func (a *Authority) Close() error {
	return a.audit.close()
}

// PinnedKeyID returns the id of the pinned key, if one exists.
func (a *Authority) PinnedKeyID() (primitives.KeyID, bool) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.pinned == nil {
		return primitives.KeyID{}, false
	}
	return a.pinned.KeyID, true
}

// ProvisionPublicKey pins a client public key. Provisioning over an
// existing key requires replace; a silent overwrite is refused so a
// compromised client cannot swap the pinned identity unnoticed. The
// attestation chain, when offered, is stored with the key for offline
// audit.
func (a *Authority) ProvisionPublicKey(raw []byte, attestation [][]byte, replace bool) (primitives.KeyID, error) {
	alg, err := a.prim.DetectAlgorithm(raw)
	if err != nil {
		return primitives.KeyID{}, err
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.pinned != nil && !replace {
		return primitives.KeyID{}, ErrKeyAlreadyPinned
	}
	pk := &PinnedKey{
		Algorithm:   alg,
		Key:         append([]byte(nil), raw...),
		KeyID:       a.prim.KeyIDFor(raw),
		Attestation: attestation,
		Provisioned: a.now(),
	}
	if err := a.store.save(pk); err != nil {
		return primitives.KeyID{}, fmt.Errorf("persist pinned key: %w", err)
	}
	replaced := a.pinned != nil
	a.pinned = pk

	event := "provision"
	if replaced {
		event = "reprovision"
	}
	a.audit.record(auditRecord{
		Time:  a.now(),
		Event: event,
		KeyID: pk.KeyID.String(),
	})
	a.log.Infof("Pinned %s key %s", alg, pk.KeyID.ShortLogID())
	return pk.KeyID, nil
}

// CheckCallerAllowed composes the rate limiter with caller verification.
// It is enforced before a challenge is issued and again on every
// authentication attempt.
func (a *Authority) CheckCallerAllowed(uid, pid uint32) error {
	if !a.limiter.allow(uid, a.now()) {
		return ErrRateLimited
	}
	if err := a.verifier.VerifyCaller(uid, pid); err != nil {
		a.log.Debugf("Caller verification failed for uid %d pid %d: %v",
			uid, pid, err)
		return ErrCallerVerification
	}
	return nil
}

// IssueChallenge hands out a fresh single-use challenge for uid. An
// unconsumed prior challenge for the same uid is superseded. The
// challenge expires after the configured timeout and must then be
// reissued.
func (a *Authority) IssueChallenge(uid, pid uint32) ([]byte, error) {
	if err := a.CheckCallerAllowed(uid, pid); err != nil {
		a.auditFailure("challenge", uid, pid, "", err)
		return nil, err
	}
	nonce, err := a.prim.RandomBytes(challengeSize)
	if err != nil {
		return nil, err
	}

	a.mtx.Lock()
	a.challenges[uid] = &challenge{nonce: nonce, issuedAt: a.now()}
	a.mtx.Unlock()

	a.audit.record(auditRecord{
		Time:  a.now(),
		Event: "challenge",
		UID:   uid,
		PID:   pid,
	})
	out := append([]byte(nil), nonce...)
	return out, nil
}

// Authenticate verifies a signature over the outstanding challenge for
// uid and creates, or renews, the session for instanceID. Every failure
// is one of the named AuthError reasons; note that the wire layer must
// collapse PUBKEY_NOT_FOUND and SIGNATURE_INVALID via AuthError.External
// before answering an unauthenticated peer.
func (a *Authority) Authenticate(signature []byte, instanceID string, uid, pid uint32) (*AuthResult, error) {
	if err := a.CheckCallerAllowed(uid, pid); err != nil {
		a.auditFailure("auth", uid, pid, instanceID, err)
		return nil, err
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()
	now := a.now()

	fail := func(err *AuthError) (*AuthResult, error) {
		a.limiter.recordFailure(uid, now)
		a.auditFailure("auth", uid, pid, instanceID, err)
		return nil, err
	}

	if a.pinned == nil {
		return fail(ErrPubkeyNotFound)
	}
	ch, ok := a.challenges[uid]
	if !ok {
		return fail(ErrChallengeNotFound)
	}
	if now.Sub(ch.issuedAt) > a.cfg.ChallengeTimeout {
		delete(a.challenges, uid)
		return fail(ErrChallengeExpired)
	}
	if !a.prim.VerifySignature(a.pinned.Key, ch.nonce, signature) {
		return fail(ErrSignatureInvalid)
	}

	// The challenge is spent once the signature verifies, whatever the
	// session outcome; a verified signature must never be replayable.
	delete(a.challenges, uid)

	if other := a.liveSessionOtherThan(instanceID, now); other != nil {
		return fail(ErrSessionConflict)
	}

	sess := a.sessions[instanceID]
	renewed := sess != nil && now.Before(sess.ExpiresAt)
	if renewed {
		sess.UID = uid
		sess.LastActivity = now
		sess.ExpiresAt = now.Add(a.cfg.SessionTimeout)
	} else {
		token, err := a.prim.RandomBytes(tokenSize)
		if err != nil {
			return nil, err
		}
		sess = &Session{
			InstanceID:   instanceID,
			UID:          uid,
			Token:        token,
			KeyID:        a.pinned.KeyID,
			CreatedAt:    now,
			LastActivity: now,
			ExpiresAt:    now.Add(a.cfg.SessionTimeout),
		}
		a.sessions[instanceID] = sess
	}

	a.limiter.recordSuccess(uid, now)
	event := "auth"
	if renewed {
		event = "auth-renew"
	}
	a.audit.record(auditRecord{
		Time:       now,
		Event:      event,
		UID:        uid,
		PID:        pid,
		InstanceID: instanceID,
		KeyID:      a.pinned.KeyID.String(),
	})
	a.log.Infof("Authenticated instance %q uid %d with key %s", instanceID,
		uid, a.pinned.KeyID.ShortLogID())

	return &AuthResult{
		InstanceID: instanceID,
		Token:      append([]byte(nil), sess.Token...),
		KeyID:      sess.KeyID,
		ExpiresAt:  sess.ExpiresAt,
	}, nil
}

// CheckSession is a read-only probe; it does not renew activity.
func (a *Authority) CheckSession(instanceID string, uid uint32) SessionStatus {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	now := a.now()

	var st SessionStatus
	for _, sess := range a.sessions {
		if !now.Before(sess.ExpiresAt) {
			continue
		}
		st.HasActiveSession = true
		if sess.InstanceID == instanceID && sess.UID == uid {
			st.IsOwnSession = true
		}
		st.RemainingTimeout = sess.ExpiresAt.Sub(now)
	}
	return st
}

// ValidateSession gates every privileged operation: the session must
// exist, be unexpired and belong to the claimed uid. A session is never
// transferable across uids.
func (a *Authority) ValidateSession(instanceID string, uid uint32) bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	sess, ok := a.sessions[instanceID]
	if !ok {
		return false
	}
	if !a.now().Before(sess.ExpiresAt) {
		return false
	}
	return sess.UID == uid
}

// UpdateSessionActivity slides the expiry window on legitimate traffic.
func (a *Authority) UpdateSessionActivity(instanceID string) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	sess, ok := a.sessions[instanceID]
	now := a.now()
	if !ok || !now.Before(sess.ExpiresAt) {
		return ErrNoSession
	}
	sess.LastActivity = now
	sess.ExpiresAt = now.Add(a.cfg.SessionTimeout)
	return nil
}

// InvalidateSession tears down one session.
func (a *Authority) InvalidateSession(instanceID string) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	sess, ok := a.sessions[instanceID]
	if !ok {
		return ErrNoSession
	}
	delete(a.sessions, instanceID)
	a.audit.record(auditRecord{
		Time:       a.now(),
		Event:      "invalidate",
		UID:        sess.UID,
		InstanceID: instanceID,
		KeyID:      sess.KeyID.String(),
	})
	return nil
}

// InvalidateAllSessions tears down every session.
func (a *Authority) InvalidateAllSessions() {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	for id, sess := range a.sessions {
		a.audit.record(auditRecord{
			Time:       a.now(),
			Event:      "invalidate",
			UID:        sess.UID,
			InstanceID: id,
			KeyID:      sess.KeyID.String(),
		})
		delete(a.sessions, id)
	}
}

// CleanupExpired evicts expired sessions and challenges. It returns the
// counts for logging and stats.
func (a *Authority) CleanupExpired() (sessions, challenges int) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	now := a.now()

	for id, sess := range a.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(a.sessions, id)
			sessions++
		}
	}
	for uid, ch := range a.challenges {
		if now.Sub(ch.issuedAt) > a.cfg.ChallengeTimeout {
			delete(a.challenges, uid)
			challenges++
		}
	}
	return
}

// Run drives the periodic sweeps until ctx is canceled. Expiry itself is
// wall-clock based; the sweep merely evicts what already expired, off the
// hot authentication path.
func (a *Authority) Run(ctx context.Context) error {
	t := time.NewTicker(a.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			sessions, challenges := a.CleanupExpired()
			a.limiter.sweep(a.now())
			if sessions > 0 || challenges > 0 {
				a.log.Debugf("Swept %d expired sessions, %d expired challenges",
					sessions, challenges)
			}
		}
	}
}

// liveSessionOtherThan returns a non-expired session belonging to a
// different instance, if any. The caller must hold the mutex.
func (a *Authority) liveSessionOtherThan(instanceID string, now time.Time) *Session {
	for id, sess := range a.sessions {
		if id != instanceID && now.Before(sess.ExpiresAt) {
			return sess
		}
	}
	return nil
}

func (a *Authority) auditFailure(event string, uid, pid uint32, instanceID string, err error) {
	reason := err.Error()
	if ae, ok := err.(*AuthError); ok {
		reason = string(ae.Reason)
	}
	a.audit.record(auditRecord{
		Time:       a.now(),
		Event:      event + "-fail",
		UID:        uid,
		PID:        pid,
		InstanceID: instanceID,
		Reason:     reason,
	})
	a.log.Debugf("%s failed for uid %d pid %d: %v", event, uid, pid, err)
}
