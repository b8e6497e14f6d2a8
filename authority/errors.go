// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package authority

import "errors"

// FailReason names a distinct authentication failure. Every reason is
// surfaced to in-process callers; what crosses the wire to an
// unauthenticated peer is the collapsed External form.
type FailReason string

const (
	ReasonPubkeyNotFound     FailReason = "PUBKEY_NOT_FOUND"
	ReasonChallengeExpired   FailReason = "CHALLENGE_EXPIRED"
	ReasonChallengeNotFound  FailReason = "CHALLENGE_NOT_FOUND"
	ReasonSignatureInvalid   FailReason = "SIGNATURE_INVALID"
	ReasonSessionConflict    FailReason = "SESSION_CONFLICT"
	ReasonRateLimited        FailReason = "RATE_LIMITED"
	ReasonCallerVerification FailReason = "CALLER_VERIFICATION_FAILED"

	// ReasonAuthFailed is the collapsed external form of the reasons
	// that would otherwise tell a probing client whether a pinned key
	// exists.
	ReasonAuthFailed FailReason = "AUTH_FAILED"
)

// AuthError is a named authentication failure.
type AuthError struct {
	Reason FailReason
}

func (e *AuthError) Error() string {
	return "authentication failed: " + string(e.Reason)
}

// Is matches two AuthErrors by reason so errors.Is works against the
// package sentinels.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Reason == e.Reason
}

// External returns the reason a remote, unauthenticated caller may see.
// Whether the pinned key was missing or the signature was wrong is not
// distinguishable from outside; everything else is safe to name because
// it either requires no secret knowledge (rate limit, caller check) or is
// only reachable by the legitimate key holder.
func (e *AuthError) External() FailReason {
	switch e.Reason {
	case ReasonPubkeyNotFound, ReasonSignatureInvalid:
		return ReasonAuthFailed
	default:
		return e.Reason
	}
}

var (
	ErrPubkeyNotFound     = &AuthError{Reason: ReasonPubkeyNotFound}
	ErrChallengeExpired   = &AuthError{Reason: ReasonChallengeExpired}
	ErrChallengeNotFound  = &AuthError{Reason: ReasonChallengeNotFound}
	ErrSignatureInvalid   = &AuthError{Reason: ReasonSignatureInvalid}
	ErrSessionConflict    = &AuthError{Reason: ReasonSessionConflict}
	ErrRateLimited        = &AuthError{Reason: ReasonRateLimited}
	ErrCallerVerification = &AuthError{Reason: ReasonCallerVerification}

	// ErrKeyAlreadyPinned is returned by provisioning when a key is
	// pinned and the caller did not signal replacement intent.
	ErrKeyAlreadyPinned = errors.New("authority: a public key is already pinned")

	// ErrNoSession is returned by session operations naming an unknown
	// instance.
	ErrNoSession = errors.New("authority: no such session")
)
