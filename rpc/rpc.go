// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package rpc contains all structures that flow over the privgate daemon
// socket.
//
// A privgate connection has two discrete phases:
//  1. pre-auth phase: the daemon sends Welcome, the client obtains a
//     challenge and authenticates, establishing the dual channel.
//  2. session phase: every privileged operation rides the encrypted
//     control or data channel; the cleartext commands that remain are
//     session probes and teardown.
//
// Each wire message is two newline-delimited JSON documents: the generic
// Message header carrying the command discriminator and tag, followed by
// the command payload.
package rpc

import "time"

const (
	// ProtocolVersion is bumped on every incompatible wire change.
	ProtocolVersion = 1

	// pre-auth phase
	CmdWelcome   = "welcome"
	CmdProvision = "provision"
	CmdChallenge = "challenge"
	CmdAuth      = "auth"

	// session phase
	CmdCheckSession = "checksession"
	CmdValidate     = "validate"
	CmdInvalidate   = "invalidate"
	CmdControl      = "control"
	CmdData         = "data"
	CmdPing         = "ping"
	CmdReply        = "reply"
	CmdError        = "error"

	// MaxMsgSize bounds a single wire message: enough for a base64
	// encoded 1 MiB data frame plus header and framing overhead.
	MaxMsgSize = 1024*1024*4/3 + 4096

	// DefaultInitTimeout is how long the daemon waits for a connection
	// to authenticate before dropping it.
	DefaultInitTimeout = 20 * time.Second
)

// Message is the generic command that flows between the daemon and client
// and vice versa. Its purpose is to add a discriminator to simplify
// payload decoding. Additionally it has a tag that the recipient shall
// return unmodified when replying. The tag is originated by the sender
// and shall be unique provided an answer is expected.
type Message struct {
	Command   string `json:"command"`
	TimeStamp int64  `json:"timestamp"`
	Tag       uint32 `json:"tag"`
}

// Welcome is sent by the daemon as soon as a connection is accepted. It
// carries the protocol parameters and the daemon's ratchet responder
// public key the client will perform the key exchange against.
type Welcome struct {
	Version    int    `json:"version"`
	ServerTime int64  `json:"serverTime"`
	RatchetKey []byte `json:"ratchetKey"`
	MaxMsgSize uint   `json:"maxMsgSize"`
	KeyPinned  bool   `json:"keyPinned"`
}

// Provision pins a client public key. Only accepted from the daemon
// owner, and only when no key is pinned unless Replace signals explicit
// re-provisioning intent.
type Provision struct {
	PublicKey   []byte   `json:"publicKey"`
	Attestation [][]byte `json:"attestation,omitempty"`
	Replace     bool     `json:"replace,omitempty"`
}

// ProvisionReply reports the id of the newly pinned key.
type ProvisionReply struct {
	KeyID string `json:"keyId"`
}

// Challenge requests a fresh authentication challenge. The caller's
// uid/pid are taken from the socket credentials, never from the payload.
type Challenge struct{}

// ChallengeReply carries the single-use challenge nonce.
type ChallengeReply struct {
	Nonce []byte `json:"nonce"`
}

// Auth submits the signature over the outstanding challenge together
// with the client's ephemeral key-exchange public key.
type Auth struct {
	Signature  []byte `json:"signature"`
	InstanceID string `json:"instanceId"`
	KXKey      []byte `json:"kxKey"`
}

// AuthReply reports a successful authentication. From this point on the
// dual channel is live on both ends.
type AuthReply struct {
	KeyID     string `json:"keyId"`
	ExpiresAt int64  `json:"expiresAt"`
}

// CheckSession probes session state without renewing activity.
type CheckSession struct {
	InstanceID string `json:"instanceId"`
}

// CheckSessionReply mirrors the authority's read-only session status.
type CheckSessionReply struct {
	HasActiveSession bool  `json:"hasActiveSession"`
	IsOwnSession     bool  `json:"isOwnSession"`
	RemainingMs      int64 `json:"remainingMs"`
}

// Validate asks whether the named instance holds a live session for the
// calling uid.
type Validate struct {
	InstanceID string `json:"instanceId"`
}

// ValidateReply answers Validate.
type ValidateReply struct {
	Valid bool `json:"valid"`
}

// Invalidate tears down the named session. An instance may only tear
// down its own session; the daemon owner may tear down any.
type Invalidate struct {
	InstanceID string `json:"instanceId"`
	All        bool   `json:"all,omitempty"`
}

// InvalidateReply answers Invalidate.
type InvalidateReply struct{}

// Control carries one sealed control channel message in the ratchet wire
// format: header length, header, nonce and ciphertext.
type Control struct {
	Blob []byte `json:"blob"`
}

// Data carries one sealed data channel frame, generation tagged.
type Data struct {
	Frame []byte `json:"frame"`
}

// Error is the generic failure reply. Reason carries the external form
// of an authentication failure; Detail is only populated for failures
// that leak nothing.
type Error struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}
