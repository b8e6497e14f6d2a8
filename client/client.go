// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package client implements the unprivileged side of the privgate
// protocol: it dials the daemon socket, authenticates with a pinned
// identity and exposes the encrypted control and data channels.
package client

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/privgate/privgate/channel"
	"github.com/privgate/privgate/ratchet"
	"github.com/privgate/privgate/rpc"
)

var pingPayload = []byte("ping")
var pongPayload = []byte("pong")

// WireError is a failure reply from the daemon. Reason carries only the
// external form of the failure.
type WireError struct {
	Reason string
	Detail string
}

func (e *WireError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("daemon: %s: %s", e.Reason, e.Detail)
	}
	return "daemon: " + e.Reason
}

// Config carries the client tunables.
type Config struct {
	// SocketPath is the daemon socket to dial.
	SocketPath string

	// InstanceID names this client instance in the daemon session table.
	InstanceID string

	// Signer holds the pinned identity.
	Signer Signer

	// DialTimeout bounds the initial connect. Zero means 10 seconds.
	DialTimeout time.Duration

	Log slog.Logger
}

// Client is one connection to the daemon. All methods are safe for
// concurrent use; requests are serialized on the wire.
type Client struct {
	cfg Config
	log slog.Logger

	mtx     sync.Mutex
	conn    net.Conn
	enc     *json.Encoder
	dec     *json.Decoder
	dual    *channel.Dual
	welcome rpc.Welcome
	tag     uint32
}

// Dial connects to the daemon and consumes its welcome message. The
// returned client is not yet authenticated.
func Dial(cfg Config) (*Client, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("unix", cfg.SocketPath, timeout)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:  cfg,
		log:  cfg.Log,
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(bufio.NewReader(conn)),
	}

	var msg rpc.Message
	if err := c.dec.Decode(&msg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("welcome header: %w", err)
	}
	if msg.Command != rpc.CmdWelcome {
		conn.Close()
		return nil, fmt.Errorf("expected welcome, got %q", msg.Command)
	}
	if err := c.dec.Decode(&c.welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("welcome payload: %w", err)
	}
	if c.welcome.Version != rpc.ProtocolVersion {
		conn.Close()
		return nil, fmt.Errorf("protocol version mismatch: daemon %d, client %d",
			c.welcome.Version, rpc.ProtocolVersion)
	}
	if len(c.welcome.RatchetKey) != 32 {
		conn.Close()
		return nil, fmt.Errorf("bad daemon ratchet key length %d",
			len(c.welcome.RatchetKey))
	}
	return c, nil
}

// KeyPinned reports whether the daemon already holds a pinned key.
func (c *Client) KeyPinned() bool {
	return c.welcome.KeyPinned
}

// Close tears down the connection and wipes channel state.
func (c *Client) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.dual != nil {
		c.dual.Destroy()
		c.dual = nil
	}
	return c.conn.Close()
}

// call sends one request and decodes the daemon's answer into reply.
// The caller must hold the mutex.
func (c *Client) call(cmd string, payload, reply interface{}) error {
	c.tag++
	msg := rpc.Message{
		Command:   cmd,
		TimeStamp: time.Now().Unix(),
		Tag:       c.tag,
	}
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("send %s header: %w", cmd, err)
	}
	if err := c.enc.Encode(payload); err != nil {
		return fmt.Errorf("send %s payload: %w", cmd, err)
	}
	return c.readReply(cmd, reply)
}

// readReply consumes daemon messages until the answer for the current
// request arrives. Unsolicited control messages, which announce daemon
// side key rotations, are absorbed along the way. The caller must hold
// the mutex.
func (c *Client) readReply(cmd string, reply interface{}) error {
	for {
		var msg rpc.Message
		if err := c.dec.Decode(&msg); err != nil {
			return fmt.Errorf("%s reply header: %w", cmd, err)
		}

		switch msg.Command {
		case rpc.CmdError:
			var e rpc.Error
			if err := c.dec.Decode(&e); err != nil {
				return fmt.Errorf("%s error payload: %w", cmd, err)
			}
			return &WireError{Reason: e.Reason, Detail: e.Detail}

		case rpc.CmdControl:
			var ctl rpc.Control
			if err := c.dec.Decode(&ctl); err != nil {
				return fmt.Errorf("control payload: %w", err)
			}
			if c.dual == nil {
				return fmt.Errorf("control message before authentication")
			}
			plain, err := c.dual.DecryptControl(ctl.Blob)
			if err != nil {
				return fmt.Errorf("control decrypt: %w", err)
			}
			if cmd == rpc.CmdControl {
				// This control message is the answer.
				if out, ok := reply.(*[]byte); ok {
					*out = plain
					return nil
				}
			}
			// A rotation announcement ahead of the actual reply;
			// decrypting it already moved the data key forward.
			c.log.Debugf("absorbed control message (%d bytes)", len(plain))

		case rpc.CmdReply, rpc.CmdData:
			if err := c.dec.Decode(reply); err != nil {
				return fmt.Errorf("%s reply payload: %w", cmd, err)
			}
			return nil

		default:
			return fmt.Errorf("unexpected reply %q to %s", msg.Command, cmd)
		}
	}
}

// Provision pins the signer's public key in the daemon. Only the daemon
// owner may provision; replace is required to overwrite an existing pin.
func (c *Client) Provision(replace bool) (string, error) {
	pub, err := c.cfg.Signer.GetPublicKey()
	if err != nil {
		return "", err
	}
	chain, err := c.cfg.Signer.GetAttestationChain()
	if err != nil {
		return "", err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	var rep rpc.ProvisionReply
	err = c.call(rpc.CmdProvision, rpc.Provision{
		PublicKey:   pub,
		Attestation: chain,
		Replace:     replace,
	}, &rep)
	if err != nil {
		return "", err
	}
	return rep.KeyID, nil
}

// Authenticate runs the challenge-response handshake and brings up the
// encrypted channels. After it returns nil the client holds a live
// session and all Control and Data traffic flows sealed.
func (c *Client) Authenticate() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	var chRep rpc.ChallengeReply
	if err := c.call(rpc.CmdChallenge, rpc.Challenge{}, &chRep); err != nil {
		return err
	}

	sig, err := c.cfg.Signer.SignData(chRep.Nonce)
	if err != nil {
		return fmt.Errorf("sign challenge: %w", err)
	}

	// Fresh ephemeral pair per authentication; its public half rides the
	// auth message and seeds the ratchet on both ends.
	kp, err := ratchet.GenerateKeyPair(rand.Reader)
	if err != nil {
		return err
	}
	pub := kp.Public()

	var authRep rpc.AuthReply
	err = c.call(rpc.CmdAuth, rpc.Auth{
		Signature:  sig,
		InstanceID: c.cfg.InstanceID,
		KXKey:      pub[:],
	}, &authRep)
	if err != nil {
		return err
	}

	var daemonKey [32]byte
	copy(daemonKey[:], c.welcome.RatchetKey)
	ss, err := kp.KeyExchange(&daemonKey)
	if err != nil {
		return err
	}
	dual := channel.New(rand.Reader)
	err = dual.InitInitiator(ss, &daemonKey)
	for i := range ss {
		ss[i] = 0
	}
	if err != nil {
		return err
	}

	if c.dual != nil {
		c.dual.Destroy()
	}
	c.dual = dual

	// The daemon's responder ratchet has no receive chain until it sees
	// our first control message; it must arrive before any data frame.
	hello, err := dual.EncryptControl([]byte("hello"))
	if err != nil {
		return err
	}
	var ack struct{}
	if err := c.call(rpc.CmdControl, rpc.Control{Blob: hello}, &ack); err != nil {
		dual.Destroy()
		c.dual = nil
		return err
	}

	c.log.Infof("authenticated as %q, key %s", c.cfg.InstanceID, authRep.KeyID)
	return nil
}

// Ping round-trips a sealed ping over the control channel.
func (c *Client) Ping() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.dual == nil {
		return fmt.Errorf("not authenticated")
	}

	blob, err := c.dual.EncryptControl(pingPayload)
	if err != nil {
		return err
	}
	var out []byte
	err = c.call(rpc.CmdControl, rpc.Control{Blob: blob}, &out)
	if err != nil {
		return err
	}
	if !bytes.Equal(out, pongPayload) {
		return fmt.Errorf("unexpected pong %q", out)
	}
	return nil
}

// SendData seals one request on the data channel and returns the
// daemon's decrypted response. Key rotations happen transparently: when
// the data key is due the rotation is announced on the control channel
// before the frame, and daemon side rotations are absorbed while waiting
// for the response.
func (c *Client) SendData(req []byte) ([]byte, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.dual == nil {
		return nil, fmt.Errorf("not authenticated")
	}

	frame, err := c.dual.EncryptData(req)
	if err != nil {
		return nil, err
	}
	if c.dual.PendingRotation() {
		ann, err := c.dual.EncryptControl([]byte("rekey"))
		if err != nil {
			return nil, err
		}
		var ack struct{}
		err = c.call(rpc.CmdControl, rpc.Control{Blob: ann}, &ack)
		if err != nil {
			return nil, err
		}
	}

	var rep rpc.Data
	if err := c.call(rpc.CmdData, rpc.Data{Frame: frame}, &rep); err != nil {
		return nil, err
	}
	return c.dual.DecryptData(rep.Frame)
}

// RotateKeys forces an immediate key rotation, announcing the new
// generation to the daemon.
func (c *Client) RotateKeys() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.dual == nil {
		return fmt.Errorf("not authenticated")
	}

	ann, err := c.dual.RotateKeys([]byte("rekey"))
	if err != nil {
		return err
	}
	var ack struct{}
	return c.call(rpc.CmdControl, rpc.Control{Blob: ann}, &ack)
}

// KeyGeneration returns the current data key generation.
func (c *Client) KeyGeneration() uint64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.dual == nil {
		return 0
	}
	return c.dual.KeyGeneration()
}

// CheckSession probes the daemon session table.
func (c *Client) CheckSession() (rpc.CheckSessionReply, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	var rep rpc.CheckSessionReply
	err := c.call(rpc.CmdCheckSession, rpc.CheckSession{
		InstanceID: c.cfg.InstanceID,
	}, &rep)
	return rep, err
}

// ValidateSession asks whether this instance holds a live session.
func (c *Client) ValidateSession() (bool, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	var rep rpc.ValidateReply
	err := c.call(rpc.CmdValidate, rpc.Validate{
		InstanceID: c.cfg.InstanceID,
	}, &rep)
	return rep.Valid, err
}

// InvalidateSession tears down this instance's session.
func (c *Client) InvalidateSession() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	var rep rpc.InvalidateReply
	return c.call(rpc.CmdInvalidate, rpc.Invalidate{
		InstanceID: c.cfg.InstanceID,
	}, &rep)
}
