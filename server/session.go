// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	"github.com/privgate/privgate/authority"
	"github.com/privgate/privgate/channel"
	"github.com/privgate/privgate/ratchet"
	"github.com/privgate/privgate/rpc"
)

// writerDepth is the buffered reply capacity per session.
const writerDepth = 16

var pingPayload = []byte("ping")
var pongPayload = []byte("pong")

type sessionContext struct {
	writer chan *RPCWrapper
	conn   net.Conn
	log    slog.Logger

	// socket peer credentials, kernel supplied
	uid uint32
	pid uint32

	// kp is the per-connection responder ratchet pair advertised in the
	// welcome message.
	kp *ratchet.KeyPair

	// protected
	sync.Mutex
	dual          *channel.Dual
	authenticated bool
	instanceID    string
}

// channelState returns the session's dual channel and instance id, or an
// error when the session has not authenticated yet.
func (sc *sessionContext) channelState() (*channel.Dual, string, error) {
	sc.Lock()
	defer sc.Unlock()
	if !sc.authenticated {
		return nil, "", fmt.Errorf("session not authenticated")
	}
	return sc.dual, sc.instanceID, nil
}

func (z *Server) sessionWriter(ctx context.Context, sc *sessionContext) error {
	sc.log.Tracef("sessionWriter starting")
	defer func() {
		sc.log.Tracef("sessionWriter quit")
	}()

	for {
		var (
			msg *RPCWrapper
			ok  bool
		)

		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok = <-sc.writer:
			if !ok {
				return fmt.Errorf("sessionWriter sc.writer closed")
			}

			sc.log.Tracef("sessionWriter write %v %v",
				msg.Message.Command, msg.Message.Tag)

			err := z.writeMessage(sc.conn, msg)
			if err != nil {
				sc.log.Errorf("sessionWriter write failed: %v", err)
				return err
			}

			if msg.CloseAfterWritingErr != nil {
				return fmt.Errorf("sessionWriter closed after writing: %w",
					msg.CloseAfterWritingErr)
			}
		}
	}
}

// sessionReader deals with incoming RPC calls. Protocol violations are
// critical and shut down the connection; failed authentications are
// answered and the connection stays up so the client can retry within
// the rate limiter's budget.
func (z *Server) sessionReader(ctx context.Context, sc *sessionContext) error {
	sc.log.Tracef("sessionReader: starting")
	defer func() {
		sc.log.Tracef("sessionReader: quit")
	}()

	cr := &countingReader{r: bufio.NewReader(sc.conn), stats: z.stats}
	dec := json.NewDecoder(cr)

	// Max time before we expect a completed authentication and will drop
	// the connection if we don't get one.
	initDeadline := z.now().Add(z.settings.InitTimeout)

	for {
		// Each message gets the advertised size allowance; a peer
		// streaming past it is violating the protocol and gets cut off.
		cr.allow(rpc.MaxMsgSize)

		sc.Lock()
		authed := sc.authenticated
		sc.Unlock()
		if authed {
			sc.conn.SetReadDeadline(z.now().Add(z.settings.SessionTimeout))
		} else {
			sc.conn.SetReadDeadline(initDeadline)
		}

		var message rpc.Message
		err := z.unmarshal(dec, &message)
		if err != nil {
			return fmt.Errorf("unmarshal header failed: %w", err)
		}

		p, err := payloadForCmd(message.Command)
		if err != nil {
			return err
		}
		err = z.unmarshal(dec, p)
		if err != nil {
			return fmt.Errorf("unmarshal %v failed", message.Command)
		}

		sc.log.Tracef("handleSession: %v %v", message.Command, message.Tag)

		err = z.handleMessage(ctx, sc, message, p)
		if err != nil {
			return err
		}
	}
}

// handleMessage dispatches one decoded client message.
func (z *Server) handleMessage(ctx context.Context, sc *sessionContext, msg rpc.Message, p interface{}) error {
	reply := func(cmd string, payload interface{}) {
		sc.writer <- &RPCWrapper{
			Message: rpc.Message{
				Command:   cmd,
				TimeStamp: z.now().Unix(),
				Tag:       msg.Tag,
			},
			Payload: payload,
		}
	}
	replyErr := func(err error) {
		reply(rpc.CmdError, z.externalError(err))
	}

	switch p := p.(type) {
	case *struct{}: // ping
		reply(rpc.CmdReply, struct{}{})

	case *rpc.Provision:
		if !z.callerIsOwner(sc) {
			sc.log.Warnf("provision refused for uid %d", sc.uid)
			replyErr(errNotOwner)
			return nil
		}
		keyID, err := z.auth.ProvisionPublicKey(p.PublicKey, p.Attestation, p.Replace)
		if err != nil {
			replyErr(err)
			return nil
		}
		reply(rpc.CmdReply, rpc.ProvisionReply{KeyID: keyID.String()})

	case *rpc.Challenge:
		nonce, err := z.auth.IssueChallenge(sc.uid, sc.pid)
		if err != nil {
			if errors.Is(err, authority.ErrRateLimited) {
				z.stats.rateLimited.Inc()
			}
			replyErr(err)
			return nil
		}
		reply(rpc.CmdReply, rpc.ChallengeReply{Nonce: nonce})

	case *rpc.Auth:
		res, err := z.auth.Authenticate(p.Signature, p.InstanceID, sc.uid, sc.pid)
		if err != nil {
			var ae *authority.AuthError
			if errors.As(err, &ae) {
				z.stats.authFailures.WithLabelValues(string(ae.Reason)).Inc()
			}
			if errors.Is(err, authority.ErrRateLimited) {
				z.stats.rateLimited.Inc()
			}
			replyErr(err)
			return nil
		}

		if err := z.establishChannel(sc, p.KXKey, res.InstanceID); err != nil {
			// The session authority accepted the caller but the key
			// exchange is broken; undo the session.
			z.auth.InvalidateSession(res.InstanceID)
			replyErr(err)
			return nil
		}
		z.stats.authSuccesses.Inc()
		z.stats.sessions.Inc()
		reply(rpc.CmdReply, rpc.AuthReply{
			KeyID:     res.KeyID.String(),
			ExpiresAt: res.ExpiresAt.Unix(),
		})

	case *rpc.CheckSession:
		st := z.auth.CheckSession(p.InstanceID, sc.uid)
		reply(rpc.CmdReply, rpc.CheckSessionReply{
			HasActiveSession: st.HasActiveSession,
			IsOwnSession:     st.IsOwnSession,
			RemainingMs:      st.RemainingTimeout.Milliseconds(),
		})

	case *rpc.Validate:
		reply(rpc.CmdReply, rpc.ValidateReply{
			Valid: z.auth.ValidateSession(p.InstanceID, sc.uid),
		})

	case *rpc.Invalidate:
		if p.All {
			if !z.callerIsOwner(sc) {
				replyErr(errNotOwner)
				return nil
			}
			z.auth.InvalidateAllSessions()
			reply(rpc.CmdReply, rpc.InvalidateReply{})
			return nil
		}
		sc.Lock()
		own := sc.authenticated && sc.instanceID == p.InstanceID
		sc.Unlock()
		if !own && !z.callerIsOwner(sc) {
			replyErr(errNotOwner)
			return nil
		}
		if err := z.auth.InvalidateSession(p.InstanceID); err != nil {
			replyErr(err)
			return nil
		}
		reply(rpc.CmdReply, rpc.InvalidateReply{})

	case *rpc.Control:
		dual, instanceID, err := sc.channelState()
		if err != nil {
			return err
		}
		plain, err := dual.DecryptControl(p.Blob)
		if err != nil {
			z.stats.decryptFails.Inc()
			return fmt.Errorf("control decrypt: %w", err)
		}
		z.auth.UpdateSessionActivity(instanceID)

		// A rotation announcement carries no request; decrypting it
		// already moved the data key forward. Pings get a sealed pong.
		if bytes.Equal(plain, pingPayload) {
			out, err := dual.EncryptControl(pongPayload)
			if err != nil {
				return err
			}
			reply(rpc.CmdControl, rpc.Control{Blob: out})
			return nil
		}
		reply(rpc.CmdReply, struct{}{})

	case *rpc.Data:
		dual, instanceID, err := sc.channelState()
		if err != nil {
			return err
		}
		req, err := dual.DecryptData(p.Frame)
		if err != nil {
			z.stats.decryptFails.Inc()
			return fmt.Errorf("data decrypt: %w", err)
		}
		z.auth.UpdateSessionActivity(instanceID)

		resp, err := z.Handler(ctx, instanceID, req)
		if err != nil {
			replyErr(err)
			return nil
		}
		frame, err := dual.EncryptData(resp)
		if err != nil {
			return err
		}
		// An automatic key rotation must reach the peer on the control
		// channel before the frame sealed under the new generation.
		if dual.PendingRotation() {
			z.stats.keyRotations.Inc()
			ann, err := dual.EncryptControl([]byte("rekey"))
			if err != nil {
				return err
			}
			reply(rpc.CmdControl, rpc.Control{Blob: ann})
		}
		reply(rpc.CmdData, rpc.Data{Frame: frame})

	default:
		return fmt.Errorf("invalid message: %v", msg)
	}

	return nil
}

// establishChannel performs the key exchange against the client's
// ephemeral public key and brings up the responder side of the dual
// channel.
func (z *Server) establishChannel(sc *sessionContext, kxKey []byte, instanceID string) error {
	if len(kxKey) != 32 {
		return fmt.Errorf("bad key exchange key length %d", len(kxKey))
	}
	var peer [32]byte
	copy(peer[:], kxKey)

	ss, err := sc.kp.KeyExchange(&peer)
	if err != nil {
		return err
	}
	dual := channel.New(rand.Reader)
	err = dual.InitResponder(ss, sc.kp)
	for i := range ss {
		ss[i] = 0
	}
	if err != nil {
		return err
	}

	sc.Lock()
	if sc.dual != nil {
		sc.dual.Destroy()
	}
	sc.dual = dual
	sc.authenticated = true
	sc.instanceID = instanceID
	sc.Unlock()
	return nil
}

// callerIsOwner reports whether the socket peer is root or the uid the
// daemon runs as.
func (z *Server) callerIsOwner(sc *sessionContext) bool {
	return sc.uid == 0 || sc.uid == uint32(os.Getuid())
}

// externalError maps an internal failure to the payload shown to an
// unauthenticated peer. Authentication failures answer with their
// external reason so a caller cannot distinguish a wrong signature from
// an unknown key; everything else collapses to a generic error.
func (z *Server) externalError(err error) rpc.Error {
	var ae *authority.AuthError
	if errors.As(err, &ae) {
		return rpc.Error{Reason: string(ae.External())}
	}
	return rpc.Error{Reason: "ERROR"}
}

func (z *Server) runNewSession(ctx context.Context, conn net.Conn) {
	creds, err := peerCreds(conn)
	if err != nil {
		z.logConn.Errorf("no peer credentials for %v: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	rid, err := z.prim.RandomBytes(8)
	if err != nil {
		conn.Close()
		return
	}
	log := z.logBknd.untrackedLogger(fmt.Sprintf("SESS %x", rid))

	kp, err := ratchet.GenerateKeyPair(rand.Reader)
	if err != nil {
		log.Errorf("key pair generation: %v", err)
		conn.Close()
		return
	}

	sc := sessionContext{
		writer: make(chan *RPCWrapper, writerDepth),
		conn:   conn,
		log:    log,
		uid:    uint32(creds.Uid),
		pid:    uint32(creds.Pid),
		kp:     kp,
	}

	z.logConn.Debugf("session online: uid %d pid %d", sc.uid, sc.pid)
	z.stats.conns.Inc()

	// The welcome carries the responder ratchet key the client will key
	// exchange against.
	pub := kp.Public()
	_, pinned := z.auth.PinnedKeyID()
	sc.writer <- &RPCWrapper{
		Message: rpc.Message{
			Command:   rpc.CmdWelcome,
			TimeStamp: z.now().Unix(),
		},
		Payload: rpc.Welcome{
			Version:    rpc.ProtocolVersion,
			ServerTime: z.now().Unix(),
			RatchetKey: pub[:],
			MaxMsgSize: rpc.MaxMsgSize,
			KeyPinned:  pinned,
		},
	}

	// Start subroutines.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return z.sessionWriter(gctx, &sc) })
	g.Go(func() error { return z.sessionReader(gctx, &sc) })
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return gctx.Err()
	})

	err = g.Wait()

	sc.Lock()
	if sc.dual != nil {
		sc.dual.Destroy()
		z.stats.sessions.Dec()
	}
	sc.Unlock()

	if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) &&
		!errors.Is(err, net.ErrClosed) {
		z.logConn.Errorf("session offline: %v", err)
	} else {
		z.logConn.Debugf("session offline: %v", err)
	}

	z.stats.conns.Dec()
}

// errMsgTooLarge shuts down a session whose peer streams a message past
// the maximum size advertised in the welcome.
var errMsgTooLarge = errors.New("message exceeds maximum size")

// countingReader feeds the json decoder while keeping the inbound byte
// counter current and holding each message to its size allowance.
type countingReader struct {
	r         io.Reader
	stats     *stats
	remaining int64
}

// allow resets the byte allowance for the next message.
func (cr *countingReader) allow(n int64) {
	cr.remaining = n
}

func (cr *countingReader) Read(p []byte) (int, error) {
	if cr.remaining <= 0 {
		return 0, errMsgTooLarge
	}
	if int64(len(p)) > cr.remaining {
		p = p[:cr.remaining]
	}
	n, err := cr.r.Read(p)
	cr.remaining -= int64(n)
	if n > 0 {
		cr.stats.bytesRead.Add(float64(n))
	}
	return n, err
}
