// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	"github.com/privgate/privgate/authority"
	"github.com/privgate/privgate/lockfile"
	"github.com/privgate/privgate/primitives"
	"github.com/privgate/privgate/rpc"
	"github.com/privgate/privgate/server/settings"
)

// lockFilename guards against two daemons sharing one state directory.
const lockFilename = "privgated.lock"

// RPCWrapper is a wrapped RPC Message for internal use. This is required
// because RPC messages consist of 2 discrete pieces.
type RPCWrapper struct {
	Message rpc.Message
	Payload interface{}

	// CloseAfterWritingErr is set to a non nil error if the session
	// should be closed after writing this message.
	CloseAfterWritingErr error
}

// DataHandler consumes one decrypted data channel request and produces
// the reply that will be sealed back to the client.
type DataHandler func(ctx context.Context, instanceID string, req []byte) ([]byte, error)

// Server is the privgated daemon: it owns the unix socket, the session
// authority and one dual channel per authenticated connection.
type Server struct {
	sync.Mutex
	now        func() time.Time
	listenAddr net.Addr

	// Not mutex entries
	settings *settings.Settings
	auth     *authority.Authority
	prim     *primitives.Context
	logBknd  *logBackend
	log      slog.Logger
	logConn  slog.Logger

	stats *stats

	// Handler consumes decrypted data channel requests. The default
	// echoes the request back, which is what the loopback tests expect.
	Handler DataHandler
}

// NewServer creates the daemon from its settings. The state directory is
// locked for exclusive use until Run returns.
func NewServer(cfg *settings.Settings) (*Server, error) {
	logBknd, err := newLogBackend(cfg.LogFile, cfg.DebugLevel, cfg.LogStdOut)
	if err != nil {
		return nil, err
	}
	log := logBknd.logger("SERV")

	if err := os.MkdirAll(cfg.Root, 0700); err != nil {
		return nil, err
	}

	prim := primitives.NewContext(rand.Reader)
	verifier, err := authority.NewProcfsVerifier(cfg.AllowedExecs)
	if err != nil {
		return nil, fmt.Errorf("caller verification unavailable: %w", err)
	}
	auth, err := authority.New(prim, authority.Config{
		Root:             cfg.Root,
		ChallengeTimeout: cfg.ChallengeTimeout,
		SessionTimeout:   cfg.SessionTimeout,
		SweepInterval:    cfg.SweepInterval,
		Verifier:         verifier,
		Log:              logBknd.logger("AUTH"),
	})
	if err != nil {
		return nil, err
	}

	z := &Server{
		now:      time.Now,
		settings: cfg,
		auth:     auth,
		prim:     prim,
		logBknd:  logBknd,
		log:      log,
		logConn:  logBknd.logger("CONN"),
		stats:    newStats(cfg.PromAddr != ""),
	}
	z.Handler = func(_ context.Context, _ string, req []byte) ([]byte, error) {
		return req, nil
	}
	if version := cfg.Versioner(); version != "" {
		log.Infof("Starting privgated %s", version)
	}
	return z, nil
}

// Authority exposes the session authority, used for out-of-band
// provisioning from the command line.
func (z *Server) Authority() *authority.Authority {
	return z.auth
}

// BoundAddr returns the address the daemon is bound to listen to.
func (z *Server) BoundAddr() net.Addr {
	z.Lock()
	res := z.listenAddr
	z.Unlock()
	return res
}

// Run creates the listen socket and serves until ctx is canceled.
func (z *Server) Run(ctx context.Context) error {
	defer z.auth.Close()

	lf, err := lockfile.Create(ctx, filepath.Join(z.settings.Root, lockFilename))
	if err != nil {
		return fmt.Errorf("unable to lock %s: %w", z.settings.Root, err)
	}
	defer lf.Close()

	if err := os.MkdirAll(z.settings.RuntimeDir, 0755); err != nil {
		return err
	}
	sockPath := z.settings.SocketPath()

	// A stale socket from an unclean shutdown blocks the bind. The state
	// directory lock already guarantees no other daemon is live.
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	z.log.Tracef("Running with settings: %v", spew.Sdump(z.settings))

	l, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", sockPath, err)
	}
	if err := os.Chmod(sockPath, z.settings.SocketMode); err != nil {
		l.Close()
		return err
	}
	z.log.Infof("Listening on %s", sockPath)
	z.Lock()
	z.listenAddr = l.Addr()
	z.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return z.listen(gctx, l) })
	g.Go(func() error { return z.auth.Run(gctx) })
	g.Go(func() error { return z.runPrometheusListener(gctx, z.settings.PromAddr) })
	g.Go(func() error {
		<-gctx.Done()
		l.Close()
		return gctx.Err()
	})

	err = g.Wait()
	os.Remove(sockPath)
	return err
}

func (z *Server) listen(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go z.runNewSession(ctx, conn)
	}
}

// unmarshal performs a limited json Unmarshal operation.
func (z *Server) unmarshal(dec *json.Decoder, v interface{}) error {
	return dec.Decode(&v)
}

// writeMessage marshals and sends a message to the client.
func (z *Server) writeMessage(w io.Writer, msg *RPCWrapper) error {
	var bb bytes.Buffer

	enc := json.NewEncoder(&bb)
	err := enc.Encode(msg.Message)
	if err != nil {
		return fmt.Errorf("could not marshal message %v",
			msg.Message.Command)
	}
	err = enc.Encode(msg.Payload)
	if err != nil {
		return fmt.Errorf("could not marshal payload, %v",
			msg.Message.Command)
	}

	payload := bb.Bytes()
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("could not write %v: %v",
			msg.Message.Command, err)
	}
	z.stats.bytesWritten.Add(float64(len(payload)))

	return nil
}

// payloadForCmd returns an empty payload of the type belonging to cmd.
func payloadForCmd(cmd string) (interface{}, error) {
	switch cmd {
	case rpc.CmdProvision:
		return new(rpc.Provision), nil
	case rpc.CmdChallenge:
		return new(rpc.Challenge), nil
	case rpc.CmdAuth:
		return new(rpc.Auth), nil
	case rpc.CmdCheckSession:
		return new(rpc.CheckSession), nil
	case rpc.CmdValidate:
		return new(rpc.Validate), nil
	case rpc.CmdInvalidate:
		return new(rpc.Invalidate), nil
	case rpc.CmdControl:
		return new(rpc.Control), nil
	case rpc.CmdData:
		return new(rpc.Data), nil
	case rpc.CmdPing:
		return new(struct{}), nil
	default:
		return nil, fmt.Errorf("unknown rpc command %q", cmd)
	}
}

// errNotOwner rejects owner-only commands from unprivileged peers.
var errNotOwner = errors.New("caller is not the daemon owner")
