// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/absmach/commserver/pkg/errors"
	"github.com/absmach/commserver/pkg/handshake"
	"github.com/absmach/commserver/pkg/payload"
	"github.com/absmach/commserver/pkg/registry"
	"github.com/absmach/commserver/pkg/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const reasonServerFull = "maximum client connections reached"

// sink adapts transport events to the server without exporting the
// callbacks on Server.
type sink struct {
	s *Server
}

var _ transport.Sink = sink{}

func (k sink) ClientConnected(clientID, remoteAddr string) {
	k.s.clientConnected(context.Background(), clientID, remoteAddr)
}

func (k sink) DataReceived(clientID string, data []byte) {
	k.s.dataReceived(context.Background(), clientID, data)
}

func (k sink) ClientDisconnected(clientID string) {
	k.s.clientDisconnected(context.Background(), clientID)
}

func (s *Server) clientConnected(ctx context.Context, clientID, remoteAddr string) {
	s.mu.RLock()
	running := s.running
	cfg := s.cfg
	s.mu.RUnlock()

	if !running {
		s.disconnectTransport(clientID)
		return
	}
	if s.registry.Full() {
		s.reject(ctx, clientID, reasonServerFull)
		return
	}
	if !cfg.Handshake {
		s.admit(ctx, clientID, remoteAddr, "", handshake.Idle, "")
		return
	}

	n := handshake.New(s.policy(cfg))
	p := &pendingClient{negotiator: n, remoteAddr: remoteAddr}

	s.mu.RLock()
	if !s.running {
		s.mu.RUnlock()
		s.disconnectTransport(clientID)
		return
	}
	s.cmu.Lock()
	s.pending[clientID] = p
	s.cmu.Unlock()
	s.mu.RUnlock()

	if err := n.Begin(func() { s.handshakeTimedOut(clientID, p) }); err != nil {
		s.logger.Error("failed to begin handshake",
			slog.String("client", clientID),
			slog.String("error", err.Error()))
	}
	s.logger.Debug("awaiting client handshake",
		slog.String("client", clientID),
		slog.String("remote", remoteAddr))
}

func (s *Server) policy(cfg Config) handshake.Policy {
	return handshake.Policy{
		Passphrase:    cfg.HandshakePassphrase,
		SecureSession: cfg.SecureSession,
		Encryption:    cfg.Encryption,
		Compression:   cfg.Compression,
		Timeout:       cfg.HandshakeTimeout,
		ServerID:      s.id,
	}
}

// admit registers the client and starts its send worker. The client is
// registered before OnClientConnected fires.
func (s *Server) admit(ctx context.Context, clientID, remoteAddr, clientName string, state handshake.State, passphrase string) error {
	s.mu.RLock()
	if !s.running {
		s.mu.RUnlock()
		s.disconnectTransport(clientID)
		return errors.ErrNotRunning
	}
	timeout := s.cfg.ReceiveTimeout

	sess := registry.NewClientSession(clientID, remoteAddr, state, passphrase)
	sess.ClientName = clientName
	c := newClientConn(sess)
	if s.breakers != nil {
		c.breaker = s.breakers.Get(clientID)
	}

	s.cmu.Lock()
	if err := s.registry.Add(sess); err != nil {
		s.cmu.Unlock()
		s.mu.RUnlock()
		if stderrors.Is(err, errors.ErrRegistryFull) {
			s.reject(ctx, clientID, reasonServerFull)
		} else {
			s.logger.Warn("failed to register client",
				slog.String("client", clientID),
				slog.String("error", err.Error()))
			s.disconnectTransport(clientID)
		}
		return err
	}
	s.clients[clientID] = c
	s.cmu.Unlock()

	s.workers.Add(1)
	go s.sendLoop(c)
	if timeout > 0 {
		c.watchIdle(timeout, func() { s.receiveTimedOut(clientID) })
	}
	s.mu.RUnlock()

	s.logger.Info("client connected",
		slog.String("client", clientID),
		slog.String("remote", remoteAddr),
		slog.String("name", clientName),
		slog.String("state", state.String()))
	s.notify("OnClientConnected", clientID, s.handler.OnClientConnected(ctx, clientID))
	return nil
}

func (s *Server) reject(ctx context.Context, clientID, reason string) {
	s.disconnectTransport(clientID)
	s.logger.Warn("client rejected",
		slog.String("client", clientID),
		slog.String("reason", reason))
	s.notify("OnClientRejected", clientID, s.handler.OnClientRejected(ctx, clientID, reason))
}

func (s *Server) handshakeTimedOut(clientID string, p *pendingClient) {
	if !s.claimPending(clientID, p) {
		return
	}

	ctx := context.Background()
	s.logger.Warn("client handshake timed out", slog.String("client", clientID))
	s.notify("OnHandshakeTimedOut", clientID, s.handler.OnHandshakeTimedOut(ctx, clientID))
	s.disconnectTransport(clientID)
}

// claimPending removes p from the pending clients. Only the caller that
// claims a pending client may act on its outcome.
func (s *Server) claimPending(clientID string, p *pendingClient) bool {
	s.cmu.Lock()
	defer s.cmu.Unlock()

	if cur, ok := s.pending[clientID]; !ok || cur != p {
		return false
	}
	delete(s.pending, clientID)
	return true
}

func (s *Server) dataReceived(ctx context.Context, clientID string, data []byte) {
	s.cmu.Lock()
	p, isPending := s.pending[clientID]
	c := s.clients[clientID]
	s.cmu.Unlock()

	switch {
	case isPending:
		s.evaluateHandshake(ctx, clientID, p, data)
	case c != nil:
		s.receive(ctx, c, data)
	default:
		s.logger.Debug("dropping data from unknown client",
			slog.String("client", clientID),
			slog.Int("size", len(data)))
	}
}

func (s *Server) evaluateHandshake(ctx context.Context, clientID string, p *pendingClient, frame []byte) {
	ctx, span := s.tracer.Start(ctx, "commserver.handshake", trace.WithAttributes(
		attribute.String("client.id", clientID),
		attribute.Int("frame.size", len(frame)),
	))
	defer span.End()

	cfg := s.Config()
	reply, err := p.negotiator.Evaluate(frame)
	if stderrors.Is(err, errors.ErrHandshakeState) {
		// Timed out or cancelled meanwhile; that path owns the outcome.
		return
	}
	if !s.claimPending(clientID, p) {
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handshake failed")
		if reply != nil {
			if sendErr := s.sendRaw(ctx, clientID, reply, cfg); sendErr != nil {
				s.logger.Debug("failed to send handshake reply",
					slog.String("client", clientID),
					slog.String("error", sendErr.Error()))
			}
		}
		s.logger.Warn("client handshake failed",
			slog.String("client", clientID),
			slog.String("error", err.Error()))
		s.notify("OnHandshakeFailed", clientID, s.handler.OnHandshakeFailed(ctx, clientID, err))
		s.disconnectTransport(clientID)
		return
	}

	if s.registry.Full() {
		span.SetStatus(codes.Error, reasonServerFull)
		if busy, err := p.negotiator.Reject(); err == nil {
			_ = s.sendRaw(ctx, clientID, busy, cfg)
		}
		s.reject(ctx, clientID, reasonServerFull)
		return
	}

	if err := s.sendRaw(ctx, clientID, reply, cfg); err != nil {
		err = fmt.Errorf("failed to send handshake reply: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handshake reply failed")
		s.notify("OnHandshakeFailed", clientID, s.handler.OnHandshakeFailed(ctx, clientID, err))
		s.disconnectTransport(clientID)
		return
	}

	passphrase := ""
	if cfg.SecureSession {
		passphrase = p.negotiator.SessionKey()
	}
	if err := s.admit(ctx, clientID, p.remoteAddr, p.negotiator.ClientName(), handshake.Authenticated, passphrase); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "admission failed")
	}
}

// sendRaw writes an already prepared frame and waits for the result, at
// most for the handshake timeout.
func (s *Server) sendRaw(ctx context.Context, clientID string, data []byte, cfg Config) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	select {
	case err := <-s.transport.Send(ctx, clientID, data):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) receive(ctx context.Context, c *clientConn, data []byte) {
	c.session.UpdateActivity()

	s.mu.RLock()
	cfg := s.cfg
	raw := s.receiveHandler
	s.mu.RUnlock()

	if raw != nil {
		raw(ctx, c.id, data)
		return
	}

	out, err := payload.RestoreInbound(data, 0, len(data), cfg.Compression, cfg.Encryption, s.passphrase(cfg, c))
	if err != nil {
		// Peers that do not transform their payloads are still served.
		s.logger.Debug("failed to restore inbound payload, passing raw bytes",
			slog.String("client", c.id),
			slog.String("error", err.Error()))
		out = data
	}
	s.notify("OnReceiveCompleted", c.id, s.handler.OnReceiveCompleted(ctx, c.id, out, len(out)))
}

func (s *Server) receiveTimedOut(clientID string) {
	s.cmu.Lock()
	c := s.clients[clientID]
	s.cmu.Unlock()

	if c == nil || !c.timedOut.CompareAndSwap(false, true) {
		return
	}

	ctx := context.Background()
	s.logger.Warn("client receive timed out", slog.String("client", clientID))
	s.notify("OnReceiveTimedOut", clientID, s.handler.OnReceiveTimedOut(ctx, clientID))
	s.disconnectTransport(clientID)
	s.drop(ctx, clientID)
}

func (s *Server) clientDisconnected(ctx context.Context, clientID string) {
	s.cmu.Lock()
	p, isPending := s.pending[clientID]
	if isPending {
		delete(s.pending, clientID)
	}
	s.cmu.Unlock()

	if isPending {
		p.negotiator.Cancel()
		s.logger.Debug("pending client disconnected", slog.String("client", clientID))
		return
	}
	s.drop(ctx, clientID)
}

// passphrase returns the key used to transform payloads of c.
func (s *Server) passphrase(cfg Config, c *clientConn) string {
	switch {
	case cfg.SecureSession && c.session.Passphrase != "":
		return c.session.Passphrase
	case cfg.Encryption != payload.None:
		return cfg.HandshakePassphrase
	default:
		return ""
	}
}
