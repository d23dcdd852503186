// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gnet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/commserver/pkg/errors"
	"github.com/absmach/commserver/pkg/ratelimit"
	"github.com/absmach/commserver/pkg/transport"
	"github.com/google/uuid"
	"github.com/panjf2000/gnet/v2"
)

const name = "gnet"

type settings struct {
	address   string
	multicore bool
	maxFrame  int
	maxConns  int64
	keepAlive time.Duration
	noDelay   bool
	rate      ratelimit.Config
}

func parse(configString string) (settings, error) {
	s, err := transport.ParseConfigString(configString)
	if err != nil {
		return settings{}, err
	}

	var ret settings
	if ret.address, err = s.Address(); err != nil {
		return settings{}, err
	}
	if ret.multicore, err = s.Bool("multicore", false); err != nil {
		return settings{}, err
	}
	if ret.maxFrame, err = s.Int("maxframe", transport.DefaultMaxFrameSize); err != nil {
		return settings{}, err
	}
	if ret.maxFrame < 1 {
		return settings{}, errors.Configuration("maxFrame must be positive, got %d", ret.maxFrame)
	}
	maxConns, err := s.Int("maxconnections", 0)
	if err != nil {
		return settings{}, err
	}
	ret.maxConns = int64(maxConns)
	if ret.keepAlive, err = s.Duration("keepalive", 0); err != nil {
		return settings{}, err
	}
	if ret.noDelay, err = s.Bool("nodelay", true); err != nil {
		return settings{}, err
	}
	if ret.rate, err = s.RateLimit(); err != nil {
		return settings{}, err
	}
	return ret, nil
}

// connState is stored as the gnet connection context.
type connState struct {
	id     string
	remote string
	conn   gnet.Conn
	events *dispatcher
}

// engine is the gnet event handler.
type engine struct {
	gnet.BuiltinEventEngine

	t        *Transport
	sink     transport.Sink
	limiter  *ratelimit.Limiter
	settings settings
	booted   chan gnet.Engine

	activeConnections atomic.Int64
}

func (e *engine) OnBoot(eng gnet.Engine) gnet.Action {
	e.booted <- eng
	return gnet.None
}

func (e *engine) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	remote := c.RemoteAddr().String()
	if e.settings.maxConns > 0 && e.activeConnections.Load() >= e.settings.maxConns {
		e.t.logger.Warn("connection refused, too many connections", slog.String("remote", remote))
		return nil, gnet.Close
	}
	if e.limiter != nil && !e.limiter.Allow(remote) {
		e.t.logger.Warn("connection refused",
			slog.String("remote", remote),
			slog.String("error", ratelimit.ErrRateLimitExceeded.Error()))
		return nil, gnet.Close
	}
	e.activeConnections.Add(1)

	cs := &connState{
		id:     uuid.New().String(),
		remote: remote,
		conn:   c,
		events: newDispatcher(),
	}
	c.SetContext(cs)
	e.t.add(cs)

	e.t.wg.Add(1)
	go func() {
		defer e.t.wg.Done()
		cs.events.run()
	}()

	sink := e.sink
	cs.events.push(func() { sink.ClientConnected(cs.id, cs.remote) })
	return nil, gnet.None
}

func (e *engine) OnClose(c gnet.Conn, err error) gnet.Action {
	cs, ok := c.Context().(*connState)
	if !ok {
		return gnet.None
	}
	e.activeConnections.Add(-1)
	e.t.remove(cs.id)

	if err != nil {
		e.t.logger.Debug("connection closed",
			slog.String("client", cs.id),
			slog.String("error", err.Error()))
	}
	sink := e.sink
	cs.events.close(func() { sink.ClientDisconnected(cs.id) })
	return gnet.None
}

// OnTraffic decodes every complete frame in the inbound buffer. Partial
// frames stay buffered until more data arrives.
func (e *engine) OnTraffic(c gnet.Conn) gnet.Action {
	cs, ok := c.Context().(*connState)
	if !ok {
		return gnet.Close
	}

	for {
		buf, err := c.Peek(-1)
		if err != nil {
			e.t.logger.Warn("failed to read from connection",
				slog.String("remote", cs.remote),
				slog.String("error", err.Error()))
			return gnet.Close
		}
		frame, n, err := transport.DecodeFrame(buf, e.settings.maxFrame)
		if err != nil {
			e.t.logger.Warn("invalid frame",
				slog.String("client", cs.id),
				slog.String("error", err.Error()))
			return gnet.Close
		}
		if n == 0 {
			return gnet.None
		}

		data := append([]byte(nil), frame...)
		if _, err := c.Discard(n); err != nil {
			return gnet.Close
		}
		sink := e.sink
		cs.events.push(func() { sink.DataReceived(cs.id, data) })
	}
}

// Transport runs length prefixed frames on a gnet event loop.
type Transport struct {
	mu     sync.RWMutex
	eng    *gnet.Engine
	conns  map[string]*connState
	logger *slog.Logger
	done   chan error

	wg sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

// New creates a stopped gnet transport.
func New() *Transport {
	return &Transport{
		conns:  make(map[string]*connState),
		logger: slog.Default(),
	}
}

// ValidateConfig checks "port", "interface", "multicore", "maxFrame",
// "maxConnections", "keepAlive", "noDelay", "rateLimit" and "rateBurst".
func (t *Transport) ValidateConfig(configString string) error {
	_, err := parse(configString)
	return err
}

// Start boots the event loop and returns once it accepts connections.
func (t *Transport) Start(ctx context.Context, configString string, sink transport.Sink, opts transport.StartOptions) error {
	st, err := parse(configString)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.eng != nil {
		return errors.New("start", name, "", errors.ErrAlreadyRunning)
	}
	t.logger = opts.Log()

	e := &engine{
		t:        t,
		sink:     sink,
		limiter:  transport.NewLimiter(st.rate),
		settings: st,
		booted:   make(chan gnet.Engine, 1),
	}

	noDelay := gnet.TCPNoDelay
	if !st.noDelay {
		noDelay = gnet.TCPDelay
	}
	options := []gnet.Option{
		gnet.WithMulticore(st.multicore),
		gnet.WithReadBufferCap(opts.BufferSize()),
		gnet.WithTCPNoDelay(noDelay),
		gnet.WithReusePort(false),
	}
	if st.keepAlive > 0 {
		options = append(options, gnet.WithTCPKeepAlive(st.keepAlive))
	}

	done := make(chan error, 1)
	go func() {
		err := gnet.Run(e, "tcp://"+st.address, options...)
		if e.limiter != nil {
			e.limiter.Close()
		}
		done <- err
	}()

	select {
	case eng := <-e.booted:
		t.eng = &eng
		t.done = done
	case err := <-done:
		return fmt.Errorf("failed to listen on %s: %w", st.address, err)
	case <-ctx.Done():
		return ctx.Err()
	}

	t.logger.Info("gnet transport started",
		slog.String("address", st.address),
		slog.Bool("multicore", st.multicore))
	return nil
}

func (t *Transport) add(cs *connState) {
	t.mu.Lock()
	t.conns[cs.id] = cs
	t.mu.Unlock()
}

func (t *Transport) remove(id string) {
	t.mu.Lock()
	delete(t.conns, id)
	t.mu.Unlock()
}

func (t *Transport) get(id string) *connState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conns[id]
}

// Stop stops the event loop, which closes every connection, and waits
// for the pending sink calls.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	eng, done := t.eng, t.done
	t.eng, t.done = nil, nil
	t.mu.Unlock()

	if eng == nil {
		return nil
	}

	err := eng.Stop(ctx)
	select {
	case runErr := <-done:
		if err == nil {
			err = runErr
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	dispatched := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(dispatched)
	}()
	select {
	case <-dispatched:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.logger.Info("gnet transport stopped")
	return err
}

// Send queues one frame on the event loop. The result is delivered once
// gnet has written it.
func (t *Transport) Send(ctx context.Context, clientID string, data []byte) <-chan error {
	cs := t.get(clientID)
	if cs == nil {
		return transport.Result(errors.New("send", name, clientID, errors.ErrClientNotFound))
	}
	if err := ctx.Err(); err != nil {
		return transport.Result(err)
	}

	result := make(chan error, 1)
	frame := transport.AppendFrame(make([]byte, 0, transport.HeaderSize+len(data)), data)
	err := cs.conn.AsyncWrite(frame, func(_ gnet.Conn, err error) error {
		if err != nil {
			err = errors.New("send", name, clientID, err)
		}
		result <- err
		return nil
	})
	if err != nil {
		return transport.Result(errors.New("send", name, clientID, err))
	}
	return result
}

// Disconnect closes the client connection.
func (t *Transport) Disconnect(clientID string) error {
	cs := t.get(clientID)
	if cs == nil {
		return errors.New("disconnect", name, clientID, errors.ErrClientNotFound)
	}
	return cs.conn.Close()
}
