// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bufio"
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/commserver/pkg/errors"
	"github.com/absmach/commserver/pkg/ratelimit"
	"github.com/absmach/commserver/pkg/transport"
	"github.com/google/uuid"
)

const name = "tcp"

// ErrShutdownTimeout is returned when connections did not drain in time.
var ErrShutdownTimeout = stderrors.New("shutdown timeout exceeded")

// Config holds settings that cannot be expressed in a configuration string.
type Config struct {
	// TLSConfig enables TLS on the listener. The "certFile" and "keyFile"
	// settings are used when it is nil.
	TLSConfig *tls.Config

	// ShutdownTimeout bounds the wait for connection goroutines on Stop.
	ShutdownTimeout time.Duration
}

type settings struct {
	address   string
	maxFrame  int
	keepAlive time.Duration
	noDelay   bool
	rate      ratelimit.Config
	certFile  string
	keyFile   string
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
	if ret.maxFrame, err = s.Int("maxframe", transport.DefaultMaxFrameSize); err != nil {
		return settings{}, err
	}
	if ret.maxFrame < 1 {
		return settings{}, errors.Configuration("maxFrame must be positive, got %d", ret.maxFrame)
	}
	if ret.keepAlive, err = s.Duration("keepalive", 30*time.Second); err != nil {
		return settings{}, err
	}
	if ret.noDelay, err = s.Bool("nodelay", true); err != nil {
		return settings{}, err
	}
	if ret.rate, err = s.RateLimit(); err != nil {
		return settings{}, err
	}
	ret.certFile, ret.keyFile = s["certfile"], s["keyfile"]
	if (ret.certFile == "") != (ret.keyFile == "") {
		return settings{}, errors.Configuration("certFile and keyFile must be set together")
	}
	return ret, nil
}

type conn struct {
	id     string
	remote string
	nc     net.Conn
	wmu    sync.Mutex
}

// Transport is a length prefixed frame transport over TCP.
type Transport struct {
	config Config

	mu       sync.RWMutex
	listener net.Listener
	conns    map[string]*conn
	sink     transport.Sink
	logger   *slog.Logger
	limiter  *ratelimit.Limiter
	settings settings

	wg sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

// New creates a stopped TCP transport.
func New(cfg Config) *Transport {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Transport{
		config: cfg,
		conns:  make(map[string]*conn),
		logger: slog.Default(),
	}
}

// ValidateConfig checks "port", "interface", "maxFrame", "keepAlive",
// "noDelay", "rateLimit", "rateBurst", "certFile" and "keyFile".
func (t *Transport) ValidateConfig(configString string) error {
	_, err := parse(configString)
	return err
}

// Start listens on the configured address and accepts clients in the
// background.
func (t *Transport) Start(ctx context.Context, configString string, sink transport.Sink, opts transport.StartOptions) error {
	st, err := parse(configString)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return errors.New("start", name, "", errors.ErrAlreadyRunning)
	}

	tlsConfig := t.config.TLSConfig
	if tlsConfig == nil && st.certFile != "" {
		cert, err := tls.LoadX509KeyPair(st.certFile, st.keyFile)
		if err != nil {
			return errors.Configuration("failed to load certificate: %v", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	lc := net.ListenConfig{KeepAlive: st.keepAlive}
	listener, err := lc.Listen(ctx, "tcp", st.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", st.address, err)
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	t.listener = listener
	t.sink = sink
	t.logger = opts.Log()
	t.settings = st
	t.limiter = transport.NewLimiter(st.rate)

	t.logger.Info("TCP transport started",
		slog.String("address", listener.Addr().String()),
		slog.Bool("tls", tlsConfig != nil))

	t.wg.Add(1)
	go t.accept(listener, sink, st, opts.BufferSize())
	return nil
}

// Addr returns the listener address, or nil when stopped.
func (t *Transport) Addr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *Transport) accept(listener net.Listener, sink transport.Sink, st settings, bufSize int) {
	defer t.wg.Done()

	for {
		nc, err := listener.Accept()
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Error("failed to accept connection", slog.String("error", err.Error()))
			continue
		}

		remote := nc.RemoteAddr().String()
		if t.limiter != nil && !t.limiter.Allow(remote) {
			t.logger.Warn("connection refused",
				slog.String("remote", remote),
				slog.String("error", ratelimit.ErrRateLimitExceeded.Error()))
			nc.Close()
			continue
		}
		if tc, ok := nc.(*net.TCPConn); ok {
			if err := tc.SetNoDelay(st.noDelay); err != nil {
				t.logger.Debug("failed to set nodelay", slog.String("error", err.Error()))
			}
		}

		c := &conn{id: uuid.New().String(), remote: remote, nc: nc}

		t.mu.Lock()
		if t.listener == nil {
			t.mu.Unlock()
			nc.Close()
			return
		}
		t.conns[c.id] = c
		t.mu.Unlock()

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleConn(c, sink, st.maxFrame, bufSize)
		}()
	}
}

// handleConn reports the connection to the sink and reads frames until the
// connection fails or is closed.
func (t *Transport) handleConn(c *conn, sink transport.Sink, maxFrame, bufSize int) {
	defer func() {
		t.mu.Lock()
		delete(t.conns, c.id)
		t.mu.Unlock()
		c.nc.Close()
		sink.ClientDisconnected(c.id)
	}()

	if tc, ok := c.nc.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			t.logger.Debug("TLS handshake failed",
				slog.String("remote", c.remote),
				slog.String("error", err.Error()))
			return
		}
	}

	t.logger.Debug("connection established",
		slog.String("client", c.id),
		slog.String("remote", c.remote))
	sink.ClientConnected(c.id, c.remote)

	r := bufio.NewReaderSize(c.nc, bufSize)
	for {
		frame, err := transport.ReadFrame(r, nil, maxFrame)
		if err != nil {
			if !stderrors.Is(err, io.EOF) && !stderrors.Is(err, net.ErrClosed) {
				t.logger.Debug("connection read failed",
					slog.String("client", c.id),
					slog.String("error", err.Error()))
			}
			return
		}
		sink.DataReceived(c.id, frame)
	}
}

// Stop closes the listener and every connection, then waits for the
// connection goroutines to finish.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	listener := t.listener
	if listener == nil {
		t.mu.Unlock()
		return nil
	}
	t.listener = nil
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	limiter := t.limiter
	t.limiter = nil
	t.mu.Unlock()

	err := listener.Close()
	for _, c := range conns {
		c.nc.Close()
	}
	if limiter != nil {
		limiter.Close()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(t.config.ShutdownTimeout):
		return ErrShutdownTimeout
	}

	t.logger.Info("TCP transport stopped")
	if err != nil && !stderrors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Send writes one frame. The write completes before Send returns and is
// bounded by the context deadline.
func (t *Transport) Send(ctx context.Context, clientID string, data []byte) <-chan error {
	t.mu.RLock()
	c := t.conns[clientID]
	t.mu.RUnlock()

	if c == nil {
		return transport.Result(errors.New("send", name, clientID, errors.ErrClientNotFound))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return transport.Result(errors.New("send", name, clientID, err))
	}
	if err := transport.WriteFrame(c.nc, data); err != nil {
		if stderrors.Is(err, net.ErrClosed) {
			err = errors.ErrConnectionClosed
		}
		return transport.Result(errors.New("send", name, clientID, err))
	}
	return transport.Result(nil)
}

// Disconnect closes the client connection. The sink is told once the read
// loop has ended.
func (t *Transport) Disconnect(clientID string) error {
	t.mu.RLock()
	c := t.conns[clientID]
	t.mu.RUnlock()

	if c == nil {
		return errors.New("disconnect", name, clientID, errors.ErrClientNotFound)
	}
	return c.nc.Close()
}
