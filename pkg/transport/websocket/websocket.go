// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/absmach/commserver/pkg/errors"
	"github.com/absmach/commserver/pkg/ratelimit"
	"github.com/absmach/commserver/pkg/transport"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	name = "websocket"

	// DefaultPath is the upgrade path used when none is configured.
	DefaultPath = "/"

	closeTimeout = time.Second
)

type settings struct {
	address  string
	path     string
	maxFrame int
	origins  []string
	rate     ratelimit.Config
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
	ret.path = DefaultPath
	if p, ok := s["path"]; ok {
		if !strings.HasPrefix(p, "/") {
			return settings{}, errors.Configuration("path must start with /, got %q", p)
		}
		ret.path = p
	}
	if ret.maxFrame, err = s.Int("maxframe", transport.DefaultMaxFrameSize); err != nil {
		return settings{}, err
	}
	if ret.maxFrame < 1 {
		return settings{}, errors.Configuration("maxFrame must be positive, got %d", ret.maxFrame)
	}
	for _, o := range strings.Split(s["origins"], ",") {
		if o = strings.TrimSpace(o); o != "" {
			ret.origins = append(ret.origins, o)
		}
	}
	if ret.rate, err = s.RateLimit(); err != nil {
		return settings{}, err
	}
	return ret, nil
}

type conn struct {
	id     string
	remote string
	ws     *websocket.Conn
	wmu    sync.Mutex
}

func (c *conn) write(ctx context.Context, messageType int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

// Transport carries frames as binary WebSocket messages.
type Transport struct {
	mu       sync.RWMutex
	srv      *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
	conns    map[string]*conn
	sink     transport.Sink
	logger   *slog.Logger
	limiter  *ratelimit.Limiter
	settings settings

	wg sync.WaitGroup
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ http.Handler        = (*Transport)(nil)
)

// New creates a stopped WebSocket transport.
func New() *Transport {
	return &Transport{
		conns:  make(map[string]*conn),
		logger: slog.Default(),
	}
}

// ValidateConfig checks "port", "interface", "path", "maxFrame",
// "origins", "rateLimit" and "rateBurst".
func (t *Transport) ValidateConfig(configString string) error {
	_, err := parse(configString)
	return err
}

// Start serves WebSocket upgrades on the configured path.
func (t *Transport) Start(ctx context.Context, configString string, sink transport.Sink, opts transport.StartOptions) error {
	st, err := parse(configString)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.srv != nil {
		return errors.New("start", name, "", errors.ErrAlreadyRunning)
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", st.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", st.address, err)
	}

	bufSize := opts.BufferSize()
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  bufSize,
		WriteBufferSize: bufSize,
		CheckOrigin:     checkOrigin(st.origins),
	}
	t.sink = sink
	t.logger = opts.Log()
	t.settings = st
	t.limiter = transport.NewLimiter(st.rate)

	r := chi.NewRouter()
	r.Get(st.path, t.ServeHTTP)
	t.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	t.listener = listener

	srv := t.srv
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := srv.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			t.logger.Error("WebSocket server failed", slog.String("error", err.Error()))
		}
	}()

	t.logger.Info("WebSocket transport started",
		slog.String("address", listener.Addr().String()),
		slog.String("path", st.path))
	return nil
}

// checkOrigin allows every origin when none are configured.
func checkOrigin(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		for _, o := range origins {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
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

// ServeHTTP upgrades the request and serves the client until the
// connection closes.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.mu.RLock()
	running := t.srv != nil
	sink, limiter, upgrader, maxFrame := t.sink, t.limiter, t.upgrader, t.settings.maxFrame
	t.mu.RUnlock()

	if !running {
		http.Error(w, "transport stopped", http.StatusServiceUnavailable)
		return
	}
	if limiter != nil && !limiter.Allow(r.RemoteAddr) {
		t.logger.Warn("connection refused",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", ratelimit.ErrRateLimitExceeded.Error()))
		http.Error(w, ratelimit.ErrRateLimitExceeded.Error(), http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Debug("failed to upgrade connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}
	ws.SetReadLimit(int64(maxFrame))

	c := &conn{id: uuid.New().String(), remote: r.RemoteAddr, ws: ws}
	t.mu.Lock()
	if t.srv == nil {
		t.mu.Unlock()
		ws.Close()
		return
	}
	t.conns[c.id] = c
	t.wg.Add(1)
	t.mu.Unlock()

	defer t.wg.Done()
	t.serve(c, sink)
}

func (t *Transport) serve(c *conn, sink transport.Sink) {
	defer func() {
		t.mu.Lock()
		delete(t.conns, c.id)
		t.mu.Unlock()
		c.ws.Close()
		sink.ClientDisconnected(c.id)
	}()

	t.logger.Debug("websocket connection upgraded",
		slog.String("client", c.id),
		slog.String("remote", c.remote))
	sink.ClientConnected(c.id, c.remote)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!stderrors.Is(err, net.ErrClosed) {
				t.logger.Debug("websocket read failed",
					slog.String("client", c.id),
					slog.String("error", err.Error()))
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			t.logger.Debug("ignoring non-binary message",
				slog.String("client", c.id),
				slog.Int("type", messageType))
			continue
		}
		sink.DataReceived(c.id, data)
	}
}

// Stop shuts the HTTP server down and closes every connection.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	srv := t.srv
	if srv == nil {
		t.mu.Unlock()
		return nil
	}
	t.srv = nil
	t.listener = nil
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	limiter := t.limiter
	t.limiter = nil
	t.mu.Unlock()

	err := srv.Shutdown(ctx)
	for _, c := range conns {
		t.close(c, websocket.CloseGoingAway)
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
	}

	t.logger.Info("WebSocket transport stopped")
	return err
}

// close sends a close message and closes the connection.
func (t *Transport) close(c *conn, code int) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	msg := websocket.FormatCloseMessage(code, "")
	if err := c.write(ctx, websocket.CloseMessage, msg); err != nil {
		t.logger.Debug("failed to send close message",
			slog.String("client", c.id),
			slog.String("error", err.Error()))
	}
	c.ws.Close()
}

// Send writes data as one binary message.
func (t *Transport) Send(ctx context.Context, clientID string, data []byte) <-chan error {
	t.mu.RLock()
	c := t.conns[clientID]
	t.mu.RUnlock()

	if c == nil {
		return transport.Result(errors.New("send", name, clientID, errors.ErrClientNotFound))
	}
	if err := c.write(ctx, websocket.BinaryMessage, data); err != nil {
		if stderrors.Is(err, websocket.ErrCloseSent) || stderrors.Is(err, net.ErrClosed) {
			err = errors.ErrConnectionClosed
		}
		return transport.Result(errors.New("send", name, clientID, err))
	}
	return transport.Result(nil)
}

// Disconnect closes the client connection with a normal closure.
func (t *Transport) Disconnect(clientID string) error {
	t.mu.RLock()
	c := t.conns[clientID]
	t.mu.RUnlock()

	if c == nil {
		return errors.New("disconnect", name, clientID, errors.ErrClientNotFound)
	}
	t.close(c, websocket.CloseNormalClosure)
	return nil
}
