// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/commserver/pkg/errors"
	"github.com/absmach/commserver/pkg/ratelimit"
	"github.com/absmach/commserver/pkg/transport"
)

const (
	name = "udp"

	// DefaultSessionTimeout is the default timeout for idle UDP sessions.
	DefaultSessionTimeout = 30 * time.Second

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultWorkerPoolSize is the default number of workers for packet processing.
	DefaultWorkerPoolSize = 16

	// queueSize is the number of packets buffered per worker.
	queueSize = 256
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = stderrors.New("shutdown timeout exceeded")

// Config holds socket settings that are not part of the configuration string.
type Config struct {
	// ShutdownTimeout is the maximum time to wait for workers on Stop.
	ShutdownTimeout time.Duration

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int
}

type settings struct {
	address        string
	sessionTimeout time.Duration
	maxSessions    int
	workers        int
	rate           ratelimit.Config
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
	if ret.sessionTimeout, err = s.Duration("sessiontimeout", DefaultSessionTimeout); err != nil {
		return settings{}, err
	}
	if ret.sessionTimeout <= 0 {
		return settings{}, errors.Configuration("sessionTimeout must be positive, got %s", ret.sessionTimeout)
	}
	if ret.maxSessions, err = s.Int("maxsessions", 0); err != nil {
		return settings{}, err
	}
	if ret.workers, err = s.Int("workers", DefaultWorkerPoolSize); err != nil {
		return settings{}, err
	}
	if ret.workers < 1 {
		return settings{}, errors.Configuration("workers must be positive, got %d", ret.workers)
	}
	if ret.rate, err = s.RateLimit(); err != nil {
		return settings{}, err
	}
	return ret, nil
}

// packetJob is one event for a session worker.
type packetJob struct {
	sess       *Session
	isNew      bool
	data       []byte
	disconnect bool
}

// Transport maps every remote address to a virtual client and every
// datagram to one frame.
type Transport struct {
	config Config

	mu       sync.RWMutex
	conn     *net.UDPConn
	sink     transport.Sink
	logger   *slog.Logger
	sessions *SessionManager
	limiter  *ratelimit.Limiter
	shards   []chan packetJob
	cancel   context.CancelFunc

	readWg   sync.WaitGroup
	workerWg sync.WaitGroup
	notifyWg sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

// New creates a stopped UDP transport.
func New(cfg Config) *Transport {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Transport{
		config: cfg,
		logger: slog.Default(),
	}
}

// ValidateConfig checks "port", "interface", "sessionTimeout",
// "maxSessions", "workers", "rateLimit" and "rateBurst".
func (t *Transport) ValidateConfig(configString string) error {
	_, err := parse(configString)
	return err
}

// Start binds the socket and starts the read loop, the workers and the
// idle session cleanup.
func (t *Transport) Start(ctx context.Context, configString string, sink transport.Sink, opts transport.StartOptions) error {
	st, err := parse(configString)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return errors.New("start", name, "", errors.ErrAlreadyRunning)
	}

	addr, err := net.ResolveUDPAddr("udp", st.address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", st.address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", st.address, err)
	}

	logger := opts.Log()
	if t.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(t.config.ReadBufferSize); err != nil {
			logger.Warn("failed to set read buffer size", slog.String("error", err.Error()))
		}
	}
	if t.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(t.config.WriteBufferSize); err != nil {
			logger.Warn("failed to set write buffer size", slog.String("error", err.Error()))
		}
	}

	bufSize := opts.BufferSize()
	if bufSize > MaxDatagramSize {
		bufSize = MaxDatagramSize
	}

	t.conn = conn
	t.sink = sink
	t.logger = logger
	t.sessions = NewSessionManager(logger, st.maxSessions, st.workers)
	t.limiter = transport.NewLimiter(st.rate)
	t.shards = make([]chan packetJob, st.workers)
	for i := range t.shards {
		t.shards[i] = make(chan packetJob, queueSize)
		t.workerWg.Add(1)
		go t.worker(t.shards[i], sink)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.readWg.Add(2)
	go t.readLoop(conn, t.sessions, t.limiter, t.shards, bufSize)
	go t.cleanup(cleanupCtx, t.sessions, st.sessionTimeout)

	logger.Info("UDP transport started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Duration("session_timeout", st.sessionTimeout),
		slog.Int("worker_pool_size", st.workers),
		slog.Int("buffer_size", bufSize))
	return nil
}

// Addr returns the bound address, or nil when stopped.
func (t *Transport) Addr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

func (t *Transport) readLoop(conn *net.UDPConn, sessions *SessionManager, limiter *ratelimit.Limiter, shards []chan packetJob, bufSize int) {
	defer t.readWg.Done()

	bufferPool := sync.Pool{
		New: func() any {
			buf := make([]byte, bufSize)
			return &buf
		},
	}
	var allow func(string) bool
	if limiter != nil {
		allow = limiter.Allow
	}

	for {
		bufPtr := bufferPool.Get().(*[]byte)
		buffer := *bufPtr

		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			bufferPool.Put(bufPtr)
			if stderrors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Error("failed to read UDP packet", slog.String("error", err.Error()))
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		bufferPool.Put(bufPtr)

		sess, isNew, err := sessions.GetOrCreate(addr, allow)
		if err != nil {
			t.logger.Warn("failed to get/create session",
				slog.String("client", addr.String()),
				slog.String("error", err.Error()))
			continue
		}

		select {
		case shards[sess.shard] <- packetJob{sess: sess, isNew: isNew, data: datagram}:
		default:
			t.logger.Warn("worker pool full, dropping packet",
				slog.String("client", addr.String()))
			if isNew {
				// Never announced, so no disconnect is due.
				sessions.Remove(sess)
			}
		}
	}
}

// worker reports the events of its sessions in order.
func (t *Transport) worker(jobs <-chan packetJob, sink transport.Sink) {
	defer t.workerWg.Done()

	for job := range jobs {
		sess := job.sess
		switch {
		case job.disconnect:
			if sess.announced {
				sink.ClientDisconnected(sess.ID)
			}
		case sess.Closed():
		default:
			if job.isNew {
				sess.announced = true
				sink.ClientConnected(sess.ID, sess.RemoteAddr.String())
			}
			sink.DataReceived(sess.ID, job.data)
		}
	}
}

func (t *Transport) cleanup(ctx context.Context, sessions *SessionManager, timeout time.Duration) {
	defer t.readWg.Done()

	interval := timeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := sessions.Expired(timeout)
			for _, sess := range expired {
				if t.closeSession(sess) {
					t.logger.Debug("session timeout",
						slog.String("session", sess.ID),
						slog.String("client", sess.RemoteAddr.String()))
				}
			}
		}
	}
}

// closeSession removes a session and queues its disconnect event.
func (t *Transport) closeSession(sess *Session) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.conn == nil || !t.sessions.Remove(sess) {
		return false
	}
	t.queueDisconnect(t.shards, sess)
	return true
}

// queueDisconnect hands the disconnect event to the session worker. It
// never blocks, since it may run on that worker.
func (t *Transport) queueDisconnect(shards []chan packetJob, sess *Session) {
	job := packetJob{sess: sess, disconnect: true}
	select {
	case shards[sess.shard] <- job:
	default:
		t.notifyWg.Add(1)
		go func() {
			defer t.notifyWg.Done()
			shards[sess.shard] <- job
		}()
	}
}

// Stop closes the socket, reports every session as disconnected and waits
// for the workers.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return nil
	}
	t.conn = nil
	sessions, shards, limiter := t.sessions, t.shards, t.limiter
	t.cancel()
	t.mu.Unlock()

	err := conn.Close()
	t.readWg.Wait()

	for _, sess := range sessions.All() {
		if sessions.Remove(sess) {
			t.queueDisconnect(shards, sess)
		}
	}

	done := make(chan struct{})
	go func() {
		t.notifyWg.Wait()
		for _, ch := range shards {
			close(ch)
		}
		t.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(t.config.ShutdownTimeout):
		return ErrShutdownTimeout
	}
	if limiter != nil {
		limiter.Close()
	}

	t.logger.Info("UDP transport stopped")
	if err != nil && !stderrors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Send writes data as one datagram to the client address.
func (t *Transport) Send(ctx context.Context, clientID string, data []byte) <-chan error {
	t.mu.RLock()
	conn, sessions := t.conn, t.sessions
	t.mu.RUnlock()

	if conn == nil {
		return transport.Result(errors.New("send", name, clientID, errors.ErrClientNotFound))
	}
	sess, ok := sessions.Get(clientID)
	if !ok {
		return transport.Result(errors.New("send", name, clientID, errors.ErrClientNotFound))
	}
	if len(data) > MaxDatagramSize {
		return transport.Result(errors.New("send", name, clientID,
			fmt.Errorf("%w: datagram of %d bytes exceeds %d", errors.ErrInvalidInput, len(data), MaxDatagramSize)))
	}

	if err := ctx.Err(); err != nil {
		return transport.Result(err)
	}
	if _, err := conn.WriteToUDP(data, sess.RemoteAddr); err != nil {
		return transport.Result(errors.New("send", name, clientID, err))
	}
	return transport.Result(nil)
}

// Disconnect forgets the client session. A later datagram from the same
// address starts a new session.
func (t *Transport) Disconnect(clientID string) error {
	t.mu.RLock()
	conn, sessions := t.conn, t.sessions
	t.mu.RUnlock()

	if conn == nil {
		return errors.New("disconnect", name, clientID, errors.ErrClientNotFound)
	}
	sess, ok := sessions.Get(clientID)
	if !ok || !t.closeSession(sess) {
		return errors.New("disconnect", name, clientID, errors.ErrClientNotFound)
	}
	return nil
}
