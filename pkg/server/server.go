// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/commserver/pkg/breaker"
	"github.com/absmach/commserver/pkg/errors"
	"github.com/absmach/commserver/pkg/handler"
	"github.com/absmach/commserver/pkg/handshake"
	"github.com/absmach/commserver/pkg/registry"
	"github.com/absmach/commserver/pkg/settings"
	"github.com/absmach/commserver/pkg/transport"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the OpenTelemetry instrumentation name of the server.
const TracerName = "github.com/absmach/commserver"

// ReceiveHandler takes over inbound frames of admitted clients. Frames are
// passed as received from the transport, without payload restoration, and
// OnReceiveCompleted is not called.
type ReceiveHandler func(ctx context.Context, clientID string, data []byte)

// Option configures optional server collaborators.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSettingsStore sets the store used by LoadSettings and SaveSettings.
func WithSettingsStore(store settings.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithTracer sets the tracer used for send, multicast and handshake spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithSendBreaker fails sends fast for clients that keep failing.
func WithSendBreaker(cfg breaker.Config) Option {
	return func(s *Server) {
		s.breakers = breaker.NewGroup(cfg)
	}
}

// WithBreakerGroup shares g for send circuit breaking, so callers can
// observe breaker state changes.
func WithBreakerGroup(g *breaker.Group) Option {
	return func(s *Server) {
		s.breakers = g
	}
}

// WithReceiveHandler sets the raw receive handler.
func WithReceiveHandler(fn ReceiveHandler) Option {
	return func(s *Server) {
		s.receiveHandler = fn
	}
}

type pendingClient struct {
	negotiator *handshake.Negotiator
	remoteAddr string
}

// Server accepts clients through a transport, optionally authenticates
// them, and exchanges transformed payloads with them.
type Server struct {
	id        string
	logger    *slog.Logger
	transport transport.Transport
	handler   handler.Handler
	store     settings.Store
	tracer    trace.Tracer
	breakers  *breaker.Group
	registry  *registry.Registry

	// lifecycle serializes Start, Stop and reconfiguration.
	lifecycle sync.Mutex

	// mu protects the fields below. Admission holds it for reading so
	// that Stop cannot interleave with a client being registered.
	mu             sync.RWMutex
	cfg            Config
	running        bool
	initialized    bool
	startedAt      time.Time
	stoppedAt      time.Time
	receiveHandler ReceiveHandler

	// cmu protects pending and clients.
	cmu     sync.Mutex
	pending map[string]*pendingClient
	clients map[string]*clientConn

	workers sync.WaitGroup
}

// New creates a stopped server. Zero configuration values are replaced by
// their defaults and a nil handler by NoopHandler.
func New(cfg Config, t transport.Transport, h handler.Handler, opts ...Option) *Server {
	if h == nil {
		h = &handler.NoopHandler{}
	}
	cfg = cfg.WithDefaults()

	s := &Server{
		id:        uuid.New().String(),
		logger:    slog.Default(),
		transport: t,
		handler:   h,
		tracer:    otel.Tracer(TracerName),
		cfg:       cfg,
		registry:  registry.New(cfg.MaxClientConnections),
		pending:   make(map[string]*pendingClient),
		clients:   make(map[string]*clientConn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize loads persisted settings. Only the first call has an effect.
func (s *Server) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = true
	s.mu.Unlock()

	return s.LoadSettings(ctx)
}

// Start validates the configuration and starts the transport.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.start(ctx)
}

func (s *Server) start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.ErrAlreadyRunning
	}
	cfg := s.cfg
	s.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := s.transport.ValidateConfig(cfg.ConfigurationString); err != nil {
		return configError(err)
	}
	s.registry.SetLimit(cfg.MaxClientConnections)

	// Running is set before the transport starts so that clients
	// connecting immediately are admitted.
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	opts := transport.StartOptions{
		ReceiveBufferSize: cfg.ReceiveBufferSize,
		Logger:            s.logger,
	}
	if err := s.transport.Start(ctx, cfg.ConfigurationString, sink{s}, opts); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return errors.Wrap(err, "failed to start transport")
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	s.stoppedAt = time.Time{}
	s.mu.Unlock()

	s.logger.Info("server started",
		slog.String("server", s.id),
		slog.String("config", cfg.ConfigurationString),
		slog.Bool("handshake", cfg.Handshake),
		slog.Bool("secure_session", cfg.SecureSession),
		slog.String("encryption", cfg.Encryption.String()),
		slog.String("compression", cfg.Compression.String()))
	s.notify("OnServerStarted", "", s.handler.OnServerStarted(ctx))
	return nil
}

// Stop disconnects every client and stops the transport. It returns after
// every client was removed. Stopping a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.stop(ctx)
}

func (s *Server) stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.cmu.Lock()
	pending := s.pending
	s.pending = make(map[string]*pendingClient)
	s.cmu.Unlock()

	for id, p := range pending {
		p.negotiator.Cancel()
		s.disconnectTransport(id)
	}

	for _, id := range s.registry.IDs() {
		s.disconnectTransport(id)
		s.drop(ctx, id)
	}

	// Send workers finish before the transport goes away.
	s.workers.Wait()
	stopErr := s.transport.Stop(ctx)

	if n := s.registry.Count(); n != 0 {
		s.logger.Error("clients left registered after stop", slog.Int("count", n))
		s.registry.Clear()
	}

	s.mu.Lock()
	s.stoppedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("server stopped", slog.String("server", s.id))
	s.notify("OnServerStopped", "", s.handler.OnServerStopped(ctx))

	if stopErr != nil {
		return errors.Wrap(stopErr, "failed to stop transport")
	}
	return nil
}

// Close saves the settings and stops the server.
func (s *Server) Close(ctx context.Context) error {
	saveErr := s.SaveSettings(ctx)
	return stderrors.Join(saveErr, s.Stop(ctx))
}

// SetEnabled starts or stops the server.
func (s *Server) SetEnabled(ctx context.Context, enabled bool) error {
	if enabled {
		if s.IsRunning() {
			return nil
		}
		return s.Start(ctx)
	}
	return s.Stop(ctx)
}

// Enabled reports whether the server is running.
func (s *Server) Enabled() bool {
	return s.IsRunning()
}

// IsRunning reports whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ServerID returns the unique identifier of this server instance.
func (s *Server) ServerID() string {
	return s.id
}

// Name returns the settings category the server persists under.
func (s *Server) Name() string {
	return s.Config().SettingsCategory
}

// Config returns a copy of the current configuration.
func (s *Server) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ClientIDs returns a snapshot of the registered client ids.
func (s *Server) ClientIDs() []string {
	return s.registry.IDs()
}

// ClientCount returns the number of registered clients.
func (s *Server) ClientCount() int {
	return s.registry.Count()
}

// Client returns the session of a registered client.
func (s *Server) Client(clientID string) (*registry.ClientSession, bool) {
	return s.registry.Get(clientID)
}

// RunTime returns the number of seconds the server has been running, or
// ran until it was last stopped.
func (s *Server) RunTime() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.startedAt.IsZero():
		return 0
	case s.running:
		return time.Since(s.startedAt).Seconds()
	default:
		return s.stoppedAt.Sub(s.startedAt).Seconds()
	}
}

// SetReceiveHandler replaces the raw receive handler. Nil restores payload
// restoration and OnReceiveCompleted notifications.
func (s *Server) SetReceiveHandler(fn ReceiveHandler) {
	s.mu.Lock()
	s.receiveHandler = fn
	s.mu.Unlock()
}

// DisconnectOne disconnects a single client.
func (s *Server) DisconnectOne(ctx context.Context, clientID string) error {
	s.cmu.Lock()
	_, isPending := s.pending[clientID]
	s.cmu.Unlock()

	if !isPending && !s.registry.Contains(clientID) {
		return fmt.Errorf("%w: %s", errors.ErrClientNotFound, clientID)
	}

	err := s.transport.Disconnect(clientID)
	s.drop(ctx, clientID)
	if err != nil && !stderrors.Is(err, errors.ErrClientNotFound) {
		return errors.New("disconnect", "", clientID, err)
	}
	return nil
}

// DisconnectAll disconnects every registered client.
func (s *Server) DisconnectAll(ctx context.Context) error {
	var errs []error
	for _, id := range s.registry.IDs() {
		if err := s.DisconnectOne(ctx, id); err != nil && !stderrors.Is(err, errors.ErrClientNotFound) {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// drop removes an admitted client on the server side. The disconnect
// notification fires before the client leaves the registry. It returns
// false when the client was already gone.
func (s *Server) drop(ctx context.Context, clientID string) bool {
	s.cmu.Lock()
	c, ok := s.clients[clientID]
	if ok {
		delete(s.clients, clientID)
	}
	s.cmu.Unlock()

	if !ok {
		return false
	}

	for _, job := range c.close() {
		job.handle.complete(errors.ErrConnectionClosed)
	}
	if s.breakers != nil {
		s.breakers.Remove(clientID)
	}

	s.notify("OnClientDisconnected", clientID, s.handler.OnClientDisconnected(ctx, clientID))
	s.registry.Remove(clientID)

	s.logger.Debug("client disconnected", slog.String("client", clientID))
	return true
}

func (s *Server) disconnectTransport(clientID string) {
	if err := s.transport.Disconnect(clientID); err != nil && !stderrors.Is(err, errors.ErrClientNotFound) {
		s.logger.Debug("transport disconnect failed",
			slog.String("client", clientID),
			slog.String("error", err.Error()))
	}
}

// notify logs an error returned by a handler notification.
func (s *Server) notify(event, clientID string, err error) {
	if err == nil {
		return
	}
	s.logger.Warn("handler error",
		slog.String("event", event),
		slog.String("client", clientID),
		slog.String("error", err.Error()))
}

func configError(err error) error {
	if stderrors.Is(err, errors.ErrConfiguration) {
		return err
	}
	return fmt.Errorf("%w: %w", errors.ErrConfiguration, err)
}
