// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/commserver/pkg/errors"
	"github.com/absmach/commserver/pkg/handler"
	"github.com/absmach/commserver/pkg/transport"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

type mockTransport struct {
	mu           sync.Mutex
	sink         transport.Sink
	started      int
	stopped      int
	down         bool
	lateSends    int
	connected    map[string]bool
	sent         map[string][][]byte
	failFor      map[string]error
	disconnected []string
}

var _ transport.Transport = (*mockTransport)(nil)

func newMockTransport() *mockTransport {
	return &mockTransport{
		connected: make(map[string]bool),
		sent:      make(map[string][][]byte),
		failFor:   make(map[string]error),
	}
}

func (m *mockTransport) ValidateConfig(configString string) error {
	if !strings.HasPrefix(configString, "port=") {
		return errors.Configuration("port is required")
	}
	return nil
}

func (m *mockTransport) Start(ctx context.Context, configString string, sink transport.Sink, opts transport.StartOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
	m.started++
	m.down = false
	return nil
}

func (m *mockTransport) Stop(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.connected))
	for id := range m.connected {
		ids = append(ids, id)
	}
	m.connected = make(map[string]bool)
	m.stopped++
	m.down = true
	sink := m.sink
	m.mu.Unlock()

	for _, id := range ids {
		sink.ClientDisconnected(id)
	}
	return nil
}

func (m *mockTransport) Send(ctx context.Context, clientID string, data []byte) <-chan error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.down {
		m.lateSends++
	}
	if err := m.failFor[clientID]; err != nil {
		return transport.Result(err)
	}
	if !m.connected[clientID] {
		return transport.Result(errors.ErrClientNotFound)
	}
	m.sent[clientID] = append(m.sent[clientID], append([]byte(nil), data...))
	return transport.Result(nil)
}

func (m *mockTransport) Disconnect(clientID string) error {
	m.mu.Lock()
	if !m.connected[clientID] {
		m.mu.Unlock()
		return errors.ErrClientNotFound
	}
	delete(m.connected, clientID)
	m.disconnected = append(m.disconnected, clientID)
	sink := m.sink
	m.mu.Unlock()

	sink.ClientDisconnected(clientID)
	return nil
}

// connect simulates a new client connection.
func (m *mockTransport) connect(clientID string) {
	m.mu.Lock()
	m.connected[clientID] = true
	sink := m.sink
	m.mu.Unlock()

	sink.ClientConnected(clientID, "127.0.0.1:"+clientID)
}

func (m *mockTransport) receive(clientID string, data []byte) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()

	sink.DataReceived(clientID, data)
}

func (m *mockTransport) sentTo(clientID string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.sent[clientID]...)
}

func (m *mockTransport) wasDisconnected(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.disconnected {
		if id == clientID {
			return true
		}
	}
	return false
}

func (m *mockTransport) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// sendsAfterStop counts sends attempted while the transport was stopped.
func (m *mockTransport) sendsAfterStop() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lateSends
}

func (m *mockTransport) fail(clientID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFor[clientID] = err
}

// recorder records notifications as "event:client" strings.
type recorder struct {
	handler.NoopHandler

	mu       sync.Mutex
	srv      *Server
	events   []string
	received map[string][][]byte
	// registered records whether the client was registered when the
	// connected or disconnected notification fired.
	registered map[string]bool
}

func newRecorder() *recorder {
	return &recorder{
		received:   make(map[string][][]byte),
		registered: make(map[string]bool),
	}
}

func (r *recorder) record(event, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if clientID == "" {
		r.events = append(r.events, event)
		return
	}
	r.events = append(r.events, event+":"+clientID)
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) countPrefix(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) waitFor(t *testing.T, event string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.count(event) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %q not recorded, got %v", event, r.snapshot())
}

func (r *recorder) receivedFrom(clientID string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received[clientID]
}

func (r *recorder) OnServerStarted(ctx context.Context) error {
	r.record("started", "")
	return nil
}

func (r *recorder) OnServerStopped(ctx context.Context) error {
	r.record("stopped", "")
	return nil
}

func (r *recorder) OnHandshakeTimedOut(ctx context.Context, clientID string) error {
	r.record("handshake_timeout", clientID)
	return nil
}

func (r *recorder) OnHandshakeFailed(ctx context.Context, clientID string, err error) error {
	r.record("handshake_failed", clientID)
	return nil
}

func (r *recorder) OnClientConnected(ctx context.Context, clientID string) error {
	_, ok := r.srv.Client(clientID)
	r.mu.Lock()
	r.registered["connected:"+clientID] = ok
	r.mu.Unlock()
	r.record("connected", clientID)
	return nil
}

func (r *recorder) OnClientDisconnected(ctx context.Context, clientID string) error {
	_, ok := r.srv.Client(clientID)
	r.mu.Lock()
	r.registered["disconnected:"+clientID] = ok
	r.mu.Unlock()
	r.record("disconnected", clientID)
	return nil
}

func (r *recorder) OnClientRejected(ctx context.Context, clientID, reason string) error {
	r.record("rejected", clientID)
	return nil
}

func (r *recorder) OnSendCompleted(ctx context.Context, clientID string, n int) error {
	r.record("send_completed", clientID)
	return nil
}

func (r *recorder) OnSendFailed(ctx context.Context, clientID string, err error) error {
	r.record("send_failed", clientID)
	return nil
}

func (r *recorder) OnReceiveTimedOut(ctx context.Context, clientID string) error {
	r.record("receive_timeout", clientID)
	return nil
}

func (r *recorder) OnReceiveCompleted(ctx context.Context, clientID string, data []byte, n int) error {
	r.mu.Lock()
	r.received[clientID] = append(r.received[clientID], append([]byte(nil), data[:n]...))
	r.mu.Unlock()
	r.record("received", clientID)
	return nil
}

// newTestServer creates a server on a mock transport with a recorder.
func newTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, *mockTransport, *recorder) {
	t.Helper()
	if cfg.ConfigurationString == "" {
		cfg.ConfigurationString = "port=8888"
	}
	mt := newMockTransport()
	rec := newRecorder()
	opts = append([]Option{WithLogger(testLogger)}, opts...)
	s := New(cfg, mt, rec, opts...)
	rec.srv = s
	return s, mt, rec
}

func startTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, *mockTransport, *recorder) {
	t.Helper()
	s, mt, rec := newTestServer(t, cfg, opts...)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, mt, rec
}
