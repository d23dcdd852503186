// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/commserver/pkg/breaker"
	"github.com/absmach/commserver/pkg/errors"
	"github.com/absmach/commserver/pkg/handshake"
	"github.com/absmach/commserver/pkg/payload"
	"github.com/absmach/commserver/pkg/settings"
)

var errBoom = stderrors.New("boom")

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: Config{}},
		{name: "secure session without handshake", cfg: Config{SecureSession: true, Encryption: payload.Level1}, wantErr: true},
		{name: "secure session without encryption", cfg: Config{SecureSession: true, Handshake: true}, wantErr: true},
		{name: "secure session", cfg: Config{SecureSession: true, Handshake: true, Encryption: payload.Level3}},
		{name: "negative handshake timeout", cfg: Config{HandshakeTimeout: -time.Second}, wantErr: true},
		{name: "negative buffer", cfg: Config{ReceiveBufferSize: -1}, wantErr: true},
		{name: "unknown encryption", cfg: Config{Encryption: payload.CipherStrength(42)}, wantErr: true},
		{name: "unknown text encoding", cfg: Config{TextEncoding: "klingon"}, wantErr: true},
		{name: "legacy text encoding", cfg: Config{TextEncoding: "windows-1252"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.WithDefaults().Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !stderrors.Is(err, errors.ErrConfiguration) {
				t.Errorf("Validate() error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxClientConnections != Unlimited {
		t.Errorf("MaxClientConnections = %d, want %d", cfg.MaxClientConnections, Unlimited)
	}
	if cfg.ReceiveTimeout != NoTimeout {
		t.Errorf("ReceiveTimeout = %v, want %v", cfg.ReceiveTimeout, NoTimeout)
	}
	if cfg.HandshakeTimeout != DefaultHandshakeTimeout {
		t.Errorf("HandshakeTimeout = %v, want %v", cfg.HandshakeTimeout, DefaultHandshakeTimeout)
	}
	if cfg.HandshakePassphrase != DefaultHandshakePassphrase {
		t.Errorf("HandshakePassphrase = %q, want default", cfg.HandshakePassphrase)
	}
	if cfg.ReceiveBufferSize != DefaultReceiveBufferSize {
		t.Errorf("ReceiveBufferSize = %d, want %d", cfg.ReceiveBufferSize, DefaultReceiveBufferSize)
	}
}

func TestStartInvalidConfig(t *testing.T) {
	s, mt, _ := newTestServer(t, Config{SecureSession: true, Encryption: payload.Level1})
	if err := s.Start(context.Background()); !stderrors.Is(err, errors.ErrConfiguration) {
		t.Fatalf("Start() error = %v, want ErrConfiguration", err)
	}
	if s.IsRunning() || mt.started != 0 {
		t.Fatal("server started with an invalid configuration")
	}

	s, _, _ = newTestServer(t, Config{ConfigurationString: "interface=0.0.0.0"})
	if err := s.Start(context.Background()); !stderrors.Is(err, errors.ErrConfiguration) {
		t.Fatalf("Start() error = %v, want ErrConfiguration", err)
	}
}

func TestStartTwice(t *testing.T) {
	s, _, rec := startTestServer(t, Config{})
	if err := s.Start(context.Background()); !stderrors.Is(err, errors.ErrAlreadyRunning) {
		t.Fatalf("Start() error = %v, want ErrAlreadyRunning", err)
	}
	if got := rec.count("started"); got != 1 {
		t.Errorf("started notifications = %d, want 1", got)
	}
}

func TestSecureSessionSetters(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestServer(t, Config{})

	if err := s.SetSecureSession(ctx, true); !stderrors.Is(err, errors.ErrConfiguration) {
		t.Fatalf("SetSecureSession() without handshake error = %v, want ErrConfiguration", err)
	}
	if s.Config().SecureSession {
		t.Fatal("rejected change was applied")
	}

	steps := []struct {
		name    string
		set     func() error
		wantErr bool
	}{
		{name: "enable handshake", set: func() error { return s.SetHandshake(ctx, true) }},
		{name: "secure without encryption", set: func() error { return s.SetSecureSession(ctx, true) }, wantErr: true},
		{name: "enable encryption", set: func() error { return s.SetEncryption(ctx, payload.Level2) }},
		{name: "enable secure session", set: func() error { return s.SetSecureSession(ctx, true) }},
		{name: "disable handshake", set: func() error { return s.SetHandshake(ctx, false) }, wantErr: true},
		{name: "disable encryption", set: func() error { return s.SetEncryption(ctx, payload.None) }, wantErr: true},
		{name: "disable secure session", set: func() error { return s.SetSecureSession(ctx, false) }},
		{name: "disable handshake again", set: func() error { return s.SetHandshake(ctx, false) }},
	}
	for _, step := range steps {
		err := step.set()
		if (err != nil) != step.wantErr {
			t.Fatalf("%s: error = %v, wantErr %v", step.name, err, step.wantErr)
		}
	}
}

func TestSettersNormalize(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestServer(t, Config{})

	if err := s.SetMaxClientConnections(ctx, 0); err != nil {
		t.Fatalf("SetMaxClientConnections() error = %v", err)
	}
	if got := s.Config().MaxClientConnections; got != Unlimited {
		t.Errorf("MaxClientConnections = %d, want %d", got, Unlimited)
	}
	if err := s.SetReceiveTimeout(ctx, 0); err != nil {
		t.Fatalf("SetReceiveTimeout() error = %v", err)
	}
	if got := s.Config().ReceiveTimeout; got != NoTimeout {
		t.Errorf("ReceiveTimeout = %v, want %v", got, NoTimeout)
	}
	if err := s.SetHandshakePassphrase(ctx, ""); err != nil {
		t.Fatalf("SetHandshakePassphrase() error = %v", err)
	}
	if got := s.Config().HandshakePassphrase; got != DefaultHandshakePassphrase {
		t.Errorf("HandshakePassphrase = %q, want default", got)
	}
	if err := s.SetHandshakeTimeout(ctx, 0); !stderrors.Is(err, errors.ErrConfiguration) {
		t.Errorf("SetHandshakeTimeout(0) error = %v, want ErrConfiguration", err)
	}
	if err := s.SetReceiveBufferSize(ctx, 0); !stderrors.Is(err, errors.ErrConfiguration) {
		t.Errorf("SetReceiveBufferSize(0) error = %v, want ErrConfiguration", err)
	}
	if err := s.SetSettingsCategory(ctx, ""); !stderrors.Is(err, errors.ErrConfiguration) {
		t.Errorf("SetSettingsCategory(\"\") error = %v, want ErrConfiguration", err)
	}
	if err := s.SetConfigurationString(ctx, "bogus"); !stderrors.Is(err, errors.ErrConfiguration) {
		t.Errorf("SetConfigurationString() error = %v, want ErrConfiguration", err)
	}
	if got := s.Config().ConfigurationString; got != "port=8888" {
		t.Errorf("ConfigurationString = %q, want unchanged", got)
	}
}

func TestReconfigureRestartsRunningServer(t *testing.T) {
	s, mt, rec := startTestServer(t, Config{})

	if err := s.SetCompression(context.Background(), payload.BestSpeed); err != nil {
		t.Fatalf("SetCompression() error = %v", err)
	}
	if !s.IsRunning() {
		t.Fatal("server not running after reconfiguration")
	}
	want := []string{"started", "stopped", "started"}
	if got := rec.snapshot(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
	if mt.started != 2 || mt.stopped != 1 {
		t.Errorf("transport started %d stopped %d, want 2 and 1", mt.started, mt.stopped)
	}
}

func TestConnectWithoutHandshake(t *testing.T) {
	s, mt, rec := startTestServer(t, Config{})

	mt.connect("a")
	if s.ClientCount() != 1 {
		t.Fatalf("ClientCount() = %d, want 1", s.ClientCount())
	}
	sess, ok := s.Client("a")
	if !ok {
		t.Fatal("client a not registered")
	}
	if sess.State != handshake.Idle {
		t.Errorf("State = %s, want %s", sess.State, handshake.Idle)
	}
	if !rec.registered["connected:a"] {
		t.Error("client was not registered when OnClientConnected fired")
	}
}

func TestConnectWhileStopped(t *testing.T) {
	s, mt, rec := startTestServer(t, Config{})
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	mt.connect("late")
	if s.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", s.ClientCount())
	}
	if !mt.wasDisconnected("late") {
		t.Error("late client was not disconnected")
	}
	if rec.count("connected:late") != 0 {
		t.Error("late client was reported as connected")
	}
}

func TestMaxClientConnections(t *testing.T) {
	s, mt, rec := startTestServer(t, Config{MaxClientConnections: 2})

	for _, id := range []string{"a", "b", "c"} {
		mt.connect(id)
	}

	if s.ClientCount() != 2 {
		t.Fatalf("ClientCount() = %d, want 2", s.ClientCount())
	}
	if rec.count("rejected:c") != 1 {
		t.Errorf("rejected notifications for c = %d, want 1", rec.count("rejected:c"))
	}
	if !mt.wasDisconnected("c") {
		t.Error("rejected client was not disconnected")
	}
	if rec.count("connected:c") != 0 {
		t.Error("rejected client was reported as connected")
	}

	if err := s.DisconnectOne(context.Background(), "a"); err != nil {
		t.Fatalf("DisconnectOne() error = %v", err)
	}
	mt.connect("d")
	if _, ok := s.Client("d"); !ok {
		t.Error("client d not admitted after a slot was freed")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	s, mt, rec := startTestServer(t, Config{Handshake: true, HandshakeTimeout: 30 * time.Millisecond})

	mt.connect("a")
	if s.ClientCount() != 0 {
		t.Fatal("client registered before handshaking")
	}
	rec.waitFor(t, "handshake_timeout:a", time.Second)
	time.Sleep(60 * time.Millisecond)

	if got := rec.count("handshake_timeout:a"); got != 1 {
		t.Errorf("handshake timeout notifications = %d, want 1", got)
	}
	if rec.count("connected:a") != 0 || s.ClientCount() != 0 {
		t.Error("timed out client was admitted")
	}
	if !mt.wasDisconnected("a") {
		t.Error("timed out client was not disconnected")
	}

	// A late hello is ignored.
	mt.receive("a", []byte("late"))
	if s.ClientCount() != 0 {
		t.Error("late hello admitted the client")
	}
}

func TestHandshake(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		passphrase string
		wantStatus handshake.HelloStatus
	}{
		{
			name:       "static passphrase",
			cfg:        Config{Handshake: true, HandshakePassphrase: "secret"},
			passphrase: "secret",
			wantStatus: handshake.StatusOK,
		},
		{
			name:       "encrypted compressed",
			cfg:        Config{Handshake: true, HandshakePassphrase: "secret", Encryption: payload.Level4, Compression: payload.BestCompression},
			passphrase: "secret",
			wantStatus: handshake.StatusOK,
		},
		{
			name:       "secure session",
			cfg:        Config{Handshake: true, SecureSession: true, Encryption: payload.Level3},
			passphrase: DefaultHandshakePassphrase,
			wantStatus: handshake.StatusOK,
		},
		{
			name:       "wrong passphrase",
			cfg:        Config{Handshake: true, HandshakePassphrase: "secret", Encryption: payload.Level1},
			passphrase: "guess",
			wantStatus: handshake.StatusMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.HandshakeTimeout = 2 * time.Second
			s, mt, rec := startTestServer(t, tt.cfg)
			cfg := s.Config()
			policy := handshake.Policy{
				Passphrase:  cfg.HandshakePassphrase,
				Encryption:  cfg.Encryption,
				Compression: cfg.Compression,
			}

			mt.connect("a")
			hello, err := handshake.NewClientHello(tt.passphrase, "tester", policy)
			if err != nil {
				t.Fatalf("NewClientHello() error = %v", err)
			}
			mt.receive("a", hello)

			sent := mt.sentTo("a")
			if len(sent) != 1 {
				t.Fatalf("frames sent = %d, want the server hello only", len(sent))
			}
			reply, err := handshake.ReadServerHello(sent[0], policy)
			if err != nil {
				t.Fatalf("ReadServerHello() error = %v", err)
			}
			if reply.Status != tt.wantStatus {
				t.Fatalf("Status = %s, want %s", reply.Status, tt.wantStatus)
			}

			if tt.wantStatus != handshake.StatusOK {
				if s.ClientCount() != 0 || rec.count("handshake_failed:a") != 1 {
					t.Error("failed handshake admitted the client or was not reported")
				}
				if !mt.wasDisconnected("a") {
					t.Error("failed client was not disconnected")
				}
				return
			}

			if reply.ServerID != s.ServerID() {
				t.Errorf("ServerID = %q, want %q", reply.ServerID, s.ServerID())
			}
			sess, ok := s.Client("a")
			if !ok || sess.State != handshake.Authenticated {
				t.Fatalf("client not admitted as authenticated")
			}
			if sess.ClientName != "tester" {
				t.Errorf("ClientName = %q, want %q", sess.ClientName, "tester")
			}

			key := cfg.HandshakePassphrase
			if cfg.SecureSession {
				if reply.SessionKey == "" || sess.Passphrase != reply.SessionKey {
					t.Fatalf("session key %q not stored on the session", reply.SessionKey)
				}
				key = reply.SessionKey
			}

			if err := s.SendTo(context.Background(), "a", []byte("hello")); err != nil {
				t.Fatalf("SendTo() error = %v", err)
			}
			sent = mt.sentTo("a")
			got, err := payload.RestoreInbound(sent[1], 0, len(sent[1]), cfg.Compression, cfg.Encryption, key)
			if err != nil {
				t.Fatalf("RestoreInbound() error = %v", err)
			}
			if string(got) != "hello" {
				t.Errorf("client received %q, want %q", got, "hello")
			}

			frame, err := payload.PrepareOutbound([]byte("ping"), 0, 4, cfg.Compression, cfg.Encryption, key)
			if err != nil {
				t.Fatalf("PrepareOutbound() error = %v", err)
			}
			mt.receive("a", frame)
			if r := rec.receivedFrom("a"); len(r) != 1 || string(r[0]) != "ping" {
				t.Errorf("server received %q, want [ping]", r)
			}
		})
	}
}

func TestMalformedPayloadPassesThrough(t *testing.T) {
	_, mt, rec := startTestServer(t, Config{Encryption: payload.Level1})

	mt.connect("a")
	mt.receive("a", []byte("plain text"))

	r := rec.receivedFrom("a")
	if len(r) != 1 || string(r[0]) != "plain text" {
		t.Errorf("received %q, want raw bytes", r)
	}
}

func TestReceiveHandler(t *testing.T) {
	var (
		mu  sync.Mutex
		got [][]byte
	)
	fn := func(ctx context.Context, clientID string, data []byte) {
		mu.Lock()
		got = append(got, data)
		mu.Unlock()
	}
	s, mt, rec := startTestServer(t, Config{Encryption: payload.Level1}, WithReceiveHandler(fn))

	mt.connect("a")
	mt.receive("a", []byte{1, 2, 3})

	mu.Lock()
	if len(got) != 1 || !bytes.Equal(got[0], []byte{1, 2, 3}) {
		t.Errorf("raw handler got %v, want [[1 2 3]]", got)
	}
	mu.Unlock()
	if rec.count("received:a") != 0 {
		t.Error("OnReceiveCompleted fired with a raw handler installed")
	}

	s.SetReceiveHandler(nil)
	mt.receive("a", []byte{4})
	if rec.count("received:a") != 1 {
		t.Error("OnReceiveCompleted did not fire after removing the raw handler")
	}
}

func TestSendErrors(t *testing.T) {
	ctx := context.Background()
	s, mt, _ := newTestServer(t, Config{})

	if err := s.SendTo(ctx, "a", []byte("x")); !stderrors.Is(err, errors.ErrNotRunning) {
		t.Errorf("SendTo() on stopped server error = %v, want ErrNotRunning", err)
	}
	if err := s.Multicast(ctx, []byte("x")); !stderrors.Is(err, errors.ErrNotRunning) {
		t.Errorf("Multicast() on stopped server error = %v, want ErrNotRunning", err)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop(ctx)

	if err := s.SendTo(ctx, "nobody", []byte("x")); !stderrors.Is(err, errors.ErrClientNotFound) {
		t.Errorf("SendTo() unknown client error = %v, want ErrClientNotFound", err)
	}

	mt.connect("a")
	ranges := []struct {
		offset, length int
	}{
		{-1, 1}, {0, 4}, {3, 1}, {1, -1},
	}
	for _, r := range ranges {
		if err := s.SendToRange(ctx, "a", []byte("abc"), r.offset, r.length); !stderrors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("SendToRange(%d, %d) error = %v, want ErrInvalidInput", r.offset, r.length, err)
		}
	}
	if err := s.SendToRange(ctx, "a", []byte("abc"), 1, 2); err != nil {
		t.Fatalf("SendToRange() error = %v", err)
	}
	if sent := mt.sentTo("a"); len(sent) != 1 || string(sent[0]) != "bc" {
		t.Errorf("sent %q, want [bc]", sent)
	}
	if err := s.DisconnectOne(ctx, "nobody"); !stderrors.Is(err, errors.ErrClientNotFound) {
		t.Errorf("DisconnectOne() unknown client error = %v, want ErrClientNotFound", err)
	}
}

func TestSendOrdering(t *testing.T) {
	ctx := context.Background()
	s, mt, rec := startTestServer(t, Config{})
	mt.connect("a")

	const n = 50
	var last *SendHandle
	for i := 0; i < n; i++ {
		h, err := s.SendToAsync(ctx, "a", []byte{byte(i)})
		if err != nil {
			t.Fatalf("SendToAsync() error = %v", err)
		}
		last = h
	}
	if err := last.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	sent := mt.sentTo("a")
	if len(sent) != n {
		t.Fatalf("sent %d frames, want %d", len(sent), n)
	}
	for i, frame := range sent {
		if frame[0] != byte(i) {
			t.Fatalf("frame %d carries %d, sends out of order", i, frame[0])
		}
	}
	if got := rec.count("send_completed:a"); got != n {
		t.Errorf("send completed notifications = %d, want %d", got, n)
	}
}

func TestSendBufferReuse(t *testing.T) {
	ctx := context.Background()
	s, mt, _ := startTestServer(t, Config{})
	mt.connect("a")

	buf := []byte("first")
	h, err := s.SendToAsync(ctx, "a", buf)
	if err != nil {
		t.Fatalf("SendToAsync() error = %v", err)
	}
	copy(buf, "XXXXX")
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if sent := mt.sentTo("a"); string(sent[0]) != "first" {
		t.Errorf("sent %q, want %q", sent[0], "first")
	}
}

func TestMulticastPartialFailure(t *testing.T) {
	ctx := context.Background()
	s, mt, rec := startTestServer(t, Config{Compression: payload.DefaultCompression})
	for _, id := range []string{"a", "b", "c"} {
		mt.connect(id)
	}
	mt.fail("b", errBoom)

	handles, err := s.MulticastAsync(ctx, []byte("news"))
	if err != nil {
		t.Fatalf("MulticastAsync() error = %v", err)
	}
	if len(handles) != 3 {
		t.Fatalf("handles = %d, want 3", len(handles))
	}
	for _, h := range handles {
		err := h.Wait(ctx)
		switch h.ClientID() {
		case "b":
			if !stderrors.Is(err, errBoom) {
				t.Errorf("handle for b error = %v, want %v", err, errBoom)
			}
		default:
			if err != nil {
				t.Errorf("handle for %s error = %v", h.ClientID(), err)
			}
		}
	}

	if err := s.Multicast(ctx, []byte("more")); err != nil {
		t.Fatalf("Multicast() error = %v", err)
	}
	if got := rec.count("send_failed:b"); got != 2 {
		t.Errorf("send failed notifications for b = %d, want 2", got)
	}
	for _, id := range []string{"a", "c"} {
		if got := rec.count("send_completed:" + id); got != 2 {
			t.Errorf("send completed notifications for %s = %d, want 2", id, got)
		}
		sent := mt.sentTo(id)
		got, err := payload.RestoreInbound(sent[0], 0, len(sent[0]), payload.DefaultCompression, payload.None, "")
		if err != nil || string(got) != "news" {
			t.Errorf("%s received %q (%v), want %q", id, got, err, "news")
		}
	}
}

func TestSendBreaker(t *testing.T) {
	ctx := context.Background()
	s, mt, _ := startTestServer(t, Config{}, WithSendBreaker(breaker.Config{MaxFailures: 2, ResetTimeout: time.Hour}))
	mt.connect("a")
	mt.fail("a", errBoom)

	for i := 0; i < 2; i++ {
		if err := s.SendTo(ctx, "a", []byte("x")); !stderrors.Is(err, errBoom) {
			t.Fatalf("SendTo() #%d error = %v, want %v", i, err, errBoom)
		}
	}
	if err := s.SendTo(ctx, "a", []byte("x")); !stderrors.Is(err, breaker.ErrCircuitOpen) {
		t.Fatalf("SendTo() error = %v, want ErrCircuitOpen", err)
	}
}

func TestStopDisconnectsClients(t *testing.T) {
	s, mt, rec := startTestServer(t, Config{})
	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		mt.connect(id)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if got := rec.countPrefix("disconnected:"); got != 3 {
		t.Errorf("disconnected notifications = %d, want 3", got)
	}
	for _, id := range ids {
		if !rec.registered["disconnected:"+id] {
			t.Errorf("client %s removed before OnClientDisconnected fired", id)
		}
	}
	if s.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", s.ClientCount())
	}
	if rec.count("stopped") != 1 {
		t.Error("OnServerStopped did not fire once")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if rec.count("stopped") != 1 {
		t.Error("second Stop() notified again")
	}
}

// gatedSender holds OnSendStarted until release is closed.
type gatedSender struct {
	*recorder
	started chan struct{}
	release chan struct{}
}

func (g *gatedSender) OnSendStarted(ctx context.Context, clientID string) error {
	close(g.started)
	<-g.release
	return nil
}

func TestStopWaitsForSendWorkers(t *testing.T) {
	ctx := context.Background()
	mt := newMockTransport()
	rec := newRecorder()
	h := &gatedSender{recorder: rec, started: make(chan struct{}), release: make(chan struct{})}
	s := New(Config{ConfigurationString: "port=8888"}, mt, h, WithLogger(testLogger))
	rec.srv = s
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	mt.connect("a")

	sh, err := s.SendToAsync(ctx, "a", []byte("late"))
	if err != nil {
		t.Fatalf("SendToAsync() error = %v", err)
	}
	select {
	case <-h.started:
	case <-time.After(time.Second):
		t.Fatal("send worker did not start")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(ctx) }()

	rec.waitFor(t, "disconnected:a", time.Second)
	time.Sleep(20 * time.Millisecond)
	if n := mt.stopCount(); n != 0 {
		t.Fatalf("transport stopped %d times while a send was in flight", n)
	}
	close(h.release)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return")
	}

	if err := sh.Wait(ctx); !stderrors.Is(err, errors.ErrConnectionClosed) {
		t.Errorf("send error = %v, want %v", err, errors.ErrConnectionClosed)
	}
	if n := mt.sendsAfterStop(); n != 0 {
		t.Errorf("transport received %d sends after stop", n)
	}
	if sent := mt.sentTo("a"); len(sent) != 0 {
		t.Errorf("sent %d frames to a disconnected client", len(sent))
	}
	if mt.stopCount() != 1 {
		t.Errorf("transport stopped %d times, want 1", mt.stopCount())
	}
}

func TestDisconnectAll(t *testing.T) {
	s, mt, rec := startTestServer(t, Config{})
	for _, id := range []string{"a", "b"} {
		mt.connect(id)
	}

	if err := s.DisconnectAll(context.Background()); err != nil {
		t.Fatalf("DisconnectAll() error = %v", err)
	}
	if s.ClientCount() != 0 || rec.countPrefix("disconnected:") != 2 {
		t.Errorf("clients left %d, disconnected notifications %d", s.ClientCount(), rec.countPrefix("disconnected:"))
	}
	if !s.IsRunning() {
		t.Error("DisconnectAll() stopped the server")
	}
}

func TestPendingSendsFailOnDisconnect(t *testing.T) {
	ctx := context.Background()
	s, mt, _ := startTestServer(t, Config{})
	mt.connect("a")

	h, err := s.SendToAsync(ctx, "a", []byte("x"))
	if err != nil {
		t.Fatalf("SendToAsync() error = %v", err)
	}
	if err := s.DisconnectOne(ctx, "a"); err != nil {
		t.Fatalf("DisconnectOne() error = %v", err)
	}

	err = h.Wait(ctx)
	if err != nil && !stderrors.Is(err, errors.ErrConnectionClosed) && !stderrors.Is(err, errors.ErrClientNotFound) {
		t.Errorf("Wait() error = %v, want nil or a closed connection", err)
	}
}

func TestReceiveTimeout(t *testing.T) {
	s, mt, rec := startTestServer(t, Config{ReceiveTimeout: 40 * time.Millisecond})
	mt.connect("a")
	mt.connect("b")

	// Keep b active past the timeout.
	for i := 0; i < 4; i++ {
		time.Sleep(15 * time.Millisecond)
		mt.receive("b", []byte("keepalive"))
	}

	rec.waitFor(t, "receive_timeout:a", time.Second)
	time.Sleep(60 * time.Millisecond)

	if got := rec.count("receive_timeout:a"); got != 1 {
		t.Errorf("receive timeout notifications = %d, want 1", got)
	}
	if got := rec.count("disconnected:a"); got != 1 {
		t.Errorf("disconnected notifications = %d, want 1", got)
	}
	if _, ok := s.Client("a"); ok {
		t.Error("idle client still registered")
	}
	if !mt.wasDisconnected("a") {
		t.Error("idle client was not disconnected")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := settings.NewMemoryStore()

	cfg := Config{
		ConfigurationString:  "port=9000",
		MaxClientConnections: 7,
		Handshake:            true,
		HandshakeTimeout:     1500 * time.Millisecond,
		HandshakePassphrase:  "persisted",
		SecureSession:        true,
		ReceiveTimeout:       time.Minute,
		ReceiveBufferSize:    4096,
		Encryption:           payload.Level5,
		Compression:          payload.MultiPass,
		PersistSettings:      true,
		SettingsCategory:     "Edge",
		TextEncoding:         "utf-16le",
	}
	s1, _, _ := newTestServer(t, cfg, WithSettingsStore(store))
	if err := s1.SaveSettings(ctx); err != nil {
		t.Fatalf("SaveSettings() error = %v", err)
	}

	s2, _, _ := newTestServer(t, Config{PersistSettings: true, SettingsCategory: "Edge"}, WithSettingsStore(store))
	if err := s2.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if got := s2.Config(); got != s1.Config() {
		t.Errorf("loaded config = %+v, want %+v", got, s1.Config())
	}

	// Nothing is persisted unless enabled.
	s3, _, _ := newTestServer(t, Config{SettingsCategory: "Other"}, WithSettingsStore(store))
	if err := s3.SaveSettings(ctx); err != nil {
		t.Fatalf("SaveSettings() error = %v", err)
	}
	if _, err := store.Load(ctx, "Other"); !stderrors.Is(err, settings.ErrCategoryNotFound) {
		t.Errorf("Load() error = %v, want ErrCategoryNotFound", err)
	}
}

func TestLoadInvalidSettings(t *testing.T) {
	ctx := context.Background()
	store := settings.NewMemoryStore()
	if err := store.Save(ctx, DefaultSettingsCategory, map[string]string{
		KeySecureSession: "true",
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	s, _, _ := newTestServer(t, Config{PersistSettings: true}, WithSettingsStore(store))
	if err := s.LoadSettings(ctx); !stderrors.Is(err, errors.ErrConfiguration) {
		t.Fatalf("LoadSettings() error = %v, want ErrConfiguration", err)
	}
	if s.Config().SecureSession {
		t.Error("invalid settings were applied")
	}

	if err := store.Save(ctx, DefaultSettingsCategory, map[string]string{
		KeyHandshakeTimeout: "soon",
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.LoadSettings(ctx); !stderrors.Is(err, errors.ErrConfiguration) {
		t.Fatalf("LoadSettings() error = %v, want ErrConfiguration", err)
	}
	if got := s.Config().HandshakeTimeout; got != DefaultHandshakeTimeout {
		t.Errorf("HandshakeTimeout = %v, want unchanged %v", got, DefaultHandshakeTimeout)
	}
}

// racingStore runs during before returning the stored values, standing in
// for a setter that lands while settings are being loaded.
type racingStore struct {
	*settings.MemoryStore
	during func()
}

func (r racingStore) Load(ctx context.Context, category string) (map[string]string, error) {
	values, err := r.MemoryStore.Load(ctx, category)
	r.during()
	return values, err
}

func TestLoadSettingsKeepsConcurrentChanges(t *testing.T) {
	ctx := context.Background()
	mem := settings.NewMemoryStore()
	if err := mem.Save(ctx, DefaultSettingsCategory, map[string]string{
		KeyCompression: payload.MultiPass.String(),
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	var s *Server
	store := racingStore{MemoryStore: mem, during: func() {
		if err := s.SetMaxClientConnections(ctx, 7); err != nil {
			t.Errorf("SetMaxClientConnections() error = %v", err)
		}
	}}
	s, _, _ = newTestServer(t, Config{PersistSettings: true}, WithSettingsStore(store))

	if err := s.LoadSettings(ctx); err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	cfg := s.Config()
	if cfg.MaxClientConnections != 7 {
		t.Errorf("MaxClientConnections = %d, want 7 from the concurrent setter", cfg.MaxClientConnections)
	}
	if cfg.Compression != payload.MultiPass {
		t.Errorf("Compression = %v, want %v", cfg.Compression, payload.MultiPass)
	}
}

func TestSetConfigDefaults(t *testing.T) {
	ctx := context.Background()
	s, _, _ := startTestServer(t, Config{})

	if err := s.SetConfig(ctx, Config{ConfigurationString: "port=9000"}); err != nil {
		t.Fatalf("SetConfig() error = %v", err)
	}
	want := DefaultConfig()
	want.ConfigurationString = "port=9000"
	if got := s.Config(); got != want {
		t.Errorf("Config() = %+v, want %+v", got, want)
	}
	if !s.IsRunning() {
		t.Error("server not running after SetConfig()")
	}

	if err := s.SetConfig(ctx, Config{ConfigurationString: "port=9000", HandshakeTimeout: -time.Second}); !stderrors.Is(err, errors.ErrConfiguration) {
		t.Errorf("SetConfig() error = %v, want ErrConfiguration", err)
	}
}

func TestSendToString(t *testing.T) {
	ctx := context.Background()
	s, mt, _ := startTestServer(t, Config{TextEncoding: "utf-16le"})
	mt.connect("a")

	if err := s.SendToString(ctx, "a", "hi"); err != nil {
		t.Fatalf("SendToString() error = %v", err)
	}
	if sent := mt.sentTo("a"); !bytes.Equal(sent[0], []byte{'h', 0, 'i', 0}) {
		t.Errorf("sent %v, want UTF-16LE", sent[0])
	}

	text, err := s.DecodeText([]byte{'o', 0, 'k', 0})
	if err != nil || text != "ok" {
		t.Errorf("DecodeText() = %q, %v, want %q", text, err, "ok")
	}
}

func TestStatusAndRunTime(t *testing.T) {
	s, mt, _ := newTestServer(t, Config{MaxClientConnections: 3})
	if s.RunTime() != 0 {
		t.Errorf("RunTime() before start = %v, want 0", s.RunTime())
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	mt.connect("a")
	time.Sleep(20 * time.Millisecond)

	status := s.Status()
	for _, want := range []string{s.ServerID(), "Current client count: 1", "Maximum client connections: 3", "Receive timeout: Infinite"} {
		if !strings.Contains(status, want) {
			t.Errorf("Status() missing %q:\n%s", want, status)
		}
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	rt := s.RunTime()
	if rt <= 0 {
		t.Fatalf("RunTime() after stop = %v, want positive", rt)
	}
	time.Sleep(10 * time.Millisecond)
	if s.RunTime() != rt {
		t.Error("RunTime() kept growing after stop")
	}
}
