// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	cerrors "github.com/absmach/commserver/pkg/errors"
	"github.com/absmach/commserver/pkg/transport"
	"github.com/gorilla/websocket"
)

type event struct {
	kind     string
	clientID string
	data     []byte
}

type mockSink struct {
	events chan event
	echo   bool
	tr     *Transport
}

func newMockSink() *mockSink {
	return &mockSink{events: make(chan event, 64)}
}

func (m *mockSink) ClientConnected(clientID, remoteAddr string) {
	m.events <- event{kind: "connected", clientID: clientID}
}

func (m *mockSink) DataReceived(clientID string, data []byte) {
	m.events <- event{kind: "data", clientID: clientID, data: data}
	if m.echo {
		<-m.tr.Send(context.Background(), clientID, data)
	}
}

func (m *mockSink) ClientDisconnected(clientID string) {
	m.events <- event{kind: "disconnected", clientID: clientID}
}

func (m *mockSink) next(t *testing.T, kind string) event {
	t.Helper()
	select {
	case e := <-m.events:
		if e.kind != kind {
			t.Fatalf("event = %s, want %s", e.kind, kind)
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", kind)
		return event{}
	}
}

func startTransport(t *testing.T, configString string, sink *mockSink) *Transport {
	t.Helper()
	tr := New()
	sink.tr = tr
	opts := transport.StartOptions{Logger: slog.New(slog.NewTextHandler(os.Stdout, nil))}
	if err := tr.Start(context.Background(), configString, sink, opts); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = tr.Stop(context.Background()) })
	return tr
}

func dial(t *testing.T, tr *Transport, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+tr.Addr().String()+path, nil)
	if err == nil {
		t.Cleanup(func() { ws.Close() })
	}
	return ws, resp, err
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr bool
	}{
		{name: "port only", config: "port=8080"},
		{name: "all settings", config: "port=8080; interface=127.0.0.1; path=/ws; maxFrame=4096; origins=https://a.example, https://b.example; rateLimit=1"},
		{name: "missing port", config: "path=/ws", wantErr: true},
		{name: "relative path", config: "port=1; path=ws", wantErr: true},
		{name: "bad max frame", config: "port=1; maxFrame=-1", wantErr: true},
	}

	tr := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tr.ValidateConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, cerrors.ErrConfiguration) {
				t.Errorf("ValidateConfig() error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestEcho(t *testing.T) {
	sink := newMockSink()
	sink.echo = true
	tr := startTransport(t, "port=0; interface=127.0.0.1; path=/ws", sink)

	ws, _, err := dial(t, tr, "/ws")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	id := sink.next(t, "connected").clientID

	if err := ws.WriteMessage(websocket.TextMessage, []byte("ignored")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte("hello")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	e := sink.next(t, "data")
	if e.clientID != id || string(e.data) != "hello" {
		t.Errorf("received %q from %s, want %q from %s", e.data, e.clientID, "hello", id)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if messageType != websocket.BinaryMessage || string(data) != "hello" {
		t.Errorf("echo = %d %q, want binary %q", messageType, data, "hello")
	}
}

func TestWrongPath(t *testing.T) {
	sink := newMockSink()
	tr := startTransport(t, "port=0; interface=127.0.0.1; path=/ws", sink)

	_, resp, err := dial(t, tr, "/other")
	if err == nil {
		t.Fatal("Dial() on wrong path succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("response = %v, want 404", resp)
	}
}

func TestDisconnect(t *testing.T) {
	sink := newMockSink()
	tr := startTransport(t, "port=0; interface=127.0.0.1", sink)

	ws, _, err := dial(t, tr, "/")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	id := sink.next(t, "connected").clientID

	if err := tr.Disconnect(id); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	sink.next(t, "disconnected")

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("ReadMessage() error = %v, want normal closure", err)
	}
	if err := <-tr.Send(context.Background(), id, []byte("x")); !errors.Is(err, cerrors.ErrClientNotFound) {
		t.Errorf("Send() error = %v, want ErrClientNotFound", err)
	}
}

func TestStop(t *testing.T) {
	sink := newMockSink()
	tr := startTransport(t, "port=0; interface=127.0.0.1", sink)

	for i := 0; i < 2; i++ {
		if _, _, err := dial(t, tr, "/"); err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		sink.next(t, "connected")
	}
	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		sink.next(t, "disconnected")
	}
}

func TestRateLimit(t *testing.T) {
	sink := newMockSink()
	tr := startTransport(t, "port=0; interface=127.0.0.1; rateLimit=0.001; rateBurst=1", sink)

	if _, _, err := dial(t, tr, "/"); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	_, resp, err := dial(t, tr, "/")
	if err == nil {
		t.Fatal("second Dial() succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("response = %v, want 429", resp)
	}
}

func TestOrigins(t *testing.T) {
	sink := newMockSink()
	tr := startTransport(t, "port=0; interface=127.0.0.1; origins=https://ok.example", sink)
	url := "ws://" + tr.Addr().String() + "/"

	header := http.Header{"Origin": []string{"https://evil.example"}}
	if _, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Error("Dial() from a foreign origin succeeded")
	}

	header.Set("Origin", "https://ok.example")
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial() from an allowed origin error = %v", err)
	}
	ws.Close()
}
