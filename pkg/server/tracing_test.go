// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"testing"

	"github.com/absmach/commserver/pkg/handshake"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newSpanRecorder(t *testing.T) (*tracetest.SpanRecorder, Option) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return sr, WithTracer(tp.Tracer(TracerName))
}

func endedSpans(sr *tracetest.SpanRecorder, name string) []sdktrace.ReadOnlySpan {
	var spans []sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == name {
			spans = append(spans, s)
		}
	}
	return spans
}

func TestSendSpans(t *testing.T) {
	ctx := context.Background()
	sr, opt := newSpanRecorder(t)
	s, mt, _ := startTestServer(t, Config{}, opt)
	mt.connect("a")
	mt.connect("b")
	mt.fail("b", errBoom)

	if err := s.SendTo(ctx, "a", []byte("ok")); err != nil {
		t.Fatalf("SendTo(a) error = %v", err)
	}
	if err := s.SendTo(ctx, "b", []byte("x")); err == nil {
		t.Fatal("SendTo(b) succeeded, want error")
	}

	spans := endedSpans(sr, "commserver.send")
	if len(spans) != 2 {
		t.Fatalf("send spans = %d, want 2", len(spans))
	}
	for _, span := range spans {
		var client string
		for _, kv := range span.Attributes() {
			if kv.Key == "client.id" {
				client = kv.Value.AsString()
			}
		}
		switch client {
		case "a":
			if got := span.Status().Code; got != codes.Unset {
				t.Errorf("successful send status = %v, want Unset", got)
			}
		case "b":
			if got := span.Status().Code; got != codes.Error {
				t.Errorf("failed send status = %v, want Error", got)
			}
			if len(span.Events()) == 0 {
				t.Error("failed send span recorded no error event")
			}
		default:
			t.Errorf("send span for unexpected client %q", client)
		}
	}
}

func TestHandshakeSpanOnFailure(t *testing.T) {
	sr, opt := newSpanRecorder(t)
	s, mt, rec := startTestServer(t, Config{Handshake: true, HandshakePassphrase: "secret"}, opt)
	cfg := s.Config()
	policy := handshake.Policy{
		Passphrase:  cfg.HandshakePassphrase,
		Encryption:  cfg.Encryption,
		Compression: cfg.Compression,
	}

	mt.connect("a")
	hello, err := handshake.NewClientHello("guess", "tester", policy)
	if err != nil {
		t.Fatalf("NewClientHello() error = %v", err)
	}
	mt.receive("a", hello)
	if rec.count("handshake_failed:a") != 1 {
		t.Fatal("handshake failure not reported")
	}

	spans := endedSpans(sr, "commserver.handshake")
	if len(spans) != 1 {
		t.Fatalf("handshake spans = %d, want 1", len(spans))
	}
	if got := spans[0].Status().Code; got != codes.Error {
		t.Errorf("handshake status = %v, want Error", got)
	}
}
