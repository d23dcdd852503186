// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
)

// Handler receives notifications about server and client lifecycle events.
//
// Notifications are delivered after the event took effect. Errors returned
// by a Handler are logged by the server and never change the outcome of the
// event. Methods may be called concurrently for different clients, so
// implementations must be safe for concurrent use.
type Handler interface {
	// OnServerStarted is called after the transport started listening.
	OnServerStarted(ctx context.Context) error

	// OnServerStopped is called after every client was disconnected and
	// the transport stopped.
	OnServerStopped(ctx context.Context) error

	// OnHandshakeTimedOut is called when a client did not send its hello
	// before the handshake timeout. The client is disconnected.
	OnHandshakeTimedOut(ctx context.Context, clientID string) error

	// OnHandshakeFailed is called when a client hello was malformed or
	// presented the wrong passphrase. The client is disconnected.
	OnHandshakeFailed(ctx context.Context, clientID string, err error) error

	// OnClientConnected is called once the client is registered.
	OnClientConnected(ctx context.Context, clientID string) error

	// OnClientDisconnected is called before the client is unregistered.
	OnClientDisconnected(ctx context.Context, clientID string) error

	// OnClientRejected is called when a connection is refused, for example
	// because the maximum number of clients is reached.
	OnClientRejected(ctx context.Context, clientID, reason string) error

	// OnSendStarted is called when a queued send is picked up.
	OnSendStarted(ctx context.Context, clientID string) error

	// OnSendCompleted is called after the transport wrote n bytes.
	OnSendCompleted(ctx context.Context, clientID string, n int) error

	// OnSendFailed is called when a send could not be completed.
	OnSendFailed(ctx context.Context, clientID string, err error) error

	// OnReceiveTimedOut is called when a client was idle longer than the
	// receive timeout. The client is disconnected.
	OnReceiveTimedOut(ctx context.Context, clientID string) error

	// OnReceiveCompleted is called with every restored inbound frame.
	// data is only valid for the duration of the call.
	OnReceiveCompleted(ctx context.Context, clientID string, data []byte, n int) error
}

// NoopHandler is a Handler implementation that ignores every notification.
// It can be embedded to implement only the methods of interest.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnServerStarted(ctx context.Context) error {
	return nil
}

func (h *NoopHandler) OnServerStopped(ctx context.Context) error {
	return nil
}

func (h *NoopHandler) OnHandshakeTimedOut(ctx context.Context, clientID string) error {
	return nil
}

func (h *NoopHandler) OnHandshakeFailed(ctx context.Context, clientID string, err error) error {
	return nil
}

func (h *NoopHandler) OnClientConnected(ctx context.Context, clientID string) error {
	return nil
}

func (h *NoopHandler) OnClientDisconnected(ctx context.Context, clientID string) error {
	return nil
}

func (h *NoopHandler) OnClientRejected(ctx context.Context, clientID, reason string) error {
	return nil
}

func (h *NoopHandler) OnSendStarted(ctx context.Context, clientID string) error {
	return nil
}

func (h *NoopHandler) OnSendCompleted(ctx context.Context, clientID string, n int) error {
	return nil
}

func (h *NoopHandler) OnSendFailed(ctx context.Context, clientID string, err error) error {
	return nil
}

func (h *NoopHandler) OnReceiveTimedOut(ctx context.Context, clientID string) error {
	return nil
}

func (h *NoopHandler) OnReceiveCompleted(ctx context.Context, clientID string, data []byte, n int) error {
	return nil
}

// Multi fans every notification out to a list of handlers in order.
type Multi []Handler

var _ Handler = Multi(nil)

func (m Multi) each(fn func(h Handler) error) error {
	var errs []error
	for _, h := range m {
		if h == nil {
			continue
		}
		if err := fn(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) OnServerStarted(ctx context.Context) error {
	return m.each(func(h Handler) error { return h.OnServerStarted(ctx) })
}

func (m Multi) OnServerStopped(ctx context.Context) error {
	return m.each(func(h Handler) error { return h.OnServerStopped(ctx) })
}

func (m Multi) OnHandshakeTimedOut(ctx context.Context, clientID string) error {
	return m.each(func(h Handler) error { return h.OnHandshakeTimedOut(ctx, clientID) })
}

func (m Multi) OnHandshakeFailed(ctx context.Context, clientID string, err error) error {
	return m.each(func(h Handler) error { return h.OnHandshakeFailed(ctx, clientID, err) })
}

func (m Multi) OnClientConnected(ctx context.Context, clientID string) error {
	return m.each(func(h Handler) error { return h.OnClientConnected(ctx, clientID) })
}

func (m Multi) OnClientDisconnected(ctx context.Context, clientID string) error {
	return m.each(func(h Handler) error { return h.OnClientDisconnected(ctx, clientID) })
}

func (m Multi) OnClientRejected(ctx context.Context, clientID, reason string) error {
	return m.each(func(h Handler) error { return h.OnClientRejected(ctx, clientID, reason) })
}

func (m Multi) OnSendStarted(ctx context.Context, clientID string) error {
	return m.each(func(h Handler) error { return h.OnSendStarted(ctx, clientID) })
}

func (m Multi) OnSendCompleted(ctx context.Context, clientID string, n int) error {
	return m.each(func(h Handler) error { return h.OnSendCompleted(ctx, clientID, n) })
}

func (m Multi) OnSendFailed(ctx context.Context, clientID string, err error) error {
	return m.each(func(h Handler) error { return h.OnSendFailed(ctx, clientID, err) })
}

func (m Multi) OnReceiveTimedOut(ctx context.Context, clientID string) error {
	return m.each(func(h Handler) error { return h.OnReceiveTimedOut(ctx, clientID) })
}

func (m Multi) OnReceiveCompleted(ctx context.Context, clientID string, data []byte, n int) error {
	return m.each(func(h Handler) error { return h.OnReceiveCompleted(ctx, clientID, data, n) })
}
