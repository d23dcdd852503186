// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the notification interface that links the
// server core to application code.
//
// # Event Flow
//
//	Transport → Server (admission, handshake, transform) → Handler
//
// # Ordering
//
// For a single client the server guarantees:
//
//   - OnClientConnected fires after the client is registered, so the
//     handler may send to it right away.
//   - OnClientDisconnected fires exactly once, before the client is
//     removed from the registry.
//   - OnHandshakeTimedOut fires at most once and the client is never
//     registered.
//   - OnSendStarted is followed by exactly one of OnSendCompleted or
//     OnSendFailed.
//
// # Composition
//
// Multi fans notifications out to several handlers, for example a logging
// handler and a metrics handler:
//
//	h := handler.Multi{simple.New(logger), metrics.New(reg)}
//
// Embed NoopHandler to implement only some notifications.
package handler
