// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
)

// DefaultReceiveBufferSize is the per-connection read buffer size used when
// the server does not provide one.
const DefaultReceiveBufferSize = 8192

// Sink receives connection events from a transport. Calls for a single
// client are made sequentially, in the order the events occurred.
type Sink interface {
	// ClientConnected reports a new client connection.
	ClientConnected(clientID, remoteAddr string)

	// DataReceived reports one inbound frame. The transport must not reuse
	// data after the call returns.
	DataReceived(clientID string, data []byte)

	// ClientDisconnected reports that the client connection is gone.
	ClientDisconnected(clientID string)
}

// StartOptions carries server settings that affect transports.
type StartOptions struct {
	// ReceiveBufferSize is the size of the per-connection read buffer.
	ReceiveBufferSize int

	// Logger for transport events.
	Logger *slog.Logger
}

// Transport moves frames between the server and its clients.
type Transport interface {
	// ValidateConfig checks a configuration string without side effects.
	ValidateConfig(configString string) error

	// Start begins accepting clients and returns once the transport is
	// listening. Events are reported to sink until Stop returns.
	Start(ctx context.Context, configString string, sink Sink, opts StartOptions) error

	// Stop closes every connection and the listener.
	Stop(ctx context.Context) error

	// Send writes one frame to the client. The returned channel receives
	// exactly one value, nil on success, and is never closed without it.
	Send(ctx context.Context, clientID string, data []byte) <-chan error

	// Disconnect closes the connection of one client.
	Disconnect(clientID string) error
}

// Result returns a channel already holding err, for Send implementations
// that complete synchronously.
func Result(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	return ch
}

// Log returns opts.Logger or the default logger.
func (opts StartOptions) Log() *slog.Logger {
	if opts.Logger == nil {
		return slog.Default()
	}
	return opts.Logger
}

// BufferSize returns opts.ReceiveBufferSize or DefaultReceiveBufferSize.
func (opts StartOptions) BufferSize() int {
	if opts.ReceiveBufferSize < 1 {
		return DefaultReceiveBufferSize
	}
	return opts.ReceiveBufferSize
}
