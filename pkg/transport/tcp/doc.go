// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements a length prefixed frame transport over TCP.
//
// # Overview
//
// Every accepted connection is one client, identified by a random UUID.
// Frames are a 4 byte big endian length followed by the payload.
//
// # Connection Flow
//
//  1. Client connects to the listener
//  2. The connection is checked against the per-host rate limit
//  3. TLS handshake, when enabled
//  4. Sink.ClientConnected
//  5. One goroutine reads frames and calls Sink.DataReceived
//  6. When the read fails or the connection is closed, Sink.ClientDisconnected
//
// # Configuration
//
//	port=8888; interface=0.0.0.0; maxFrame=1048576; keepAlive=30s; noDelay=true
//
//   - port: listen port (required, 0 picks a free port)
//   - interface: listen interface (default all)
//   - maxFrame: largest accepted frame in bytes (default 1 MiB)
//   - keepAlive: TCP keepalive period, negative disables (default 30s)
//   - noDelay: disable Nagle's algorithm (default true)
//   - rateLimit, rateBurst: connection attempts per second and burst per
//     remote host (default unlimited)
//   - certFile, keyFile: PEM files enabling TLS
//
// # Graceful Shutdown
//
// Stop closes the listener and every connection, then waits for the
// connection goroutines. It returns ErrShutdownTimeout when they do not
// finish within Config.ShutdownTimeout.
//
// # Example
//
//	t := tcp.New(tcp.Config{})
//	srv := server.New(server.Config{ConfigurationString: "port=8888"}, t, h)
//	if err := srv.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
