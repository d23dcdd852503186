// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket implements a transport carrying frames as binary
// WebSocket messages.
//
// # Connection Flow
//
//	1. Client sends an HTTP upgrade request to the configured path
//	2. The request is checked against the per-host rate limit and origins
//	3. The connection is upgraded with gorilla/websocket
//	4. Sink.ClientConnected
//	5. Every binary message is reported with Sink.DataReceived; text
//	   messages are ignored
//	6. On close, Sink.ClientDisconnected
//
// # Configuration
//
//	port=8080; interface=0.0.0.0; path=/ws; maxFrame=1048576; origins=https://app.example
//
//   - port: listen port (required, 0 picks a free port)
//   - interface: listen interface (default all)
//   - path: upgrade path (default /)
//   - maxFrame: largest accepted message in bytes (default 1 MiB)
//   - origins: comma separated allowed origins (default any)
//   - rateLimit, rateBurst: upgrades per second and burst per remote host
//
// Transport also implements http.Handler, so it can be mounted on an
// existing router after Start.
package websocket
