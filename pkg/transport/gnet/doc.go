// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gnet implements the length prefixed frame transport on the gnet
// event loop, for servers with many mostly idle connections.
//
// Frames are decoded in OnTraffic from the connection inbound buffer.
// Sink calls are handed to a per-connection dispatcher goroutine so the
// event loop never blocks on the server. Sends use AsyncWrite and report
// their result from the write callback.
//
// # Configuration
//
//	port=9000; interface=0.0.0.0; multicore=true; maxFrame=1048576
//
//   - port: listen port (required)
//   - interface: listen interface (default all)
//   - multicore: one event loop per CPU (default false)
//   - maxFrame: largest accepted frame in bytes (default 1 MiB)
//   - maxConnections: transport connection cap, 0 is unlimited
//   - keepAlive: TCP keepalive period (default off)
//   - noDelay: disable Nagle's algorithm (default true)
//   - rateLimit, rateBurst: connections per second and burst per remote host
package gnet
