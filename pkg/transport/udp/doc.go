// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements a datagram transport with virtual sessions.
//
// # Overview
//
// UDP is connectionless, so the transport keeps a session per remote
// address. The first datagram from an address creates the session and is
// reported as a connection; every datagram is one frame. Sessions idle for
// longer than the session timeout are reported as disconnected.
//
// # Architecture
//
//	┌──────────┐   ┌───────────┐   ┌──────────────┐   ┌──────┐
//	│ Socket   │ → │ Read loop │ → │ Worker pool  │ → │ Sink │
//	└──────────┘   └───────────┘   │ (per address │   └──────┘
//	                               │  shard)      │
//	                               └──────────────┘
//
// Each address is pinned to one worker, so events of one client are
// reported in order while different clients are served in parallel. When
// a worker queue is full, datagrams are dropped.
//
// # Configuration
//
//	port=8888; interface=0.0.0.0; sessionTimeout=30s; maxSessions=0; workers=16
//
//   - port: listen port (required, 0 picks a free port)
//   - interface: listen interface (default all)
//   - sessionTimeout: idle time before a session ends (default 30s)
//   - maxSessions: session limit, 0 is unlimited
//   - workers: worker pool size (default 16)
//   - rateLimit, rateBurst: new sessions per second and burst per remote
//     host (default unlimited)
//
// Socket buffer sizes are set through Config.
package udp
