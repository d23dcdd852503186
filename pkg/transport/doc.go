// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the contract between the server core and the
// network transports, plus helpers shared by the implementations.
//
// # Configuration strings
//
// Transports are configured with "key=value; key=value" strings:
//
//	port=8888; interface=127.0.0.1; maxFrame=65536
//
// Keys are case insensitive. Every transport requires "port".
//
// # Framing
//
// Stream transports (tcp, gnet) carry frames as a 4 byte big endian length
// followed by the payload. Message transports (udp, websocket) map one
// datagram or message to one frame.
//
// # Rate limiting
//
// "rateLimit" and "rateBurst" throttle connection attempts per remote host
// with token buckets. Refused attempts are closed before the sink hears of
// them.
package transport
