// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handshake implements the optional client authentication that runs
// before a client is admitted.
//
// # Flow
//
//  1. The server creates a Negotiator per pending client and calls Begin,
//     which arms the handshake timeout.
//  2. The first frame received from the client is passed to Evaluate. The
//     frame is restored with the static passphrase and decoded as a
//     ClientHello.
//  3. Evaluate returns a prepared ServerHello. On success the negotiator is
//     Authenticated and, with secure sessions, carries a fresh session key
//     that both peers use for every later frame.
//
// Failures are terminal. There are no retries; the server disconnects the
// client.
package handshake
