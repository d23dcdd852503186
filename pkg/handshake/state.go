// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handshake

// State is the handshake state of a single client.
type State uint8

const (
	// Idle is the state before the handshake begins.
	Idle State = iota
	// AwaitingClientHandshake waits for the client hello frame.
	AwaitingClientHandshake
	// Authenticated is reached when the client presented the right passphrase.
	Authenticated
	// HandshakeFailed is reached on a malformed or mismatching client hello.
	HandshakeFailed
	// HandshakeTimedOut is reached when no client hello arrived in time.
	HandshakeTimedOut
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case AwaitingClientHandshake:
		return "AwaitingClientHandshake"
	case Authenticated:
		return "Authenticated"
	case HandshakeFailed:
		return "HandshakeFailed"
	case HandshakeTimedOut:
		return "HandshakeTimedOut"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Authenticated || s == HandshakeFailed || s == HandshakeTimedOut
}
