// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for commserver.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrConfiguration indicates an invalid configuration value or combination.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotRunning indicates an operation that requires a running server.
	ErrNotRunning = errors.New("server is not running")

	// ErrAlreadyRunning indicates Start was called on a running server.
	ErrAlreadyRunning = errors.New("server is already running")

	// ErrHandshakeTimeout indicates the client did not complete the handshake in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrHandshakeMismatch indicates the client handshake did not match the expected passphrase.
	ErrHandshakeMismatch = errors.New("handshake mismatch")

	// ErrHandshakeState indicates a handshake operation invalid for the current state.
	ErrHandshakeState = errors.New("invalid handshake state")

	// ErrTransform indicates a payload could not be compressed, encrypted or restored.
	ErrTransform = errors.New("payload transform failed")

	// ErrClientNotFound indicates the client is not registered.
	ErrClientNotFound = errors.New("client not found")

	// ErrClientExists indicates the client is already registered.
	ErrClientExists = errors.New("client already registered")

	// ErrRegistryFull indicates the maximum number of clients is reached.
	ErrRegistryFull = errors.New("maximum client connections reached")

	// ErrInvalidInput indicates invalid input data.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")
)

// CommError wraps an error with additional context.
type CommError struct {
	Op        string // Operation that failed
	Transport string // Transport (tcp, udp, websocket, gnet)
	ClientID  string // Client identifier
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *CommError) Error() string {
	if e.ClientID != "" {
		return fmt.Sprintf("%s %s [%s]: %v", e.Transport, e.Op, e.ClientID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Transport, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *CommError) Unwrap() error {
	return e.Err
}

// New creates a new CommError.
func New(op, transport, clientID string, err error) error {
	if err == nil {
		return nil
	}
	return &CommError{
		Op:        op,
		Transport: transport,
		ClientID:  clientID,
		Err:       err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Configuration returns an error wrapping ErrConfiguration.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
