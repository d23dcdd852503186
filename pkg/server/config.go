// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"time"

	"github.com/absmach/commserver/pkg/errors"
	"github.com/absmach/commserver/pkg/payload"
	"golang.org/x/text/encoding/htmlindex"
)

const (
	// Unlimited disables the client connection limit.
	Unlimited = -1

	// NoTimeout disables the receive timeout.
	NoTimeout time.Duration = -1

	// DefaultHandshakeTimeout bounds the wait for a client hello.
	DefaultHandshakeTimeout = 3 * time.Second

	// DefaultHandshakePassphrase is used when no passphrase is configured.
	DefaultHandshakePassphrase = "6572a33d-826f-4d96-8c28-8be66bbc700e"

	// DefaultReceiveBufferSize is the per-connection read buffer size.
	DefaultReceiveBufferSize = 8192

	// DefaultSettingsCategory names the persisted settings category.
	DefaultSettingsCategory = "CommunicationServer"

	// DefaultTextEncoding is applied to string sends.
	DefaultTextEncoding = "utf-8"
)

// Config holds the server configuration.
type Config struct {
	// ConfigurationString is passed to the transport, e.g. "port=8888".
	ConfigurationString string

	// MaxClientConnections caps registered clients. Unlimited when below one.
	MaxClientConnections int

	// Handshake requires every client to authenticate with a hello frame.
	Handshake bool

	// HandshakeTimeout bounds the wait for the client hello.
	HandshakeTimeout time.Duration

	// HandshakePassphrase is the static passphrase clients must present.
	// It also keys payload encryption outside secure sessions.
	HandshakePassphrase string

	// SecureSession negotiates a per-client session key during the
	// handshake. Requires Handshake and an Encryption other than None.
	SecureSession bool

	// ReceiveTimeout disconnects clients idle for longer. NoTimeout disables it.
	ReceiveTimeout time.Duration

	// ReceiveBufferSize is the per-connection read buffer size.
	ReceiveBufferSize int

	// Encryption applied to every payload.
	Encryption payload.CipherStrength

	// Compression applied to every payload.
	Compression payload.CompressionStrength

	// PersistSettings enables LoadSettings and SaveSettings.
	PersistSettings bool

	// SettingsCategory names the persisted settings category.
	SettingsCategory string

	// TextEncoding is the WHATWG name of the encoding used for string sends.
	TextEncoding string
}

// DefaultConfig returns the default server configuration.
// The zero Config is equivalent.
func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

// WithDefaults returns c with zero values replaced by their defaults and
// out-of-range values normalized.
func (c Config) WithDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReceiveBufferSize == 0 {
		c.ReceiveBufferSize = DefaultReceiveBufferSize
	}
	if c.SettingsCategory == "" {
		c.SettingsCategory = DefaultSettingsCategory
	}
	if c.TextEncoding == "" {
		c.TextEncoding = DefaultTextEncoding
	}
	c.normalize()
	return c
}

// normalize maps out-of-range values to their disabled or default form.
func (c *Config) normalize() {
	if c.MaxClientConnections < 1 {
		c.MaxClientConnections = Unlimited
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = NoTimeout
	}
	if c.HandshakePassphrase == "" {
		c.HandshakePassphrase = DefaultHandshakePassphrase
	}
}

// Validate checks the configuration after normalization.
func (c Config) Validate() error {
	c.normalize()

	if c.HandshakeTimeout <= 0 {
		return errors.Configuration("handshake timeout must be positive, got %s", c.HandshakeTimeout)
	}
	if c.ReceiveBufferSize < 1 {
		return errors.Configuration("receive buffer size must be positive, got %d", c.ReceiveBufferSize)
	}
	if c.SettingsCategory == "" {
		return errors.Configuration("settings category is required")
	}
	if !c.Encryption.Valid() {
		return errors.Configuration("unknown encryption %s", c.Encryption)
	}
	if !c.Compression.Valid() {
		return errors.Configuration("unknown compression %s", c.Compression)
	}
	if c.SecureSession && !c.Handshake {
		return errors.Configuration("secure session requires handshake")
	}
	if c.SecureSession && c.Encryption == payload.None {
		return errors.Configuration("secure session requires encryption")
	}
	if _, err := htmlindex.Get(c.TextEncoding); err != nil {
		return errors.Configuration("unknown text encoding %q", c.TextEncoding)
	}
	return nil
}
