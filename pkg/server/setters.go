// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/commserver/pkg/payload"
)

// reconfigure applies a configuration change atomically. The change is
// validated first; an invalid change leaves the configuration untouched.
// A running server is stopped and started again so that the new
// configuration applies to every connection.
func (s *Server) reconfigure(ctx context.Context, apply func(cfg *Config) error) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.RLock()
	prev := s.cfg
	running := s.running
	s.mu.RUnlock()

	next := prev
	if err := apply(&next); err != nil {
		return err
	}
	next.normalize()
	if err := next.Validate(); err != nil {
		return err
	}
	if next.ConfigurationString != prev.ConfigurationString {
		if err := s.transport.ValidateConfig(next.ConfigurationString); err != nil {
			return configError(err)
		}
	}

	s.mu.Lock()
	s.cfg = next
	s.mu.Unlock()
	s.registry.SetLimit(next.MaxClientConnections)

	if !running {
		return nil
	}

	s.logger.Info("configuration changed, restarting server", slog.String("server", s.id))
	if err := s.stop(ctx); err != nil {
		s.logger.Warn("failed to stop server for restart", slog.String("error", err.Error()))
	}
	return s.start(ctx)
}

// update reconfigures with a change that cannot fail on its own.
func (s *Server) update(ctx context.Context, apply func(cfg *Config)) error {
	return s.reconfigure(ctx, func(cfg *Config) error {
		apply(cfg)
		return nil
	})
}

// SetConfig replaces the whole configuration. Zero fields take their
// defaults.
func (s *Server) SetConfig(ctx context.Context, cfg Config) error {
	return s.update(ctx, func(c *Config) { *c = cfg.WithDefaults() })
}

// SetConfigurationString sets the transport configuration string. It is
// validated by the transport.
func (s *Server) SetConfigurationString(ctx context.Context, configString string) error {
	return s.update(ctx, func(c *Config) { c.ConfigurationString = configString })
}

// SetMaxClientConnections sets the client limit. Values below one remove it.
func (s *Server) SetMaxClientConnections(ctx context.Context, n int) error {
	return s.update(ctx, func(c *Config) { c.MaxClientConnections = n })
}

// SetHandshake enables or disables the client handshake. It cannot be
// disabled while secure sessions are enabled.
func (s *Server) SetHandshake(ctx context.Context, enabled bool) error {
	return s.update(ctx, func(c *Config) { c.Handshake = enabled })
}

// SetHandshakeTimeout sets the handshake timeout, which must be positive.
func (s *Server) SetHandshakeTimeout(ctx context.Context, timeout time.Duration) error {
	return s.update(ctx, func(c *Config) { c.HandshakeTimeout = timeout })
}

// SetHandshakePassphrase sets the static passphrase. An empty passphrase
// restores the default.
func (s *Server) SetHandshakePassphrase(ctx context.Context, passphrase string) error {
	return s.update(ctx, func(c *Config) { c.HandshakePassphrase = passphrase })
}

// SetSecureSession enables or disables per-client session keys. Enabling
// requires the handshake and an encryption other than None.
func (s *Server) SetSecureSession(ctx context.Context, enabled bool) error {
	return s.update(ctx, func(c *Config) { c.SecureSession = enabled })
}

// SetReceiveTimeout sets the receive idle timeout. Values of zero or less
// disable it.
func (s *Server) SetReceiveTimeout(ctx context.Context, timeout time.Duration) error {
	return s.update(ctx, func(c *Config) { c.ReceiveTimeout = timeout })
}

// SetReceiveBufferSize sets the per-connection read buffer size, which
// must be positive.
func (s *Server) SetReceiveBufferSize(ctx context.Context, size int) error {
	return s.update(ctx, func(c *Config) { c.ReceiveBufferSize = size })
}

// SetEncryption sets the payload encryption. None is rejected while
// secure sessions are enabled.
func (s *Server) SetEncryption(ctx context.Context, strength payload.CipherStrength) error {
	return s.update(ctx, func(c *Config) { c.Encryption = strength })
}

// SetCompression sets the payload compression.
func (s *Server) SetCompression(ctx context.Context, strength payload.CompressionStrength) error {
	return s.update(ctx, func(c *Config) { c.Compression = strength })
}

// SetTextEncoding sets the encoding used by string sends.
func (s *Server) SetTextEncoding(ctx context.Context, name string) error {
	return s.update(ctx, func(c *Config) { c.TextEncoding = name })
}

// SetPersistSettings enables or disables settings persistence.
func (s *Server) SetPersistSettings(ctx context.Context, persist bool) error {
	return s.update(ctx, func(c *Config) { c.PersistSettings = persist })
}

// SetSettingsCategory sets the persisted settings category, which must not
// be empty.
func (s *Server) SetSettingsCategory(ctx context.Context, category string) error {
	return s.update(ctx, func(c *Config) { c.SettingsCategory = category })
}
