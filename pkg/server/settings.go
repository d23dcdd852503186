// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/absmach/commserver/pkg/errors"
	"github.com/absmach/commserver/pkg/payload"
	"github.com/absmach/commserver/pkg/settings"
)

// Persisted setting keys.
const (
	KeyConfigurationString  = "ConfigurationString"
	KeyMaxClientConnections = "MaxClientConnections"
	KeyHandshake            = "Handshake"
	KeyHandshakeTimeout     = "HandshakeTimeout"
	KeyHandshakePassphrase  = "HandshakePassphrase"
	KeySecureSession        = "SecureSession"
	KeyReceiveTimeout       = "ReceiveTimeout"
	KeyReceiveBufferSize    = "ReceiveBufferSize"
	KeyEncryption           = "Encryption"
	KeyCompression          = "Compression"
	KeyTextEncoding         = "TextEncoding"
)

// SaveSettings writes the configuration to the settings store under the
// settings category. It does nothing unless PersistSettings is enabled.
func (s *Server) SaveSettings(ctx context.Context) error {
	cfg := s.Config()
	if !cfg.PersistSettings || s.store == nil {
		return nil
	}

	if err := s.store.Save(ctx, cfg.SettingsCategory, settingsValues(cfg)); err != nil {
		return errors.Wrap(err, "failed to save settings")
	}
	return nil
}

// LoadSettings reads the configuration from the settings store. It does
// nothing unless PersistSettings is enabled. Loaded values are validated
// and applied together; a running server restarts.
func (s *Server) LoadSettings(ctx context.Context) error {
	cfg := s.Config()
	if !cfg.PersistSettings || s.store == nil {
		return nil
	}

	values, err := s.store.Load(ctx, cfg.SettingsCategory)
	if stderrors.Is(err, settings.ErrCategoryNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to load settings")
	}

	return s.reconfigure(ctx, func(c *Config) error {
		return applySettings(c, values)
	})
}

func settingsValues(cfg Config) map[string]string {
	receiveTimeout := int64(-1)
	if cfg.ReceiveTimeout > 0 {
		receiveTimeout = cfg.ReceiveTimeout.Milliseconds()
	}

	return map[string]string{
		KeyConfigurationString:  cfg.ConfigurationString,
		KeyMaxClientConnections: strconv.Itoa(cfg.MaxClientConnections),
		KeyHandshake:            strconv.FormatBool(cfg.Handshake),
		KeyHandshakeTimeout:     strconv.FormatInt(cfg.HandshakeTimeout.Milliseconds(), 10),
		KeyHandshakePassphrase:  cfg.HandshakePassphrase,
		KeySecureSession:        strconv.FormatBool(cfg.SecureSession),
		KeyReceiveTimeout:       strconv.FormatInt(receiveTimeout, 10),
		KeyReceiveBufferSize:    strconv.Itoa(cfg.ReceiveBufferSize),
		KeyEncryption:           cfg.Encryption.String(),
		KeyCompression:          cfg.Compression.String(),
		KeyTextEncoding:         cfg.TextEncoding,
	}
}

// applySettings overrides cfg with the values present in values. Timeouts
// are stored in milliseconds.
func applySettings(cfg *Config, values map[string]string) error {
	var err error
	for key, v := range values {
		switch key {
		case KeyConfigurationString:
			cfg.ConfigurationString = v
		case KeyMaxClientConnections:
			cfg.MaxClientConnections, err = strconv.Atoi(v)
		case KeyHandshake:
			cfg.Handshake, err = strconv.ParseBool(v)
		case KeyHandshakeTimeout:
			cfg.HandshakeTimeout, err = parseMillis(v)
		case KeyHandshakePassphrase:
			cfg.HandshakePassphrase = v
		case KeySecureSession:
			cfg.SecureSession, err = strconv.ParseBool(v)
		case KeyReceiveTimeout:
			cfg.ReceiveTimeout, err = parseMillis(v)
		case KeyReceiveBufferSize:
			cfg.ReceiveBufferSize, err = strconv.Atoi(v)
		case KeyEncryption:
			cfg.Encryption, err = payload.ParseCipherStrength(v)
		case KeyCompression:
			cfg.Compression, err = payload.ParseCompressionStrength(v)
		case KeyTextEncoding:
			cfg.TextEncoding = v
		}
		if err != nil {
			return errors.Configuration("invalid setting %s=%q: %v", key, v, err)
		}
	}
	return nil
}

func parseMillis(v string) (time.Duration, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
