// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package commserver holds the environment configuration of the commserver
// binaries.
package commserver

import (
	"time"

	"github.com/absmach/commserver/pkg/breaker"
	"github.com/absmach/commserver/pkg/errors"
	"github.com/absmach/commserver/pkg/payload"
	"github.com/absmach/commserver/pkg/server"
	"github.com/caarlos0/env/v11"
)

// Supported transports.
const (
	TransportTCP       = "tcp"
	TransportUDP       = "udp"
	TransportWebSocket = "websocket"
	TransportGnet      = "gnet"
)

// Supported settings stores.
const (
	StoreFile   = "file"
	StoreMemory = "memory"
	StoreS3     = "s3"
)

// Config is the environment configuration of a commserver deployment.
type Config struct {
	// Server
	Transport            string        `env:"TRANSPORT"              envDefault:"tcp"`
	ConfigurationString  string        `env:"CONFIG_STRING"          envDefault:"port=8888"`
	MaxClientConnections int           `env:"MAX_CLIENTS"            envDefault:"-1"`
	Handshake            bool          `env:"HANDSHAKE"              envDefault:"false"`
	HandshakeTimeout     time.Duration `env:"HANDSHAKE_TIMEOUT"      envDefault:"3s"`
	HandshakePassphrase  string        `env:"HANDSHAKE_PASSPHRASE"`
	SecureSession        bool          `env:"SECURE_SESSION"         envDefault:"false"`
	ReceiveTimeout       time.Duration `env:"RECEIVE_TIMEOUT"        envDefault:"0s"`
	ReceiveBufferSize    int           `env:"RECEIVE_BUFFER_SIZE"    envDefault:"8192"`
	TextEncoding         string        `env:"TEXT_ENCODING"          envDefault:"utf-8"`
	Encryption           string        `env:"ENCRYPTION"             envDefault:"None"`
	Compression          string        `env:"COMPRESSION"            envDefault:"NoCompression"`

	// Settings persistence
	PersistSettings  bool   `env:"PERSIST_SETTINGS"  envDefault:"false"`
	SettingsCategory string `env:"SETTINGS_CATEGORY" envDefault:"CommunicationServer"`
	SettingsStore    string `env:"SETTINGS_STORE"    envDefault:"file"`
	SettingsFile     string `env:"SETTINGS_FILE"     envDefault:"settings.json"`
	S3Bucket         string `env:"S3_BUCKET"`
	S3Prefix         string `env:"S3_PREFIX"         envDefault:"commserver/"`
	S3Region         string `env:"S3_REGION"         envDefault:"us-east-1"`
	S3Endpoint       string `env:"S3_ENDPOINT"`
	S3AccessKey      string `env:"S3_ACCESS_KEY"`
	S3SecretKey      string `env:"S3_SECRET_KEY"`

	// Send circuit breaker, disabled when BreakerMaxFailures is zero.
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"0"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	// Observability
	AdminAddress    string        `env:"ADMIN_ADDRESS"    envDefault:":9090"`
	LogLevel        string        `env:"LOG_LEVEL"        envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT"       envDefault:"json"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// NewConfig parses the environment, using opts for the variable prefix.
func NewConfig(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the deployment level settings. Server settings are
// validated by ServerConfig.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportTCP, TransportUDP, TransportWebSocket, TransportGnet:
	default:
		return errors.Configuration("unknown transport %q", c.Transport)
	}
	switch c.SettingsStore {
	case StoreFile, StoreMemory:
	case StoreS3:
		if c.S3Bucket == "" {
			return errors.Configuration("s3 settings store requires a bucket")
		}
	default:
		return errors.Configuration("unknown settings store %q", c.SettingsStore)
	}
	if c.BreakerMaxFailures < 0 {
		return errors.Configuration("breaker max failures must not be negative, got %d", c.BreakerMaxFailures)
	}
	return nil
}

// ServerConfig converts the environment settings to a validated server
// configuration.
func (c Config) ServerConfig() (server.Config, error) {
	encryption, err := payload.ParseCipherStrength(c.Encryption)
	if err != nil {
		return server.Config{}, err
	}
	compression, err := payload.ParseCompressionStrength(c.Compression)
	if err != nil {
		return server.Config{}, err
	}

	cfg := server.Config{
		ConfigurationString:  c.ConfigurationString,
		MaxClientConnections: c.MaxClientConnections,
		Handshake:            c.Handshake,
		HandshakeTimeout:     c.HandshakeTimeout,
		HandshakePassphrase:  c.HandshakePassphrase,
		SecureSession:        c.SecureSession,
		ReceiveTimeout:       c.ReceiveTimeout,
		ReceiveBufferSize:    c.ReceiveBufferSize,
		Encryption:           encryption,
		Compression:          compression,
		PersistSettings:      c.PersistSettings,
		SettingsCategory:     c.SettingsCategory,
		TextEncoding:         c.TextEncoding,
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return server.Config{}, err
	}
	return cfg, nil
}

// Breaker returns the send circuit breaker settings and whether the
// breaker is enabled.
func (c Config) Breaker() (breaker.Config, bool) {
	if c.BreakerMaxFailures == 0 {
		return breaker.Config{}, false
	}
	return breaker.Config{
		MaxFailures:  c.BreakerMaxFailures,
		ResetTimeout: c.BreakerResetTimeout,
	}, true
}
