// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"strings"
)

// Status returns a human readable summary of the server state.
func (s *Server) Status() string {
	cfg := s.Config()

	maxClients := "Infinite"
	if cfg.MaxClientConnections != Unlimited {
		maxClients = fmt.Sprint(cfg.MaxClientConnections)
	}
	receiveTimeout := "Infinite"
	if cfg.ReceiveTimeout > 0 {
		receiveTimeout = cfg.ReceiveTimeout.String()
	}

	var b strings.Builder
	line := func(label string, value any) {
		fmt.Fprintf(&b, "%27s: %v\n", label, value)
	}
	line("Server ID", s.id)
	line("Server enabled", s.Enabled())
	line("Configuration string", cfg.ConfigurationString)
	line("Current client count", s.ClientCount())
	line("Maximum client connections", maxClients)
	line("Handshake enabled", cfg.Handshake)
	line("Handshake timeout", cfg.HandshakeTimeout)
	line("Secure session", cfg.SecureSession)
	line("Receive timeout", receiveTimeout)
	line("Receive buffer size", cfg.ReceiveBufferSize)
	line("Text encoding", cfg.TextEncoding)
	line("Data encryption", cfg.Encryption)
	line("Data compression", cfg.Compression)
	line("Persist settings", cfg.PersistSettings)
	line("Settings category", cfg.SettingsCategory)
	line("Server runtime", fmt.Sprintf("%.2f seconds", s.RunTime()))
	return b.String()
}
