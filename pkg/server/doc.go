// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server implements the transport independent core of a
// multi-client communication server.
//
// # Overview
//
// A Server owns the client registry and delegates raw I/O to a
// transport.Transport. Around every frame it applies the payload transform
// (compression then encryption) and, when enabled, authenticates clients
// with a handshake before admitting them.
//
//	┌─────────┐          ┌───────────┐         ┌────────┐
//	│ Clients │ ←frames→ │ Transport │ ←sink→  │ Server │ → handler.Handler
//	└─────────┘          └───────────┘         └────────┘
//
// # Admission
//
//  1. The transport reports a connection.
//  2. If MaxClientConnections is reached the client is rejected.
//  3. With Handshake enabled the first frame must be a client hello. A
//     missing, malformed or mismatching hello disconnects the client.
//  4. The client is registered, then OnClientConnected fires.
//
// # Sending
//
// Every client has a FIFO send queue drained by one goroutine, so the
// asynchronous sends of one caller reach the transport in order. Multicast
// takes a snapshot of the registered clients and reports failures per
// client through OnSendFailed.
//
// # Reconfiguration
//
// Every setter validates the change first. When the server is running it
// is stopped and started again, emitting both notifications.
//
// # Example
//
//	t := tcp.New(tcp.Config{})
//	s := server.New(server.Config{
//		ConfigurationString: "port=8888",
//		Handshake:           true,
//		Encryption:          payload.Level3,
//	}, t, simple.New(logger), server.WithLogger(logger))
//
//	if err := s.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer s.Stop(context.Background())
package server
