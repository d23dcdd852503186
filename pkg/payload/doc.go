// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package payload implements the reversible transform applied to every
// frame exchanged with a client: DEFLATE compression followed by layered
// AES-GCM encryption keyed from a passphrase.
package payload
