// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"fmt"
	"strings"

	"github.com/absmach/commserver/pkg/errors"
)

// CipherStrength selects the encryption applied to payloads.
type CipherStrength int

const (
	// None disables encryption.
	None CipherStrength = iota
	// Level1 is AES-128-GCM.
	Level1
	// Level2 is AES-192-GCM.
	Level2
	// Level3 is AES-256-GCM.
	Level3
	// Level4 is two AES-256-GCM layers with independent keys.
	Level4
	// Level5 is three AES-256-GCM layers with independent keys.
	Level5
)

var cipherNames = map[CipherStrength]string{
	None:   "None",
	Level1: "Level1",
	Level2: "Level2",
	Level3: "Level3",
	Level4: "Level4",
	Level5: "Level5",
}

// String returns the configuration name of the cipher strength.
func (c CipherStrength) String() string {
	if name, ok := cipherNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CipherStrength(%d)", int(c))
}

// Valid reports whether c is a known cipher strength.
func (c CipherStrength) Valid() bool {
	_, ok := cipherNames[c]
	return ok
}

// ParseCipherStrength parses a cipher strength name, ignoring case.
func ParseCipherStrength(name string) (CipherStrength, error) {
	for c, n := range cipherNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return c, nil
		}
	}
	return None, errors.Configuration("unknown encryption %q", name)
}

// CompressionStrength selects the compression applied to payloads.
type CompressionStrength int

const (
	// NoCompression disables compression.
	NoCompression CompressionStrength = iota
	// BestSpeed favours speed over ratio.
	BestSpeed
	// DefaultCompression balances speed and ratio.
	DefaultCompression
	// BestCompression favours ratio over speed.
	BestCompression
	// MultiPass applies BestCompression repeatedly while the output keeps shrinking.
	MultiPass
)

var compressionNames = map[CompressionStrength]string{
	NoCompression:      "NoCompression",
	BestSpeed:          "BestSpeed",
	DefaultCompression: "DefaultCompression",
	BestCompression:    "BestCompression",
	MultiPass:          "MultiPass",
}

// String returns the configuration name of the compression strength.
func (c CompressionStrength) String() string {
	if name, ok := compressionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CompressionStrength(%d)", int(c))
}

// Valid reports whether c is a known compression strength.
func (c CompressionStrength) Valid() bool {
	_, ok := compressionNames[c]
	return ok
}

// ParseCompressionStrength parses a compression strength name, ignoring case.
func ParseCompressionStrength(name string) (CompressionStrength, error) {
	for c, n := range compressionNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return c, nil
		}
	}
	return NoCompression, errors.Configuration("unknown compression %q", name)
}
