// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
)

const (
	// maxPasses bounds MultiPass compression.
	maxPasses = 3

	// MaxInflatedSize caps the size of a decompressed payload.
	MaxInflatedSize = 64 << 20
)

func flateLevel(strength CompressionStrength) int {
	switch strength {
	case BestSpeed:
		return flate.BestSpeed
	case BestCompression, MultiPass:
		return flate.BestCompression
	default:
		return flate.DefaultCompression
	}
}

// compress deflates data. The first byte of the output is the number of
// deflate passes applied so decompression does not depend on the strength.
func compress(data []byte, strength CompressionStrength) ([]byte, error) {
	level := flateLevel(strength)

	out, err := deflate(data, level)
	if err != nil {
		return nil, err
	}
	passes := 1

	if strength == MultiPass {
		for passes < maxPasses {
			next, err := deflate(out, level)
			if err != nil {
				return nil, err
			}
			if len(next) >= len(out) {
				break
			}
			out = next
			passes++
		}
	}

	framed := make([]byte, 1+len(out))
	framed[0] = byte(passes)
	copy(framed[1:], out)
	return framed, nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("compressed payload is empty")
	}
	passes := int(data[0])
	if passes < 1 || passes > maxPasses {
		return nil, fmt.Errorf("invalid compression pass count %d", passes)
	}

	out := data[1:]
	for i := 0; i < passes; i++ {
		var err error
		if out, err = inflate(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func deflate(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, MaxInflatedSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxInflatedSize {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", MaxInflatedSize)
	}
	return out, nil
}
