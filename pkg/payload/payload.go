// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"fmt"

	"github.com/absmach/commserver/pkg/errors"
)

// PrepareOutbound compresses then encrypts data[offset:offset+length].
// When both compression and encryption are disabled the input is returned
// as is if the range covers the whole buffer, otherwise the range is copied.
func PrepareOutbound(data []byte, offset, length int, compression CompressionStrength, encryption CipherStrength, passphrase string) ([]byte, error) {
	if err := checkRange(data, offset, length); err != nil {
		return nil, err
	}
	if compression == NoCompression && encryption == None {
		return window(data, offset, length), nil
	}

	out := data[offset : offset+length]
	var err error
	if compression != NoCompression {
		if out, err = compress(out, compression); err != nil {
			return nil, fmt.Errorf("%w: compress: %w", errors.ErrTransform, err)
		}
	}
	if encryption != None {
		if out, err = encrypt(out, encryption, passphrase); err != nil {
			return nil, fmt.Errorf("%w: encrypt: %w", errors.ErrTransform, err)
		}
	}
	return out, nil
}

// RestoreInbound reverses PrepareOutbound: it decrypts then decompresses.
func RestoreInbound(data []byte, offset, length int, compression CompressionStrength, encryption CipherStrength, passphrase string) ([]byte, error) {
	if err := checkRange(data, offset, length); err != nil {
		return nil, err
	}
	if compression == NoCompression && encryption == None {
		return window(data, offset, length), nil
	}

	out := data[offset : offset+length]
	var err error
	if encryption != None {
		if out, err = decrypt(out, encryption, passphrase); err != nil {
			return nil, fmt.Errorf("%w: decrypt: %w", errors.ErrTransform, err)
		}
	}
	if compression != NoCompression {
		if out, err = decompress(out); err != nil {
			return nil, fmt.Errorf("%w: decompress: %w", errors.ErrTransform, err)
		}
	}
	return out, nil
}

func checkRange(data []byte, offset, length int) error {
	if offset < 0 || length < 0 || offset > len(data) || length > len(data)-offset {
		return fmt.Errorf("%w: range [%d:%d] outside buffer of %d bytes", errors.ErrInvalidInput, offset, offset+length, len(data))
	}
	return nil
}

func window(data []byte, offset, length int) []byte {
	if offset == 0 && length == len(data) {
		return data
	}
	out := make([]byte, length)
	copy(out, data[offset:offset+length])
	return out
}
