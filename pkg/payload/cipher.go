// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/absmach/commserver/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

var keySalt = []byte("commserver/payload/v1")

// layers returns the number of AES-GCM layers and the key size for a strength.
func layers(strength CipherStrength) (n, keySize int) {
	switch strength {
	case Level1:
		return 1, 16
	case Level2:
		return 1, 24
	case Level3:
		return 1, 32
	case Level4:
		return 2, 32
	case Level5:
		return 3, 32
	default:
		return 0, 0
	}
}

// deriveKey expands passphrase into an independent key per layer.
func deriveKey(passphrase string, strength CipherStrength, layer, size int) ([]byte, error) {
	info := []byte(fmt.Sprintf("%s/layer%d", strength, layer))
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), keySalt, info), key); err != nil {
		return nil, err
	}
	return key, nil
}

func newGCM(passphrase string, strength CipherStrength, layer, size int) (cipher.AEAD, error) {
	key, err := deriveKey(passphrase, strength, layer, size)
	if err != nil {
		return nil, fmt.Errorf("key derivation fail: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init fail: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm init fail: %w", err)
	}
	return aead, nil
}

func encrypt(data []byte, strength CipherStrength, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty passphrase", errors.ErrInvalidInput)
	}
	n, size := layers(strength)
	if n == 0 {
		return nil, fmt.Errorf("%w: unknown encryption %s", errors.ErrInvalidInput, strength)
	}

	out := data
	for layer := 0; layer < n; layer++ {
		aead, err := newGCM(passphrase, strength, layer, size)
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, fmt.Errorf("nonce gen fail: %w", err)
		}
		out = aead.Seal(nonce, nonce, out, nil)
	}
	return out, nil
}

func decrypt(data []byte, strength CipherStrength, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty passphrase", errors.ErrInvalidInput)
	}
	n, size := layers(strength)
	if n == 0 {
		return nil, fmt.Errorf("%w: unknown encryption %s", errors.ErrInvalidInput, strength)
	}

	out := data
	for layer := n - 1; layer >= 0; layer-- {
		aead, err := newGCM(passphrase, strength, layer, size)
		if err != nil {
			return nil, err
		}
		nonceSize := aead.NonceSize()
		if len(out) < nonceSize+aead.Overhead() {
			return nil, fmt.Errorf("ciphertext too short")
		}
		nonce, ciphertext := out[:nonceSize], out[nonceSize:]
		if out, err = aead.Open(nil, nonce, ciphertext, nil); err != nil {
			return nil, fmt.Errorf("decrypt fail: %w", err)
		}
	}
	return out, nil
}
