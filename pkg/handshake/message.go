// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Magic prefixes every handshake message.
var Magic = [4]byte{'C', 'S', 'H', 'K'}

// ProtocolVersion is the handshake protocol version spoken by this package.
const ProtocolVersion uint8 = 1

// HelloStatus is the result carried by a ServerHello.
type HelloStatus uint8

const (
	StatusOK         HelloStatus = 0x00
	StatusMismatch   HelloStatus = 0x01
	StatusMalformed  HelloStatus = 0x02
	StatusServerBusy HelloStatus = 0x03
)

// String returns the string representation of the hello status.
func (hs HelloStatus) String() string {
	switch hs {
	case StatusOK:
		return "OK"
	case StatusMismatch:
		return "Mismatch"
	case StatusMalformed:
		return "Malformed"
	case StatusServerBusy:
		return "ServerBusy"
	default:
		return "Unknown"
	}
}

var (
	errBadMagic  = errors.New("bad handshake magic")
	errTruncated = errors.New("truncated handshake message")
)

// ClientHello is the first frame a client sends when handshaking is enabled.
type ClientHello struct {
	Version    uint8
	ClientName string
	Passphrase string
}

// ServerHello is the server's response to a ClientHello.
type ServerHello struct {
	Status     HelloStatus
	ServerID   string
	SessionKey string
}

// EncodeClientHello encodes a ClientHello to bytes.
func EncodeClientHello(ch *ClientHello) []byte {
	var buf bytes.Buffer
	buf.Write(Magic[:])
	buf.WriteByte(ch.Version)
	writeString(&buf, ch.ClientName)
	writeString(&buf, ch.Passphrase)
	return buf.Bytes()
}

// DecodeClientHello decodes a ClientHello from bytes.
func DecodeClientHello(data []byte) (*ClientHello, error) {
	r := bytes.NewReader(data)
	if err := readMagic(r); err != nil {
		return nil, err
	}

	ch := &ClientHello{}
	var err error
	if ch.Version, err = r.ReadByte(); err != nil {
		return nil, errTruncated
	}
	if ch.ClientName, err = readString(r); err != nil {
		return nil, err
	}
	if ch.Passphrase, err = readString(r); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after client hello", r.Len())
	}
	return ch, nil
}

// EncodeServerHello encodes a ServerHello to bytes.
func EncodeServerHello(sh *ServerHello) []byte {
	var buf bytes.Buffer
	buf.Write(Magic[:])
	buf.WriteByte(byte(sh.Status))
	writeString(&buf, sh.ServerID)
	writeString(&buf, sh.SessionKey)
	return buf.Bytes()
}

// DecodeServerHello decodes a ServerHello from bytes.
func DecodeServerHello(data []byte) (*ServerHello, error) {
	r := bytes.NewReader(data)
	if err := readMagic(r); err != nil {
		return nil, err
	}

	sh := &ServerHello{}
	status, err := r.ReadByte()
	if err != nil {
		return nil, errTruncated
	}
	sh.Status = HelloStatus(status)
	if sh.ServerID, err = readString(r); err != nil {
		return nil, err
	}
	if sh.SessionKey, err = readString(r); err != nil {
		return nil, err
	}
	return sh, nil
}

func writeString(buf *bytes.Buffer, s string) {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n [2]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return "", errTruncated
	}
	s := make([]byte, binary.BigEndian.Uint16(n[:]))
	if _, err := io.ReadFull(r, s); err != nil {
		return "", errTruncated
	}
	return string(s), nil
}

func readMagic(r *bytes.Reader) error {
	var m [4]byte
	if _, err := io.ReadFull(r, m[:]); err != nil {
		return errTruncated
	}
	if m != Magic {
		return errBadMagic
	}
	return nil
}
