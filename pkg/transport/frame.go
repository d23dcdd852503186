// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/absmach/commserver/pkg/errors"
)

const (
	// HeaderSize is the length prefix size of stream frames.
	HeaderSize = 4

	// DefaultMaxFrameSize bounds a single stream frame.
	DefaultMaxFrameSize = 1 << 20
)

// AppendFrame appends the length prefixed frame for data to dst.
func AppendFrame(dst, data []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(data)))
	return append(dst, data...)
}

// WriteFrame writes data as one length prefixed frame.
func WriteFrame(w io.Writer, data []byte) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, HeaderSize+len(data)), data))
	return err
}

// ReadFrame reads one length prefixed frame. buf is reused when large enough.
func ReadFrame(r io.Reader, buf []byte, maxSize int) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint32(header[:]))
	if size > maxSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", errors.ErrInvalidInput, size, maxSize)
	}
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// DecodeFrame extracts the first frame from buf. It returns the frame and
// the number of bytes consumed, or zero consumed when buf holds a partial
// frame.
func DecodeFrame(buf []byte, maxSize int) (frame []byte, consumed int, err error) {
	if len(buf) < HeaderSize {
		return nil, 0, nil
	}
	size := int(binary.BigEndian.Uint32(buf[:HeaderSize]))
	if size > maxSize {
		return nil, 0, fmt.Errorf("%w: frame of %d bytes exceeds %d", errors.ErrInvalidInput, size, maxSize)
	}
	if len(buf) < HeaderSize+size {
		return nil, 0, nil
	}
	return buf[HeaderSize : HeaderSize+size], HeaderSize + size, nil
}
