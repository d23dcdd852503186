// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"github.com/absmach/commserver/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

func (s *Server) textEncoding() (encoding.Encoding, error) {
	name := s.Config().TextEncoding
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, errors.Configuration("unknown text encoding %q", name)
	}
	return enc, nil
}

// EncodeText converts text to bytes with the configured text encoding.
func (s *Server) EncodeText(text string) ([]byte, error) {
	enc, err := s.textEncoding()
	if err != nil {
		return nil, err
	}
	data, err := enc.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, err.Error())
	}
	return data, nil
}

// DecodeText converts received bytes to text with the configured text encoding.
func (s *Server) DecodeText(data []byte) (string, error) {
	enc, err := s.textEncoding()
	if err != nil {
		return "", err
	}
	text, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalidInput, err.Error())
	}
	return string(text), nil
}
