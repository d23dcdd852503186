// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/commserver/pkg/errors"
	"github.com/absmach/commserver/pkg/payload"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SendTo sends data to one client and waits for the result.
func (s *Server) SendTo(ctx context.Context, clientID string, data []byte) error {
	return s.SendToRange(ctx, clientID, data, 0, len(data))
}

// SendToRange sends data[offset:offset+length] to one client and waits for
// the result.
func (s *Server) SendToRange(ctx context.Context, clientID string, data []byte, offset, length int) error {
	h, err := s.SendToRangeAsync(ctx, clientID, data, offset, length)
	if err != nil {
		return err
	}
	return h.Wait(ctx)
}

// SendToString encodes text with the configured text encoding and sends it.
func (s *Server) SendToString(ctx context.Context, clientID, text string) error {
	data, err := s.EncodeText(text)
	if err != nil {
		return err
	}
	return s.SendTo(ctx, clientID, data)
}

// SendToAsync queues data for one client.
func (s *Server) SendToAsync(ctx context.Context, clientID string, data []byte) (*SendHandle, error) {
	return s.SendToRangeAsync(ctx, clientID, data, 0, len(data))
}

// SendToRangeAsync queues data[offset:offset+length] for one client. The
// range is copied, so data may be reused once the call returns. Sends to
// one client reach the transport in the order they were queued.
func (s *Server) SendToRangeAsync(ctx context.Context, clientID string, data []byte, offset, length int) (*SendHandle, error) {
	if !s.IsRunning() {
		return nil, errors.ErrNotRunning
	}
	if err := checkRange(data, offset, length); err != nil {
		return nil, err
	}

	s.cmu.Lock()
	c := s.clients[clientID]
	s.cmu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("%w: %s", errors.ErrClientNotFound, clientID)
	}

	buf := make([]byte, length)
	copy(buf, data[offset:offset+length])

	h := newSendHandle(clientID)
	if !c.queue.push(sendJob{ctx: ctx, data: buf, handle: h}) {
		return nil, fmt.Errorf("%w: %s", errors.ErrClientNotFound, clientID)
	}
	return h, nil
}

// Multicast sends data to every registered client and waits for all sends.
// Per-client failures are reported through OnSendFailed only.
func (s *Server) Multicast(ctx context.Context, data []byte) error {
	return s.MulticastRange(ctx, data, 0, len(data))
}

// MulticastRange sends data[offset:offset+length] to every registered
// client and waits for all sends.
func (s *Server) MulticastRange(ctx context.Context, data []byte, offset, length int) error {
	handles, err := s.MulticastRangeAsync(ctx, data, offset, length)
	if err != nil {
		return err
	}
	for _, h := range handles {
		if err := h.Wait(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// MulticastString encodes text with the configured text encoding and
// sends it to every registered client.
func (s *Server) MulticastString(ctx context.Context, text string) error {
	data, err := s.EncodeText(text)
	if err != nil {
		return err
	}
	return s.Multicast(ctx, data)
}

// MulticastAsync queues data for every registered client.
func (s *Server) MulticastAsync(ctx context.Context, data []byte) ([]*SendHandle, error) {
	return s.MulticastRangeAsync(ctx, data, 0, len(data))
}

// MulticastRangeAsync queues data[offset:offset+length] for every client
// registered at the time of the call and returns one handle per client.
func (s *Server) MulticastRangeAsync(ctx context.Context, data []byte, offset, length int) ([]*SendHandle, error) {
	if !s.IsRunning() {
		return nil, errors.ErrNotRunning
	}
	if err := checkRange(data, offset, length); err != nil {
		return nil, err
	}

	ids := s.registry.IDs()
	ctx, span := s.tracer.Start(ctx, "commserver.multicast", trace.WithAttributes(
		attribute.Int("clients", len(ids)),
		attribute.Int("payload.size", length),
	))
	defer span.End()

	handles := make([]*SendHandle, 0, len(ids))
	for _, id := range ids {
		h, err := s.SendToRangeAsync(ctx, id, data, offset, length)
		if err != nil {
			// The client left after the snapshot was taken.
			h = newSendHandle(id)
			h.complete(err)
			s.notify("OnSendFailed", id, s.handler.OnSendFailed(ctx, id, err))
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func (s *Server) sendLoop(c *clientConn) {
	defer s.workers.Done()

	for {
		j, ok := c.queue.next()
		if !ok {
			return
		}
		s.deliver(c, j)
	}
}

func (s *Server) deliver(c *clientConn, j sendJob) {
	ctx, span := s.tracer.Start(j.ctx, "commserver.send", trace.WithAttributes(
		attribute.String("client.id", c.id),
		attribute.Int("payload.size", len(j.data)),
	))

	s.notify("OnSendStarted", c.id, s.handler.OnSendStarted(ctx, c.id))

	n, err := s.write(ctx, c, j.data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		s.logger.Debug("send failed",
			slog.String("client", c.id),
			slog.String("error", err.Error()))
		s.notify("OnSendFailed", c.id, s.handler.OnSendFailed(ctx, c.id, err))
	} else {
		span.SetAttributes(attribute.Int("wire.size", n))
		s.notify("OnSendCompleted", c.id, s.handler.OnSendCompleted(ctx, c.id, n))
	}
	// The span ends before waiters on the handle are released.
	span.End()
	j.handle.complete(err)
}

// write transforms data and hands it to the transport. It returns the
// number of bytes handed over.
func (s *Server) write(ctx context.Context, c *clientConn, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cfg := s.Config()
	out, err := payload.PrepareOutbound(data, 0, len(data), cfg.Compression, cfg.Encryption, s.passphrase(cfg, c))
	if err != nil {
		return 0, err
	}

	send := func() error {
		select {
		case <-c.closed:
			return errors.ErrConnectionClosed
		default:
		}
		select {
		case err := <-s.transport.Send(ctx, c.id, out):
			return err
		case <-c.closed:
			return errors.ErrConnectionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.breaker != nil {
		err = c.breaker.Call(send)
	} else {
		err = send()
	}
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

func checkRange(data []byte, offset, length int) error {
	if offset < 0 || length < 0 || offset > len(data) || length > len(data)-offset {
		return fmt.Errorf("%w: range [%d:%d] outside buffer of %d bytes", errors.ErrInvalidInput, offset, offset+length, len(data))
	}
	return nil
}
