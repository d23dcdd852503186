// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/commserver/pkg/breaker"
	"github.com/absmach/commserver/pkg/registry"
)

// SendHandle tracks the completion of one asynchronous send.
type SendHandle struct {
	clientID string
	done     chan struct{}
	err      error
}

func newSendHandle(clientID string) *SendHandle {
	return &SendHandle{
		clientID: clientID,
		done:     make(chan struct{}),
	}
}

func (h *SendHandle) complete(err error) {
	h.err = err
	close(h.done)
}

// ClientID returns the client the send is addressed to.
func (h *SendHandle) ClientID() string {
	return h.clientID
}

// Done is closed when the send completed or failed.
func (h *SendHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the send result once Done is closed, nil before.
func (h *SendHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the send completes or ctx is done.
func (h *SendHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type sendJob struct {
	ctx    context.Context
	data   []byte
	handle *SendHandle
}

// sendQueue is an unbounded FIFO of sends for one client.
type sendQueue struct {
	mu     sync.Mutex
	jobs   []sendJob
	closed bool
	wake   chan struct{}
}

func newSendQueue() *sendQueue {
	return &sendQueue{wake: make(chan struct{}, 1)}
}

func (q *sendQueue) push(j sendJob) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// next blocks until a job is queued or the queue is closed.
func (q *sendQueue) next() (sendJob, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return sendJob{}, false
		}
		if len(q.jobs) > 0 {
			j := q.jobs[0]
			q.jobs[0] = sendJob{}
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			return j, true
		}
		q.mu.Unlock()
		<-q.wake
	}
}

// close stops the queue and returns the jobs that were never picked up.
func (q *sendQueue) close() []sendJob {
	q.mu.Lock()
	q.closed = true
	rest := q.jobs
	q.jobs = nil
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return rest
}

// clientConn is the runtime state of an admitted client.
type clientConn struct {
	id      string
	session *registry.ClientSession
	queue   *sendQueue
	breaker *breaker.CircuitBreaker
	closed  chan struct{}

	// timedOut guards the single receive timeout notification.
	timedOut atomic.Bool

	mu      sync.Mutex
	idle    *time.Timer
	stopped bool
}

func newClientConn(sess *registry.ClientSession) *clientConn {
	return &clientConn{
		id:      sess.ID,
		session: sess,
		queue:   newSendQueue(),
		closed:  make(chan struct{}),
	}
}

// watchIdle calls onIdle once the client has not received anything for timeout.
func (c *clientConn) watchIdle(timeout time.Duration, onIdle func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.idle = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		if idle := time.Since(c.session.LastActivity()); idle < timeout {
			c.idle.Reset(timeout - idle)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		onIdle()
	})
}

func (c *clientConn) close() []sendJob {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	if c.idle != nil {
		c.idle.Stop()
	}
	c.mu.Unlock()

	close(c.closed)
	return c.queue.close()
}
