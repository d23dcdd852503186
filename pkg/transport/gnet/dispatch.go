// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gnet

import "sync"

// dispatcher runs the sink calls of one connection in order, off the event
// loop. Its queue is unbounded so the event loop never blocks.
type dispatcher struct {
	mu     sync.Mutex
	events []func()
	closed bool
	wake   chan struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{wake: make(chan struct{}, 1)}
}

func (d *dispatcher) push(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.events = append(d.events, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// close queues fn as the last event.
func (d *dispatcher) close(fn func()) {
	d.push(fn)
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// run processes events until the dispatcher is closed and drained.
func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		events := d.events
		d.events = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range events {
			fn()
		}
		if closed && len(events) == 0 {
			return
		}
		if len(events) == 0 {
			<-d.wake
		}
	}
}
