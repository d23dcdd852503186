// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks the clients admitted by the server.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/absmach/commserver/pkg/errors"
	"github.com/absmach/commserver/pkg/handshake"
)

// Unlimited disables the client limit.
const Unlimited = -1

// ClientSession is the per-client state of an admitted client.
type ClientSession struct {
	// ID is the transport assigned client identifier.
	ID string

	// State is the handshake state the client was admitted in.
	State handshake.State

	// Passphrase is the per-session key negotiated during a secure
	// handshake. Empty otherwise.
	Passphrase string

	// ConnectedAt is the admission time.
	ConnectedAt time.Time

	// RemoteAddr is the client's network address as reported by the transport.
	RemoteAddr string

	// ClientName is the name the client announced in its handshake.
	ClientName string

	// mu protects lastActivity
	mu           sync.Mutex
	lastActivity time.Time
}

// NewClientSession creates a session admitted now.
func NewClientSession(id, remoteAddr string, state handshake.State, passphrase string) *ClientSession {
	now := time.Now()
	return &ClientSession{
		ID:           id,
		State:        state,
		Passphrase:   passphrase,
		ConnectedAt:  now,
		RemoteAddr:   remoteAddr,
		lastActivity: now,
	}
}

// UpdateActivity updates the last receive activity timestamp.
func (s *ClientSession) UpdateActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last receive activity timestamp.
func (s *ClientSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Registry is a thread-safe map of client id to session. Lookups return
// snapshots so callers never iterate the live map.
type Registry struct {
	sessions map[string]*ClientSession
	mu       sync.RWMutex
	limit    int
}

// New creates a registry admitting at most limit clients. A limit below
// one means unlimited.
func New(limit int) *Registry {
	r := &Registry{sessions: make(map[string]*ClientSession)}
	r.SetLimit(limit)
	return r
}

// SetLimit changes the maximum number of clients. Already registered
// clients are kept when the new limit is lower.
func (r *Registry) SetLimit(limit int) {
	if limit < 1 {
		limit = Unlimited
	}
	r.mu.Lock()
	r.limit = limit
	r.mu.Unlock()
}

// Limit returns the maximum number of clients, or Unlimited.
func (r *Registry) Limit() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limit
}

// Full reports whether the limit is reached.
func (r *Registry) Full() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limit != Unlimited && len(r.sessions) >= r.limit
}

// Add registers a session.
func (r *Registry) Add(s *ClientSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("%w: %s", errors.ErrClientExists, s.ID)
	}
	if r.limit != Unlimited && len(r.sessions) >= r.limit {
		return fmt.Errorf("%w (%d)", errors.ErrRegistryFull, r.limit)
	}
	r.sessions[s.ID] = s
	return nil
}

// Remove unregisters a session and returns it.
func (r *Registry) Remove(id string) (*ClientSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*ClientSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// IDs returns a sorted snapshot of the registered client ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Sessions returns a snapshot of the registered sessions.
func (r *Registry) Sessions() []*ClientSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*ClientSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Clear removes every session and returns them.
func (r *Registry) Clear() []*ClientSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*ClientSession, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	return sessions
}
