// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/commserver/pkg/ratelimit"
	"github.com/google/uuid"
)

// Session represents a virtual UDP "connection" for a specific client.
// Since UDP is connectionless, we maintain session state per client address.
type Session struct {
	// ID is the client id reported to the sink.
	ID string

	// RemoteAddr is the client's UDP address
	RemoteAddr *net.UDPAddr

	// shard is the worker that reports events of this session.
	shard int

	lastActivity atomic.Int64
	closed       atomic.Bool

	// announced is only touched by the session worker.
	announced bool
}

// UpdateActivity updates the last activity timestamp for this session.
func (s *Session) UpdateActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the last activity timestamp.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Closed reports whether the session was removed.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// SessionManager tracks sessions by client address and by id.
type SessionManager struct {
	mu          sync.RWMutex
	byAddr      map[string]*Session
	byID        map[string]*Session
	logger      *slog.Logger
	maxSessions int
	shards      int
}

// NewSessionManager creates a session manager spreading sessions over
// shards workers.
func NewSessionManager(logger *slog.Logger, maxSessions, shards int) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if shards < 1 {
		shards = 1
	}
	return &SessionManager{
		byAddr:      make(map[string]*Session),
		byID:        make(map[string]*Session),
		logger:      logger,
		maxSessions: maxSessions,
		shards:      shards,
	}
}

// GetOrCreate returns the session of addr, creating it when missing. allow
// is consulted before a session is created.
func (sm *SessionManager) GetOrCreate(addr *net.UDPAddr, allow func(remote string) bool) (*Session, bool, error) {
	key := addr.String()

	sm.mu.RLock()
	if sess, ok := sm.byAddr[key]; ok {
		sm.mu.RUnlock()
		sess.UpdateActivity()
		return sess, false, nil
	}
	sm.mu.RUnlock()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sess, ok := sm.byAddr[key]; ok {
		sess.UpdateActivity()
		return sess, false, nil
	}
	if sm.maxSessions > 0 && len(sm.byAddr) >= sm.maxSessions {
		return nil, false, fmt.Errorf("session limit reached (%d), rejecting new session", sm.maxSessions)
	}
	if allow != nil && !allow(key) {
		return nil, false, fmt.Errorf("%s: %w", key, ratelimit.ErrRateLimitExceeded)
	}

	sess := &Session{
		ID:         uuid.New().String(),
		RemoteAddr: addr,
		shard:      shardOf(key, sm.shards),
	}
	sess.UpdateActivity()
	sm.byAddr[key] = sess
	sm.byID[sess.ID] = sess

	sm.logger.Debug("new UDP session created",
		slog.String("session", sess.ID),
		slog.String("client", key))
	return sess, true, nil
}

// Get returns the session with the given id.
func (sm *SessionManager) Get(id string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.byID[id]
	return sess, ok
}

// Remove closes and removes a session. It returns false when the session
// was already removed.
func (sm *SessionManager) Remove(sess *Session) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sess.closed.CompareAndSwap(false, true) {
		return false
	}
	delete(sm.byID, sess.ID)
	if cur := sm.byAddr[sess.RemoteAddr.String()]; cur == sess {
		delete(sm.byAddr, sess.RemoteAddr.String())
	}
	return true
}

// Expired returns the sessions idle for longer than timeout.
func (sm *SessionManager) Expired(timeout time.Duration) []*Session {
	now := time.Now()

	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var expired []*Session
	for _, sess := range sm.byID {
		if now.Sub(sess.LastActivity()) > timeout {
			expired = append(expired, sess)
		}
	}
	return expired
}

// All returns every session.
func (sm *SessionManager) All() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	all := make([]*Session, 0, len(sm.byID))
	for _, sess := range sm.byID {
		all = append(all, sess)
	}
	return all
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.byID)
}

// shardOf maps an address to a worker so that events of one address are
// always handled by the same worker.
func shardOf(key string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}
