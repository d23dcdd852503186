// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles connection attempts with token buckets kept
// per remote host.
package ratelimit

import (
	"errors"
	"net"
	"sync"
	"time"
)

var (
	// ErrRateLimitExceeded is returned when rate limit is exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket holding up to capacity tokens and
// refilling refillRate tokens per second.
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN takes n tokens if available.
func (tb *TokenBucket) AllowN(n int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(time.Now())

	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}
	return false
}

func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// Available returns the number of whole tokens available.
func (tb *TokenBucket) Available() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(time.Now())
	return int(tb.tokens)
}

// full reports whether the bucket refilled completely.
func (tb *TokenBucket) full(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return tb.tokens >= tb.capacity
}

// Config holds limiter settings.
type Config struct {
	// Rate is the number of attempts per second a remote host regains.
	Rate float64

	// Burst is the number of attempts a remote host may make at once.
	Burst int

	// MaxHosts bounds the number of tracked hosts. Attempts from new hosts
	// are refused while the limit is reached.
	MaxHosts int

	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
}

// Limiter keeps one token bucket per remote host.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	config  Config
	cleanup *time.Ticker
	done    chan struct{}
	once    sync.Once
}

// NewLimiter creates a limiter. Zero burst defaults to the rate rounded up.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Burst < 1 {
		cfg.Burst = int(cfg.Rate + 0.999)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.MaxHosts == 0 {
		cfg.MaxHosts = 10000
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}

	l := &Limiter{
		buckets: make(map[string]*TokenBucket),
		config:  cfg,
		cleanup: time.NewTicker(cfg.CleanupInterval),
		done:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow takes a token for the host of remoteAddr. Addresses without a port
// are used as is.
func (l *Limiter) Allow(remoteAddr string) bool {
	host := Host(remoteAddr)

	l.mu.Lock()
	tb, ok := l.buckets[host]
	if !ok {
		if len(l.buckets) >= l.config.MaxHosts {
			l.mu.Unlock()
			return false
		}
		tb = NewTokenBucket(l.config.Burst, l.config.Rate)
		l.buckets[host] = tb
	}
	l.mu.Unlock()

	return tb.Allow()
}

// Hosts returns the number of tracked hosts.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close stops the cleanup loop.
func (l *Limiter) Close() {
	l.once.Do(func() {
		l.cleanup.Stop()
		close(l.done)
	})
}

func (l *Limiter) sweep() {
	for {
		select {
		case <-l.done:
			return
		case now := <-l.cleanup.C:
			l.prune(now)
		}
	}
}

// prune drops buckets that refilled completely; they carry no state.
func (l *Limiter) prune(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for host, tb := range l.buckets {
		if tb.full(now) {
			delete(l.buckets, host)
		}
	}
}

// Host strips the port from a network address.
func Host(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
