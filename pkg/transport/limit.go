// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/absmach/commserver/pkg/errors"
	"github.com/absmach/commserver/pkg/ratelimit"
)

// Connection rate limit settings shared by the stream transports.
const (
	KeyRateLimit = "ratelimit"
	KeyRateBurst = "rateburst"
)

// RateLimit reads the per-remote connection rate limit. It returns a zero
// config when "rateLimit" is absent or zero.
func (s Settings) RateLimit() (ratelimit.Config, error) {
	rate, err := s.Float(KeyRateLimit, 0)
	if err != nil {
		return ratelimit.Config{}, err
	}
	if rate < 0 {
		return ratelimit.Config{}, errors.Configuration("invalid %s %v", KeyRateLimit, rate)
	}
	burst, err := s.Int(KeyRateBurst, 0)
	if err != nil {
		return ratelimit.Config{}, err
	}
	if burst < 0 {
		return ratelimit.Config{}, errors.Configuration("invalid %s %d", KeyRateBurst, burst)
	}
	return ratelimit.Config{Rate: rate, Burst: burst}, nil
}

// NewLimiter returns a connection limiter for cfg, or nil when rate
// limiting is disabled.
func NewLimiter(cfg ratelimit.Config) *ratelimit.Limiter {
	if cfg.Rate <= 0 {
		return nil
	}
	return ratelimit.NewLimiter(cfg)
}
