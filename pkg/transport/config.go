// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/commserver/pkg/errors"
)

// Settings is a parsed configuration string. Keys are lower case.
type Settings map[string]string

// ParseConfigString parses "key=value; key=value" pairs. Keys are case
// insensitive, surrounding spaces and empty segments are ignored.
func ParseConfigString(s string) (Settings, error) {
	settings := make(Settings)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, errors.Configuration("malformed setting %q", part)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			return nil, errors.Configuration("empty key in %q", part)
		}
		settings[key] = strings.TrimSpace(value)
	}
	return settings, nil
}

// String formats settings back to a configuration string with sorted keys.
func (s Settings) String() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s=%s", k, s[k])
	}
	return b.String()
}

// Port returns the required "port" setting.
func (s Settings) Port() (int, error) {
	v, ok := s["port"]
	if !ok {
		return 0, errors.Configuration("port is required")
	}
	port, err := strconv.Atoi(v)
	if err != nil || port < 0 || port > 65535 {
		return 0, errors.Configuration("invalid port %q", v)
	}
	return port, nil
}

// Address joins the optional "interface" setting with the port.
func (s Settings) Address() (string, error) {
	port, err := s.Port()
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(s["interface"], strconv.Itoa(port)), nil
}

// Int returns an integer setting or def when absent.
func (s Settings) Int(key string, def int) (int, error) {
	v, ok := s[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Configuration("invalid %s %q", key, v)
	}
	return n, nil
}

// Bool returns a boolean setting or def when absent.
func (s Settings) Bool(key string, def bool) (bool, error) {
	v, ok := s[key]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Configuration("invalid %s %q", key, v)
	}
	return b, nil
}

// Duration returns a duration setting or def when absent. Plain integers
// are read as milliseconds.
func (s Settings) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := s[key]
	if !ok {
		return def, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Configuration("invalid %s %q", key, v)
	}
	return d, nil
}

// Float returns a floating point setting or def when absent.
func (s Settings) Float(key string, def float64) (float64, error) {
	v, ok := s[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.Configuration("invalid %s %q", key, v)
	}
	return f, nil
}
