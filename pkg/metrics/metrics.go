// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for commserver.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/commserver/pkg/breaker"
	"github.com/absmach/commserver/pkg/handler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records server events as Prometheus metrics. It implements
// handler.Handler and is usually combined with other handlers through
// handler.Multi.
type Metrics struct {
	// Server metrics
	ServerRunning prometheus.Gauge
	ServerStarts  prometheus.Counter

	// Connection metrics
	ActiveClients      prometheus.Gauge
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram
	HandshakeFailures  *prometheus.CounterVec
	ReceiveTimeouts    prometheus.Counter

	// Traffic metrics
	SendsTotal    *prometheus.CounterVec
	SentBytes     prometheus.Counter
	ReceivedTotal prometheus.Counter
	ReceivedBytes prometheus.Counter
	MessageSize   *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips prometheus.Counter

	mu        sync.Mutex
	connected map[string]time.Time
}

var _ handler.Handler = (*Metrics)(nil)

// New creates the metrics and registers them with reg. A nil reg uses the
// default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "commserver"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	sizeBuckets := []float64{16, 64, 256, 1024, 4096, 16384, 65536, 262144, 1048576}

	return &Metrics{
		ServerRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_running",
			Help:      "Whether the server is running (1) or stopped (0)",
		}),
		ServerStarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_starts_total",
			Help:      "Total number of server starts",
		}),
		ActiveClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_clients",
			Help:      "Number of currently registered clients",
		}),
		ConnectionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of client connections by outcome",
			},
			[]string{"status"},
		),
		ConnectionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Client connection duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 3600},
		}),
		HandshakeFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshake_failures_total",
				Help:      "Total number of failed handshakes by reason",
			},
			[]string{"reason"},
		),
		ReceiveTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_timeouts_total",
			Help:      "Total number of clients dropped for inactivity",
		}),
		SendsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sends_total",
				Help:      "Total number of sends by status",
			},
			[]string{"status"},
		),
		SentBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Total number of bytes written to clients",
		}),
		ReceivedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_messages_total",
			Help:      "Total number of messages received from clients",
		}),
		ReceivedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Total number of bytes received from clients",
		}),
		MessageSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "message_size_bytes",
				Help:      "Message size in bytes",
				Buckets:   sizeBuckets,
			},
			[]string{"direction"},
		),
		CircuitBreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Send circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"client"},
		),
		CircuitBreakerTrips: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of send circuit breaker trips",
		}),
		connected: make(map[string]time.Time),
	}
}

// ObserveBreakers tracks the state of every breaker in g.
func (m *Metrics) ObserveBreakers(g *breaker.Group) {
	g.OnStateChange(m.BreakerStateChanged)
}

// BreakerStateChanged records a breaker transition of clientID.
func (m *Metrics) BreakerStateChanged(clientID string, from, to breaker.State) {
	m.CircuitBreakerState.WithLabelValues(clientID).Set(float64(to))
	if to == breaker.StateOpen {
		m.CircuitBreakerTrips.Inc()
	}
}

func (m *Metrics) OnServerStarted(ctx context.Context) error {
	m.ServerRunning.Set(1)
	m.ServerStarts.Inc()
	return nil
}

func (m *Metrics) OnServerStopped(ctx context.Context) error {
	m.ServerRunning.Set(0)
	return nil
}

func (m *Metrics) OnHandshakeTimedOut(ctx context.Context, clientID string) error {
	m.HandshakeFailures.WithLabelValues("timeout").Inc()
	return nil
}

func (m *Metrics) OnHandshakeFailed(ctx context.Context, clientID string, err error) error {
	m.HandshakeFailures.WithLabelValues("failed").Inc()
	return nil
}

func (m *Metrics) OnClientConnected(ctx context.Context, clientID string) error {
	m.mu.Lock()
	m.connected[clientID] = time.Now()
	m.mu.Unlock()

	m.ActiveClients.Inc()
	m.ConnectionsTotal.WithLabelValues("accepted").Inc()
	return nil
}

func (m *Metrics) OnClientDisconnected(ctx context.Context, clientID string) error {
	m.mu.Lock()
	since, ok := m.connected[clientID]
	delete(m.connected, clientID)
	m.mu.Unlock()

	if ok {
		m.ActiveClients.Dec()
		m.ConnectionDuration.Observe(time.Since(since).Seconds())
	}
	m.CircuitBreakerState.DeleteLabelValues(clientID)
	return nil
}

func (m *Metrics) OnClientRejected(ctx context.Context, clientID, reason string) error {
	m.ConnectionsTotal.WithLabelValues("rejected").Inc()
	return nil
}

func (m *Metrics) OnSendStarted(ctx context.Context, clientID string) error {
	return nil
}

func (m *Metrics) OnSendCompleted(ctx context.Context, clientID string, n int) error {
	m.SendsTotal.WithLabelValues("success").Inc()
	m.SentBytes.Add(float64(n))
	m.MessageSize.WithLabelValues("out").Observe(float64(n))
	return nil
}

func (m *Metrics) OnSendFailed(ctx context.Context, clientID string, err error) error {
	m.SendsTotal.WithLabelValues("error").Inc()
	return nil
}

func (m *Metrics) OnReceiveTimedOut(ctx context.Context, clientID string) error {
	m.ReceiveTimeouts.Inc()
	return nil
}

func (m *Metrics) OnReceiveCompleted(ctx context.Context, clientID string, data []byte, n int) error {
	m.ReceivedTotal.Inc()
	m.ReceivedBytes.Add(float64(n))
	m.MessageSize.WithLabelValues("in").Observe(float64(n))
	return nil
}
