// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	cerrors "github.com/absmach/commserver/pkg/errors"
	"github.com/absmach/commserver/pkg/health"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBroadcastSize bounds the body of a broadcast request.
const maxBroadcastSize = 1 << 20

// adminServer is the part of *server.Server the admin endpoints use.
type adminServer interface {
	Status() string
	ClientIDs() []string
	DisconnectOne(ctx context.Context, clientID string) error
	MulticastString(ctx context.Context, text string) error
}

func newAdminRouter(srv adminServer, checker *health.Checker, reg prometheus.Gatherer, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	checker.Mount(r)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, srv.Status())
	})

	r.Route("/clients", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"clients": srv.ClientIDs()})
		})
		r.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			err := srv.DisconnectOne(r.Context(), id)
			switch {
			case err == nil:
				w.WriteHeader(http.StatusNoContent)
			case errors.Is(err, cerrors.ErrClientNotFound):
				writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			default:
				logger.Warn("admin disconnect failed", slog.String("client", id), slog.String("error", err.Error()))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
		})
	})

	r.Post("/broadcast", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBroadcastSize))
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
			return
		}
		if err := srv.MulticastString(r.Context(), string(body)); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, cerrors.ErrNotRunning) {
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
