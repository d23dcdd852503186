// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/commserver"
	"github.com/absmach/commserver/examples/simple"
	"github.com/absmach/commserver/pkg/breaker"
	"github.com/absmach/commserver/pkg/handler"
	"github.com/absmach/commserver/pkg/health"
	"github.com/absmach/commserver/pkg/metrics"
	"github.com/absmach/commserver/pkg/server"
	"github.com/absmach/commserver/pkg/settings"
	"github.com/absmach/commserver/pkg/transport"
	"github.com/absmach/commserver/pkg/transport/gnet"
	"github.com/absmach/commserver/pkg/transport/tcp"
	"github.com/absmach/commserver/pkg/transport/udp"
	"github.com/absmach/commserver/pkg/transport/websocket"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server and its admin endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), envFile)
		},
	}

	cmd.Flags().StringVarP(&envFile, "env-file", "e", ".env", "Environment file to load")

	return cmd
}

func serve(ctx context.Context, envFile string) error {
	envErr := godotenv.Load(envFile)

	cfg, err := commserver.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Warn("no .env file found, using environment variables", slog.String("file", envFile))
	}

	srvCfg, err := cfg.ServerConfig()
	if err != nil {
		return err
	}

	t, err := newTransport(cfg)
	if err != nil {
		return err
	}
	store, err := newStore(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New("commserver", reg)

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithSettingsStore(store),
	}
	if bc, ok := cfg.Breaker(); ok {
		g := breaker.NewGroup(bc)
		m.ObserveBreakers(g)
		opts = append(opts, server.WithBreakerGroup(g))
	}

	srv := server.New(srvCfg, t, handler.Multi{simple.New(logger), m}, opts...)
	if err := srv.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	checker := health.NewChecker(5 * time.Second)
	checker.RegisterCritical("server", health.Running(srv.IsRunning))
	checker.Register("capacity", health.Capacity(srv.ClientCount, func() int {
		return srv.Config().MaxClientConnections
	}))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if err := srv.Start(ctx); err != nil {
		return err
	}

	admin := &http.Server{
		Addr:              cfg.AdminAddress,
		Handler:           newAdminRouter(srv, checker, reg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("admin server started", slog.String("address", cfg.AdminAddress))
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return errors.Join(
			srv.Close(shutdownCtx),
			admin.Shutdown(shutdownCtx),
		)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("commserver terminated with error: %s", err))
		return err
	}
	logger.Info("commserver stopped")
	return nil
}

func newTransport(cfg commserver.Config) (transport.Transport, error) {
	switch cfg.Transport {
	case commserver.TransportTCP:
		return tcp.New(tcp.Config{ShutdownTimeout: cfg.ShutdownTimeout}), nil
	case commserver.TransportUDP:
		return udp.New(udp.Config{ShutdownTimeout: cfg.ShutdownTimeout}), nil
	case commserver.TransportWebSocket:
		return websocket.New(), nil
	case commserver.TransportGnet:
		return gnet.New(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func newStore(cfg commserver.Config) (settings.Store, error) {
	switch cfg.SettingsStore {
	case commserver.StoreFile:
		return settings.NewFileStore(cfg.SettingsFile), nil
	case commserver.StoreMemory:
		return settings.NewMemoryStore(), nil
	case commserver.StoreS3:
		opts := s3.Options{
			Region:       cfg.S3Region,
			UsePathStyle: cfg.S3Endpoint != "",
		}
		if cfg.S3Endpoint != "" {
			opts.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		if cfg.S3AccessKey != "" {
			creds := aws.Credentials{
				AccessKeyID:     cfg.S3AccessKey,
				SecretAccessKey: cfg.S3SecretKey,
				Source:          "environment",
			}
			opts.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
				return creds, nil
			})
		}
		return settings.NewS3Store(s3.New(opts), cfg.S3Bucket, cfg.S3Prefix), nil
	default:
		return nil, fmt.Errorf("unknown settings store %q", cfg.SettingsStore)
	}
}
