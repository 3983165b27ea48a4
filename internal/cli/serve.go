// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-relay/internal/keepalive"
	"github.com/jeranaias/rigrun-relay/internal/server"
)

// shutdownTimeout bounds in-flight requests on SIGINT/SIGTERM.
const shutdownTimeout = 15 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		addr        string
		noKeepalive bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP relay",
		Long: `Run the HTTP relay that a messaging front-end calls.

Routes:
  GET    /health                  liveness (keepalive target)
  GET    /stats                   per-user activity and probe status
  GET    /v1/models               model catalog
  POST   /v1/interact             one message in, one reply out
  GET    /v1/users/{id}           session snapshot
  PUT    /v1/users/{id}/model     select a model
  DELETE /v1/users/{id}/history   clear history`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if noKeepalive {
				cfg.Keepalive.Enabled = false
			}
			if err := setupLogging(cfg, os.Stderr); err != nil {
				return err
			}

			eng, err := buildEngine(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			srv := server.NewServer(cfg.Server.Addr, eng).
				WithAuthToken(cfg.Server.AuthToken)

			if cfg.Keepalive.Enabled {
				probe := keepalive.New(cfg.KeepaliveURL(),
					keepalive.WithInitialDelay(cfg.Keepalive.InitialDelay()),
					keepalive.WithInterval(cfg.Keepalive.Interval()),
				)
				srv.WithProbe(probe)
				stop := probe.Start(ctx)
				defer stop()
			}

			return runServer(ctx, srv)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noKeepalive, "no-keepalive", false, "disable the liveness probe")
	return cmd
}

// runServer serves until ctx is cancelled, then shuts down gracefully.
func runServer(ctx context.Context, srv *server.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("SHUTDOWN_SIGNAL")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}
