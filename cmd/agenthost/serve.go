package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZanzyTHEbar/agent-host/agenthost/profiles"
	"github.com/ZanzyTHEbar/agent-host/agenthost/server"
	"github.com/spf13/cobra"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := a.provider.Ping(pingCtx); err != nil {
				a.logger.Warn().Err(err).Str("backend", a.cfg.Backend.BaseURL).Msg("Backend not reachable yet")
			}
			cancel()

			watcher, err := profiles.NewWatcher(a.profiles, a.logger)
			if err != nil {
				return err
			}
			if err := watcher.Start(ctx); err != nil {
				watcher.Stop()
				return err
			}
			defer watcher.Stop()

			srv := server.New(a.cfg.Server, server.Deps{
				Orchestrator: a.orchestrator,
				History:      a.history,
				Profiles:     a.profiles,
				Logger:       a.logger,
			})
			return srv.ListenAndServe(ctx)
		},
	}
}
