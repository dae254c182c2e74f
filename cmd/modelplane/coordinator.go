package main

import (
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"modelplane/internal/coordinator"
)

func newCoordinatorCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run the cluster coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr = firstNonEmpty(addr, a.cfg.CoordinatorAddr, ":7071")
			ttl := msOrDefault(a.cfg.HeartbeatTimeoutMs, 10*time.Second)

			c := coordinator.New(
				coordinator.Config{HeartbeatTTL: ttl},
				a.log.With().Str("component", "coordinator").Logger(),
			)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return c.Run(ctx) })
			g.Go(func() error { return serveHTTP(ctx, a.log, "coordinator", addr, coordinator.NewMux(c)) })
			err := g.Wait()
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Coordinator listen address (default :7071)")
	return cmd
}
