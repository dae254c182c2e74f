package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"modelplane/internal/coordinator"
	"modelplane/internal/gateway"
	"modelplane/internal/httpapi"
	"modelplane/internal/lifecycle"
	"modelplane/internal/store"
	"modelplane/internal/worker"
)

func newGatewayCmd(a *app) *cobra.Command {
	var (
		addr     string
		storeURL string
		coordURL string
	)
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the request gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr = firstNonEmpty(addr, a.cfg.GatewayAddr, ":8080")
			storeURL = firstNonEmpty(storeURL, a.cfg.StoreURL)
			coordURL = firstNonEmpty(coordURL, a.cfg.CoordinatorURL)
			if storeURL == "" || coordURL == "" {
				return fmt.Errorf("gateway requires --store-url and --coordinator-url (or config)")
			}

			log := a.log.With().Str("component", "gateway").Logger()
			dir := coordinator.NewClient(coordURL)
			sc := store.NewClient(storeURL)
			workers := worker.NewHTTPClient()

			orch := lifecycle.New(
				lifecycle.Config{MaxEvictions: a.cfg.MaxEvictionsPerLoad},
				dir, sc, workers,
				a.log.With().Str("component", "lifecycle").Logger(),
			)
			router := gateway.New(
				gateway.Config{
					DefaultDeadline: msOrDefault(a.cfg.DefaultDeadlineMs, 0),
					LoadTimeout:     msOrDefault(a.cfg.LoadTimeoutMs, 0),
				},
				dir, orch, workers, log,
			)
			router.SetBaseContext(cmd.Context())

			httpapi.SetLogger(log)
			httpapi.SetBaseContext(cmd.Context())
			httpapi.SetMaxBodyBytes(a.cfg.MaxBodyBytes)
			httpapi.SetCORSOptions(a.cfg.CORSEnabled, a.cfg.CORSOrigins, nil, nil)

			mux := httpapi.NewMux(gateway.Service{Router: router, Store: sc})
			return serveHTTP(cmd.Context(), a.log, "gateway", addr, mux)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Gateway listen address (default :8080)")
	cmd.Flags().StringVar(&storeURL, "store-url", "", "Base URL of the checkpoint store")
	cmd.Flags().StringVar(&coordURL, "coordinator-url", "", "Base URL of the coordinator")
	return cmd
}
