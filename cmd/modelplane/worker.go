package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"modelplane/internal/coordinator"
	"modelplane/internal/store"
	"modelplane/internal/worker"
	"modelplane/pkg/types"
)

func newWorkerCmd(a *app) *cobra.Command {
	var (
		id         string
		addr       string
		baseURL    string
		capacityMB int64
		storeURL   string
		coordURL   string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a simulated worker node",
		RunE: func(cmd *cobra.Command, args []string) error {
			id = firstNonEmpty(id, a.cfg.WorkerID, "worker-1")
			addr = firstNonEmpty(addr, a.cfg.WorkerAddr, ":7072")
			storeURL = firstNonEmpty(storeURL, a.cfg.StoreURL)
			coordURL = firstNonEmpty(coordURL, a.cfg.CoordinatorURL)
			if storeURL == "" || coordURL == "" {
				return fmt.Errorf("worker requires --store-url and --coordinator-url (or config)")
			}
			if capacityMB <= 0 {
				capacityMB = a.cfg.WorkerCapacityMB
			}
			if capacityMB <= 0 {
				capacityMB = 8192
			}
			if baseURL == "" {
				baseURL = "http://localhost" + addr
			}

			log := a.log.With().Str("component", "worker").Str("node", id).Logger()
			sim := worker.NewSim(worker.SimConfig{
				ID:                types.NodeID(id),
				BaseURL:           baseURL,
				Capacity:          types.NodeCapacity{CapacityMB: capacityMB, CPUCount: runtime.NumCPU()},
				HeartbeatInterval: msOrDefault(a.cfg.HeartbeatIntervalMs, 0),
			}, store.NewClient(storeURL), coordinator.NewClient(coordURL), log)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return sim.Run(ctx) })
			g.Go(func() error {
				return serveHTTP(ctx, a.log, "worker", addr, worker.NewSimMux(sim))
			})
			err := g.Wait()
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Node id (default worker-1)")
	cmd.Flags().StringVar(&addr, "addr", "", "Worker listen address (default :7072)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Advertised base URL (default derived from --addr)")
	cmd.Flags().Int64Var(&capacityMB, "capacity-mb", 0, "Checkpoint capacity in MB (default 8192)")
	cmd.Flags().StringVar(&storeURL, "store-url", "", "Base URL of the checkpoint store")
	cmd.Flags().StringVar(&coordURL, "coordinator-url", "", "Base URL of the coordinator")
	return cmd
}
