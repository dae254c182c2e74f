package main

import (
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"modelplane/internal/common/fsutil"
	"modelplane/internal/coordinator"
	"modelplane/internal/gateway"
	"modelplane/internal/httpapi"
	"modelplane/internal/lifecycle"
	"modelplane/internal/store"
	"modelplane/internal/worker"
	"modelplane/pkg/types"
)

// newAllCmd runs the whole plane in one process: store, coordinator,
// simulated workers and the gateway, wired in-process where possible.
// Workers still get real listeners because dispatch goes over HTTP.
func newAllCmd(a *app) *cobra.Command {
	var (
		addr       string
		dir        string
		workers    int
		capacityMB int64
	)
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Run store, coordinator, workers and gateway in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr = firstNonEmpty(addr, a.cfg.GatewayAddr, ":8080")
			dir = firstNonEmpty(dir, a.cfg.StoreDir, "./modelplane-store")
			dir, err := fsutil.ExpandHome(dir)
			if err != nil {
				return err
			}
			if workers <= 0 {
				workers = 2
			}
			if capacityMB <= 0 {
				capacityMB = a.cfg.WorkerCapacityMB
			}
			if capacityMB <= 0 {
				capacityMB = 8192
			}

			st, err := store.Open(dir, a.log.With().Str("component", "store").Logger())
			if err != nil {
				return err
			}
			defer st.Close()

			coord := coordinator.New(coordinator.Config{
				HeartbeatTTL: msOrDefault(a.cfg.HeartbeatTimeoutMs, 0),
			}, a.log.With().Str("component", "coordinator").Logger())

			wc := worker.NewHTTPClient()
			orch := lifecycle.New(
				lifecycle.Config{MaxEvictions: a.cfg.MaxEvictionsPerLoad},
				coord, st, wc,
				a.log.With().Str("component", "lifecycle").Logger(),
			)
			router := gateway.New(
				gateway.Config{
					DefaultDeadline: msOrDefault(a.cfg.DefaultDeadlineMs, 0),
					LoadTimeout:     msOrDefault(a.cfg.LoadTimeoutMs, 0),
				},
				coord, orch, wc,
				a.log.With().Str("component", "gateway").Logger(),
			)
			router.SetBaseContext(cmd.Context())
			coord.OnNodeLost(router.NodeLost)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return coord.Run(ctx) })

			for i := 0; i < workers; i++ {
				id := types.NodeID(fmt.Sprintf("worker-%d", i+1))
				ln, err := net.Listen("tcp", "127.0.0.1:0")
				if err != nil {
					return fmt.Errorf("bind worker listener: %w", err)
				}
				sim := worker.NewSim(worker.SimConfig{
					ID:                id,
					BaseURL:           "http://" + ln.Addr().String(),
					Capacity:          types.NodeCapacity{CapacityMB: capacityMB, CPUCount: runtime.NumCPU()},
					HeartbeatInterval: msOrDefault(a.cfg.HeartbeatIntervalMs, time.Second),
				}, st, coord, a.log.With().Str("component", "worker").Str("node", string(id)).Logger())
				g.Go(func() error { return sim.Run(ctx) })
				g.Go(func() error {
					return serveListener(ctx, a.log, string(id), ln, worker.NewSimMux(sim))
				})
			}

			if a.cfg.StoreAddr != "" {
				g.Go(func() error {
					return serveHTTP(ctx, a.log, "store", a.cfg.StoreAddr, store.NewMux(st))
				})
			}
			if a.cfg.CoordinatorAddr != "" {
				g.Go(func() error {
					return serveHTTP(ctx, a.log, "coordinator", a.cfg.CoordinatorAddr, coordinator.NewMux(coord))
				})
			}

			httpapi.SetLogger(a.log.With().Str("component", "gateway").Logger())
			httpapi.SetBaseContext(cmd.Context())
			httpapi.SetMaxBodyBytes(a.cfg.MaxBodyBytes)
			httpapi.SetCORSOptions(a.cfg.CORSEnabled, a.cfg.CORSOrigins, nil, nil)
			g.Go(func() error {
				return serveHTTP(ctx, a.log, "gateway", addr, httpapi.NewMux(gateway.Service{Router: router, Store: st}))
			})
			err = g.Wait()
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Gateway listen address (default :8080)")
	cmd.Flags().StringVar(&dir, "dir", "", "Checkpoint store directory (default ./modelplane-store)")
	cmd.Flags().IntVar(&workers, "workers", 2, "Number of simulated workers")
	cmd.Flags().Int64Var(&capacityMB, "capacity-mb", 0, "Per-worker capacity in MB (default 8192)")
	return cmd
}
