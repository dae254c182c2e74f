package main

import (
	"github.com/spf13/cobra"

	"modelplane/internal/common/fsutil"
	"modelplane/internal/store"
)

func newStoreCmd(a *app) *cobra.Command {
	var (
		addr string
		dir  string
	)
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Run the checkpoint store",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr = firstNonEmpty(addr, a.cfg.StoreAddr, ":7070")
			dir = firstNonEmpty(dir, a.cfg.StoreDir, "./modelplane-store")
			dir, err := fsutil.ExpandHome(dir)
			if err != nil {
				return err
			}

			s, err := store.Open(dir, a.log.With().Str("component", "store").Logger())
			if err != nil {
				return err
			}
			defer s.Close()
			return serveHTTP(cmd.Context(), a.log, "store", addr, store.NewMux(s))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Store listen address (default :7070)")
	cmd.Flags().StringVar(&dir, "dir", "", "Store data directory")
	return cmd
}
