package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"modelplane/internal/config"
)

// app carries the config and logger shared by all subcommands.
type app struct {
	cfgPath  string
	logLevel string
	cfg      config.Config
	log      zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "modelplane",
		Short:         "Checkpoint store, cluster coordinator, and inference gateway",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "Path to config file (.yaml|.json|.toml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		lvl, err := zerolog.ParseLevel(a.logLevel)
		if err != nil {
			lvl = zerolog.InfoLevel
		}
		a.log = zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
		if a.cfgPath != "" {
			cfg, err := config.Load(a.cfgPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
		}
		return nil
	}

	root.AddCommand(
		newStoreCmd(a),
		newCoordinatorCmd(a),
		newGatewayCmd(a),
		newWorkerCmd(a),
		newAllCmd(a),
		newPutCmd(a),
	)
	return root
}

// serveHTTP runs an http.Server until ctx is canceled, then drains it.
func serveHTTP(ctx context.Context, log zerolog.Logger, name, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("service", name).Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Str("service", name).Msg("graceful shutdown error")
	}
	return nil
}

// serveListener is serveHTTP for a pre-bound listener (used when the OS
// picks the port).
func serveListener(ctx context.Context, log zerolog.Logger, name string, ln net.Listener, h http.Handler) error {
	srv := &http.Server{Handler: h}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("service", name).Str("addr", ln.Addr().String()).Msg("listening")
		errCh <- srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Str("service", name).Msg("graceful shutdown error")
	}
	return nil
}

// msOrDefault converts a millisecond config value, zero meaning def.
func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// firstNonEmpty returns the first non-empty string.
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
