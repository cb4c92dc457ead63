package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sambigeara/msgport/pkg/config"
	"github.com/sambigeara/msgport/pkg/directory"
	"github.com/sambigeara/msgport/pkg/observability/logging"
	"github.com/sambigeara/msgport/pkg/observability/telemetry"
	"github.com/sambigeara/msgport/pkg/router"
	"github.com/sambigeara/msgport/pkg/server"
	"github.com/sambigeara/msgport/pkg/trust"
	"github.com/sambigeara/msgport/pkg/workspace"
)

const (
	shutdownTimeout = 5 * time.Second
	statsInterval   = time.Minute
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("failed to execute command: %q", err)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "msgportd",
		Short: "Run the message port daemon",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}
	rootCmd.PersistentFlags().String("dir", "", "Directory holding config.yaml (default ~/.msgport)")
	rootCmd.Flags().String("socket", "", "Socket path (overrides config and "+workspace.BusAddressEnv+")")
	rootCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().String("certs-dir", "", "Directory of <appID>.pem signing certificates")

	rootCmd.AddCommand(newServiceCmd(), newLogsCmd())
	return rootCmd
}

// loadConfig reads config.yaml from --dir and applies flag overrides on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	dir, _ := cmd.Flags().GetString("dir")
	dir, err := workspace.EnsureDir(dir)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("socket"); v != "" {
		cfg.Socket = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("certs-dir"); v != "" {
		cfg.Certificates.Dir = v
	}
	if cfg.Socket == "" {
		if cfg.Socket, err = workspace.SocketPath(); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := logging.Init(cfg.Level()); err != nil {
		return err
	}
	defer zap.S().Sync() //nolint:errcheck

	logger := zap.S().Named("msgportd")

	tel := telemetry.New()
	tel.Install()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			logger.Warnw("telemetry shutdown", zap.Error(err))
		}
	}()

	r := router.New(directory.New(),
		router.WithMeterProvider(tel.MeterProvider),
		router.WithTracerProvider(tel.TracerProvider),
	)

	opts := []server.Option{server.WithStats(tel)}
	if cfg.Certificates.Dir != "" {
		opts = append(opts, server.WithComparator(trust.NewFileComparator(cfg.Certificates.Dir)))
	} else {
		logger.Warn("no certificates dir configured, trusted ports accept every peer")
	}

	srv := server.New(r, server.Config{
		SocketPath:            cfg.Socket,
		CompareTimeout:        cfg.CompareTimeout(),
		QueueSize:             cfg.QueueSize(),
		MaxPortsPerConnection: cfg.MaxPortsPerConnection(),
	}, opts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infow("starting msgportd", "socket", cfg.Socket)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	g.Go(func() error {
		t := time.NewTicker(statsInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				logger.Debugw("stats", "connections", srv.Connections(), "ports", r.Directory().Len())
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Infow("stopped", "ports", r.Directory().Len())
	return nil
}
