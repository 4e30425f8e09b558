package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/switchboard-dev/switchboard/pkg/config"
	"github.com/switchboard-dev/switchboard/pkg/logger"
	"github.com/switchboard-dev/switchboard/pkg/pipeline"
	"github.com/switchboard-dev/switchboard/pkg/pricing"
	"github.com/switchboard-dev/switchboard/pkg/recall"
	"github.com/switchboard-dev/switchboard/pkg/sandbox"
	"github.com/switchboard-dev/switchboard/pkg/server"
	"github.com/switchboard-dev/switchboard/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if cfg.Debug {
		closer, err := logger.TeeToFile(filepath.Join(cfg.DataDir, "switchboard.log"))
		if err != nil {
			return err
		}
		defer closer.Close()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}

	mgr, err := sandbox.NewManager(cfg.DataDir, cfg.SandboxImage)
	if err != nil {
		return err
	}

	rc := recall.NewService(st, cfg.DataDir, "")
	p := &pipeline.Pipeline{
		Store:   st,
		Pricing: pricing.NewEngine(st),
		Sandbox: mgr,
		Recall:  rc,
		Config:  cfg,
	}
	srv := server.New(cfg, p, st, rc)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = srv.Start(ctx)

	// drain in-flight state before exit: containers first, then the store
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	mgr.Shutdown(shutdownCtx)
	if cerr := st.Close(); cerr != nil {
		logger.G(shutdownCtx).WithError(cerr).Error("failed to flush store on shutdown")
	}
	return err
}
