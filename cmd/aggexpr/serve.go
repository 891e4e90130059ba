package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lemonberrylabs/aggexpr/pkg/api"
	grpcapi "github.com/lemonberrylabs/aggexpr/pkg/api/grpc"
	"github.com/lemonberrylabs/aggexpr/pkg/config"
	"github.com/lemonberrylabs/aggexpr/pkg/expr"
	"github.com/lemonberrylabs/aggexpr/pkg/metrics"
	"github.com/lemonberrylabs/aggexpr/pkg/store"
	"github.com/lemonberrylabs/aggexpr/web"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC compile service",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}

	s := store.New()
	if cfg.DBPath != "" {
		s, err = store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		logger.Info("opened definitions database", "path", cfg.DBPath, "definitions", s.Len())
	}
	defer s.Close()

	collector := metrics.NewCollector(nil)
	compiler := expr.NewCompiler(
		expr.WithMaxDepth(cfg.MaxDepth),
		expr.WithLogger(logger),
		expr.WithObserver(collector),
	)
	server := api.New(s, api.Options{Compiler: compiler, Metrics: collector, Logger: logger})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DefinitionsDir != "" {
		if err := server.WatchDir(ctx, cfg.DefinitionsDir); err != nil {
			logger.Warn("failed to watch definitions directory", "dir", cfg.DefinitionsDir, "error", err)
		}
	}

	ui, err := web.New(s, server)
	if err != nil {
		logger.Warn("web UI disabled", "error", err)
	} else {
		ui.Register(server.App())
	}

	grpcServer := grpcapi.New(s, compiler, logger)
	go func() {
		logger.Info("gRPC server listening", "addr", cfg.GRPCAddr())
		if err := grpcServer.Serve(cfg.GRPCAddr()); err != nil {
			logger.Error("gRPC server error", "error", err)
			stop()
		}
	}()

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		grpcServer.GracefulStop()
		if err := server.Shutdown(); err != nil {
			logger.Error("error during shutdown", "error", err)
		}
	}()

	logger.Info("aggexpr listening", "addr", cfg.Addr(), "max_depth", cfg.MaxDepth)
	if cfg.DefinitionsDir == "" {
		logger.Info("API-only mode (no --definitions-dir specified)")
	}
	return server.Listen(cfg.Addr())
}
