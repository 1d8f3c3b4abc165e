package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/ethosengine/elohim/internal/coordinator"
)

var log = logging.Logger("main")

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Elohim recovery coordinator",
		Long:  "Runs the custody ledger, recovery authorization, reconstruction and distribution health audits behind an HTTP API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "configs/coordinator.yaml", "Path to the config file")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := coordinator.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.SetLogLevel("*", cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	node, err := coordinator.NewNode(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	if err := node.Start(); err != nil {
		node.Stop()
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	apiErr := make(chan error, 1)
	go func() { apiErr <- node.ServeAPI(cfg.API.ListenAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err = <-apiErr:
		if err != nil {
			log.Errorw("API server failed", "err", err)
		}
	}

	log.Info("shutting down coordinator")
	node.Stop()
	return err
}
