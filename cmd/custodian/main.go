package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/ethosengine/elohim/internal/custodian"
)

var log = logging.Logger("main")

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "custodian",
		Short: "Elohim fragment custodian",
		Long:  "Stores erasure-coded fragments for the recovery network and serves them to coordinators over libp2p.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "configs/custodian.yaml", "Path to the config file")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := custodian.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.SetLogLevel("*", cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	node, err := custodian.NewNode(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create custodian: %w", err)
	}
	if err := node.Start(); err != nil {
		node.Stop()
		return fmt.Errorf("failed to start custodian: %w", err)
	}
	log.Infow("custodian running", "peer", node.Network().ID(), "addrs", node.Network().Addrs())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down custodian")
	node.Stop()
	return nil
}
