// Package main implements the node agent: it keeps a tunnel to the mesh server open
// and serves tunneled requests from the node's local services.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/buhuipao/anymesh/pkg/client"
	"github.com/buhuipao/anymesh/pkg/config"
	"github.com/buhuipao/anymesh/pkg/logger"
)

var (
	configPath string
	nodeID     string
)

func main() {
	command := &cobra.Command{
		Use:           "meshnode",
		Short:         "Run the mesh node agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	command.Flags().StringVarP(&configPath, "config", "c", "configs/meshnode.yaml", "Path to the configuration file")
	command.Flags().StringVar(&nodeID, "node-id", "", "Override client.node_id")

	if err := command.Execute(); err != nil {
		logger.Error("Node agent failed", "err", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if nodeID != "" {
		cfg.Client.NodeID = nodeID
	}

	if err := logger.Init(&cfg.Log); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	c, err := client.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	if err := c.Start(); err != nil {
		return fmt.Errorf("start client: %w", err)
	}

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutting down...")

	if err := c.Stop(); err != nil {
		logger.Error("Error shutting down client", "err", err)
	}
	logger.Info("Client stopped")
	return nil
}
