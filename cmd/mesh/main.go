// Package main implements the mesh server: nodes connect to it over websocket and
// control plane callers reach them through its HTTP front door.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/buhuipao/anymesh/pkg/common/protocol"
	"github.com/buhuipao/anymesh/pkg/config"
	"github.com/buhuipao/anymesh/pkg/gateway"
	"github.com/buhuipao/anymesh/pkg/logger"
)

var configPath string

func main() {
	command := &cobra.Command{
		Use:           "mesh",
		Short:         "Run the mesh server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	command.Flags().StringVarP(&configPath, "config", "c", "configs/mesh.yaml", "Path to the configuration file")
	command.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the protocol version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(protocol.Version)
		},
	})

	if err := command.Execute(); err != nil {
		logger.Error("Mesh server failed", "err", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(&cfg.Log); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	gw, err := gateway.NewGateway(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	if err := gw.Start(); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutting down...")

	if err := gw.Stop(); err != nil {
		logger.Error("Error shutting down gateway", "err", err)
	}
	logger.Info("Gateway stopped")
	return nil
}
