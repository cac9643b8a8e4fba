// FloraSys field agent.
// Main entry point for the on-device runtime.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/florasys/field-agent/internal/agent"
	"github.com/florasys/field-agent/internal/bridge"
	"github.com/florasys/field-agent/internal/config"
	"github.com/florasys/field-agent/internal/logging"
	"github.com/florasys/field-agent/internal/version"
)

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:   "florasys-agent",
		Short: "FloraSys field agent",
		Long:  "On-device runtime for FloraSys growing hardware. Drives actuation channels, keeps the cloud session alive, and serves the local provisioning portal.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the agent",
		RunE:  runAgent,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("florasys-agent %s\n", version.Full())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/florasys/agent.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	if configFile == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(configFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if err := logging.Initialize(cfg.Log.Level); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	board := bridge.New(bridge.Config{
		EventURL:   cfg.Bridge.EventURL,
		CommandURL: cfg.Bridge.CommandURL,
	})

	a, err := agent.New(cfg, board)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logging.Info("Starting FloraSys field agent",
		zap.String("version", version.Version),
		zap.String("device_type", cfg.Device.Type),
	)
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	sig := <-sigChan
	logging.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	if err := a.Stop(); err != nil {
		logging.Error("Error during shutdown", zap.Error(err))
	}

	logging.Info("Shutdown complete")
	return nil
}
