package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nodecore/pkg/config"
	"github.com/nodecore/pkg/logging"
	"github.com/nodecore/pkg/node"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	dataDir    = kingpin.Flag("data-dir", "Node data directory (config.yaml, state.yaml).").Default(config.DefaultDataDir()).String()
	configFile = kingpin.Flag("config.file", "Path to configuration file (defaults to <data-dir>/config.yaml).").String()

	configCmd   = kingpin.Command("config", "Write the default configuration into the data directory.")
	configForce = configCmd.Flag("force", "Overwrite an existing configuration file.").Bool()

	runCmd     = kingpin.Command("run", "Run the node until SIGINT/SIGTERM or an admin SHUTDOWN.").Default()
	runConsole = runCmd.Flag("console", "Show the interactive console dashboard.").Bool()
)

func main() {
	switch kingpin.Parse() {
	case configCmd.FullCommand():
		path, err := config.WriteDefault(*dataDir, *configForce)
		if err != nil {
			logging.Fatalf("Failed to write config: %v", err)
		}
		logging.Logf("Default configuration written to %s", path)
		logging.Flush()
	case runCmd.FullCommand():
		if err := runNode(); err != nil {
			logging.Fatalf("Node error: %v", err)
		}
		logging.Flush()
	}
}

func runNode() error {
	path := *configFile
	if path == "" {
		path = filepath.Join(*dataDir, config.ConfigFileName)
	}

	// Load configuration
	cfg, err := config.LoadConfig(path)
	if err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return err
		}
		// If config file doesn't exist, continue with defaults
		logging.Logf("Warning: no config at %s (%v), using defaults", path, err)
		cfg = &config.Config{}
		cfg.Node.DataDir = *dataDir
		cfg.SetDefaults()
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if *runConsole {
		cfg.Console.Enabled = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := node.NewController()

	// Handle signals: the first drains, the second exits right away.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logging.Log("Received shutdown signal, draining...")
		cancel()
		<-sigChan
		logging.Log("Received second signal, exiting immediately")
		logging.Flush()
		os.Exit(130)
	}()

	report, err := ctrl.Run(ctx, cfg)
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	logging.Logf("Node %s stopped (forced=%d generation=%d snapshot=%v)",
		report.NodeID, len(report.Forced), report.FinalGeneration, report.SnapshotSaved)
	return nil
}
