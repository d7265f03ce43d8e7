package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/heikotroetsch/simedge/internal/config"
	"github.com/heikotroetsch/simedge/internal/node"
	"github.com/heikotroetsch/simedge/internal/util"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "simedge",
		Short:         "SimEdge edge inference node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newHashCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		commits    []string
		resources  int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the overlay, register with the broker and serve requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("CONFIG_PATH")
			}
			if configPath == "" {
				configPath = "./config.yaml"
			}

			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("resources") {
				cfg.Broker.Resources = resources
			}

			logger, err := initLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync()

			logger.Info("Configuration loaded",
				zap.String("node_id", cfg.Node.ID),
				zap.String("broker", cfg.BrokerAddress()),
				zap.Int("overlay_port", cfg.Overlay.BindPort))

			models := make([][]byte, 0, len(commits))
			for _, path := range commits {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read model %s: %w", path, err)
				}
				models = append(models, data)
			}

			n, err := node.New(cfg, nil, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("SimEdge node starting", zap.String("node_id", cfg.Node.ID))
			if err := n.Run(ctx, models); err != nil {
				logger.Error("Node stopped with error", zap.Error(err))
				return err
			}
			logger.Info("SimEdge node stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file (default $CONFIG_PATH or ./config.yaml)")
	cmd.Flags().StringSliceVar(&commits, "commit", nil, "model file to commit to the broker on startup (repeatable)")
	cmd.Flags().IntVar(&resources, "resources", 1, "peers to request for each committed model")
	return cmd
}

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash FILE...",
		Short: "Print the content address of model files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				hash, _, err := util.HashFile(path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", hash, path)
			}
			return nil
		},
	}
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
