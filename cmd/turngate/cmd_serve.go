package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuuji/turngate/internal/config"
	"github.com/kuuji/turngate/internal/control"
	"github.com/kuuji/turngate/internal/relay"
)

var serveSocketPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay",
	Long:  `Load the configured interfaces and users, then run the TURN/STUN relay until interrupted.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveSocketPath, "control-socket", "", "path to the control status socket (default: platform-specific under /run or /tmp)")
}

func runServe(cmd *cobra.Command, args []string) error {
	path := globalConfigPath
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("resolving default config path: %w", err)
		}
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	srv, err := relay.New(cfg, globalLogger)
	if err != nil {
		return fmt.Errorf("building relay: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting listeners: %w", err)
	}
	defer srv.Close()

	socketPath := serveSocketPath
	if socketPath == "" {
		socketPath = control.ResolveSocketPath()
	}
	if err := srv.StartControl(socketPath); err != nil {
		return fmt.Errorf("starting control socket: %w", err)
	}

	globalLogger.Info("turngate serving", "realm", cfg.Realm, "interfaces", len(cfg.Interfaces))

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("relay stopped: %w", err)
	}

	globalLogger.Info("turngate shut down")
	return nil
}
