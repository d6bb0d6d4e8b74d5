// ABOUTME: Entry point for the lane-gateway server and its client commands
// ABOUTME: Serves the run API, writes starter config, and talks to a running gateway

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/lane-gateway/internal/agent"
	"github.com/2389/lane-gateway/internal/config"
	"github.com/2389/lane-gateway/internal/gateway"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
  _                                        _
 | | __ _ _ __   ___        __ _  __ _ | |_ ___ __      ____ _ _   _
 | |/ _' | '_ \ / _ \_____ / _' |/ _' || __/ _ \\ \ /\ / / _' | | | |
 | | (_| | | | |  __/_____| (_| | (_| || ||  __/ \ V  V / (_| | |_| |
 |_|\__,_|_| |_|\___|      \__, |\__,_| \__\___|  \_/\_/ \__,_|\__, |
                           |___/                               |___/
`

// clientTimeout bounds client commands that do not wait on a run.
const clientTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "lane-gateway",
		Short:         "Lane-scheduled agent run gateway",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $LANE_GATEWAY_CONFIG or ~/.config/lane-gateway/gateway.yaml)")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newInitCmd(&configPath))
	root.AddCommand(newHealthCmd(&configPath))
	root.AddCommand(newLanesCmd(&configPath))
	root.AddCommand(newSubmitCmd(&configPath))

	return root
}

// resolveConfigPath returns the --config flag or the default location.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return config.DefaultPath()
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), resolveConfigPath(*configPath), cmd.OutOrStdout())
		},
	}
}

func runServe(ctx context.Context, configPath string, out io.Writer) error {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(out, banner)
	gray.Fprintf(out, "    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	line := func(label, value string) {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-10s %s\n", label+":", value)
	}
	line("Config", configPath)
	line("HTTP", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		line("gRPC", cfg.Server.GRPCAddr)
	}
	line("Engine", cfg.Agent.Engine)
	if cfg.Database.Path != "" {
		line("Ledger", cfg.Database.Path)
	}
	for _, name := range sortedLanes(cfg.Lanes.Concurrency) {
		line("Lane", fmt.Sprintf("%s (max %d)", name, cfg.Lanes.Concurrency[name]))
	}

	if cfg.Tailscale.Enabled {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-10s ", "Tailscale:")
		cyan.Fprint(out, cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Fprint(out, " [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(out, " (ephemeral)")
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out)

	logger.Info("starting lane-gateway",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	engines, err := newEngineRegistry(cfg, logger)
	if err != nil {
		return err
	}

	gw, err := gateway.New(cfg, engines, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func newInitCmd(configPath *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := resolveConfigPath(*configPath)
			err := config.WriteDefault(path, force)
			if errors.Is(err, config.ErrConfigExists) {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
			fmt.Fprintln(cmd.OutOrStdout(), "\nTo start the server:")
			fmt.Fprintln(cmd.OutOrStdout(), "  lane-gateway serve")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")
	return cmd
}

func newHealthCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := clientFromConfig(resolveConfigPath(*configPath))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()

			body, err := c.get(ctx, "/health/ready")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return nil
		},
	}
}

func newLanesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "lanes",
		Short: "Show lane queue depth and concurrency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := clientFromConfig(resolveConfigPath(*configPath))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()

			lanes, err := c.lanes(ctx)
			if err != nil {
				return err
			}
			printLanes(cmd.OutOrStdout(), lanes)
			return nil
		},
	}
}

// clientFromConfig builds a client for the gateway described by the config file.
func clientFromConfig(path string) (*client, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return newClient(baseURL(cfg), http.DefaultClient), nil
}

// baseURL derives the gateway's HTTP URL from its config.
func baseURL(cfg *config.Config) string {
	if cfg.Tailscale.Enabled {
		if cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel {
			return "https://" + cfg.Tailscale.Hostname
		}
		return "http://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.HTTPAddr
}

// newEngineRegistry registers the built-in engines configured from cfg.
func newEngineRegistry(cfg *config.Config, logger *slog.Logger) (*agent.Registry, error) {
	engines := agent.NewRegistry(logger)
	echo := &agent.EchoEngine{Prefix: cfg.Agent.ReplyPrefix, Delay: cfg.Agent.Delay}
	if err := engines.Register("echo", echo); err != nil {
		return nil, err
	}
	logger.Info("engines registered", "engines", engines.Names(), "selected", cfg.Agent.Engine)
	return engines, nil
}
