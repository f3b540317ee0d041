// ABOUTME: Entry point for the caprouter capability router
// ABOUTME: Cobra commands to serve the router and inspect a running one

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/caprouter/internal/config"
	"github.com/2389/caprouter/internal/gateway"
	"github.com/2389/caprouter/internal/logging"
)

// version is overridden at build time with -ldflags "-X main.version=v1.2.3".
var version = "dev"

const banner = `
                                  _
  ___ __ _ _ __  _ __ ___  _   _| |_ ___ _ __
 / __/ _' | '_ \| '__/ _ \| | | | __/ _ \ '__|
| (_| (_| | |_) | | | (_) | |_| | ||  __/ |
 \___\__,_| .__/|_|  \___/ \__,_|\__\___|_|
          |_|
`

var (
	flagConfig string
	flagURL    string
	flagToken  string
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "caprouter",
		Short:         "Capability router for tool and resource services",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return config.LoadDotEnv()
		},
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default $CAPROUTER_CONFIG or ~/.config/caprouter/router.yaml)")
	root.PersistentFlags().StringVar(&flagURL, "url", "", "router HTTP base URL (default from config http_addr)")
	root.PersistentFlags().StringVar(&flagToken, "token", "", "bearer token (default $CAPROUTER_TOKEN)")

	root.AddCommand(
		newServeCmd(),
		newHealthCmd(),
		newTargetsCmd(),
		newStateCmd(),
		newNamespacesCmd(),
		newToolsCmd(),
		newTokenCmd(),
	)
	return root
}

func configPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	return config.DefaultPath()
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the router",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	path := configPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:       %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:       %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Resolver:   %s\n", cfg.Router.Resolver)
	green.Print("    ▶ ")
	fmt.Printf("Namespaces: %d", cfg.Namespaces.Max)
	if cfg.Redis.Enabled {
		yellow.Printf(" [redis %s]", cfg.Redis.Addr)
	}
	fmt.Println()

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale:  ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled")
	}
	fmt.Println()

	logger.Info("starting caprouter",
		"config", path,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating router: %w", err)
	}
	return gw.Run(ctx)
}
