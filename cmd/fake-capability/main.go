// ABOUTME: Minimal capability service for E2E testing that echoes tool calls and resource reads
// ABOUTME: Usage: fake-capability --config capability.toml

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/caprouter/internal/capability"
	"github.com/2389/caprouter/internal/config"
	"github.com/2389/caprouter/internal/logging"
	"github.com/2389/caprouter/internal/rpc"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var configFile string
	cmd := &cobra.Command{
		Use:           "fake-capability",
		Short:         "Echo capability service",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "capability.toml", "capability config file")

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path string) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.LoadCapability(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	runner, err := capability.NewRunner(cfg, capability.Handlers{
		Tool:     echoTool,
		Resource: echoResource,
	}, nil, logger)
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}

// echoTool answers with the tool URI and its sorted arguments. A "prefix"
// configuration property is prepended when provisioned.
func echoTool(_ context.Context, req *rpc.ToolInvokeRequest, inv capability.Invocation) (any, error) {
	keys := make([]string, 0, len(req.Arguments))
	for k := range req.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := []string{inv.Configuration.Get("prefix", "echo") + ": " + req.URI}
	for _, k := range keys {
		lines = append(lines, k+"="+req.Arguments[k])
	}
	if req.Body != "" {
		lines = append(lines, req.Body)
	}
	return lines, nil
}

func echoResource(_ context.Context, req *rpc.ResourceRequest, _ capability.Invocation) (any, string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", req.Location, req.Name)
	for k, v := range req.Params {
		fmt.Fprintf(&b, "\n%s=%s", k, v)
	}
	return b.String(), "text/plain", nil
}
