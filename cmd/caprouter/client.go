// ABOUTME: Inspection commands that talk to a running router over its HTTP API
// ABOUTME: Also mints bearer tokens from the configured JWT secret

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/caprouter/internal/auth"
	"github.com/2389/caprouter/internal/config"
)

const requestTimeout = 10 * time.Second

// baseURL resolves the router URL from --url, falling back to the config file.
func baseURL() (string, error) {
	if flagURL != "" {
		return strings.TrimRight(flagURL, "/"), nil
	}
	cfg, err := config.Load(configPath())
	if err != nil {
		return "", fmt.Errorf("loading config (or pass --url): %w", err)
	}
	return httpURL(cfg.Server.HTTPAddr), nil
}

// httpURL turns a listen address into a client URL. Wildcard hosts become localhost.
func httpURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	} else if rest, ok := strings.CutPrefix(addr, "0.0.0.0:"); ok {
		addr = "localhost:" + rest
	}
	return "http://" + addr
}

func bearer() string {
	if flagToken != "" {
		return flagToken
	}
	return os.Getenv("CAPROUTER_TOKEN")
}

// apiRequest performs one call and returns the body of a 2xx response.
func apiRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	base, err := baseURL()
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, responseError(resp.StatusCode, data)
	}
	return data, nil
}

func responseError(status int, body []byte) error {
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("status %d: %s", status, apiErr.Error)
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return fmt.Errorf("status %d: %s", status, msg)
	}
	return fmt.Errorf("status %d", status)
}

// printJSON re-indents a JSON body onto stdout.
func printJSON(data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = os.Stdout.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(os.Stdout)
	return err
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check router readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := apiRequest(cmd.Context(), http.MethodGet, "/health/ready", nil)
			if err != nil {
				return fmt.Errorf("unhealthy: %w", err)
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func newTargetsCmd() *cobra.Command {
	var serviceType string
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List registered service instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/v1/targets"
			if serviceType != "" {
				path += "?type=" + url.QueryEscape(serviceType)
			}
			data, err := apiRequest(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
	cmd.Flags().StringVar(&serviceType, "type", "", "filter by service type (tool-invoker, resource-provider)")
	return cmd
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <service-id>",
		Short: "Show the activity record of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := apiRequest(cmd.Context(), http.MethodGet, "/api/v1/targets/"+url.PathEscape(args[0])+"/state", nil)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
}

func newNamespacesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "namespaces",
		Short: "Show the namespace pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := apiRequest(cmd.Context(), http.MethodGet, "/api/v1/namespaces", nil)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
}

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List catalogued tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := apiRequest(cmd.Context(), http.MethodGet, "/api/v1/tools", nil)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}

	var args []string
	invoke := &cobra.Command{
		Use:   "invoke <name>",
		Short: "Invoke a tool with key=value arguments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, pos []string) error {
			arguments, err := parseArguments(args)
			if err != nil {
				return err
			}
			data, err := apiRequest(cmd.Context(), http.MethodPost,
				"/api/v1/tools/"+url.PathEscape(pos[0])+"/invoke",
				map[string]any{"arguments": arguments})
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
	invoke.Flags().StringArrayVarP(&args, "arg", "a", nil, "tool argument as key=value (repeatable)")
	cmd.AddCommand(invoke)
	return cmd
}

func parseArguments(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("argument %q: expected key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if subject == "" {
				return errors.New("--sub is required")
			}
			cfg, err := config.Load(configPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return err
			}
			token, err := verifier.Generate(subject, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "token subject, usually a service name")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}
