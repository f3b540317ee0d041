// ABOUTME: Capability-side gRPC service: provisioning, tool invocation, resource reads, status
// ABOUTME: Provisioned material is written to files under the service home and passed back as URIs

package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/2389/caprouter/internal/rpc"
)

// StatusStarted is reported by GetStatus once the server is serving.
const StatusStarted = "started"

// ErrNoHandler indicates the service does not implement the requested kind.
var ErrNoHandler = errors.New("no handler registered")

// Invocation is what a handler sees: the request plus the provisioned
// configuration and secrets it refers to.
type Invocation struct {
	Configuration Properties
	Secrets       Properties
}

// ToolHandler executes one tool call.
type ToolHandler func(ctx context.Context, req *rpc.ToolInvokeRequest, inv Invocation) (any, error)

// ResourceHandler reads one resource. It returns the content and its MIME type.
type ResourceHandler func(ctx context.Context, req *rpc.ResourceRequest, inv Invocation) (any, string, error)

// Reporter receives the outcome of every call so the router can track
// self-reported health. discovery.Manager satisfies it.
type Reporter interface {
	ReportSuccess(ctx context.Context) error
	ReportFailure(ctx context.Context, reason string) error
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Home       string
	Properties map[string]rpc.PropertySchema
	Tool       ToolHandler
	Resource   ResourceHandler
	Logger     *slog.Logger
}

// Server implements rpc.CapabilityServer.
type Server struct {
	home       string
	properties map[string]rpc.PropertySchema
	tool       ToolHandler
	resource   ResourceHandler
	reporter   Reporter
	logger     *slog.Logger
}

// NewServer creates a Server. The home directory is created if missing.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Home == "" {
		return nil, errors.New("service home is required")
	}
	if err := os.MkdirAll(cfg.Home, 0700); err != nil {
		return nil, fmt.Errorf("creating service home: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		home:       cfg.Home,
		properties: cfg.Properties,
		tool:       cfg.Tool,
		resource:   cfg.Resource,
		logger:     logger.With("component", "capability"),
	}, nil
}

// SetReporter attaches the health reporter. Call before serving.
func (s *Server) SetReporter(r Reporter) {
	s.reporter = r
}

// Provision stores the configuration and secret payloads and returns their URIs.
func (s *Server) Provision(_ context.Context, req *rpc.ProvisionRequest) (*rpc.ProvisionReply, error) {
	cfgURI, err := s.writePayload(req.Configuration.Data)
	if err != nil {
		return nil, fmt.Errorf("storing configuration: %w", err)
	}
	secretURI, err := s.writePayload(req.Secret.Data)
	if err != nil {
		return nil, fmt.Errorf("storing secrets: %w", err)
	}

	s.logger.Info("provisioned", "uri", req.URI, "configuration_uri", cfgURI, "secret_uri", secretURI)
	return &rpc.ProvisionReply{
		ConfigurationURI: cfgURI,
		SecretURI:        secretURI,
		Properties:       s.properties,
	}, nil
}

func (s *Server) writePayload(data string) (string, error) {
	path := filepath.Join(s.home, uuid.New().String()+".properties")
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		return "", err
	}
	return FileURI(path), nil
}

// InvokeTool runs the tool handler. Handler failures are returned as error
// replies, not RPC errors.
func (s *Server) InvokeTool(ctx context.Context, req *rpc.ToolInvokeRequest) (*rpc.ToolInvokeReply, error) {
	if s.tool == nil {
		return nil, fmt.Errorf("%w: tools", ErrNoHandler)
	}

	s.logger.Info("→ invoking tool", "uri", req.URI)
	inv, err := loadInvocation(req.ConfigurationURI, req.SecretsURI)
	if err == nil {
		var content any
		content, err = s.tool(ctx, req, inv)
		if err == nil {
			s.report(ctx, nil)
			s.logger.Info("← tool responded", "uri", req.URI)
			return &rpc.ToolInvokeReply{Content: content}, nil
		}
	}

	msg := "Unable to invoke tool: " + err.Error()
	s.logger.Error("tool invocation failed", "uri", req.URI, "error", err)
	s.report(ctx, errors.New(msg))
	return &rpc.ToolInvokeReply{IsError: true, Content: []string{msg}}, nil
}

// AcquireResource runs the resource handler.
func (s *Server) AcquireResource(ctx context.Context, req *rpc.ResourceRequest) (*rpc.ResourceReply, error) {
	if s.resource == nil {
		return nil, fmt.Errorf("%w: resources", ErrNoHandler)
	}

	s.logger.Info("→ acquiring resource", "location", req.Location, "name", req.Name)
	inv, err := loadInvocation(req.ConfigurationURI, req.SecretsURI)
	if err == nil {
		var content any
		var mime string
		content, mime, err = s.resource(ctx, req, inv)
		if err == nil {
			s.report(ctx, nil)
			s.logger.Info("← resource read", "location", req.Location)
			return &rpc.ResourceReply{Content: content, MimeType: mime}, nil
		}
	}

	msg := "Unable to read resource: " + err.Error()
	s.logger.Error("resource read failed", "location", req.Location, "error", err)
	s.report(ctx, errors.New(msg))
	return &rpc.ResourceReply{IsError: true, Content: []string{msg}}, nil
}

// GetStatus reports the server as started.
func (s *Server) GetStatus(context.Context, *rpc.StatusRequest) (*rpc.StatusReply, error) {
	return &rpc.StatusReply{Status: StatusStarted}, nil
}

func (s *Server) report(ctx context.Context, failure error) {
	if s.reporter == nil {
		return
	}
	var err error
	if failure == nil {
		err = s.reporter.ReportSuccess(ctx)
	} else {
		err = s.reporter.ReportFailure(ctx, failure.Error())
	}
	if err != nil {
		s.logger.Debug("state report failed", "error", err)
	}
}

func loadInvocation(cfgURI, secretsURI string) (Invocation, error) {
	cfg, err := LoadProperties(cfgURI)
	if err != nil {
		return Invocation{}, fmt.Errorf("loading configuration: %w", err)
	}
	secrets, err := LoadProperties(secretsURI)
	if err != nil {
		return Invocation{}, fmt.Errorf("loading secrets: %w", err)
	}
	return Invocation{Configuration: cfg, Secrets: secrets}, nil
}
