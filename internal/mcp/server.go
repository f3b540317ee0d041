// ABOUTME: MCP-compatible HTTP endpoint exposing catalogued tools and resources
// ABOUTME: JSON-RPC 2.0 over POST with session management, backed by the dispatcher

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/caprouter/internal/auth"
	"github.com/2389/caprouter/internal/dispatch"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2025-03-26": true,
	"2025-11-25": true,
}

// latestProtocolVersion is the version we advertise in initialize responses
const latestProtocolVersion = "2025-11-25"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// JSON-RPC 2.0 types

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// MCP-specific types

// MCPToolInfo represents an MCP tool definition.
type MCPToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// MCPListToolsResult is the result for tools/list.
type MCPListToolsResult struct {
	Tools []MCPToolInfo `json:"tools"`
}

// MCPCallToolParams are the params for tools/call.
type MCPCallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// MCPCallToolResult is the result for tools/call.
type MCPCallToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// MCPContent represents content in a tool result.
type MCPContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// MCPResourceInfo represents an MCP resource definition.
type MCPResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// MCPListResourcesResult is the result for resources/list.
type MCPListResourcesResult struct {
	Resources []MCPResourceInfo `json:"resources"`
}

// MCPReadResourceParams are the params for resources/read. URI may be the
// resource location or its catalog name.
type MCPReadResourceParams struct {
	URI    string            `json:"uri"`
	Params map[string]string `json:"params,omitempty"`
}

// MCPResourceContents is one item of a resources/read result.
type MCPResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

// MCPReadResourceResult is the result for resources/read.
type MCPReadResourceResult struct {
	Contents []MCPResourceContents `json:"contents"`
}

// Backend is the catalog and dispatch surface the MCP endpoint serves.
// *dispatch.Dispatcher satisfies it.
type Backend interface {
	Tools(ctx context.Context) ([]dispatch.ToolReference, error)
	Resources(ctx context.Context) ([]dispatch.ResourceReference, error)
	InvokeTool(ctx context.Context, call dispatch.ToolCall) dispatch.Reply
	AcquireResource(ctx context.Context, call dispatch.ResourceCall) dispatch.Reply
}

// mcpSession tracks an active MCP client session.
type mcpSession struct {
	id              string
	protocolVersion string
	subject         string
	ownerToken      string // bearer token used to verify session ownership on DELETE
	createdAt       time.Time
}

// sessionStore manages active MCP sessions (in-memory).
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*mcpSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*mcpSession)}
}

func (s *sessionStore) create(protocolVersion, subject, ownerToken string) *mcpSession {
	sess := &mcpSession{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		subject:         subject,
		ownerToken:      ownerToken,
		createdAt:       time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*mcpSession, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

func (s *sessionStore) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Config holds configuration for the MCP server.
type Config struct {
	Backend Backend
	Logger  *slog.Logger
	// TokenVerifier, when set, requires a bearer token on initialize.
	TokenVerifier auth.TokenVerifier
	ServerName    string
	ServerVersion string
}

// Server implements MCP-compatible HTTP endpoints.
type Server struct {
	backend  Backend
	logger   *slog.Logger
	verifier auth.TokenVerifier
	name     string
	version  string
	sessions *sessionStore
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, errors.New("backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.ServerName
	if name == "" {
		name = "caprouter"
	}
	version := cfg.ServerVersion
	if version == "" {
		version = "1.0.0"
	}
	return &Server{
		backend:  cfg.Backend,
		logger:   logger.With("component", "mcp"),
		verifier: cfg.TokenVerifier,
		name:     name,
		version:  version,
		sessions: newSessionStore(),
	}, nil
}

// ServeHTTP is the single MCP endpoint supporting POST and DELETE.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		// No server-initiated streams.
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// SessionCount reports the number of live sessions.
func (s *Server) SessionCount() int {
	return s.sessions.count()
}

// handleDelete terminates a session. The caller must present the token the
// session was created with.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.get(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	if sess.ownerToken != "" && bearerToken(r) != sess.ownerToken {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.sessions.delete(sessionID)
	s.logger.Info("MCP session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendJSONRPCError(w, nil, JSONRPCInvalidRequest, "request body too large")
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version")
		return
	}

	isInitialize := req.Method == "initialize"
	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	if !isInitialize && protoVersion != "" && !supportedProtocolVersions[protoVersion] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	if !isInitialize {
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		if _, ok := s.sessions.get(sessionID); !ok {
			// Session expired or unknown; the client must re-initialize.
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
	}

	s.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", isNotification,
		"session_id", sessionID,
	)

	if isNotification {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, r, req)
	case "ping":
		s.sendJSONRPCResult(w, req.ID, map[string]any{})
	case "tools/list":
		s.handleToolsList(w, r, req)
	case "tools/call":
		s.handleToolsCall(w, r, req)
	case "resources/list":
		s.handleResourcesList(w, r, req)
	case "resources/read":
		s.handleResourcesRead(w, r, req)
	default:
		s.sendJSONRPCError(w, req.ID, JSONRPCMethodNotFound, "method not found")
	}
}

// handleInitialize handles the MCP initialize handshake and creates a session.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	token := bearerToken(r)
	subject := ""
	if s.verifier != nil {
		if token == "" {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, "authentication required")
			return
		}
		sub, err := s.verifier.Verify(token)
		if err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, "invalid or expired token")
			return
		}
		subject = sub
	}

	sess := s.sessions.create(latestProtocolVersion, subject, token)
	s.logger.Info("MCP session created",
		"session_id", sess.id,
		"protocol_version", sess.protocolVersion,
		"subject", subject,
	)

	w.Header().Set("Mcp-Session-Id", sess.id)
	result := map[string]any{
		"protocolVersion": latestProtocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    s.name,
			"version": s.version,
		},
	}
	s.sendJSONRPCResult(w, req.ID, result)
}

// handleToolsList handles tools/list requests.
func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	tools, err := s.backend.Tools(r.Context())
	if err != nil {
		s.logger.Error("listing tools", "error", err)
		s.sendJSONRPCError(w, req.ID, JSONRPCInternalError, "failed to list tools")
		return
	}

	result := MCPListToolsResult{Tools: make([]MCPToolInfo, len(tools))}
	for i, tool := range tools {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		result.Tools[i] = MCPToolInfo{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		}
	}
	s.logger.Debug("tools/list", "count", len(tools))
	s.sendJSONRPCResult(w, req.ID, result)
}

// handleToolsCall handles tools/call requests.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	var params MCPCallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid params")
			return
		}
	}
	if params.Name == "" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "tool name is required")
		return
	}

	reply := s.backend.InvokeTool(r.Context(), dispatch.ToolCall{
		Name:      params.Name,
		Arguments: params.Arguments,
	})
	if errors.Is(reply.Err, dispatch.ErrToolNotFound) {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "tool not found")
		return
	}

	s.logger.Debug("tools/call complete", "tool_name", params.Name, "is_error", reply.IsError)
	s.sendJSONRPCResult(w, req.ID, MCPCallToolResult{
		Content: []MCPContent{{Type: "text", Text: reply.Content}},
		IsError: reply.IsError,
	})
}

// handleResourcesList handles resources/list requests.
func (s *Server) handleResourcesList(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	resources, err := s.backend.Resources(r.Context())
	if err != nil {
		s.logger.Error("listing resources", "error", err)
		s.sendJSONRPCError(w, req.ID, JSONRPCInternalError, "failed to list resources")
		return
	}

	result := MCPListResourcesResult{Resources: make([]MCPResourceInfo, len(resources))}
	for i, res := range resources {
		result.Resources[i] = MCPResourceInfo{
			URI:         res.Location,
			Name:        res.Name,
			Description: res.Description,
			MimeType:    res.MimeType,
		}
	}
	s.sendJSONRPCResult(w, req.ID, result)
}

// handleResourcesRead handles resources/read requests.
func (s *Server) handleResourcesRead(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	var params MCPReadResourceParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid params")
			return
		}
	}
	if params.URI == "" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "resource uri is required")
		return
	}

	name, err := s.resourceName(r.Context(), params.URI)
	if err != nil {
		s.logger.Error("listing resources", "error", err)
		s.sendJSONRPCError(w, req.ID, JSONRPCInternalError, "failed to resolve resource")
		return
	}

	reply := s.backend.AcquireResource(r.Context(), dispatch.ResourceCall{Name: name, Params: params.Params})
	switch {
	case errors.Is(reply.Err, dispatch.ErrResourceNotFound):
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "resource not found")
		return
	case reply.IsError:
		s.logger.Warn("resource read failed", "resource_uri", params.URI, "error", reply.Content)
		s.sendJSONRPCError(w, req.ID, JSONRPCInternalError, reply.Content)
		return
	}

	s.sendJSONRPCResult(w, req.ID, MCPReadResourceResult{
		Contents: []MCPResourceContents{{URI: params.URI, MimeType: reply.MimeType, Text: reply.Content}},
	})
}

// resourceName maps a resource location to its catalog name. Unknown
// locations are treated as names.
func (s *Server) resourceName(ctx context.Context, uri string) (string, error) {
	resources, err := s.backend.Resources(ctx)
	if err != nil {
		return "", err
	}
	for _, res := range resources {
		if res.Location == uri {
			return res.Name, nil
		}
	}
	return uri, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// sendJSONRPCResult sends a successful JSON-RPC response.
func (s *Server) sendJSONRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

// sendJSONRPCError sends a JSON-RPC error response.
func (s *Server) sendJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC error response", "error", err)
	}
}
