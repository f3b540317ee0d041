// ABOUTME: HTTP management API: registry views, REST discovery, catalog, and dispatch
// ABOUTME: chi routes under /api/v1 plus health checks, the MCP endpoint, and the SSE event stream

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/caprouter/internal/auth"
	"github.com/2389/caprouter/internal/dispatch"
	"github.com/2389/caprouter/internal/namespace"
	"github.com/2389/caprouter/internal/registry"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 20

// InvokeRequest is the JSON body for POST /api/v1/tools/{name}/invoke.
type InvokeRequest struct {
	Arguments map[string]any    `json:"arguments,omitempty"`
	Body      string            `json:"body,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// ReadRequest is the JSON body for POST /api/v1/resources/{name}/read.
type ReadRequest struct {
	Params map[string]string `json:"params,omitempty"`
}

// routes builds the HTTP handler tree.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog(g.logger.With("component", "http")))

	// Health endpoints - no auth required
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	r.Handle("/mcp", g.mcpServer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.HTTPAuthMiddleware(g.tokenVerifier(), g.logger.With("component", "http-auth")))

		r.Get("/targets", g.handleListTargets)
		r.Get("/targets/{id}/state", g.handleTargetState)
		r.Get("/namespaces", g.handleListNamespaces)
		r.Get("/events", g.handleEvents)

		r.Route("/discovery", func(r chi.Router) {
			r.Post("/register", g.handleRegister)
			r.Post("/deregister", g.handleDeregister)
			r.Post("/ping/{id}", g.handlePing)
			r.Post("/update/{id}", g.handleUpdateState)
		})

		r.Get("/tools", g.handleListTools)
		r.Post("/tools", g.handleAddTool)
		r.Delete("/tools/{name}", g.handleRemoveTool)
		r.Post("/tools/{name}/invoke", g.handleInvokeTool)

		r.Get("/resources", g.handleListResources)
		r.Post("/resources", g.handleAddResource)
		r.Delete("/resources/{name}", g.handleRemoveResource)
		r.Post("/resources/{name}/read", g.handleReadResource)
	})

	return r
}

// tokenVerifier returns the configured verifier, or a nil interface when
// authentication is disabled.
func (g *Gateway) tokenVerifier() auth.TokenVerifier {
	if g.verifier == nil {
		return nil
	}
	return g.verifier
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	if err := g.store.Ping(); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d targets)", g.registry.Count())
}

func (g *Gateway) handleListTargets(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("type")
	if raw == "" {
		writeJSON(w, http.StatusOK, nonNil(g.registry.All()))
		return
	}
	serviceType, err := registry.ParseServiceType(raw)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(g.registry.Entries(serviceType)))
}

func (g *Gateway) handleTargetState(w http.ResponseWriter, r *http.Request) {
	record, err := g.registry.States(chi.URLParam(r, "id"))
	if err != nil {
		g.sendRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (g *Gateway) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	slots, err := g.namespaces.List(r.Context())
	if err != nil {
		g.logger.Error("listing namespaces", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(slots))
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var target registry.ServiceTarget
	if !g.decodeBody(w, r, &target) {
		return
	}
	stored, err := g.registry.Register(target)
	if err != nil {
		g.sendRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (g *Gateway) handleDeregister(w http.ResponseWriter, r *http.Request) {
	var target registry.ServiceTarget
	if !g.decodeBody(w, r, &target) {
		return
	}
	if err := g.registry.Deregister(target); err != nil {
		g.sendRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handlePing(w http.ResponseWriter, r *http.Request) {
	if err := g.registry.Ping(chi.URLParam(r, "id")); err != nil {
		g.sendRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	var state registry.ServiceState
	if !g.decodeBody(w, r, &state) {
		return
	}
	if err := g.registry.UpdateState(chi.URLParam(r, "id"), state); err != nil {
		g.sendRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := g.dispatcher.Tools(r.Context())
	if err != nil {
		g.logger.Error("listing tools", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	out := make([]dispatch.ToolReference, len(tools))
	for i, t := range tools {
		out[i] = t.Redacted()
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleAddTool(w http.ResponseWriter, r *http.Request) {
	var tool dispatch.ToolReference
	if !g.decodeBody(w, r, &tool) {
		return
	}
	stored, err := g.dispatcher.AddTool(r.Context(), tool)
	if err != nil {
		g.sendCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored.Redacted())
}

func (g *Gateway) handleRemoveTool(w http.ResponseWriter, r *http.Request) {
	if err := g.dispatcher.RemoveTool(r.Context(), chi.URLParam(r, "name")); err != nil {
		g.sendCatalogError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	var req InvokeRequest
	if r.ContentLength != 0 && !g.decodeBody(w, r, &req) {
		return
	}
	reply := g.dispatcher.InvokeTool(r.Context(), dispatch.ToolCall{
		Name:      chi.URLParam(r, "name"),
		Arguments: req.Arguments,
		Body:      req.Body,
		Headers:   req.Headers,
	})
	if errors.Is(reply.Err, dispatch.ErrToolNotFound) {
		g.sendJSONError(w, http.StatusNotFound, reply.Content)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (g *Gateway) handleListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := g.dispatcher.Resources(r.Context())
	if err != nil {
		g.logger.Error("listing resources", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	out := make([]dispatch.ResourceReference, len(resources))
	for i, res := range resources {
		out[i] = res.Redacted()
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleAddResource(w http.ResponseWriter, r *http.Request) {
	var res dispatch.ResourceReference
	if !g.decodeBody(w, r, &res) {
		return
	}
	stored, err := g.dispatcher.AddResource(r.Context(), res)
	if err != nil {
		g.sendCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored.Redacted())
}

func (g *Gateway) handleRemoveResource(w http.ResponseWriter, r *http.Request) {
	if err := g.dispatcher.RemoveResource(r.Context(), chi.URLParam(r, "name")); err != nil {
		g.sendCatalogError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleReadResource(w http.ResponseWriter, r *http.Request) {
	var req ReadRequest
	if r.ContentLength != 0 && !g.decodeBody(w, r, &req) {
		return
	}
	reply := g.dispatcher.AcquireResource(r.Context(), dispatch.ResourceCall{
		Name:   chi.URLParam(r, "name"),
		Params: req.Params,
	})
	if errors.Is(reply.Err, dispatch.ErrResourceNotFound) {
		g.sendJSONError(w, http.StatusNotFound, reply.Content)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// decodeBody parses a JSON request body into v, answering 400 on failure.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (g *Gateway) sendRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrInvalidTarget):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("registry operation failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (g *Gateway) sendCatalogError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrToolNotFound), errors.Is(err, dispatch.ErrResourceNotFound):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrInvalidReference):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, namespace.ErrPoolExhausted):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	default:
		g.logger.Error("catalog operation failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
