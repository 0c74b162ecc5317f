// Package hubapi exposes a small JSON HTTP surface over an mcphub.Hub so the
// embedding process can mount server, tool, resource, and prompt inspection
// plus tool invocation under one handler. It intentionally carries no UI.
package hubapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rs/cors"

	"github.com/hubforge/mcp-hub-go/pkg/mcphub"
)

// Options configure the HTTP surface.
type Options struct {
	// Logger receives request diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// AllowedOrigins is passed to the CORS middleware; empty allows all.
	AllowedOrigins []string
}

// Server wraps a Hub with HTTP handlers.
type Server struct {
	hub     *mcphub.Hub
	logger  *slog.Logger
	handler http.Handler
}

// New builds the HTTP surface for hub.
func New(hub *mcphub.Hub, opts *Options) *Server {
	options := Options{}
	if opts != nil {
		options = *opts
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	s := &Server{hub: hub, logger: options.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /servers", s.handleServers)
	mux.HandleFunc("GET /servers/all", s.handleAllServers)
	mux.HandleFunc("GET /tools", s.handleTools)
	mux.HandleFunc("GET /resources", s.handleResources)
	mux.HandleFunc("GET /prompts", s.handlePrompts)
	mux.HandleFunc("POST /tools/call", s.handleCallTool)
	mux.HandleFunc("POST /resources/read", s.handleReadResource)

	c := cors.New(cors.Options{
		AllowedOrigins: options.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	})
	s.handler = c.Handler(mux)
	return s
}

// Handler returns the mountable HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.hub.GetServers())
}

func (s *Server) handleAllServers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.hub.GetAllServers())
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.hub.GetTools(r.Context()))
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.hub.GetResources(r.Context()))
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.hub.GetPrompts(r.Context()))
}

type callToolRequest struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req callToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result := s.hub.CallTool(r.Context(), req.Server, req.Tool, req.Arguments)
	if result.Error != "" {
		s.logger.Warn("tool call failed", "server", req.Server, "tool", req.Tool, "error", result.Error)
	}
	s.writeJSON(w, result)
}

type readResourceRequest struct {
	Server string `json:"server"`
	URI    string `json:"uri"`
}

func (s *Server) handleReadResource(w http.ResponseWriter, r *http.Request) {
	var req readResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result := s.hub.ReadResource(r.Context(), req.Server, req.URI)
	if result.Error != "" {
		s.logger.Warn("resource read failed", "server", req.Server, "uri", req.URI, "error", result.Error)
	}
	s.writeJSON(w, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
