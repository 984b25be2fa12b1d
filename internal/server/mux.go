// Package server provides HTTP server construction for roomsync.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/roomsync/internal/auth"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Store      *auth.Store
	MCPHandler http.Handler
	Logger     *slog.Logger

	// Ready reports whether the session has finished its initial sync.
	// A nil Ready always reports true.
	Ready func() bool
}

// NewMux builds the HTTP mux with a health endpoint and the MCP
// endpoint. The MCP endpoint requires an API key.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		if cfg.Ready != nil && !cfg.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("syncing\n"))

			return
		}

		w.Write([]byte("ok\n"))
	})

	authMiddleware := auth.Middleware(cfg.Store, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}
