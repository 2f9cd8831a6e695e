package api

import (
	"net/http"
	"time"

	"tabbridge/internal/bridge"
	"tabbridge/internal/catalog"
	"tabbridge/internal/logging"
	"tabbridge/internal/mcp"
	"tabbridge/internal/metrics"
)

type Options struct {
	Bridge         *bridge.Bridge
	Catalog        *catalog.Store
	MCP            *mcp.Server
	Sessions       *mcp.SessionHub
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	ControlToken   string
	AllowedOrigins []string
	UpdateScript   string
	PeerQueue      int
	PeerWriteLimit time.Duration
}

// NewHandler builds the complete HTTP surface: routes plus the CORS and
// request logging middleware.
func NewHandler(opts Options) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, opts)
	return corsMiddleware(loggingMiddleware(opts.Logger, mux))
}

func RegisterRoutes(mux *http.ServeMux, opts Options) {
	logger := opts.Logger
	controlToken := opts.ControlToken

	mux.Handle("/mcp-bridge", &PeerHandler{
		Bridge:         opts.Bridge,
		Logger:         logger,
		AllowedOrigins: opts.AllowedOrigins,
		QueueSize:      opts.PeerQueue,
		WriteTimeout:   opts.PeerWriteLimit,
	})

	mux.Handle("/sse", securityHeadersMiddleware(cacheControlNoStore, &MCPStreamHandler{
		Sessions: opts.Sessions,
		Logger:   logger,
	}))
	messages := &MCPMessageHandler{Server: opts.MCP, Sessions: opts.Sessions, Logger: logger}
	mux.Handle("/messages", securityHeadersMiddleware(cacheControlNoStore, jsonErrorMiddleware(messages.handle)))
	direct := &MCPHTTPHandler{Server: opts.MCP}
	mux.Handle("/mcp", securityHeadersMiddleware(cacheControlNoStore, jsonErrorMiddleware(direct.handle)))

	health := &HealthHandler{Bridge: opts.Bridge, Catalog: opts.Catalog}
	mux.Handle("/health", securityHeadersMiddleware(cacheControlNoStore, jsonErrorMiddleware(health.handle)))
	update := &UpdateHandler{Path: opts.UpdateScript, Logger: logger}
	mux.Handle("/update", securityHeadersMiddleware(cacheControlNoCache, jsonErrorMiddleware(update.handle)))

	mux.Handle("/api/logs/stream", securityHeadersMiddleware(cacheControlNoStore, &LogsSSEHandler{
		Logger:    logger,
		AuthToken: controlToken,
	}))
	mux.Handle("/api/peers/events", securityHeadersMiddleware(cacheControlNoStore, &PeerEventsSSEHandler{
		Bridge:    opts.Bridge,
		Logger:    logger,
		AuthToken: controlToken,
	}))
	metricsHandler := &MetricsHandler{Registry: opts.Metrics}
	mux.Handle("/metrics", securityHeadersMiddleware(cacheControlNoStore, restHandler(controlToken, metricsHandler.handle)))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w, cacheControlNoCache)
		if r.URL.Path != "/" {
			writeJSONError(w, &apiError{Status: http.StatusNotFound, Message: "not found"})
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("tabbridge ok\n"))
	})
}
