package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"tabbridge/internal/api"
	"tabbridge/internal/bridge"
	"tabbridge/internal/catalog"
	"tabbridge/internal/logging"
	"tabbridge/internal/mcp"
	"tabbridge/internal/metrics"
	"tabbridge/internal/telemetry"
	"tabbridge/internal/version"
)

const readHeaderTimeout = 5 * time.Second

// app is the wired server: one bridge, its catalog, the MCP front end, and
// the HTTP surface over them.
type app struct {
	cfg      Config
	logger   *logging.Logger
	metrics  *metrics.Registry
	store    *catalog.Store
	bridge   *bridge.Bridge
	sessions *mcp.SessionHub
	handler  http.Handler
}

func newApp(cfg Config, logOutput io.Writer) *app {
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), cfg.LogLevel, logOutput)
	registry := metrics.Default

	store := catalog.NewStore(cfg.Catalog, logger, registry)
	if err := store.Reload(); err != nil {
		logger.Error("catalog load failed", map[string]string{
			logging.FieldCategory: "catalog",
			"path":                cfg.Catalog,
			"error":               err.Error(),
		})
	}

	b := bridge.New(bridge.Options{
		Token:        cfg.Token,
		CallTimeout:  cfg.CallTimeout,
		PeerLogRate:  cfg.PeerLogRate,
		PeerLogBurst: cfg.PeerLogBurst,
		Catalog:      store,
		Logger:       logger,
		Metrics:      registry,
	})
	sessions := mcp.NewSessionHub(mcp.DefaultSessionQueue, logger)
	server := mcp.NewServer(mcp.ServerOptions{
		Invoker:     b,
		Tools:       store,
		Logger:      logger,
		CallTimeout: cfg.CallTimeout,
	})

	handler := api.NewHandler(api.Options{
		Bridge:         b,
		Catalog:        store,
		MCP:            server,
		Sessions:       sessions,
		Logger:         logger,
		Metrics:        registry,
		ControlToken:   cfg.ControlToken,
		AllowedOrigins: cfg.AllowedOrigins,
		UpdateScript:   cfg.UpdateScript,
		PeerQueue:      cfg.PeerQueue,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  registry,
		store:    store,
		bridge:   b,
		sessions: sessions,
		handler:  handler,
	}
}

// catalogReloaded pushes a new catalog to peers and tells MCP clients to
// refetch their tool list.
func (a *app) catalogReloaded(source string) {
	a.bridge.CatalogChanged(source)
	notified := a.sessions.NotifyToolsChanged()
	a.logger.Debug("tools list change announced", map[string]string{
		logging.FieldCategory: "mcp",
		"sessions":            strconv.Itoa(notified),
	})
}

// run serves on listener until stop is cancelled or the server fails.
func (a *app) run(stop context.Context, listener net.Listener) error {
	streamCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	httpServer := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return streamCtx
		},
	}

	lc := newLifecycle(a.logger, a.cfg.ShutdownTimeout)
	if a.cfg.WatchCatalog {
		watcher, err := catalog.Watch(stop, a.store, catalog.DefaultDebounce, a.catalogReloaded)
		if err != nil {
			a.logger.Warn("catalog watch unavailable", map[string]string{
				logging.FieldCategory: "catalog",
				"path":                a.cfg.Catalog,
				"error":               err.Error(),
			})
		} else {
			lc.onShutdown("catalog watcher", func(context.Context) error {
				return watcher.Close()
			})
		}
	}
	lc.drainBridge(a.bridge)
	lc.onShutdown("streams", func(context.Context) error {
		a.sessions.CloseAll()
		cancelStreams()
		return nil
	})
	lc.onShutdown("http", httpServer.Shutdown)

	a.logger.Info("tabbridge listening", map[string]string{
		logging.FieldCategory: "server",
		"addr":                listener.Addr().String(),
		"version":             version.Version,
		"catalog":             a.cfg.Catalog,
		"tools":               strconv.Itoa(a.store.Snapshot().Len()),
	})

	return lc.serve(stop, func() error {
		return httpServer.Serve(listener)
	})
}

func runServe(ctx context.Context, cfg Config, logOutput io.Writer) error {
	if cfg.Token == "" {
		return errTokenRequired
	}
	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	a := newApp(cfg, logOutput)

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}

	stop, release := trapSignals(ctx, a.logger)
	defer release()
	return a.run(stop, listener)
}
