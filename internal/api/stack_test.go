package api

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tabbridge/internal/bridge"
	"tabbridge/internal/catalog"
	"tabbridge/internal/logging"
	"tabbridge/internal/mcp"
	"tabbridge/internal/metrics"
)

const (
	testPeerToken    = "peer-secret"
	testControlToken = "control-secret"
	testCatalog      = `[{"name":"click","description":"Click an element","parameters":{"type":"object","properties":{"selector":{"type":"string"}}}}]`
)

type testStack struct {
	bridge   *bridge.Bridge
	store    *catalog.Store
	sessions *mcp.SessionHub
	logger   *logging.Logger
	metrics  *metrics.Registry
	server   *httptest.Server
	dir      string
	script   string
}

func newTestStack(t *testing.T, configure func(*Options)) *testStack {
	t.Helper()

	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "tools.json")
	if err := os.WriteFile(catalogPath, []byte(testCatalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(200), logging.LevelDebug, io.Discard)
	registry := &metrics.Registry{}
	store := catalog.NewStore(catalogPath, logger, registry)
	if err := store.Reload(); err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	b := bridge.New(bridge.Options{
		Token:       testPeerToken,
		CallTimeout: 2 * time.Second,
		Catalog:     store,
		Logger:      logger,
		Metrics:     registry,
	})
	sessions := mcp.NewSessionHub(8, logger)
	server := mcp.NewServer(mcp.ServerOptions{Invoker: b, Tools: store, Logger: logger})

	stack := &testStack{
		bridge:   b,
		store:    store,
		sessions: sessions,
		logger:   logger,
		metrics:  registry,
		dir:      dir,
		script:   filepath.Join(dir, "tabbridge.user.js"),
	}
	opts := Options{
		Bridge:       b,
		Catalog:      store,
		MCP:          server,
		Sessions:     sessions,
		Logger:       logger,
		Metrics:      registry,
		ControlToken: testControlToken,
		UpdateScript: stack.script,
	}
	if configure != nil {
		configure(&opts)
	}
	stack.server = newSSETestServer(t, NewHandler(opts))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
		sessions.CloseAll()
		stack.server.Close()
	})
	return stack
}

func (s *testStack) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/mcp-bridge?" + query
}

func (s *testStack) dialPeer(t *testing.T, pageURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL("token="+testPeerToken+"&url="+pageURL+"&ua=TestAgent"), nil)
	if err != nil {
		t.Fatalf("dial peer: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// admitPeer dials a peer and consumes its welcome and manifest frames.
func (s *testStack) admitPeer(t *testing.T, pageURL string) (*websocket.Conn, string) {
	t.Helper()
	conn := s.dialPeer(t, pageURL)
	welcome := readFrame(t, conn)
	if welcome["type"] != "WELCOME" {
		t.Fatalf("expected WELCOME, got %v", welcome)
	}
	manifest := readFrame(t, conn)
	if manifest["type"] != "TOOLS_MANIFEST" {
		t.Fatalf("expected TOOLS_MANIFEST, got %v", manifest)
	}
	id, _ := welcome["id"].(string)
	return conn, id
}

func waitFor(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", message)
}
