package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/glycerine/idem"
	"golang.org/x/time/rate"

	"tabbridge/internal/event"
	"tabbridge/internal/logging"
	"tabbridge/internal/metrics"
	"tabbridge/internal/protocol"
)

const (
	DefaultPeerLogRate  = 20
	DefaultPeerLogBurst = 40

	shutdownCloseReason = "server shutting down"
	peerEventHistory    = 64
)

// ManifestSource supplies the raw tool records pushed to peers.
type ManifestSource interface {
	Manifest() []json.RawMessage
}

type Options struct {
	Token        string
	CallTimeout  time.Duration
	PeerLogRate  float64
	PeerLogBurst int
	Catalog      ManifestSource
	Logger       *logging.Logger
	Metrics      *metrics.Registry
}

// Bridge owns the peer registry and everything that acts on it: admission,
// dispatch, inbound routing, manifest broadcast, and shutdown.
type Bridge struct {
	registry     *Registry
	dispatcher   *Dispatcher
	router       *Router
	catalog      ManifestSource
	events       *event.Bus[event.Event]
	logger       *logging.Logger
	metrics      *metrics.Registry
	peerLogRate  rate.Limit
	peerLogBurst int
	halt         *idem.Halter
}

func New(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registryMetrics := opts.Metrics
	if registryMetrics == nil {
		registryMetrics = metrics.Default
	}
	logRate := opts.PeerLogRate
	if logRate <= 0 {
		logRate = DefaultPeerLogRate
	}
	logBurst := opts.PeerLogBurst
	if logBurst <= 0 {
		logBurst = DefaultPeerLogBurst
	}

	registry := NewRegistry(opts.Token)
	return &Bridge{
		registry:   registry,
		dispatcher: NewDispatcher(registry, opts.CallTimeout, logger, registryMetrics),
		router:     NewRouter(logger, registryMetrics),
		catalog:    opts.Catalog,
		events: event.NewBus[event.Event](context.Background(), event.BusOptions{
			Name:        "peers",
			HistorySize: peerEventHistory,
			Registry:    registryMetrics,
			Logger:      logger,
		}),
		logger:       logger,
		metrics:      registryMetrics,
		peerLogRate:  rate.Limit(logRate),
		peerLogBurst: logBurst,
		halt:         idem.NewHalterNamed("bridge"),
	}
}

func (b *Bridge) Registry() *Registry {
	return b.registry
}

func (b *Bridge) Dispatcher() *Dispatcher {
	return b.dispatcher
}

func (b *Bridge) Events() *event.Bus[event.Event] {
	return b.events
}

// Done is closed once Shutdown has finished.
func (b *Bridge) Done() <-chan struct{} {
	return b.halt.Done.Chan
}

// Admit authenticates a connecting peer, greets it, registers it, and pushes
// the current manifest to every peer.
func (b *Bridge) Admit(token string, info PeerInfo, transport Transport) (*Session, error) {
	if b.halt.ReqStop.IsClosed() {
		return nil, ErrBridgeClosed
	}
	limiter := rate.NewLimiter(b.peerLogRate, b.peerLogBurst)
	session, err := b.registry.Admit(token, info, transport, limiter, func(session *Session) error {
		return session.Send(protocol.NewWelcome(session.id))
	})
	if err != nil {
		if errors.Is(err, ErrAuthRejected) {
			b.metrics.IncPeerRejected()
			b.logger.Warn("peer rejected", map[string]string{
				logging.FieldCategory: "peer",
				"url":                 info.URL,
			})
		}
		return nil, err
	}
	b.metrics.IncPeerAdmitted()

	fields := map[string]string{
		logging.FieldCategory: "peer",
		logging.FieldPeerID:   session.id,
		"url":                 session.info.URL,
		"user_agent":          session.info.UserAgent,
	}
	b.logger.Info("peer connected", fields)
	b.BroadcastManifest()

	peerEvent := event.NewPeerEvent(event.TypePeerConnected, session.id)
	peerEvent.URL = session.info.URL
	peerEvent.UserAgent = session.info.UserAgent
	b.events.Publish(peerEvent)
	return session, nil
}

// HandleInbound routes one frame received from session.
func (b *Bridge) HandleInbound(session *Session, data []byte) {
	b.router.Route(session, data)
}

// Disconnect removes session and fails every call still waiting on it. It is
// safe to call more than once; only the first call publishes an event.
func (b *Bridge) Disconnect(session *Session, reason string) int {
	if session == nil {
		return 0
	}
	removed := b.registry.removeSession(session)
	failed := session.calls.failAll(ErrPeerDisconnected)
	if !removed {
		return failed
	}
	b.metrics.IncPeerDisconnected()
	b.logger.Info("peer disconnected", map[string]string{
		logging.FieldCategory: "peer",
		logging.FieldPeerID:   session.id,
		"reason":              reason,
		"failed_calls":        strconv.Itoa(failed),
	})
	peerEvent := event.NewPeerEvent(event.TypePeerDisconnected, session.id)
	peerEvent.URL = session.info.URL
	peerEvent.Reason = reason
	peerEvent.Failed = failed
	b.events.Publish(peerEvent)
	return failed
}

// BroadcastManifest sends the current catalog to every connected peer and
// returns how many accepted it. Per-peer failures are logged only.
func (b *Bridge) BroadcastManifest() int {
	var tools []json.RawMessage
	if b.catalog != nil {
		tools = b.catalog.Manifest()
	}
	manifest := protocol.NewToolsManifest(tools)

	delivered := 0
	for _, session := range b.registry.All() {
		if err := session.Send(manifest); err != nil {
			b.logger.Warn("manifest send failed", map[string]string{
				logging.FieldCategory: "catalog",
				logging.FieldPeerID:   session.id,
				"error":               err.Error(),
			})
			continue
		}
		b.metrics.IncManifestSent()
		delivered++
	}
	return delivered
}

// CatalogChanged pushes a reloaded catalog to all peers.
func (b *Bridge) CatalogChanged(source string) {
	delivered := b.BroadcastManifest()
	toolCount := 0
	if b.catalog != nil {
		toolCount = len(b.catalog.Manifest())
	}
	b.logger.Info("catalog broadcast", map[string]string{
		logging.FieldCategory: "catalog",
		"source":              source,
		"tools":               strconv.Itoa(toolCount),
		"recipients":          strconv.Itoa(delivered),
	})
	b.events.Publish(event.NewCatalogEvent(source, toolCount, delivered))
}

func (b *Bridge) Invoke(ctx context.Context, target, operation string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return b.dispatcher.Invoke(ctx, target, operation, args, timeout)
}

// Peers lists the connected peers in admission order.
func (b *Bridge) Peers() []PeerSnapshot {
	sessions := b.registry.All()
	snapshots := make([]PeerSnapshot, 0, len(sessions))
	for _, session := range sessions {
		snapshots = append(snapshots, session.Snapshot())
	}
	return snapshots
}

// Shutdown refuses new peers, closes every transport, fails all pending
// calls, and closes the event bus.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.halt.ReqStop.IsClosed() {
		select {
		case <-b.halt.Done.Chan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.halt.ReqStop.Close()
	defer b.halt.Done.Close()

	var errs []error
	for _, session := range b.registry.close() {
		if err := session.close(CloseGoingAway, shutdownCloseReason); err != nil {
			errs = append(errs, err)
		}
		failed := session.calls.failAll(ErrPeerDisconnected)
		b.metrics.IncPeerDisconnected()
		peerEvent := event.NewPeerEvent(event.TypePeerDisconnected, session.id)
		peerEvent.Reason = "shutdown"
		peerEvent.Failed = failed
		b.events.Publish(peerEvent)
	}
	b.events.Close()
	b.logger.Info("bridge stopped", map[string]string{logging.FieldCategory: "bridge"})
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
