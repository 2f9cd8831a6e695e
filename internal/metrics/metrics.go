package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Call outcomes recorded by RecordCall.
const (
	OutcomeOK           = "ok"
	OutcomePeerError    = "peer_error"
	OutcomeTimeout      = "timeout"
	OutcomeNoTarget     = "no_target"
	OutcomeDisconnected = "disconnected"
	OutcomeCancelled    = "cancelled"
	OutcomeQueueFull    = "queue_full"
)

type Registry struct {
	peersAdmitted     atomic.Int64
	peersRejected     atomic.Int64
	peersDisconnected atomic.Int64
	peersConnected    atomic.Int64
	peerLogsDropped   atomic.Int64
	manifestsSent     atomic.Int64
	catalogReloads    atomic.Int64
	catalogFailures   atomic.Int64

	calls           sync.Map
	inboundDropped  sync.Map
	eventPublished  sync.Map
	eventDropped    sync.Map
	eventSubscribed sync.Map
}

type callStats struct {
	count         atomic.Int64
	durationNanos atomic.Int64
}

type subscriberCounts struct {
	filtered   atomic.Int64
	unfiltered atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncPeerAdmitted() {
	if r == nil {
		return
	}
	r.peersAdmitted.Add(1)
	r.peersConnected.Add(1)
}

func (r *Registry) IncPeerRejected() {
	if r == nil {
		return
	}
	r.peersRejected.Add(1)
}

func (r *Registry) IncPeerDisconnected() {
	if r == nil {
		return
	}
	r.peersDisconnected.Add(1)
	r.peersConnected.Add(-1)
}

func (r *Registry) IncPeerLogDropped() {
	if r == nil {
		return
	}
	r.peerLogsDropped.Add(1)
}

func (r *Registry) IncManifestSent() {
	if r == nil {
		return
	}
	r.manifestsSent.Add(1)
}

func (r *Registry) RecordCatalogReload(err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.catalogFailures.Add(1)
		return
	}
	r.catalogReloads.Add(1)
}

func (r *Registry) IncInboundDropped(reason string) {
	if r == nil {
		return
	}
	counterFor(&r.inboundDropped, labelOrUnknown(reason)).Add(1)
}

func (r *Registry) RecordCall(outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	value, _ := r.calls.LoadOrStore(labelOrUnknown(outcome), &callStats{})
	stats := value.(*callStats)
	stats.count.Add(1)
	stats.durationNanos.Add(duration.Nanoseconds())
}

// CallCount returns the number of calls recorded with the outcome.
func (r *Registry) CallCount(outcome string) int64 {
	if r == nil {
		return 0
	}
	value, ok := r.calls.Load(outcome)
	if !ok {
		return 0
	}
	return value.(*callStats).count.Load()
}

func (r *Registry) PeersConnected() int64 {
	if r == nil {
		return 0
	}
	return r.peersConnected.Load()
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	counterFor(&r.eventPublished, bus+"\x00"+labelOrUnknown(eventType)).Add(1)
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	counterFor(&r.eventDropped, bus+"\x00"+labelOrUnknown(eventType)).Add(1)
}

func (r *Registry) SetEventSubscriberCounts(bus string, filtered, unfiltered int) {
	if r == nil {
		return
	}
	value, _ := r.eventSubscribed.LoadOrStore(bus, &subscriberCounts{})
	counts := value.(*subscriberCounts)
	counts.filtered.Store(int64(filtered))
	counts.unfiltered.Store(int64(unfiltered))
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "tabbridge_peers_admitted_total", "Peers admitted", r.peersAdmitted.Load())
	writeCounter(writer, "tabbridge_peers_rejected_total", "Peers rejected at admission", r.peersRejected.Load())
	writeCounter(writer, "tabbridge_peers_disconnected_total", "Peers disconnected", r.peersDisconnected.Load())
	writeGauge(writer, "tabbridge_peers_connected", "Peers currently connected", r.peersConnected.Load())
	writeCounter(writer, "tabbridge_peer_logs_dropped_total", "Peer log records dropped by rate limiting", r.peerLogsDropped.Load())
	writeCounter(writer, "tabbridge_manifests_sent_total", "Tool manifests delivered to peers", r.manifestsSent.Load())
	writeCounter(writer, "tabbridge_catalog_reloads_total", "Successful catalog reloads", r.catalogReloads.Load())
	writeCounter(writer, "tabbridge_catalog_reload_failures_total", "Failed catalog reloads", r.catalogFailures.Load())

	writeHelp(writer, "tabbridge_calls_total", "Dispatched calls by outcome")
	fmt.Fprintln(writer, "# TYPE tabbridge_calls_total counter")
	writeHelp(writer, "tabbridge_call_duration_seconds", "Dispatched call duration in seconds")
	fmt.Fprintln(writer, "# TYPE tabbridge_call_duration_seconds summary")
	for _, outcome := range sortedKeys(&r.calls) {
		value, _ := r.calls.Load(outcome)
		stats := value.(*callStats)
		label := formatLabel(outcome)
		durationSeconds := float64(stats.durationNanos.Load()) / float64(time.Second)
		fmt.Fprintf(writer, "tabbridge_calls_total{outcome=%s} %d\n", label, stats.count.Load())
		fmt.Fprintf(writer, "tabbridge_call_duration_seconds_sum{outcome=%s} %.6f\n", label, durationSeconds)
		fmt.Fprintf(writer, "tabbridge_call_duration_seconds_count{outcome=%s} %d\n", label, stats.count.Load())
	}

	writeHelp(writer, "tabbridge_inbound_dropped_total", "Inbound peer messages dropped")
	fmt.Fprintln(writer, "# TYPE tabbridge_inbound_dropped_total counter")
	for _, reason := range sortedKeys(&r.inboundDropped) {
		fmt.Fprintf(writer, "tabbridge_inbound_dropped_total{reason=%s} %d\n", formatLabel(reason), loadCounter(&r.inboundDropped, reason))
	}

	writeBusCounters(writer, "tabbridge_events_published_total", "Events published", &r.eventPublished)
	writeBusCounters(writer, "tabbridge_events_dropped_total", "Events dropped", &r.eventDropped)

	writeHelp(writer, "tabbridge_event_subscribers", "Event bus subscribers")
	fmt.Fprintln(writer, "# TYPE tabbridge_event_subscribers gauge")
	for _, bus := range sortedKeys(&r.eventSubscribed) {
		value, _ := r.eventSubscribed.Load(bus)
		counts := value.(*subscriberCounts)
		fmt.Fprintf(writer, "tabbridge_event_subscribers{bus=%s,filtered=\"true\"} %d\n", formatLabel(bus), counts.filtered.Load())
		fmt.Fprintf(writer, "tabbridge_event_subscribers{bus=%s,filtered=\"false\"} %d\n", formatLabel(bus), counts.unfiltered.Load())
	}

	return nil
}

func writeBusCounters(writer io.Writer, metric, help string, values *sync.Map) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	for _, key := range sortedKeys(values) {
		bus, eventType, _ := strings.Cut(key, "\x00")
		fmt.Fprintf(writer, "%s{bus=%s,type=%s} %d\n", metric, formatLabel(bus), formatLabel(eventType), loadCounter(values, key))
	}
}

func counterFor(values *sync.Map, key string) *atomic.Int64 {
	value, _ := values.LoadOrStore(key, &atomic.Int64{})
	return value.(*atomic.Int64)
}

func loadCounter(values *sync.Map, key string) int64 {
	value, ok := values.Load(key)
	if !ok {
		return 0
	}
	return value.(*atomic.Int64).Load()
}

func sortedKeys(values *sync.Map) []string {
	var keys []string
	values.Range(func(key, _ any) bool {
		if name, ok := key.(string); ok {
			keys = append(keys, name)
		}
		return true
	})
	sort.Strings(keys)
	return keys
}

func labelOrUnknown(value string) string {
	if strings.TrimSpace(value) == "" {
		return "unknown"
	}
	return value
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func writeGauge(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s gauge\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	escaped = strings.ReplaceAll(escaped, "\n", "\\n")
	return fmt.Sprintf("\"%s\"", escaped)
}
