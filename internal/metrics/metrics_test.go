package metrics

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestWritePrometheusIncludesCallOutcomes(t *testing.T) {
	registry := &Registry{}
	registry.RecordCall(OutcomeOK, 1500*time.Millisecond)
	registry.RecordCall(OutcomeOK, 500*time.Millisecond)
	registry.RecordCall(OutcomeTimeout, time.Second)

	var out bytes.Buffer
	if err := registry.WritePrometheus(&out); err != nil {
		t.Fatalf("write: %v", err)
	}
	text := out.String()
	for _, want := range []string{
		`tabbridge_calls_total{outcome="ok"} 2`,
		`tabbridge_calls_total{outcome="timeout"} 1`,
		`tabbridge_call_duration_seconds_sum{outcome="ok"} 2.000000`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output:\n%s", want, text)
		}
	}
	if registry.CallCount(OutcomeOK) != 2 {
		t.Fatalf("expected 2 ok calls, got %d", registry.CallCount(OutcomeOK))
	}
}

func TestPeerCountersTrackConnectedGauge(t *testing.T) {
	registry := &Registry{}
	registry.IncPeerAdmitted()
	registry.IncPeerAdmitted()
	registry.IncPeerDisconnected()
	registry.IncPeerRejected()
	registry.RecordCatalogReload(nil)
	registry.RecordCatalogReload(errors.New("bad"))

	if registry.PeersConnected() != 1 {
		t.Fatalf("expected 1 connected peer, got %d", registry.PeersConnected())
	}
	var out bytes.Buffer
	_ = registry.WritePrometheus(&out)
	text := out.String()
	for _, want := range []string{
		"tabbridge_peers_admitted_total 2",
		"tabbridge_peers_rejected_total 1",
		"tabbridge_peers_connected 1",
		"tabbridge_catalog_reload_failures_total 1",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output:\n%s", want, text)
		}
	}
}

func TestLabelsAreEscaped(t *testing.T) {
	registry := &Registry{}
	registry.IncInboundDropped(`bad"reason`)
	registry.IncEventPublished("peers", "")

	var out bytes.Buffer
	_ = registry.WritePrometheus(&out)
	text := out.String()
	if !strings.Contains(text, `tabbridge_inbound_dropped_total{reason="bad\"reason"} 1`) {
		t.Fatalf("expected escaped label:\n%s", text)
	}
	if !strings.Contains(text, `tabbridge_events_published_total{bus="peers",type="unknown"} 1`) {
		t.Fatalf("expected unknown event type label:\n%s", text)
	}
}

func TestNilRegistryIsSafe(t *testing.T) {
	var registry *Registry
	registry.RecordCall(OutcomeOK, time.Second)
	registry.IncPeerAdmitted()
	if err := registry.WritePrometheus(&bytes.Buffer{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
