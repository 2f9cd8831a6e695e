package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"tabbridge/internal/bridge"
	"tabbridge/internal/event"
	"tabbridge/internal/logging"
)

const maxEventReplay = 64

// PeerEventsSSEHandler streams bridge lifecycle events. ?types= limits the
// stream to a comma separated list of event types and ?replay=N first sends
// the N most recent events.
type PeerEventsSSEHandler struct {
	Bridge    *bridge.Bridge
	Logger    *logging.Logger
	AuthToken string
}

func (h *PeerEventsSSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireSSEToken(w, r, h.AuthToken, h.Logger) {
		return
	}
	if h.Bridge == nil {
		writeSSEUnavailable(w, r, h.Logger, http.StatusServiceUnavailable, "peer events unavailable")
		return
	}

	ctx, span := startSSESpan(r, "/api/peers/events")
	defer span.End()
	r = r.WithContext(ctx)

	query := r.URL.Query()
	replay := 0
	if raw := strings.TrimSpace(query.Get("replay")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeSSEHTTPError(w, r, h.Logger, sseError{Status: http.StatusBadRequest, Message: "replay must be a non-negative integer"})
			return
		}
		replay = min(parsed, maxEventReplay)
	}
	types := splitList(query.Get("types"))

	bus := h.Bridge.Events()
	var output <-chan event.Event
	var cancel func()
	if len(types) > 0 {
		output, cancel = bus.SubscribeTypes(types...)
	} else {
		output, cancel = bus.Subscribe()
	}
	defer cancel()

	writer, err := startSSEWriter(w)
	if err != nil {
		logSSEError(h.Logger, r, sseError{
			Status:  http.StatusInternalServerError,
			Message: "peer events unavailable",
			Err:     err,
		})
		return
	}
	if err := writer.WriteRetry(defaultSSERetryInterval); err != nil {
		return
	}
	allowed := typeFilter(types)
	if replay > 0 {
		for _, past := range bus.History(replay) {
			if !allowed(past) {
				continue
			}
			if err := writer.WriteEvent(past.Type(), past); err != nil {
				return
			}
		}
	}

	runPeerEventStream(r, writer, output)
}

// runPeerEventStream names each SSE event after its type so EventSource
// clients can listen per type.
func runPeerEventStream(r *http.Request, writer *sseWriter, output <-chan event.Event) {
	ticker := time.NewTicker(defaultSSEHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := writer.WriteComment("ping"); err != nil {
				return
			}
		case next, ok := <-output:
			if !ok {
				return
			}
			if next == nil {
				continue
			}
			if err := writer.WriteEvent(next.Type(), next); err != nil {
				return
			}
		}
	}
}

func typeFilter(types []string) func(event.Event) bool {
	if len(types) == 0 {
		return func(event.Event) bool { return true }
	}
	set := make(map[string]struct{}, len(types))
	for _, eventType := range types {
		set[eventType] = struct{}{}
	}
	return func(candidate event.Event) bool {
		_, ok := set[candidate.Type()]
		return ok
	}
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
