package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"tabbridge/internal/bridge"
	"tabbridge/internal/logging"
)

const (
	peerRoute           = "/mcp-bridge"
	maxPeerMessageBytes = 32 << 20
	defaultPeerURL      = "unknown"
)

// PeerHandler upgrades browser tabs to WebSocket peers of the bridge.
type PeerHandler struct {
	Bridge         *bridge.Bridge
	Logger         *logging.Logger
	AllowedOrigins []string
	QueueSize      int
	WriteTimeout   time.Duration
}

func (h *PeerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Bridge == nil {
		writeWSError(w, r, nil, h.Logger, wsError{
			Status:  http.StatusServiceUnavailable,
			Message: "bridge unavailable",
		})
		return
	}
	if r.Method != http.MethodGet {
		writeJSONError(w, methodNotAllowed(w, http.MethodGet))
		return
	}

	query := r.URL.Query()
	info := bridge.PeerInfo{
		URL:       firstNonEmpty(query.Get("url"), defaultPeerURL),
		UserAgent: firstNonEmpty(query.Get("ua"), r.UserAgent(), bridge.UnknownUserAgent),
	}

	_, span := startWebSocketSpan(r, peerRoute, attribute.String("peer.url", info.URL))
	defer span.End()

	conn, err := upgradeWebSocket(w, r, h.AllowedOrigins)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upgrade failed")
		logWSError(h.Logger, r, wsError{
			Status:  http.StatusBadRequest,
			Message: "websocket upgrade failed",
			Err:     err,
		})
		return
	}
	conn.SetReadLimit(maxPeerMessageBytes)

	transport := newWSTransport(conn, h.QueueSize, h.WriteTimeout, h.Logger)
	session, err := h.Bridge.Admit(query.Get("token"), info, transport)
	if err != nil {
		code, reason := admissionClose(err)
		span.SetStatus(codes.Error, reason)
		span.SetAttributes(attribute.Int("websocket.close_code", code))
		_ = transport.Close(code, reason)
		return
	}
	span.SetAttributes(attribute.String("peer.id", session.ID()))

	reason := h.receive(conn, transport, session)
	failed := h.Bridge.Disconnect(session, reason)
	_ = transport.Close(websocket.CloseNormalClosure, "")

	span.SetAttributes(
		attribute.String("peer.disconnect_reason", reason),
		attribute.Int("peer.failed_calls", failed),
	)
}

// receive runs the peer's read loop and returns why it ended.
func (h *PeerHandler) receive(conn *websocket.Conn, transport *wsTransport, session *bridge.Session) string {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return disconnectReason(err)
		}
		switch messageType {
		case websocket.TextMessage:
			h.Bridge.HandleInbound(session, data)
		default:
			if h.Logger != nil {
				h.Logger.Warn("peer protocol violation", map[string]string{
					logging.FieldCategory: "peer",
					logging.FieldPeerID:   session.ID(),
					"message_type":        strconv.Itoa(messageType),
				})
			}
			_ = transport.Close(websocket.CloseUnsupportedData, "binary frames are not supported")
			return "protocol violation"
		}
	}
}

func admissionClose(err error) (int, string) {
	switch {
	case errors.Is(err, bridge.ErrAuthRejected):
		return bridge.CloseAuthRejected, "invalid token"
	case errors.Is(err, bridge.ErrBridgeClosed):
		return bridge.CloseGoingAway, "server shutting down"
	default:
		return websocket.CloseInternalServerErr, "admission failed"
	}
}

func disconnectReason(err error) string {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway {
			return "closed"
		}
		return "closed with code " + strconv.Itoa(closeErr.Code)
	}
	return "transport error"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
