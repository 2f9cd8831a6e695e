package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"tabbridge/internal/logging"
	"tabbridge/internal/mcp"
)

const (
	mcpSSERoute         = "/sse"
	mcpMessagesRoute    = "/messages"
	maxMCPRequestBytes  = 4 << 20
	mcpEndpointEvent    = "endpoint"
	mcpMessageEvent     = "message"
	mcpSessionParameter = "session_id"
)

// MCPStreamHandler serves GET /sse. The first event names the endpoint the
// client posts its messages to; responses arrive as message events.
type MCPStreamHandler struct {
	Sessions *mcp.SessionHub
	Logger   *logging.Logger
}

func (h *MCPStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, methodNotAllowed(w, http.MethodGet))
		return
	}
	if h.Sessions == nil {
		writeSSEHTTPError(w, r, h.Logger, sseError{Status: http.StatusServiceUnavailable, Message: "mcp unavailable"})
		return
	}

	session := h.Sessions.Open()
	defer h.Sessions.Close(session.ID)

	ctx, span := startSSESpan(r, mcpSSERoute, attribute.String("mcp.session_id", session.ID))
	defer span.End()
	r = r.WithContext(ctx)

	writer, err := startSSEWriter(w)
	if err != nil {
		logSSEError(h.Logger, r, sseError{
			Status:  http.StatusInternalServerError,
			Message: "mcp stream unavailable",
			Err:     err,
		})
		return
	}

	endpoint := mcpMessagesRoute + "?" + mcpSessionParameter + "=" + session.ID
	if err := writer.WriteRaw(mcpEndpointEvent, []byte(endpoint)); err != nil {
		return
	}
	if h.Logger != nil {
		h.Logger.Info("mcp stream opened", map[string]string{
			logging.FieldCategory: "mcp",
			"session":             session.ID,
		})
	}

	streamMCPSession(r, writer, session)

	if h.Logger != nil {
		h.Logger.Info("mcp stream closed", map[string]string{
			logging.FieldCategory: "mcp",
			"session":             session.ID,
		})
	}
}

// streamMCPSession relays queued responses until the client disconnects or
// the session is closed.
func streamMCPSession(r *http.Request, writer *sseWriter, session *mcp.StreamSession) {
	ticker := time.NewTicker(defaultSSEHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-session.Done():
			return
		case <-ticker.C:
			if err := writer.WriteComment("ping"); err != nil {
				return
			}
		case payload := <-session.Messages():
			if err := writer.WriteRaw(mcpMessageEvent, payload); err != nil {
				return
			}
		}
	}
}

// MCPMessageHandler serves POST /messages?session_id=... and answers on the
// session's event stream.
type MCPMessageHandler struct {
	Server   *mcp.Server
	Sessions *mcp.SessionHub
	Logger   *logging.Logger
}

func (h *MCPMessageHandler) handle(w http.ResponseWriter, r *http.Request) *apiError {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	if h.Server == nil || h.Sessions == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "mcp unavailable"}
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get(mcpSessionParameter))
	if sessionID == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "session_id is required"}
	}
	session, ok := h.Sessions.Get(sessionID)
	if !ok {
		return &apiError{Status: http.StatusNotFound, Message: "session not found"}
	}
	body, apiErr := readMCPBody(r)
	if apiErr != nil {
		return apiErr
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-session.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	go func() {
		defer cancel()
		response := h.Server.HandleRaw(ctx, body)
		if response == nil {
			return
		}
		payload, err := mcp.Encode(response)
		if err != nil {
			h.logFailure(sessionID, err)
			return
		}
		if err := session.Enqueue(payload); err != nil {
			h.logFailure(sessionID, err)
		}
	}()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")
	return nil
}

func (h *MCPMessageHandler) logFailure(sessionID string, err error) {
	if h.Logger == nil {
		return
	}
	h.Logger.Warn("mcp response undelivered", map[string]string{
		logging.FieldCategory: "mcp",
		"session":             sessionID,
		"error":               err.Error(),
	})
}

// MCPHTTPHandler serves POST /mcp: one JSON-RPC message in, its response out.
type MCPHTTPHandler struct {
	Server *mcp.Server
}

func (h *MCPHTTPHandler) handle(w http.ResponseWriter, r *http.Request) *apiError {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	if h.Server == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "mcp unavailable"}
	}
	body, apiErr := readMCPBody(r)
	if apiErr != nil {
		return apiErr
	}
	response := h.Server.HandleRaw(r.Context(), body)
	if response == nil {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	writeJSON(w, http.StatusOK, response)
	return nil
}

func readMCPBody(r *http.Request) ([]byte, *apiError) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMCPRequestBytes+1))
	if err != nil {
		return nil, &apiError{Status: http.StatusBadRequest, Message: "unable to read request body"}
	}
	if len(body) > maxMCPRequestBytes {
		return nil, &apiError{Status: http.StatusRequestEntityTooLarge, Message: "request body too large"}
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, &apiError{Status: http.StatusBadRequest, Message: "request body is empty"}
	}
	return body, nil
}
