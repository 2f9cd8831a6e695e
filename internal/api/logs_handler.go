package api

import (
	"context"
	"net/http"
	"strconv"

	"tabbridge/internal/logging"
)

const logStreamBuffer = 256

// LogsSSEHandler streams log entries: recent buffered entries first, then
// live ones from the logger hub. ?level= sets a minimum level.
type LogsSSEHandler struct {
	Logger    *logging.Logger
	AuthToken string
}

func (h *LogsSSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireSSEToken(w, r, h.AuthToken, h.Logger) {
		return
	}

	spanCtx, span := startSSESpan(r, "/api/logs/stream")
	defer span.End()

	ctx, cancel := context.WithCancel(spanCtx)
	defer cancel()
	r = r.WithContext(ctx)

	filterLevel := logging.Level("")
	if rawLevel := r.URL.Query().Get("level"); rawLevel != "" {
		level, ok := logging.ParseLevel(rawLevel)
		if !ok {
			writeSSEHTTPError(w, r, h.Logger, sseError{Status: http.StatusBadRequest, Message: "invalid level " + strconv.Quote(rawLevel)})
			return
		}
		filterLevel = level
	}

	hub := h.Logger.Hub()
	if hub == nil {
		writeSSEUnavailable(w, r, h.Logger, http.StatusServiceUnavailable, "log stream unavailable")
		return
	}
	output, cancelSubscription := hub.SubscribeLevel(logStreamBuffer, filterLevel)
	defer cancelSubscription()

	writer, err := startSSEWriter(w)
	if err != nil {
		logSSEError(h.Logger, r, sseError{
			Status:  http.StatusInternalServerError,
			Message: "log stream unavailable",
			Err:     err,
		})
		return
	}
	if err := writer.WriteRetry(defaultSSERetryInterval); err != nil {
		return
	}
	if err := writeLogSnapshot(writer, h.Logger.Buffer(), filterLevel); err != nil {
		return
	}

	runSSEStream(r, writer, sseStreamConfig[logging.LogEntry]{
		Logger:    h.Logger,
		Output:    output,
		SkipRetry: true,
	})
}

func writeLogSnapshot(writer *sseWriter, buffer *logging.LogBuffer, minLevel logging.Level) error {
	if writer == nil || buffer == nil {
		return nil
	}
	for _, entry := range buffer.List() {
		if minLevel != "" && !logging.LevelAtLeast(entry.Level, minLevel) {
			continue
		}
		if err := writer.WriteEvent("", entry); err != nil {
			return err
		}
	}
	return nil
}
