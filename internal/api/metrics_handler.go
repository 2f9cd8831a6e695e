package api

import (
	"bytes"
	"net/http"

	"tabbridge/internal/metrics"
)

type MetricsHandler struct {
	Registry *metrics.Registry
}

func (h *MetricsHandler) handle(w http.ResponseWriter, r *http.Request) *apiError {
	if err := requireMethod(w, r, http.MethodGet); err != nil {
		return err
	}
	registry := h.Registry
	if registry == nil {
		registry = metrics.Default
	}
	var body bytes.Buffer
	if err := registry.WritePrometheus(&body); err != nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "unable to render metrics"}
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body.Bytes())
	return nil
}
