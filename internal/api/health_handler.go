package api

import (
	"net/http"

	"tabbridge/internal/bridge"
	"tabbridge/internal/catalog"
	"tabbridge/internal/version"
)

type healthResponse struct {
	Status        string                `json:"status"`
	ConnectedTabs int                   `json:"connected_tabs"`
	Tabs          []bridge.PeerSnapshot `json:"tabs"`
	CatalogTools  int                   `json:"catalog_tools"`
	Version       string                `json:"version"`
}

type HealthHandler struct {
	Bridge  *bridge.Bridge
	Catalog *catalog.Store
}

func (h *HealthHandler) handle(w http.ResponseWriter, r *http.Request) *apiError {
	if err := requireMethod(w, r, http.MethodGet); err != nil {
		return err
	}
	response := healthResponse{
		Status:  "ok",
		Tabs:    []bridge.PeerSnapshot{},
		Version: version.Version,
	}
	if h.Bridge != nil {
		response.Tabs = h.Bridge.Peers()
	}
	response.ConnectedTabs = len(response.Tabs)
	if h.Catalog != nil {
		response.CatalogTools = h.Catalog.Snapshot().Len()
	}
	writeJSON(w, http.StatusOK, response)
	return nil
}
