package catalog

import (
	"encoding/json"
	"strconv"
	"sync/atomic"

	"tabbridge/internal/logging"
	"tabbridge/internal/metrics"
)

// Store holds the current catalog snapshot and swaps it on reload.
type Store struct {
	path    string
	current atomic.Pointer[Catalog]
	logger  *logging.Logger
	metrics *metrics.Registry
}

func NewStore(path string, logger *logging.Logger, registryMetrics *metrics.Registry) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	if registryMetrics == nil {
		registryMetrics = metrics.Default
	}
	store := &Store{path: path, logger: logger, metrics: registryMetrics}
	store.current.Store(Empty(path))
	return store
}

func (s *Store) Path() string {
	return s.path
}

// Reload reads the file again. On failure the previous snapshot stays.
func (s *Store) Reload() error {
	catalog, err := Load(s.path)
	s.metrics.RecordCatalogReload(err)
	if err != nil {
		s.logger.Warn("catalog reload failed", map[string]string{
			logging.FieldCategory: "catalog",
			"path":                s.path,
			"error":               err.Error(),
		})
		return err
	}
	s.current.Store(catalog)

	fields := map[string]string{
		logging.FieldCategory: "catalog",
		"path":                s.path,
		"tools":               strconv.Itoa(catalog.Len()),
		"records":             strconv.Itoa(len(catalog.raw)),
	}
	if catalog.Missing() {
		s.logger.Warn("catalog file not found, serving no tools", fields)
	} else {
		s.logger.Info("catalog loaded", fields)
	}
	for _, warning := range catalog.Warnings() {
		s.logger.Warn("catalog record skipped", map[string]string{
			logging.FieldCategory: "catalog",
			"path":                s.path,
			"detail":              warning,
		})
	}
	return nil
}

func (s *Store) Snapshot() *Catalog {
	return s.current.Load()
}

func (s *Store) Manifest() []json.RawMessage {
	return s.Snapshot().Manifest()
}
