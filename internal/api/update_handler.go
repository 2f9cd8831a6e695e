package api

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"tabbridge/internal/logging"
)

// UpdateHandler serves the userscript browser tabs install and refresh from.
// The file is read on every request so edits are picked up without a
// restart; the zstd encoding is cached per file version.
type UpdateHandler struct {
	Path   string
	Logger *logging.Logger

	mu      sync.Mutex
	encoder *zstd.Encoder
	cached  encodedScript
}

type encodedScript struct {
	modTime time.Time
	size    int64
	data    []byte
}

func (h *UpdateHandler) handle(w http.ResponseWriter, r *http.Request) *apiError {
	if err := requireMethod(w, r, http.MethodGet, http.MethodHead); err != nil {
		return err
	}
	if strings.TrimSpace(h.Path) == "" {
		return &apiError{Status: http.StatusNotFound, Message: "Script file not found"}
	}
	info, err := os.Stat(h.Path)
	if err != nil || info.IsDir() {
		if err != nil && !errors.Is(err, fs.ErrNotExist) && h.Logger != nil {
			h.Logger.Warn("update script unreadable", map[string]string{
				logging.FieldCategory: "update",
				"path":                h.Path,
				"error":               err.Error(),
			})
		}
		return &apiError{Status: http.StatusNotFound, Message: "Script file not found"}
	}
	data, err := os.ReadFile(h.Path)
	if err != nil {
		return &apiError{Status: http.StatusNotFound, Message: "Script file not found"}
	}

	headers := w.Header()
	headers.Set("Content-Type", "application/javascript")
	headers.Set("Content-Disposition", `attachment; filename="`+filepath.Base(h.Path)+`"`)
	headers.Set("Vary", "Accept-Encoding")
	headers.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))

	body := data
	if acceptsZstd(r) {
		encoded, err := h.encode(info, data)
		if err != nil {
			return &apiError{Status: http.StatusInternalServerError, Message: "unable to encode script"}
		}
		headers.Set("Content-Encoding", "zstd")
		body = encoded
	}
	headers.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return nil
	}
	_, _ = w.Write(body)
	return nil
}

func (h *UpdateHandler) encode(info os.FileInfo, data []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cached.data != nil && h.cached.size == info.Size() && h.cached.modTime.Equal(info.ModTime()) {
		return h.cached.data, nil
	}
	if h.encoder == nil {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return nil, err
		}
		h.encoder = encoder
	}
	encoded := h.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	h.cached = encodedScript{modTime: info.ModTime(), size: info.Size(), data: encoded}
	return encoded, nil
}

func acceptsZstd(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "zstd") {
			continue
		}
		name, value, found := strings.Cut(strings.TrimSpace(params), "=")
		if !found || !strings.EqualFold(strings.TrimSpace(name), "q") {
			return true
		}
		quality, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		return err != nil || quality > 0
	}
	return false
}
