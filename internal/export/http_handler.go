package export

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
)

// Handler exposes table export as an HTTP endpoint.
type Handler struct {
	service *Service
}

// NewHTTPHandler wraps the service with a GET endpoint. The response streams
// the generated file as a download.
func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	table := strings.TrimSpace(r.URL.Query().Get("table"))
	if table == "" {
		http.Error(w, "table is required", http.StatusBadRequest)
		return
	}
	format := strings.TrimSpace(r.URL.Query().Get("format"))

	exists, err := h.service.TableExists(r.Context(), table)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, fmt.Sprintf("table %q not found", table), http.StatusNotFound)
		return
	}

	result, err := h.service.ExportTable(r.Context(), table, format)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrUnsupportedFormat) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(result.Path)))
	http.ServeFile(w, r, result.Path)
}
