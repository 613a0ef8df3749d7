package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"rescued/pkg/manifest"
)

func (h *Hub) handleManifest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	m, err := manifest.Scan(ctx, h.roots)
	if err != nil {
		h.logger.Printf("ERROR manifest scan failed: %v", err)
		respondError(w, http.StatusInternalServerError, errors.New("manifest scan failed"))
		return
	}
	h.metrics.manifestScans.Inc()
	respondJSON(w, http.StatusOK, m)
}

func (h *Hub) handleFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	full, ok := manifest.Resolve(h.roots, name)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("%s not found", "/"+name))
		return
	}

	file, err := os.Open(full)
	if err != nil {
		respondError(w, http.StatusNotFound, fmt.Errorf("%s not found", "/"+name))
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		respondError(w, http.StatusInternalServerError, errors.New("stat failed"))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, file); err != nil {
		h.logger.Printf("WARN serving %s to %s: %v", name, r.RemoteAddr, err)
	}
}
