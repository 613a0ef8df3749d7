package hub

import (
	"net/http"
	"time"
)

func (h *Hub) handleShutdown(w http.ResponseWriter, r *http.Request) {
	h.logger.Printf("INFO shutdown requested by %s", r.RemoteAddr)
	respondJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})

	if h.shutdown == nil {
		return
	}
	h.shutdownOnce.Do(func() {
		time.AfterFunc(shutdownDelay, h.shutdown)
	})
}
