package hub

import (
	"errors"
	"io"
	"net/http"

	"rescued/pkg/bus"
	"rescued/services/evidence"
)

type submitResponse struct {
	Status   string        `json:"status"`
	Kind     evidence.Kind `json:"kind"`
	Filename string        `json:"filename"`
	Size     int           `json:"size"`
}

func (h *Hub) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, errors.New("submission too large"))
			return
		}
		respondError(w, http.StatusBadRequest, errors.New("could not read request body"))
		return
	}

	sub, err := evidence.Classify(r.Header.Get("Content-Type"), body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, evidence.ErrUnsupportedMediaType) {
			status = http.StatusUnsupportedMediaType
		}
		respondError(w, status, err)
		return
	}

	addr := evidence.NormalizeAddr(r.RemoteAddr)
	rec, err := h.store.Save(addr, sub)
	if err != nil {
		h.logger.Printf("ERROR storing %s from %s: %v", sub.Kind, addr, err)
		respondError(w, http.StatusInternalServerError, errors.New("could not store submission"))
		return
	}
	h.metrics.submissions.WithLabelValues(string(sub.Kind)).Inc()
	h.logger.Printf("INFO stored %s from %s as %s (%d bytes)", sub.Kind, addr, rec.Filename, rec.Size)

	if sub.Kind == evidence.KindPaste {
		res, err := h.store.AppendAudit(addr, sub.Text)
		if err != nil {
			h.logger.Printf("ERROR audit append for %s: %v", addr, err)
			respondError(w, http.StatusInternalServerError, errors.New("could not append audit log"))
			return
		}
		if res.Truncated {
			h.logger.Printf("INFO audit log reset for %s", addr)
			h.publish(r.Context(), bus.SubjectAuditReset, bus.AuditReset{
				Address: addr,
				ResetAt: rec.StoredAt,
			})
		}
	}

	h.publish(r.Context(), bus.SubjectEvidenceStored, bus.EvidenceStored{
		Address:  rec.Address,
		Kind:     string(rec.Kind),
		Filename: rec.Filename,
		Size:     rec.Size,
		StoredAt: rec.StoredAt,
	})

	if sub.Kind != evidence.KindPaste || !evidence.IsStatusEcho(sub.Text) {
		h.notifier.Notify(addr)
	}

	respondJSON(w, http.StatusCreated, submitResponse{
		Status:   "stored",
		Kind:     rec.Kind,
		Filename: rec.Filename,
		Size:     rec.Size,
	})
}
