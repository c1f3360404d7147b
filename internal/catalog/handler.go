// Package catalog serves the public artwork listings and prices checkout
// line items.
package catalog

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

type Handler struct {
	repo   *ArtworkRepository
	logger *slog.Logger
}

func NewHandler(repo *ArtworkRepository, logger *slog.Logger) *Handler {
	return &Handler{
		repo:   repo,
		logger: logger,
	}
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	var f Filter
	for name, dst := range map[string]**bool{"available": &f.Available, "featured": &f.Featured} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid "+name+" filter")
			return
		}
		*dst = &v
	}

	artworks, err := h.repo.List(r.Context(), f)
	if err != nil {
		h.logger.Error("failed to list artworks", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("artworks listed", "count", len(artworks))
	h.writeJSON(w, http.StatusOK, artworks)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		h.writeError(w, http.StatusNotFound, "artwork not found")
		return
	}

	artwork, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get artwork", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if artwork == nil {
		h.writeError(w, http.StatusNotFound, "artwork not found")
		return
	}

	h.writeJSON(w, http.StatusOK, artwork)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
