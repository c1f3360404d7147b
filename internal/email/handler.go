// Package email is the outbound mail sink. It validates and logs messages;
// delivery to a mail provider is outside this service.
package email

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joao-fontenele/gallery-checkout/internal/validation"
)

// IdempotencyKeyHeader names a message so that redelivered sends are
// accepted without being sent again.
const IdempotencyKeyHeader = "Idempotency-Key"

type sentMessage struct {
	id     int64
	sentAt time.Time
}

type Handler struct {
	sent    atomic.Int64
	mu      sync.Mutex
	seen    map[string]sentMessage
	seenTTL time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

func NewHandler(logger *slog.Logger) *Handler {
	return &Handler{
		seen:    make(map[string]sentMessage),
		seenTTL: 24 * time.Hour,
		now:     time.Now,
		logger:  logger,
	}
}

type sendRequest struct {
	To      string `json:"to" validate:"required,email"`
	Subject string `json:"subject" validate:"required,max=200"`
	Body    string `json:"body" validate:"required"`
}

type sendResponse struct {
	Status string `json:"status"`
	ID     int64  `json:"id"`
}

func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validation.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := r.Header.Get(IdempotencyKeyHeader)
	id, duplicate := h.record(key)
	if duplicate {
		h.logger.Info("duplicate email skipped", "id", id, "to", req.To, "idempotency_key", key)
		h.writeJSON(w, http.StatusOK, sendResponse{Status: "duplicate", ID: id})
		return
	}

	h.logger.Info("email sent", "id", id, "to", req.To, "subject", req.Subject, "body_bytes", len(req.Body))

	h.writeJSON(w, http.StatusOK, sendResponse{Status: "sent", ID: id})
}

// record assigns the next message id. A key already sent within the TTL is a
// duplicate and returns the earlier id. Expired keys are pruned on the way.
func (h *Handler) record(key string) (int64, bool) {
	if key == "" {
		return h.sent.Add(1), false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	cutoff := now.Add(-h.seenTTL)
	for k, m := range h.seen {
		if m.sentAt.Before(cutoff) {
			delete(h.seen, k)
		}
	}

	if m, ok := h.seen[key]; ok {
		return m.id, true
	}
	id := h.sent.Add(1)
	h.seen[key] = sentMessage{id: id, sentAt: now}
	return id, false
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
