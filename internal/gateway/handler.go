package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// copiedHeaders are returned to the client from the upstream response.
var copiedHeaders = []string{"Content-Type", "Location", "Retry-After"}

type Handler struct {
	checkoutProxy *ServiceProxy
	logger        *slog.Logger
}

func NewHandler(checkoutProxy *ServiceProxy, logger *slog.Logger) *Handler {
	return &Handler{
		checkoutProxy: checkoutProxy,
		logger:        logger,
	}
}

// HandleCheckout forwards the request to the checkout service on the same path.
func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	h.proxyRequest(w, r, h.checkoutProxy, r.URL.Path)
}

func (h *Handler) proxyRequest(w http.ResponseWriter, r *http.Request, proxy *ServiceProxy, path string) {
	resp, err := proxy.ForwardRequest(r.Context(), r, path)
	if err != nil {
		h.logger.Error("failed to forward request", "error", err, "path", path)
		h.writeError(w, http.StatusBadGateway, "service unavailable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for _, name := range copiedHeaders {
		if value := resp.Header.Get(name); value != "" {
			w.Header().Set(name, value)
		}
	}

	w.WriteHeader(resp.StatusCode)

	h.logger.Info("request proxied", "method", r.Method, "path", path, "status", resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Error("failed to copy response body", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}
