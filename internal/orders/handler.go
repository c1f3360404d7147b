// Package orders handles checkout and the admin order back office.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/gallery-checkout/internal/domain"
	"github.com/joao-fontenele/gallery-checkout/internal/validation"
)

// Catalog prices checkout items. It is satisfied by catalog.ArtworkRepository.
type Catalog interface {
	GetByIDs(ctx context.Context, ids []string) (map[string]domain.Artwork, error)
}

// Publisher is satisfied by messaging.Producer.
type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type Handler struct {
	repo     *OrderRepository
	catalog  Catalog
	producer Publisher
	logger   *slog.Logger
}

// NewHandler accepts a nil producer, in which case status changes are not
// announced.
func NewHandler(repo *OrderRepository, catalog Catalog, producer Publisher, logger *slog.Logger) *Handler {
	return &Handler{
		repo:     repo,
		catalog:  catalog,
		producer: producer,
		logger:   logger,
	}
}

type createOrderItem struct {
	ArtworkID string `json:"artwork_id" validate:"required,uuid"`
	Quantity  int    `json:"quantity" validate:"required,min=1,max=10"`
}

type createOrderRequest struct {
	CustomerName    string            `json:"customer_name" validate:"required,min=2,max=100"`
	CustomerEmail   string            `json:"customer_email" validate:"required,email"`
	CustomerPhone   string            `json:"customer_phone" validate:"required,min=10,max=20"`
	ShippingAddress string            `json:"shipping_address" validate:"required,min=10,max=500"`
	City            string            `json:"city" validate:"required,min=2,max=100"`
	Region          string            `json:"region" validate:"required,min=2,max=100"`
	Items           []createOrderItem `json:"items" validate:"required,min=1,max=50,unique=ArtworkID,dive"`
}

func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("GAL-%s-%s", now.Format("20060102"), suffix)
}

// HandleCreate prices the order from the catalog; client-side prices are
// never trusted.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validation.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ids := make([]string, len(req.Items))
	for i, item := range req.Items {
		ids[i] = item.ArtworkID
	}

	artworks, err := h.catalog.GetByIDs(r.Context(), ids)
	if err != nil {
		h.logger.Error("failed to load artworks", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		artwork, ok := artworks[item.ArtworkID]
		if !ok {
			h.writeError(w, http.StatusUnprocessableEntity, "artwork "+item.ArtworkID+" does not exist")
			return
		}
		if !artwork.IsAvailable {
			h.writeError(w, http.StatusUnprocessableEntity, "artwork "+item.ArtworkID+" is not available")
			return
		}
		if artwork.Type == domain.ArtworkTypeOriginal && item.Quantity > 1 {
			h.writeError(w, http.StatusUnprocessableEntity, "artwork "+item.ArtworkID+" is an original and can only be bought once")
			return
		}
		items = append(items, domain.OrderItem{
			ArtworkID: item.ArtworkID,
			Quantity:  item.Quantity,
			UnitPrice: artwork.Price,
		})
	}

	now := time.Now().UTC()
	order := &domain.Order{
		OrderNumber:     newOrderNumber(now),
		CustomerName:    strings.TrimSpace(req.CustomerName),
		CustomerEmail:   strings.TrimSpace(req.CustomerEmail),
		CustomerPhone:   strings.TrimSpace(req.CustomerPhone),
		ShippingAddress: strings.TrimSpace(req.ShippingAddress),
		City:            strings.TrimSpace(req.City),
		Region:          strings.TrimSpace(req.Region),
		Items:           items,
		Total:           domain.ComputeTotal(items),
		Status:          domain.OrderStatusPending,
		CreatedAt:       now,
	}

	if err := h.repo.Create(r.Context(), order); err != nil {
		h.logger.Error("failed to create order", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("order created", "order_id", order.ID, "order_number", order.OrderNumber, "total", order.Total.StringFixed(2))
	h.writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	order, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get order", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	h.logger.Info("order retrieved", "order_id", order.ID)
	h.writeJSON(w, http.StatusOK, order)
}

type updateStatusRequest struct {
	Status         domain.OrderStatus `json:"status" validate:"required"`
	TrackingNumber string             `json:"tracking_number" validate:"omitempty,max=100"`
}

func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validation.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Status.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid order status")
		return
	}

	previous, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get order", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if previous == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	order, err := h.repo.UpdateStatus(r.Context(), id, req.Status, strings.TrimSpace(req.TrackingNumber))
	if err != nil {
		h.logger.Error("failed to update order status", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	if h.producer != nil && previous.Status != order.Status {
		event := domain.OrderStatusChangedEvent{
			OrderID:        order.ID,
			OrderNumber:    order.OrderNumber,
			CustomerName:   order.CustomerName,
			CustomerEmail:  order.CustomerEmail,
			PreviousStatus: previous.Status,
			Status:         order.Status,
			TrackingNumber: order.TrackingNumber,
			Timestamp:      time.Now().UTC(),
		}
		if err := h.producer.Publish(r.Context(), order.ID, event); err != nil {
			h.logger.Error("failed to publish order status changed event", "error", err, "order_id", order.ID)
		}
	}

	h.logger.Info("order status updated", "order_id", order.ID, "from", previous.Status, "status", order.Status)
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	var f ListFilter

	if raw := r.URL.Query().Get("status"); raw != "" {
		f.Status = domain.OrderStatus(strings.ToUpper(raw))
		if !f.Status.Valid() {
			h.writeError(w, http.StatusBadRequest, "invalid order status")
			return
		}
	}
	if raw := r.URL.Query().Get("needs_review"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid needs_review filter")
			return
		}
		f.NeedsReview = &v
	}

	orders, err := h.repo.List(r.Context(), f)
	if err != nil {
		h.logger.Error("failed to list orders", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("orders listed", "count", len(orders))
	h.writeJSON(w, http.StatusOK, orders)
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
