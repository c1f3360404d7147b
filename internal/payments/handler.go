package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/joao-fontenele/gallery-checkout/internal/domain"
	"github.com/joao-fontenele/gallery-checkout/internal/paystack"
	"github.com/joao-fontenele/gallery-checkout/internal/telemetry"
	"github.com/joao-fontenele/gallery-checkout/internal/validation"
)

// maxWebhookBytes caps the raw body read before the signature is checked.
const maxWebhookBytes = 1 << 20

// SignatureVerifier is satisfied by paystack.Client.
type SignatureVerifier interface {
	VerifySignature(body []byte, signature string) bool
}

type Handler struct {
	service    *Service
	reconciler *Reconciler
	store      Store
	verifier   SignatureVerifier
	metrics    *telemetry.PaymentMetrics
	logger     *slog.Logger
}

func NewHandler(service *Service, reconciler *Reconciler, store Store, verifier SignatureVerifier, metrics *telemetry.PaymentMetrics, logger *slog.Logger) *Handler {
	return &Handler{
		service:    service,
		reconciler: reconciler,
		store:      store,
		verifier:   verifier,
		metrics:    metrics,
		logger:     logger,
	}
}

type initializeRequest struct {
	OrderID     string `json:"order_id" validate:"required,uuid"`
	Email       string `json:"email" validate:"omitempty,email"`
	CallbackURL string `json:"callback_url" validate:"omitempty,url"`
}

type initializeResponse struct {
	Success bool                      `json:"success"`
	Data    *paystack.InitializeResult `json:"data"`
}

func (h *Handler) HandleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validation.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.Initialize(r.Context(), InitializeInput{
		OrderID:     req.OrderID,
		Email:       req.Email,
		CallbackURL: req.CallbackURL,
	})
	var gerr *paystack.GatewayError
	switch {
	case errors.Is(err, ErrOrderNotFound):
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	case errors.Is(err, ErrOrderNotPayable):
		h.writeError(w, http.StatusConflict, "order is not awaiting payment")
		return
	case errors.As(err, &gerr):
		h.logger.Error("payment initialization failed at gateway", "error", err, "order_id", req.OrderID)
		h.writeError(w, http.StatusBadGateway, "could not start payment, please try again")
		return
	case err != nil:
		h.logger.Error("failed to initialize payment", "error", err, "order_id", req.OrderID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, initializeResponse{Success: true, Data: result})
}

type verifyRequest struct {
	Reference string `json:"reference" validate:"required,max=100"`
}

type verifyData struct {
	Status    domain.PaymentStatus `json:"status"`
	Amount    json.Number          `json:"amount"`
	Currency  string               `json:"currency"`
	Reference string               `json:"reference"`
	OrderID   string               `json:"order_id"`
}

type verifyResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Data    verifyData `json:"data"`
}

// HandleVerify accepts the reference as ?reference= (or Paystack's ?trxref=
// on redirect) or as a JSON body on POST.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		req.Reference = r.URL.Query().Get("reference")
		if req.Reference == "" {
			req.Reference = r.URL.Query().Get("trxref")
		}
	}
	req.Reference = strings.TrimSpace(req.Reference)
	if err := validation.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.Verify(r.Context(), req.Reference)
	var (
		gerr     *paystack.GatewayError
		conflict *ReconciliationConflict
	)
	switch {
	case errors.Is(err, ErrUnknownReference):
		h.writeError(w, http.StatusNotFound, "payment not found")
		return
	case errors.As(err, &gerr):
		h.logger.Error("payment verification failed at gateway", "error", err, "reference", req.Reference)
		h.writeError(w, http.StatusBadGateway, "could not confirm payment with the provider, please try again")
		return
	case errors.As(err, &conflict):
		// Handled below from the returned result.
	case err != nil:
		h.logger.Error("failed to verify payment", "error", err, "reference", req.Reference)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := verifyResponse{
		Success: result.Paid(),
		Data: verifyData{
			Status:    result.Payment.Status,
			Amount:    json.Number(result.Payment.Amount.StringFixed(2)),
			Currency:  result.Payment.Currency,
			Reference: req.Reference,
			OrderID:   result.Order.ID,
		},
	}

	status := http.StatusOK
	switch {
	case result.Order.NeedsReview:
		status = http.StatusConflict
		resp.Message = "payment needs a manual review; our team will contact you"
	case result.Paid():
		resp.Message = "payment confirmed"
	case result.Payment.Status == domain.PaymentStatusPending:
		resp.Message = "payment has not completed yet"
	default:
		resp.Message = "payment was not successful"
	}

	h.writeJSON(w, status, resp)
}

type webhookEvent struct {
	Event string      `json:"event" validate:"required"`
	Data  webhookData `json:"data"`
}

type webhookData struct {
	Reference       string          `json:"reference" validate:"required,max=100"`
	Status          string          `json:"status" validate:"required"`
	Amount          *int64          `json:"amount" validate:"required,gte=0"`
	Currency        string          `json:"currency" validate:"required,len=3"`
	PaidAt          string          `json:"paid_at"`
	Channel         string          `json:"channel"`
	GatewayResponse string          `json:"gateway_response"`
	Customer        webhookCustomer `json:"customer"`
}

type webhookCustomer struct {
	Email string `json:"email" validate:"required,email"`
}

func (e *webhookEvent) verification() Verification {
	return Verification{
		Reference:       e.Data.Reference,
		EventType:       e.Event,
		Status:          e.Data.Status,
		AmountMinor:     *e.Data.Amount,
		Currency:        e.Data.Currency,
		CustomerEmail:   e.Data.Customer.Email,
		PaidAt:          e.Data.PaidAt,
		Channel:         e.Data.Channel,
		GatewayResponse: e.Data.GatewayResponse,
	}
}

// HandleWebhook authenticates a gateway delivery before reading any field of
// it. Once authenticated and well-formed, the delivery is always
// acknowledged, so processing failures are logged rather than returned.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.authenticate(body, r.Header.Get(paystack.SignatureHeader)); err != nil {
		status := http.StatusUnauthorized
		securityEvent := "webhook_signature_invalid"
		if errors.Is(err, ErrMissingSignature) {
			status = http.StatusBadRequest
			securityEvent = "webhook_signature_missing"
		}
		h.logger.Warn("webhook rejected",
			"security_event", securityEvent,
			"remote_addr", r.RemoteAddr,
			"forwarded_for", r.Header.Get("X-Forwarded-For"),
			"body_bytes", len(body),
		)
		h.metrics.RecordSignatureRejection(r.Context(), securityEvent)
		h.writeError(w, status, err.Error())
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}

	switch event.Event {
	case EventChargeSuccess, EventChargeFailed:
	case "":
		h.writeError(w, http.StatusBadRequest, "invalid webhook payload: missing event")
		return
	default:
		h.logger.Info("ignoring webhook event", "event", event.Event)
		h.acknowledge(w)
		return
	}

	if err := validation.Struct(&event); err != nil {
		h.logger.Warn("invalid webhook payload", "error", err, "event", event.Event)
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The provider may hang up before we finish; the outcome must still land.
	ctx := context.WithoutCancel(r.Context())
	result, err := h.reconciler.Reconcile(ctx, event.verification())

	var conflict *ReconciliationConflict
	switch {
	case errors.Is(err, ErrUnknownReference):
		h.logger.Info("webhook for unknown reference", "reference", event.Data.Reference, "event", event.Event)
	case errors.As(err, &conflict):
		h.logger.Warn("webhook payment requires review", "error", err, "order_id", conflict.OrderID)
	case err != nil:
		h.logger.Error("failed to process webhook", "error", err, "reference", event.Data.Reference, "event", event.Event)
	default:
		h.logger.Info("webhook processed",
			"reference", event.Data.Reference,
			"event", event.Event,
			"outcome", result.Outcome,
			"order_id", result.Order.ID,
		)
	}

	h.acknowledge(w)
}

func (h *Handler) authenticate(body []byte, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	if !h.verifier.VerifySignature(body, signature) {
		return ErrInvalidSignature
	}
	return nil
}

func (h *Handler) acknowledge(w http.ResponseWriter) {
	h.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *Handler) HandleListPayments(w http.ResponseWriter, r *http.Request) {
	status := domain.PaymentStatus(strings.ToUpper(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid payment status")
		return
	}

	payments, err := h.store.ListPayments(r.Context(), status)
	if err != nil {
		h.logger.Error("failed to list payments", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("payments listed", "count", len(payments), "status", status)
	h.writeJSON(w, http.StatusOK, payments)
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
