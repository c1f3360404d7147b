// Package payments initializes gateway transactions and reconciles their
// outcome against orders. Webhooks, verify-after-redirect and the stale
// payment sweeper all settle payments through Reconciler.Reconcile.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/gallery-checkout/internal/domain"
	"github.com/joao-fontenele/gallery-checkout/internal/paystack"
	"github.com/joao-fontenele/gallery-checkout/internal/telemetry"
)

var tracer = otel.Tracer("payments")

// Event types recorded in webhook_events. Webhook deliveries use the
// provider's event name.
const (
	EventChargeSuccess = "charge.success"
	EventChargeFailed  = "charge.failed"
	EventVerify        = "verify"
	EventSweep         = "sweep"
	// EventExpire settles payments the sweeper has stopped waiting for.
	EventExpire        = "expire"
)

type Outcome string

const (
	OutcomeConfirmed      Outcome = "confirmed"
	OutcomeAmountMismatch Outcome = "amount_mismatch"
	OutcomeFailed         Outcome = "failed"
	OutcomePending        Outcome = "pending"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeAlreadySettled Outcome = "already_settled"
	// OutcomeNeedsReview is a settlement that arrived after the order or its
	// payment had already moved on. The order keeps its status and is flagged.
	OutcomeNeedsReview    Outcome = "needs_review"
)

// Verification is the gateway's account of a transaction, from a webhook
// payload or a verify call.
type Verification struct {
	Reference       string
	EventType       string
	Status          string
	AmountMinor     int64
	Currency        string
	CustomerEmail   string
	PaidAt          string
	Channel         string
	GatewayResponse string
}

func newVerification(reference, eventType string, tx *paystack.Transaction) Verification {
	return Verification{
		Reference:       reference,
		EventType:       eventType,
		Status:          tx.Status,
		AmountMinor:     tx.AmountMinor,
		Currency:        tx.Currency,
		CustomerEmail:   tx.CustomerEmail(),
		PaidAt:          tx.PaidAt,
		Channel:         tx.Channel,
		GatewayResponse: tx.GatewayResponse,
	}
}

// Result is the state of the order and its payment after reconciliation.
type Result struct {
	Outcome Outcome
	Order   *domain.Order
	Payment *domain.Payment
}

// Paid reports whether the customer's purchase went through.
func (r *Result) Paid() bool {
	return r.Payment.Status == domain.PaymentStatusSuccess && !r.Order.NeedsReview
}

// Publisher is satisfied by messaging.Producer.
type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type settlement int

const (
	unsettled settlement = iota
	settledSuccess
	settledFailure
)

// classify maps a gateway status onto a settlement. An abandoned checkout can
// still be completed by the customer, so a routine sweep waits on it.
func classify(eventType, status string) settlement {
	switch strings.ToLower(status) {
	case "success":
		return settledSuccess
	case "abandoned":
		if eventType == EventSweep {
			return unsettled
		}
		return settledFailure
	case "failed", "reversed":
		return settledFailure
	default:
		return unsettled
	}
}

type decision struct {
	outcome       Outcome
	paymentStatus domain.PaymentStatus
	orderStatus   domain.OrderStatus
	needsReview   bool
	paid          decimal.Decimal
	conflict      *ReconciliationConflict
}

// decide maps a settled gateway outcome onto the order. A successful charge
// for the wrong amount or currency still marks the payment SUCCESS, since the
// money moved, but cancels the order and flags it for review.
func decide(order *domain.Order, payment *domain.Payment, v Verification, s settlement) decision {
	paid := domain.FromMinorUnits(v.AmountMinor)

	if s == settledFailure {
		return decision{
			outcome:       OutcomeFailed,
			paymentStatus: domain.PaymentStatusFailed,
			orderStatus:   domain.OrderStatusCancelled,
			paid:          payment.Amount,
		}
	}

	currencyOK := v.Currency == "" || payment.Currency == "" || strings.EqualFold(v.Currency, payment.Currency)
	if currencyOK && domain.AmountsMatch(paid, order.Total) {
		return decision{
			outcome:       OutcomeConfirmed,
			paymentStatus: domain.PaymentStatusSuccess,
			orderStatus:   domain.OrderStatusProcessing,
			paid:          paid,
		}
	}

	return decision{
		outcome:       OutcomeAmountMismatch,
		paymentStatus: domain.PaymentStatusSuccess,
		orderStatus:   domain.OrderStatusCancelled,
		needsReview:   true,
		paid:          paid,
		conflict: &ReconciliationConflict{
			OrderID:          order.ID,
			Reference:        v.Reference,
			Expected:         order.Total,
			Paid:             paid,
			ExpectedCurrency: payment.Currency,
			PaidCurrency:     v.Currency,
		},
	}
}

// settle applies a settled outcome to the locked order and payment. It
// reports false when the payment is already terminal and nothing changes.
// Only a PENDING order is moved; a late settlement on an order that has moved
// on, or a success for a payment already given up as failed, keeps the order
// status and flags it for review.
func settle(order *domain.Order, payment *domain.Payment, v Verification, s settlement) (decision, bool) {
	lateSuccess := payment.Status == domain.PaymentStatusFailed && s == settledSuccess
	if payment.Status.Terminal() && !lateSuccess {
		return decision{}, false
	}

	d := decide(order, payment, v, s)
	if order.Status == domain.OrderStatusPending && !lateSuccess {
		return d, true
	}

	d.orderStatus = order.Status
	d.needsReview = order.NeedsReview
	var reason string
	switch {
	case lateSuccess:
		reason = "payment succeeded after it was marked failed"
	case s == settledSuccess:
		reason = fmt.Sprintf("payment succeeded for an order that is %s", order.Status)
	case order.Status != domain.OrderStatusCancelled:
		reason = fmt.Sprintf("payment failed for an order that is %s", order.Status)
	default:
		return d, true
	}

	d.outcome = OutcomeNeedsReview
	d.needsReview = true
	d.conflict = &ReconciliationConflict{
		OrderID:          order.ID,
		Reference:        v.Reference,
		Expected:         order.Total,
		Paid:             d.paid,
		ExpectedCurrency: payment.Currency,
		PaidCurrency:     v.Currency,
		Reason:           reason,
	}
	return d, true
}

type Reconciler struct {
	store     Store
	publisher Publisher
	metrics   *telemetry.PaymentMetrics
	currency  string
	logger    *slog.Logger
	now       func() time.Time
}

type ReconcilerOption func(*Reconciler)

// WithPublisher announces settled payments after they commit.
func WithPublisher(p Publisher) ReconcilerOption {
	return func(r *Reconciler) {
		r.publisher = p
	}
}

func WithMetrics(m *telemetry.PaymentMetrics) ReconcilerOption {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// NewReconciler uses currency for payments that have no stored record yet.
func NewReconciler(store Store, currency string, logger *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:    store,
		currency: currency,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile applies a gateway verification to the order holding its
// reference. The order row lock and the (reference, event type) record
// make concurrent and repeated deliveries settle the order at most once.
//
// On an amount or currency mismatch the returned Result is accompanied by a
// *ReconciliationConflict. ErrUnknownReference is returned, with nothing
// written, when no order carries the reference.
func (r *Reconciler) Reconcile(ctx context.Context, v Verification) (*Result, error) {
	ctx, span := tracer.Start(ctx, "payments.reconcile", trace.WithAttributes(
		attribute.String("payment.reference", v.Reference),
		attribute.String("payment.event_type", v.EventType),
		attribute.String("payment.gateway_status", v.Status),
	))
	defer span.End()

	result, err := r.reconcile(ctx, v)

	outcome := "error"
	var conflict *ReconciliationConflict
	switch {
	case result != nil:
		outcome = string(result.Outcome)
	case errors.Is(err, ErrUnknownReference):
		outcome = "unknown_reference"
	}
	span.SetAttributes(attribute.String("payment.outcome", outcome))
	if err != nil && !errors.As(err, &conflict) && !errors.Is(err, ErrUnknownReference) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.metrics.RecordReconciliation(ctx, sourceOf(v.EventType), outcome)

	return result, err
}

func (r *Reconciler) reconcile(ctx context.Context, v Verification) (*Result, error) {
	if v.Reference == "" || v.EventType == "" {
		return nil, errors.New("reconcile: reference and event type are required")
	}

	settled := classify(v.EventType, v.Status)

	var (
		result   *Result
		conflict *ReconciliationConflict
	)
	err := r.store.InTx(ctx, func(tx Tx) error {
		order, err := tx.LockOrderByReference(ctx, v.Reference)
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		if order == nil {
			return ErrUnknownReference
		}

		payment, err := r.lockPayment(ctx, tx, order, v.Reference)
		if err != nil {
			return err
		}

		result = &Result{Order: order, Payment: payment}
		if settled == unsettled {
			result.Outcome = OutcomePending
			return nil
		}

		recorded, err := tx.RecordEvent(ctx, v.Reference, v.EventType)
		if err != nil {
			return fmt.Errorf("record event: %w", err)
		}
		if !recorded {
			result.Outcome = OutcomeDuplicate
			return nil
		}

		d, ok := settle(order, payment, v, settled)
		if !ok {
			result.Outcome = OutcomeAlreadySettled
			return nil
		}

		payment.Status = d.paymentStatus
		payment.Amount = d.paid
		payment.Metadata = r.mergeMetadata(payment.Metadata, v)
		if err := tx.SavePayment(ctx, payment); err != nil {
			return fmt.Errorf("save payment: %w", err)
		}

		if err := tx.UpdateOrderStatus(ctx, order.ID, d.orderStatus, d.needsReview); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		order.Status = d.orderStatus
		order.NeedsReview = d.needsReview

		result.Outcome = d.outcome
		conflict = d.conflict
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch result.Outcome {
	case OutcomeConfirmed, OutcomeFailed:
		r.logger.Info("payment reconciled",
			"order_id", result.Order.ID,
			"reference", v.Reference,
			"event_type", v.EventType,
			"outcome", result.Outcome,
		)
		r.publish(ctx, result, v, "")
	case OutcomeAmountMismatch:
		r.logger.Warn("payment does not match order, flagged for review",
			"order_id", result.Order.ID,
			"reference", v.Reference,
			"event_type", v.EventType,
			"expected", conflict.Expected.StringFixed(2),
			"paid", conflict.Paid.StringFixed(2),
			"expected_currency", conflict.ExpectedCurrency,
			"paid_currency", conflict.PaidCurrency,
		)
		r.publish(ctx, result, v, "amount or currency does not match the order")
	case OutcomeNeedsReview:
		r.logger.Warn("late payment settlement, order flagged for review",
			"order_id", result.Order.ID,
			"reference", v.Reference,
			"event_type", v.EventType,
			"order_status", result.Order.Status,
			"payment_status", result.Payment.Status,
			"reason", conflict.Reason,
		)
		r.publish(ctx, result, v, conflict.Reason)
	default:
		r.logger.Info("payment left unchanged",
			"order_id", result.Order.ID,
			"reference", v.Reference,
			"event_type", v.EventType,
			"outcome", result.Outcome,
		)
	}

	if conflict != nil {
		return result, conflict
	}
	return result, nil
}

// lockPayment finds the payment for the reference. An order whose reference
// was set without a payment row gets a new PENDING payment in memory.
func (r *Reconciler) lockPayment(ctx context.Context, tx Tx, order *domain.Order, reference string) (*domain.Payment, error) {
	payment, err := tx.LockPaymentByReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("lock payment: %w", err)
	}
	if payment != nil {
		return payment, nil
	}

	payment, err = tx.LockPaymentByOrder(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("lock payment: %w", err)
	}
	if payment != nil {
		payment.GatewayRef = reference
		return payment, nil
	}

	return &domain.Payment{
		OrderID:    order.ID,
		Amount:     order.Total,
		Currency:   r.currency,
		Status:     domain.PaymentStatusPending,
		Method:     domain.PaymentMethodPaystack,
		GatewayRef: reference,
	}, nil
}

func (r *Reconciler) mergeMetadata(existing map[string]any, v Verification) map[string]any {
	merged := make(map[string]any, len(existing)+5)
	maps.Copy(merged, existing)

	merged["verified_at"] = r.now().Format(time.RFC3339)
	merged["verified_by"] = v.EventType
	merged["gateway_status"] = v.Status
	if v.GatewayResponse != "" {
		merged["gateway_response"] = v.GatewayResponse
	}
	if v.PaidAt != "" {
		merged["paid_at"] = v.PaidAt
	}
	if v.Channel != "" {
		merged["channel"] = v.Channel
	}
	if v.CustomerEmail != "" {
		merged["customer_email"] = v.CustomerEmail
	}
	return merged
}

func (r *Reconciler) publish(ctx context.Context, result *Result, v Verification, reviewReason string) {
	if r.publisher == nil {
		return
	}

	event := domain.PaymentReconciledEvent{
		OrderID:       result.Order.ID,
		OrderNumber:   result.Order.OrderNumber,
		Reference:     v.Reference,
		CustomerName:  result.Order.CustomerName,
		CustomerEmail: result.Order.CustomerEmail,
		OrderStatus:   result.Order.Status,
		PaymentStatus: result.Payment.Status,
		AmountPaid:    result.Payment.Amount.StringFixed(2),
		OrderTotal:    result.Order.Total.StringFixed(2),
		Currency:      result.Payment.Currency,
		NeedsReview:   result.Order.NeedsReview,
		ReviewReason:  reviewReason,
		Source:        sourceOf(v.EventType),
		Timestamp:     r.now(),
	}

	// The state is committed; a lost event only costs a notification email.
	if err := r.publisher.Publish(ctx, result.Order.ID, event); err != nil {
		r.logger.Error("failed to publish payment reconciled event", "error", err, "order_id", result.Order.ID)
	}
}

func sourceOf(eventType string) string {
	switch eventType {
	case EventVerify, EventSweep:
		return eventType
	case EventExpire:
		return EventSweep
	default:
		return "webhook"
	}
}
