package payments

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/gallery-checkout/internal/domain"
)

func newTestReconciler(store Store, publisher Publisher) *Reconciler {
	opts := []ReconcilerOption{}
	if publisher != nil {
		opts = append(opts, WithPublisher(publisher))
	}
	return NewReconciler(store, "GHS", discardLogger(), opts...)
}

func chargeSuccess(reference string, amountMinor int64) Verification {
	return Verification{
		Reference:     reference,
		EventType:     EventChargeSuccess,
		Status:        "success",
		AmountMinor:   amountMinor,
		Currency:      "GHS",
		CustomerEmail: "ama@example.com",
		Channel:       "card",
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		eventType string
		status    string
		want      settlement
	}{
		{EventChargeSuccess, "success", settledSuccess},
		{EventVerify, "SUCCESS", settledSuccess},
		{EventChargeFailed, "failed", settledFailure},
		{EventVerify, "abandoned", settledFailure},
		{EventSweep, "abandoned", unsettled},
		{EventExpire, "abandoned", settledFailure},
		{EventSweep, "failed", settledFailure},
		{EventVerify, "reversed", settledFailure},
		{EventVerify, "ongoing", unsettled},
		{EventVerify, "pending", unsettled},
		{EventSweep, "processing", unsettled},
		{EventVerify, "queued", unsettled},
		{EventVerify, "", unsettled},
	}
	for _, tt := range tests {
		if got := classify(tt.eventType, tt.status); got != tt.want {
			t.Errorf("classify(%q, %q) = %d, want %d", tt.eventType, tt.status, got, tt.want)
		}
	}
}

func TestDecide(t *testing.T) {
	order := &domain.Order{ID: "order-1", Total: decimal.RequireFromString("100.00")}
	payment := &domain.Payment{Currency: "GHS", Amount: order.Total}

	tests := []struct {
		name         string
		status       string
		amountMinor  int64
		currency     string
		wantOutcome  Outcome
		wantPayment  domain.PaymentStatus
		wantOrder    domain.OrderStatus
		wantReview   bool
		wantConflict bool
	}{
		{"exact amount", "success", 10000, "GHS", OutcomeConfirmed, domain.PaymentStatusSuccess, domain.OrderStatusProcessing, false, false},
		{"within tolerance", "success", 10001, "GHS", OutcomeConfirmed, domain.PaymentStatusSuccess, domain.OrderStatusProcessing, false, false},
		{"currency case ignored", "success", 10000, "ghs", OutcomeConfirmed, domain.PaymentStatusSuccess, domain.OrderStatusProcessing, false, false},
		{"underpaid", "success", 9000, "GHS", OutcomeAmountMismatch, domain.PaymentStatusSuccess, domain.OrderStatusCancelled, true, true},
		{"overpaid beyond tolerance", "success", 10002, "GHS", OutcomeAmountMismatch, domain.PaymentStatusSuccess, domain.OrderStatusCancelled, true, true},
		{"wrong currency", "success", 10000, "USD", OutcomeAmountMismatch, domain.PaymentStatusSuccess, domain.OrderStatusCancelled, true, true},
		{"failed with full amount", "failed", 10000, "GHS", OutcomeFailed, domain.PaymentStatusFailed, domain.OrderStatusCancelled, false, false},
		{"failed with other amount", "failed", 1, "GHS", OutcomeFailed, domain.PaymentStatusFailed, domain.OrderStatusCancelled, false, false},
		{"abandoned", "abandoned", 0, "GHS", OutcomeFailed, domain.PaymentStatusFailed, domain.OrderStatusCancelled, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Verification{Reference: "ref", Status: tt.status, AmountMinor: tt.amountMinor, Currency: tt.currency}
			d := decide(order, payment, v, classify(EventVerify, tt.status))

			if d.outcome != tt.wantOutcome {
				t.Errorf("outcome: expected %s, got %s", tt.wantOutcome, d.outcome)
			}
			if d.paymentStatus != tt.wantPayment {
				t.Errorf("payment: expected %s, got %s", tt.wantPayment, d.paymentStatus)
			}
			if d.orderStatus != tt.wantOrder {
				t.Errorf("order: expected %s, got %s", tt.wantOrder, d.orderStatus)
			}
			if d.needsReview != tt.wantReview {
				t.Errorf("needs review: expected %v, got %v", tt.wantReview, d.needsReview)
			}
			if (d.conflict != nil) != tt.wantConflict {
				t.Errorf("conflict: expected %v, got %v", tt.wantConflict, d.conflict)
			}
		})
	}
}

func TestReconciler_Confirmed(t *testing.T) {
	store := newMemStore()
	publisher := &recordingPublisher{}
	order := store.seedOrder(t, "100.00", "ARTSY-1-000001")

	result, err := newTestReconciler(store, publisher).Reconcile(context.Background(), chargeSuccess("ARTSY-1-000001", 10000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeConfirmed || !result.Paid() {
		t.Fatalf("unexpected result %+v", result)
	}

	if got := store.order(order.ID); got.Status != domain.OrderStatusProcessing || got.NeedsReview {
		t.Errorf("unexpected order state %s review=%v", got.Status, got.NeedsReview)
	}
	payment, _ := store.payment(order.ID)
	if payment.Status != domain.PaymentStatusSuccess {
		t.Errorf("expected payment SUCCESS, got %s", payment.Status)
	}
	if payment.Metadata["order_number"] != order.OrderNumber || payment.Metadata["channel"] != "card" {
		t.Errorf("expected merged metadata, got %v", payment.Metadata)
	}
	if payment.Metadata["verified_by"] != EventChargeSuccess {
		t.Errorf("expected verified_by %s, got %v", EventChargeSuccess, payment.Metadata["verified_by"])
	}

	if publisher.count() != 1 {
		t.Fatalf("expected 1 event, got %d", publisher.count())
	}
	event := publisher.events[0]
	if event.OrderStatus != domain.OrderStatusProcessing || event.AmountPaid != "100.00" || event.Source != "webhook" {
		t.Errorf("unexpected event %+v", event)
	}
}

func TestReconciler_AmountMismatch(t *testing.T) {
	store := newMemStore()
	publisher := &recordingPublisher{}
	order := store.seedOrder(t, "100.00", "ARTSY-1-000002")

	result, err := newTestReconciler(store, publisher).Reconcile(context.Background(), chargeSuccess("ARTSY-1-000002", 9000))

	var conflict *ReconciliationConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ReconciliationConflict, got %v", err)
	}
	if !conflict.Paid.Equal(decimal.RequireFromString("90")) || !conflict.Expected.Equal(decimal.RequireFromString("100")) {
		t.Errorf("unexpected conflict %+v", conflict)
	}
	if result == nil || result.Outcome != OutcomeAmountMismatch || result.Paid() {
		t.Fatalf("unexpected result %+v", result)
	}

	got := store.order(order.ID)
	if got.Status != domain.OrderStatusCancelled || !got.NeedsReview {
		t.Errorf("expected CANCELLED and flagged, got %s review=%v", got.Status, got.NeedsReview)
	}
	payment, _ := store.payment(order.ID)
	if payment.Status != domain.PaymentStatusSuccess || !payment.Amount.Equal(decimal.RequireFromString("90")) {
		t.Errorf("expected SUCCESS for 90, got %s for %s", payment.Status, payment.Amount)
	}
	if publisher.count() != 1 || !publisher.events[0].NeedsReview {
		t.Errorf("expected one review event, got %+v", publisher.events)
	}
}

func TestReconciler_FailedRegardlessOfAmount(t *testing.T) {
	for _, amount := range []int64{10000, 0, 123456} {
		store := newMemStore()
		order := store.seedOrder(t, "100.00", "ARTSY-1-000003")

		v := chargeSuccess("ARTSY-1-000003", amount)
		v.EventType = EventChargeFailed
		v.Status = "failed"

		result, err := newTestReconciler(store, nil).Reconcile(context.Background(), v)
		if err != nil {
			t.Fatalf("amount %d: unexpected error: %v", amount, err)
		}
		if result.Outcome != OutcomeFailed {
			t.Errorf("amount %d: expected failed outcome, got %s", amount, result.Outcome)
		}
		if got := store.order(order.ID); got.Status != domain.OrderStatusCancelled || got.NeedsReview {
			t.Errorf("amount %d: unexpected order %s review=%v", amount, got.Status, got.NeedsReview)
		}
		if payment, _ := store.payment(order.ID); payment.Status != domain.PaymentStatusFailed {
			t.Errorf("amount %d: expected FAILED, got %s", amount, payment.Status)
		}
	}
}

func TestReconciler_DuplicateDelivery(t *testing.T) {
	store := newMemStore()
	publisher := &recordingPublisher{}
	order := store.seedOrder(t, "100.00", "ARTSY-1-000004")
	reconciler := newTestReconciler(store, publisher)

	if _, err := reconciler.Reconcile(context.Background(), chargeSuccess("ARTSY-1-000004", 10000)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstPayment, _ := store.payment(order.ID)

	result, err := reconciler.Reconcile(context.Background(), chargeSuccess("ARTSY-1-000004", 10000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeDuplicate {
		t.Errorf("expected duplicate, got %s", result.Outcome)
	}
	if result.Order.Status != domain.OrderStatusProcessing {
		t.Errorf("expected current state in result, got %s", result.Order.Status)
	}

	secondPayment, _ := store.payment(order.ID)
	if !secondPayment.UpdatedAt.Equal(firstPayment.UpdatedAt) {
		t.Error("expected payment to be left untouched")
	}
	if publisher.count() != 1 {
		t.Errorf("expected 1 event, got %d", publisher.count())
	}
	if store.eventCount() != 1 {
		t.Errorf("expected 1 recorded event, got %d", store.eventCount())
	}
}

func TestReconciler_SettledPaymentIsNotReopened(t *testing.T) {
	store := newMemStore()
	order := store.seedOrder(t, "100.00", "ARTSY-1-000005")
	reconciler := newTestReconciler(store, nil)

	if _, err := reconciler.Reconcile(context.Background(), chargeSuccess("ARTSY-1-000005", 10000)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	late := chargeSuccess("ARTSY-1-000005", 10000)
	late.EventType = EventChargeFailed
	late.Status = "failed"

	result, err := reconciler.Reconcile(context.Background(), late)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeAlreadySettled {
		t.Errorf("expected already settled, got %s", result.Outcome)
	}
	if got := store.order(order.ID); got.Status != domain.OrderStatusProcessing {
		t.Errorf("expected order to stay PROCESSING, got %s", got.Status)
	}
	if store.eventCount() != 2 {
		t.Errorf("expected both events recorded, got %d", store.eventCount())
	}
}

func TestReconciler_UnknownReference(t *testing.T) {
	store := newMemStore()
	order := store.seedOrder(t, "100.00", "ARTSY-1-000006")

	_, err := newTestReconciler(store, nil).Reconcile(context.Background(), chargeSuccess("ARTSY-OTHER", 10000))
	if !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("expected ErrUnknownReference, got %v", err)
	}
	if store.commits != 0 || store.eventCount() != 0 {
		t.Errorf("expected no writes, got %d commits and %d events", store.commits, store.eventCount())
	}
	if got := store.order(order.ID); got.Status != domain.OrderStatusPending {
		t.Errorf("expected order untouched, got %s", got.Status)
	}
}

func TestReconciler_UnsettledStatusLeavesStateAlone(t *testing.T) {
	store := newMemStore()
	order := store.seedOrder(t, "100.00", "ARTSY-1-000007")
	reconciler := newTestReconciler(store, nil)

	v := chargeSuccess("ARTSY-1-000007", 10000)
	v.EventType = EventVerify
	v.Status = "ongoing"

	result, err := reconciler.Reconcile(context.Background(), v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomePending || result.Paid() {
		t.Errorf("unexpected result %+v", result)
	}
	if store.eventCount() != 0 {
		t.Errorf("expected no recorded event, got %d", store.eventCount())
	}

	// A later verify of the same reference still settles it.
	v.Status = "success"
	result, err = reconciler.Reconcile(context.Background(), v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeConfirmed {
		t.Errorf("expected confirmed, got %s", result.Outcome)
	}
	if got := store.order(order.ID); got.Status != domain.OrderStatusProcessing {
		t.Errorf("expected PROCESSING, got %s", got.Status)
	}
}

func TestReconciler_MissingPaymentRowIsCreated(t *testing.T) {
	store := newMemStore()
	order := store.seedOrder(t, "100.00", "")
	order.GatewayRef = "ARTSY-1-000008"
	store.orders[order.ID] = order

	result, err := newTestReconciler(store, nil).Reconcile(context.Background(), chargeSuccess("ARTSY-1-000008", 10000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeConfirmed {
		t.Fatalf("expected confirmed, got %s", result.Outcome)
	}
	payment, ok := store.payment(order.ID)
	if !ok || payment.GatewayRef != "ARTSY-1-000008" || payment.Currency != "GHS" || payment.Status != domain.PaymentStatusSuccess {
		t.Errorf("unexpected payment %+v", payment)
	}
}

func TestReconciler_StoreFailureRollsBack(t *testing.T) {
	store := newMemStore()
	order := store.seedOrder(t, "100.00", "ARTSY-1-000009")
	store.failSave = errors.New("connection reset")
	reconciler := newTestReconciler(store, nil)

	if _, err := reconciler.Reconcile(context.Background(), chargeSuccess("ARTSY-1-000009", 10000)); err == nil {
		t.Fatal("expected error")
	}
	if store.eventCount() != 0 {
		t.Fatalf("expected event record rolled back, got %d", store.eventCount())
	}

	// The provider's redelivery is processed once the store recovers.
	store.failSave = nil
	result, err := reconciler.Reconcile(context.Background(), chargeSuccess("ARTSY-1-000009", 10000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeConfirmed || store.order(order.ID).Status != domain.OrderStatusProcessing {
		t.Errorf("expected confirmed redelivery, got %s", result.Outcome)
	}
}

func TestReconciler_PublishFailureKeepsState(t *testing.T) {
	store := newMemStore()
	order := store.seedOrder(t, "100.00", "ARTSY-1-000010")
	publisher := &recordingPublisher{err: errors.New("broker down")}

	result, err := newTestReconciler(store, publisher).Reconcile(context.Background(), chargeSuccess("ARTSY-1-000010", 10000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeConfirmed || store.order(order.ID).Status != domain.OrderStatusProcessing {
		t.Errorf("expected committed confirmation, got %s", result.Outcome)
	}
}

func TestReconciler_ConcurrentDeliveries(t *testing.T) {
	store := newMemStore()
	publisher := &recordingPublisher{}
	order := store.seedOrder(t, "100.00", "ARTSY-1-000011")
	reconciler := newTestReconciler(store, publisher)

	const deliveries = 20
	outcomes := make(chan Outcome, deliveries)

	var wg sync.WaitGroup
	for range deliveries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := reconciler.Reconcile(context.Background(), chargeSuccess("ARTSY-1-000011", 10000))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			outcomes <- result.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	if counts[OutcomeConfirmed] != 1 || counts[OutcomeDuplicate] != deliveries-1 {
		t.Errorf("expected 1 confirmed and %d duplicates, got %v", deliveries-1, counts)
	}
	if publisher.count() != 1 {
		t.Errorf("expected 1 event, got %d", publisher.count())
	}
	if got := store.order(order.ID); got.Status != domain.OrderStatusProcessing {
		t.Errorf("expected PROCESSING, got %s", got.Status)
	}
}

func TestReconciler_RejectsIncompleteVerification(t *testing.T) {
	store := newMemStore()
	if _, err := newTestReconciler(store, nil).Reconcile(context.Background(), Verification{Status: "success"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestReconciler_SuccessAfterFailedPaymentIsFlagged(t *testing.T) {
	store := newMemStore()
	publisher := &recordingPublisher{}
	order := store.seedOrder(t, "100.00", "ARTSY-1-000020")
	reconciler := newTestReconciler(store, publisher)

	expired := chargeSuccess("ARTSY-1-000020", 0)
	expired.EventType = EventExpire
	expired.Status = "abandoned"
	if _, err := reconciler.Reconcile(context.Background(), expired); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.order(order.ID); got.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED after expiry, got %s", got.Status)
	}

	result, err := reconciler.Reconcile(context.Background(), chargeSuccess("ARTSY-1-000020", 10000))

	var conflict *ReconciliationConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ReconciliationConflict, got %v", err)
	}
	if conflict.Reason == "" {
		t.Error("expected a review reason")
	}
	if result.Outcome != OutcomeNeedsReview || result.Paid() {
		t.Errorf("unexpected result %+v", result)
	}

	got := store.order(order.ID)
	if got.Status != domain.OrderStatusCancelled || !got.NeedsReview {
		t.Errorf("expected CANCELLED and flagged, got %s review=%v", got.Status, got.NeedsReview)
	}
	payment, _ := store.payment(order.ID)
	if payment.Status != domain.PaymentStatusSuccess || !payment.Amount.Equal(decimal.RequireFromString("100")) {
		t.Errorf("expected SUCCESS for 100, got %s for %s", payment.Status, payment.Amount)
	}

	if publisher.count() != 2 {
		t.Fatalf("expected 2 events, got %d", publisher.count())
	}
	event := publisher.events[1]
	if !event.NeedsReview || event.PaymentStatus != domain.PaymentStatusSuccess || event.ReviewReason == "" {
		t.Errorf("unexpected review event %+v", event)
	}
}

func TestReconciler_OrderMovedOnKeepsStatus(t *testing.T) {
	tests := []struct {
		name        string
		orderStatus domain.OrderStatus
		status      string
		wantOutcome Outcome
		wantPayment domain.PaymentStatus
		wantReview  bool
	}{
		{"failure on shipped order", domain.OrderStatusShipped, "failed", OutcomeNeedsReview, domain.PaymentStatusFailed, true},
		{"success on shipped order", domain.OrderStatusShipped, "success", OutcomeNeedsReview, domain.PaymentStatusSuccess, true},
		{"success on cancelled order", domain.OrderStatusCancelled, "success", OutcomeNeedsReview, domain.PaymentStatusSuccess, true},
		{"failure on cancelled order", domain.OrderStatusCancelled, "failed", OutcomeFailed, domain.PaymentStatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			order := store.seedOrder(t, "100.00", "ARTSY-1-000021")
			order.Status = tt.orderStatus
			store.orders[order.ID] = order

			v := chargeSuccess("ARTSY-1-000021", 10000)
			if tt.status == "failed" {
				v.EventType = EventChargeFailed
				v.Status = "failed"
			}

			result, err := newTestReconciler(store, nil).Reconcile(context.Background(), v)
			var conflict *ReconciliationConflict
			if tt.wantReview != errors.As(err, &conflict) {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.wantReview && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Outcome != tt.wantOutcome {
				t.Errorf("expected %s, got %s", tt.wantOutcome, result.Outcome)
			}

			got := store.order(order.ID)
			if got.Status != tt.orderStatus {
				t.Errorf("expected order to stay %s, got %s", tt.orderStatus, got.Status)
			}
			if got.NeedsReview != tt.wantReview {
				t.Errorf("expected review=%v, got %v", tt.wantReview, got.NeedsReview)
			}
			if payment, _ := store.payment(order.ID); payment.Status != tt.wantPayment {
				t.Errorf("expected payment %s, got %s", tt.wantPayment, payment.Status)
			}
			if store.eventCount() != 1 {
				t.Errorf("expected the event recorded, got %d", store.eventCount())
			}
		})
	}
}
