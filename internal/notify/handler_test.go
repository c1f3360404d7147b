package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/joao-fontenele/gallery-checkout/internal/domain"
)

type emailSink struct {
	mu       sync.Mutex
	received []Email
	keys     []string
	statuses []int
	calls    int
}

func (s *emailSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := http.StatusOK
	if s.calls < len(s.statuses) {
		status = s.statuses[s.calls]
	}
	s.calls++

	if status == http.StatusOK {
		var e Email
		_ = json.NewDecoder(r.Body).Decode(&e)
		s.received = append(s.received, e)
		s.keys = append(s.keys, r.Header.Get("Idempotency-Key"))
	}
	w.WriteHeader(status)
}

func newTestHandler(t *testing.T, sink *emailSink) *NotificationHandler {
	t.Helper()
	server := httptest.NewServer(sink)
	t.Cleanup(server.Close)

	h := NewNotificationHandler(server.URL, "ops@gallery.example", server.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}
	return h
}

func paymentEvent(mutate func(*domain.PaymentReconciledEvent)) []byte {
	event := domain.PaymentReconciledEvent{
		OrderID:       "order-1",
		OrderNumber:   "GAL-20260301-AAAA0001",
		Reference:     "ARTSY-1-000001",
		CustomerName:  "Efua",
		CustomerEmail: "efua@example.com",
		OrderStatus:   domain.OrderStatusProcessing,
		PaymentStatus: domain.PaymentStatusSuccess,
		AmountPaid:    "100.00",
		OrderTotal:    "100.00",
		Currency:      "GHS",
	}
	if mutate != nil {
		mutate(&event)
	}
	data, _ := json.Marshal(event)
	return data
}

func TestNotificationHandler_HandlePaymentReconciled(t *testing.T) {
	t.Run("confirmed order emails customer and admin", func(t *testing.T) {
		sink := &emailSink{}
		h := newTestHandler(t, sink)

		if err := h.HandlePaymentReconciled(context.Background(), paymentEvent(nil)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(sink.received) != 2 {
			t.Fatalf("expected 2 emails, got %d", len(sink.received))
		}
		if sink.received[0].To != "efua@example.com" || !strings.HasPrefix(sink.received[0].Subject, "Order Confirmed") {
			t.Errorf("unexpected customer email %+v", sink.received[0])
		}
		if sink.received[1].To != "ops@gallery.example" {
			t.Errorf("unexpected admin email %+v", sink.received[1])
		}
	})

	t.Run("review flag alerts admin", func(t *testing.T) {
		sink := &emailSink{}
		h := newTestHandler(t, sink)

		payload := paymentEvent(func(e *domain.PaymentReconciledEvent) {
			e.OrderStatus = domain.OrderStatusCancelled
			e.NeedsReview = true
			e.AmountPaid = "90.00"
		})
		if err := h.HandlePaymentReconciled(context.Background(), payload); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(sink.received) != 2 {
			t.Fatalf("expected 2 emails, got %d", len(sink.received))
		}
		admin := sink.received[1]
		if !strings.HasPrefix(admin.Subject, "Payment Review Required") || !strings.Contains(admin.Body, "90.00") {
			t.Errorf("unexpected admin email %+v", admin)
		}
	})

	t.Run("failed payment emails customer only", func(t *testing.T) {
		sink := &emailSink{}
		h := newTestHandler(t, sink)

		payload := paymentEvent(func(e *domain.PaymentReconciledEvent) {
			e.OrderStatus = domain.OrderStatusCancelled
			e.PaymentStatus = domain.PaymentStatusFailed
		})
		if err := h.HandlePaymentReconciled(context.Background(), payload); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(sink.received) != 1 || !strings.HasPrefix(sink.received[0].Subject, "Payment Unsuccessful") {
			t.Errorf("unexpected emails %+v", sink.received)
		}
	})

	t.Run("malformed payload is dropped", func(t *testing.T) {
		sink := &emailSink{}
		h := newTestHandler(t, sink)

		if err := h.HandlePaymentReconciled(context.Background(), []byte("{")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sink.calls != 0 {
			t.Errorf("expected no email calls, got %d", sink.calls)
		}
	})

	t.Run("retries server errors", func(t *testing.T) {
		sink := &emailSink{statuses: []int{http.StatusServiceUnavailable, http.StatusOK, http.StatusOK}}
		h := newTestHandler(t, sink)

		if err := h.HandlePaymentReconciled(context.Background(), paymentEvent(nil)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sink.calls != 3 || len(sink.received) != 2 {
			t.Errorf("expected 3 calls and 2 emails, got %d calls and %d emails", sink.calls, len(sink.received))
		}
	})

	t.Run("skips rejected email without retrying", func(t *testing.T) {
		sink := &emailSink{statuses: []int{http.StatusBadRequest}}
		h := newTestHandler(t, sink)

		if err := h.HandlePaymentReconciled(context.Background(), paymentEvent(nil)); err != nil {
			t.Fatalf("expected rejected email to be skipped, got %v", err)
		}
		if sink.calls != 2 {
			t.Errorf("expected 2 calls, got %d", sink.calls)
		}
		if len(sink.received) != 1 || sink.received[0].To != "ops@gallery.example" {
			t.Errorf("expected the admin email to still go out, got %+v", sink.received)
		}
	})

	t.Run("unavailable service stops delivery", func(t *testing.T) {
		unavailable := http.StatusServiceUnavailable
		sink := &emailSink{statuses: []int{http.StatusOK, unavailable, unavailable, unavailable}}
		h := newTestHandler(t, sink)

		if err := h.HandlePaymentReconciled(context.Background(), paymentEvent(nil)); err == nil {
			t.Fatal("expected error")
		}
		if len(sink.received) != 1 {
			t.Errorf("expected only the customer email, got %d", len(sink.received))
		}
	})

	t.Run("redelivery reuses idempotency keys", func(t *testing.T) {
		sink := &emailSink{}
		h := newTestHandler(t, sink)
		payload := paymentEvent(func(e *domain.PaymentReconciledEvent) {
			e.Timestamp = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		})

		for range 2 {
			if err := h.HandlePaymentReconciled(context.Background(), payload); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}

		if len(sink.keys) != 4 {
			t.Fatalf("expected 4 sends, got %d", len(sink.keys))
		}
		if sink.keys[0] == "" || sink.keys[0] != sink.keys[2] || sink.keys[1] != sink.keys[3] {
			t.Errorf("expected stable keys across deliveries, got %v", sink.keys)
		}
		if sink.keys[0] == sink.keys[1] {
			t.Errorf("expected distinct keys per email, got %v", sink.keys)
		}
	})
}

func TestNotificationHandler_HandleOrderStatusChanged(t *testing.T) {
	sink := &emailSink{}
	h := newTestHandler(t, sink)

	data, _ := json.Marshal(domain.OrderStatusChangedEvent{
		OrderID:        "order-1",
		OrderNumber:    "GAL-20260301-AAAA0001",
		CustomerName:   "Efua",
		CustomerEmail:  "efua@example.com",
		PreviousStatus: domain.OrderStatusProcessing,
		Status:         domain.OrderStatusShipped,
		TrackingNumber: "TRK-9",
	})

	if err := h.HandleOrderStatusChanged(context.Background(), data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.received) != 1 || !strings.Contains(sink.received[0].Body, "TRK-9") {
		t.Errorf("unexpected emails %+v", sink.received)
	}
}
