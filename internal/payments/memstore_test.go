package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/gallery-checkout/internal/domain"
)

// memStore is an in-memory Store. Transactions are serialized by a single
// mutex and their writes are staged until fn returns nil.
type memStore struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	payments map[string]domain.Payment // keyed by order id
	events   map[string]time.Time

	failSave error
	commits  int
}

func newMemStore() *memStore {
	return &memStore{
		orders:   map[string]domain.Order{},
		payments: map[string]domain.Payment{},
		events:   map[string]time.Time{},
	}
}

func eventKey(reference, eventType string) string {
	return reference + "|" + eventType
}

func (s *memStore) InTx(_ context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:    s,
		orders:   maps.Clone(s.orders),
		payments: maps.Clone(s.payments),
		events:   maps.Clone(s.events),
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.orders, s.payments, s.events = tx.orders, tx.payments, tx.events
	s.commits++
	return nil
}

func (s *memStore) PaymentByReference(_ context.Context, reference string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.GatewayRef == reference {
			return clonePayment(p), nil
		}
	}
	return nil, nil
}

func (s *memStore) ListStalePending(_ context.Context, before time.Time, limit int) ([]domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Payment
	for _, p := range s.payments {
		if p.Status == domain.PaymentStatusPending && p.UpdatedAt.Before(before) {
			out = append(out, *clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ListPayments(_ context.Context, status domain.PaymentStatus) ([]domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.Payment{}
	for _, p := range s.payments {
		if status == "" || p.Status == status {
			out = append(out, *clonePayment(p))
		}
	}
	return out, nil
}

func (s *memStore) order(id string) domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

func (s *memStore) payment(orderID string) (domain.Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[orderID]
	return p, ok
}

func (s *memStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type memTx struct {
	store    *memStore
	orders   map[string]domain.Order
	payments map[string]domain.Payment
	events   map[string]time.Time
}

func (t *memTx) LockOrderByID(_ context.Context, id string) (*domain.Order, error) {
	o, ok := t.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (t *memTx) LockOrderByReference(_ context.Context, reference string) (*domain.Order, error) {
	for _, o := range t.orders {
		if o.GatewayRef != "" && o.GatewayRef == reference {
			return &o, nil
		}
	}
	return nil, nil
}

func (t *memTx) LockPaymentByOrder(_ context.Context, orderID string) (*domain.Payment, error) {
	p, ok := t.payments[orderID]
	if !ok {
		return nil, nil
	}
	return clonePayment(p), nil
}

func (t *memTx) LockPaymentByReference(_ context.Context, reference string) (*domain.Payment, error) {
	for _, p := range t.payments {
		if p.GatewayRef == reference {
			return clonePayment(p), nil
		}
	}
	return nil, nil
}

func (t *memTx) RecordEvent(_ context.Context, reference, eventType string) (bool, error) {
	key := eventKey(reference, eventType)
	if _, ok := t.events[key]; ok {
		return false, nil
	}
	t.events[key] = time.Now()
	return true, nil
}

func (t *memTx) SavePayment(_ context.Context, p *domain.Payment) error {
	if t.store.failSave != nil {
		return t.store.failSave
	}
	if _, ok := t.orders[p.OrderID]; !ok {
		return errors.New("payment references missing order")
	}
	if existing, ok := t.payments[p.OrderID]; ok {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = time.Now()
	t.payments[p.OrderID] = *clonePayment(*p)
	return nil
}

func (t *memTx) UpdateOrderStatus(_ context.Context, orderID string, status domain.OrderStatus, needsReview bool) error {
	o := t.orders[orderID]
	o.Status = status
	o.NeedsReview = needsReview
	t.orders[orderID] = o
	return nil
}

func (t *memTx) SetOrderReference(_ context.Context, orderID, reference string) error {
	o := t.orders[orderID]
	o.GatewayRef = reference
	t.orders[orderID] = o
	return nil
}

func clonePayment(p domain.Payment) *domain.Payment {
	p.Metadata = maps.Clone(p.Metadata)
	return &p
}

// seedOrder stores a PENDING order for total with a pending payment under
// reference, as Initialize leaves it.
func (s *memStore) seedOrder(t *testing.T, total, reference string) domain.Order {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	order := domain.Order{
		ID:            uuid.NewString(),
		OrderNumber:   "GAL-TEST-" + reference,
		CustomerName:  "Ama Owusu",
		CustomerEmail: "ama@example.com",
		Total:         decimal.RequireFromString(total),
		Status:        domain.OrderStatusPending,
		GatewayRef:    reference,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.orders[order.ID] = order

	if reference != "" {
		s.payments[order.ID] = domain.Payment{
			ID:         uuid.NewString(),
			OrderID:    order.ID,
			Amount:     order.Total,
			Currency:   "GHS",
			Status:     domain.PaymentStatusPending,
			Method:     domain.PaymentMethodPaystack,
			GatewayRef: reference,
			Metadata:   map[string]any{"order_number": order.OrderNumber},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	return order
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.PaymentReconciledEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event.(domain.PaymentReconciledEvent))
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
