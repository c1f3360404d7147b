package payments

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/joao-fontenele/gallery-checkout/internal/domain"
	"github.com/joao-fontenele/gallery-checkout/internal/paystack"
)

// Gateway is the part of paystack.Client the service calls.
type Gateway interface {
	Initialize(ctx context.Context, req paystack.InitializeRequest) (*paystack.InitializeResult, error)
	Verify(ctx context.Context, reference string) (*paystack.Transaction, error)
}

// NewReference returns a gateway reference of the form ARTSY-<unix ms>-<6 digits>.
func NewReference() string {
	return fmt.Sprintf("ARTSY-%d-%06d", time.Now().UnixMilli(), rand.IntN(1_000_000))
}

type ServiceConfig struct {
	Currency    string
	CallbackURL string
}

type Service struct {
	store        Store
	gateway      Gateway
	reconciler   *Reconciler
	cfg          ServiceConfig
	logger       *slog.Logger
	newReference func() string
}

func NewService(store Store, gateway Gateway, reconciler *Reconciler, cfg ServiceConfig, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		gateway:      gateway,
		reconciler:   reconciler,
		cfg:          cfg,
		logger:       logger,
		newReference: NewReference,
	}
}

type InitializeInput struct {
	OrderID     string
	Email       string
	CallbackURL string
}

// Initialize opens a gateway transaction for the order's stored total. Each
// call uses a fresh reference; the order's pending payment is updated in
// place, so re-initializing never creates a second payment.
func (s *Service) Initialize(ctx context.Context, in InitializeInput) (*paystack.InitializeResult, error) {
	var order *domain.Order
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		order, _, err = lockPayable(ctx, tx, in.OrderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	email := in.Email
	if email == "" {
		email = order.CustomerEmail
	}
	callbackURL := in.CallbackURL
	if callbackURL == "" {
		callbackURL = s.cfg.CallbackURL
	}
	reference := s.newReference()

	result, err := s.gateway.Initialize(ctx, paystack.InitializeRequest{
		Email:       email,
		AmountMinor: domain.ToMinorUnits(order.Total),
		Reference:   reference,
		Currency:    s.cfg.Currency,
		CallbackURL: callbackURL,
		Metadata: map[string]any{
			"order_id":      order.ID,
			"order_number":  order.OrderNumber,
			"customer_name": order.CustomerName,
		},
	})
	if err != nil {
		return nil, err
	}
	if result.Reference == "" {
		result.Reference = reference
	}

	// The order may have changed while the gateway call was in flight.
	err = s.store.InTx(ctx, func(tx Tx) error {
		order, payment, err := lockPayable(ctx, tx, in.OrderID)
		if err != nil {
			return err
		}

		if payment == nil {
			payment = &domain.Payment{
				OrderID: order.ID,
				Method:  domain.PaymentMethodPaystack,
				Status:  domain.PaymentStatusPending,
			}
		}
		payment.Amount = order.Total
		payment.Currency = s.cfg.Currency
		payment.GatewayRef = result.Reference
		payment.AccessCode = result.AccessCode
		payment.Metadata = map[string]any{
			"order_number":   order.OrderNumber,
			"customer_email": email,
			"initialized_at": time.Now().UTC().Format(time.RFC3339),
		}

		if err := tx.SetOrderReference(ctx, order.ID, result.Reference); err != nil {
			return fmt.Errorf("set order reference: %w", err)
		}
		if err := tx.SavePayment(ctx, payment); err != nil {
			return fmt.Errorf("save payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment initialized",
		"order_id", in.OrderID,
		"reference", result.Reference,
		"amount", order.Total.StringFixed(2),
		"currency", s.cfg.Currency,
	)
	return result, nil
}

func lockPayable(ctx context.Context, tx Tx, orderID string) (*domain.Order, *domain.Payment, error) {
	order, err := tx.LockOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("lock order: %w", err)
	}
	if order == nil {
		return nil, nil, ErrOrderNotFound
	}
	if order.Status != domain.OrderStatusPending {
		return nil, nil, ErrOrderNotPayable
	}

	payment, err := tx.LockPaymentByOrder(ctx, order.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("lock payment: %w", err)
	}
	if payment != nil && payment.Status.Terminal() {
		return nil, nil, ErrOrderNotPayable
	}
	return order, payment, nil
}

// Verify settles a payment after the customer returns from the gateway.
func (s *Service) Verify(ctx context.Context, reference string) (*Result, error) {
	return s.Settle(ctx, reference, EventVerify)
}

// Settle asks the gateway for the definitive state of a known payment and
// reconciles it under eventType.
func (s *Service) Settle(ctx context.Context, reference, eventType string) (*Result, error) {
	reference = strings.TrimSpace(reference)

	payment, err := s.store.PaymentByReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	if payment == nil {
		return nil, ErrUnknownReference
	}

	tx, err := s.gateway.Verify(ctx, reference)
	if err != nil {
		return nil, err
	}

	return s.reconciler.Reconcile(ctx, newVerification(reference, eventType, tx))
}
