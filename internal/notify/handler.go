// Package notify turns checkout events into customer and back-office emails.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/joao-fontenele/gallery-checkout/internal/domain"
	"github.com/joao-fontenele/gallery-checkout/internal/email"
)

type Email struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	// Key is sent as the idempotency key so a redelivered event does not
	// send the same email twice.
	Key string `json:"-"`
}

// rejectedError is an email the service refused and will keep refusing.
type rejectedError struct {
	statusCode int
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("email service rejected message with status %d", e.statusCode)
}

type NotificationHandler struct {
	emailServiceURL string
	adminEmail      string
	httpClient      *http.Client
	newBackOff      func() backoff.BackOff
	logger          *slog.Logger
}

func NewNotificationHandler(emailServiceURL, adminEmail string, client *http.Client, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		emailServiceURL: emailServiceURL,
		adminEmail:      adminEmail,
		httpClient:      client,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
		logger: logger,
	}
}

// HandlePaymentReconciled emails the customer about the payment outcome and
// tells the back office about paid orders and orders needing review.
func (h *NotificationHandler) HandlePaymentReconciled(ctx context.Context, payload []byte) error {
	var event domain.PaymentReconciledEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.Error("dropping malformed payment reconciled event", "error", err)
		return nil
	}

	h.logger.Info("processing payment reconciled event",
		"order_id", event.OrderID,
		"order_status", event.OrderStatus,
		"payment_status", event.PaymentStatus,
		"source", event.Source,
	)

	var emails []Email
	switch {
	case event.NeedsReview:
		emails = append(emails, reviewCustomerEmail(event), reviewAdminEmail(event, h.adminEmail))
	case event.OrderStatus == domain.OrderStatusProcessing:
		emails = append(emails, confirmationEmail(event), paidAdminEmail(event, h.adminEmail))
	case event.PaymentStatus == domain.PaymentStatusFailed:
		emails = append(emails, failedPaymentEmail(event))
	default:
		h.logger.Info("no notification for payment event", "order_id", event.OrderID)
		return nil
	}

	eventKey := fmt.Sprintf("payment.reconciled:%s:%d", event.Reference, event.Timestamp.UnixNano())
	sent, err := h.deliver(ctx, eventKey, event.OrderID, emails)
	if err != nil {
		return err
	}

	h.logger.Info("payment notifications sent", "order_id", event.OrderID, "count", sent)
	return nil
}

// HandleOrderStatusChanged tells the customer about back-office status changes.
func (h *NotificationHandler) HandleOrderStatusChanged(ctx context.Context, payload []byte) error {
	var event domain.OrderStatusChangedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.Error("dropping malformed order status event", "error", err)
		return nil
	}

	eventKey := fmt.Sprintf("order.status_changed:%s:%d", event.OrderID, event.Timestamp.UnixNano())
	sent, err := h.deliver(ctx, eventKey, event.OrderID, []Email{statusEmail(event)})
	if err != nil {
		return err
	}

	h.logger.Info("status notification sent", "order_id", event.OrderID, "status", event.Status, "count", sent)
	return nil
}

// deliver sends emails in order and returns how many the service accepted.
// A rejected email is logged and skipped, since redelivering the event would
// be rejected again. Any other failure stops delivery so the event is retried;
// the idempotency keys keep already sent emails from going out twice.
func (h *NotificationHandler) deliver(ctx context.Context, eventKey, orderID string, emails []Email) (int, error) {
	sent := 0
	for _, msg := range emails {
		msg.Key = eventKey + "|" + msg.To + "|" + msg.Subject

		err := h.send(ctx, msg)
		var rejected *rejectedError
		switch {
		case errors.As(err, &rejected):
			h.logger.Error("email rejected, skipping", "error", err, "order_id", orderID, "subject", msg.Subject)
		case err != nil:
			h.logger.Error("failed to send email", "error", err, "order_id", orderID, "subject", msg.Subject)
			return sent, fmt.Errorf("send %q: %w", msg.Subject, err)
		default:
			sent++
		}
	}
	return sent, nil
}

func confirmationEmail(e domain.PaymentReconciledEvent) Email {
	return Email{
		To:      e.CustomerEmail,
		Subject: "Order Confirmed: " + e.OrderNumber,
		Body: fmt.Sprintf("Hi %s, we received your payment of %s %s for order %s. We are preparing your artwork for shipping.",
			e.CustomerName, e.Currency, e.AmountPaid, e.OrderNumber),
	}
}

func failedPaymentEmail(e domain.PaymentReconciledEvent) Email {
	return Email{
		To:      e.CustomerEmail,
		Subject: "Payment Unsuccessful: " + e.OrderNumber,
		Body: fmt.Sprintf("Hi %s, your payment for order %s did not go through and the order has been cancelled. No money was taken.",
			e.CustomerName, e.OrderNumber),
	}
}

func reviewCustomerEmail(e domain.PaymentReconciledEvent) Email {
	return Email{
		To:      e.CustomerEmail,
		Subject: "Payment Under Review: " + e.OrderNumber,
		Body: fmt.Sprintf("Hi %s, the payment for order %s needs a manual check by our team. We will contact you shortly.",
			e.CustomerName, e.OrderNumber),
	}
}

func reviewAdminEmail(e domain.PaymentReconciledEvent, to string) Email {
	return Email{
		To:      to,
		Subject: "Payment Review Required: " + e.OrderNumber,
		Body: fmt.Sprintf("Order %s (%s) was paid %s %s against a total of %s. Reference %s. Payment is %s and the order is %s. Reason: %s.",
			e.OrderNumber, e.OrderID, e.Currency, e.AmountPaid, e.OrderTotal, e.Reference, e.PaymentStatus, e.OrderStatus, e.ReviewReason),
	}
}

func paidAdminEmail(e domain.PaymentReconciledEvent, to string) Email {
	return Email{
		To:      to,
		Subject: "New Paid Order: " + e.OrderNumber,
		Body: fmt.Sprintf("Order %s from %s was paid %s %s. Reference %s.",
			e.OrderNumber, e.CustomerName, e.Currency, e.AmountPaid, e.Reference),
	}
}

func statusEmail(e domain.OrderStatusChangedEvent) Email {
	body := fmt.Sprintf("Hi %s, your order %s is now %s.", e.CustomerName, e.OrderNumber, e.Status)
	if e.Status == domain.OrderStatusShipped && e.TrackingNumber != "" {
		body += " Tracking number: " + e.TrackingNumber + "."
	}
	return Email{
		To:      e.CustomerEmail,
		Subject: fmt.Sprintf("Order %s: %s", e.OrderNumber, e.Status),
		Body:    body,
	}
}

// send posts to the email service, retrying connection failures and 5xx.
func (h *NotificationHandler) send(ctx context.Context, msg Email) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.emailServiceURL+"/send", bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if msg.Key != "" {
			req.Header.Set(email.IdempotencyKeyHeader, msg.Key)
		}

		resp, err := h.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("email service returned status %d", resp.StatusCode)
		default:
			return backoff.Permanent(&rejectedError{statusCode: resp.StatusCode})
		}
	}, backoff.WithContext(h.newBackOff(), ctx))
}
