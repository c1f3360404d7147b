package domain

import "time"

// PaymentReconciledEvent is published on the payment.reconciled topic after a
// reconciliation commits.
type PaymentReconciledEvent struct {
	OrderID       string        `json:"order_id"`
	OrderNumber   string        `json:"order_number"`
	Reference     string        `json:"reference"`
	CustomerName  string        `json:"customer_name"`
	CustomerEmail string        `json:"customer_email"`
	OrderStatus   OrderStatus   `json:"order_status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	AmountPaid    string        `json:"amount_paid"`
	OrderTotal    string        `json:"order_total"`
	Currency      string        `json:"currency"`
	NeedsReview   bool          `json:"needs_review"`
	ReviewReason  string        `json:"review_reason,omitempty"`
	Source        string        `json:"source"`
	Timestamp     time.Time     `json:"timestamp"`
}

// OrderStatusChangedEvent is published on the order.status_changed topic when
// an admin overrides an order's status.
type OrderStatusChangedEvent struct {
	OrderID        string      `json:"order_id"`
	OrderNumber    string      `json:"order_number"`
	CustomerName   string      `json:"customer_name"`
	CustomerEmail  string      `json:"customer_email"`
	PreviousStatus OrderStatus `json:"previous_status"`
	Status         OrderStatus `json:"status"`
	TrackingNumber string      `json:"tracking_number,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}
