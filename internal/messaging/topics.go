// Package messaging carries checkout events over Kafka with trace context
// propagated in message headers.
package messaging

const (
	// TopicPaymentReconciled carries domain.PaymentReconciledEvent, keyed by order id.
	TopicPaymentReconciled = "payment.reconciled"
	// TopicOrderStatusChanged carries domain.OrderStatusChangedEvent, keyed by order id.
	TopicOrderStatusChanged = "order.status_changed"
)
