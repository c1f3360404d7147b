package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PaymentMetrics records reconciliation and gateway activity. A nil
// *PaymentMetrics is valid and records nothing.
type PaymentMetrics struct {
	reconciliations     metric.Int64Counter
	signatureRejections metric.Int64Counter
	gatewayDuration     metric.Float64Histogram
}

func NewPaymentMetrics(meter metric.Meter) (*PaymentMetrics, error) {
	reconciliations, err := meter.Int64Counter("payments.reconciliations",
		metric.WithDescription("Reconciliation attempts by outcome and source."),
	)
	if err != nil {
		return nil, err
	}

	signatureRejections, err := meter.Int64Counter("payments.webhook.signature_rejections",
		metric.WithDescription("Webhook deliveries rejected before parsing."),
	)
	if err != nil {
		return nil, err
	}

	gatewayDuration, err := meter.Float64Histogram("payments.gateway.duration",
		metric.WithDescription("Latency of payment gateway calls, retries included."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &PaymentMetrics{
		reconciliations:     reconciliations,
		signatureRejections: signatureRejections,
		gatewayDuration:     gatewayDuration,
	}, nil
}

func (m *PaymentMetrics) RecordReconciliation(ctx context.Context, source, outcome string) {
	if m == nil {
		return
	}
	m.reconciliations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}

func (m *PaymentMetrics) RecordSignatureRejection(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.signatureRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// ObserveGatewayCall matches the paystack client's observer signature.
func (m *PaymentMetrics) ObserveGatewayCall(ctx context.Context, op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.gatewayDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("operation", op),
		attribute.Bool("error", err != nil),
	))
}
