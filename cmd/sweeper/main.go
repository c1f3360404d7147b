package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/joao-fontenele/gallery-checkout/internal/config"
	"github.com/joao-fontenele/gallery-checkout/internal/messaging"
	"github.com/joao-fontenele/gallery-checkout/internal/payments"
	"github.com/joao-fontenele/gallery-checkout/internal/paystack"
	"github.com/joao-fontenele/gallery-checkout/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	postgresURL, err := config.Required("POSTGRES_URL")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	paystackSecret, err := config.Required("PAYSTACK_SECRET_KEY")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	interval, err := config.Duration("SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	staleAfter, err := config.Duration("SWEEP_STALE_AFTER", 30*time.Minute)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	abandonAfter, err := config.Duration("SWEEP_ABANDON_AFTER", 24*time.Hour)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	batchSize, err := config.Int("SWEEP_BATCH_SIZE", 50)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "sweeper", "0.1.0", config.String("OTEL_EXPORTER_OTLP_ENDPOINT", telemetry.DefaultOTLPEndpoint))
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	paymentMetrics, err := telemetry.NewPaymentMetrics(otel.Meter("payments"))
	if err != nil {
		logger.Error("failed to create payment metrics", "error", err)
		os.Exit(1)
	}

	db, err := telemetry.OpenDB("postgres", postgresURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	gatewayOpts := []paystack.Option{
		paystack.WithHTTPClient(&http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
		paystack.WithObserver(paymentMetrics.ObserveGatewayCall),
	}
	if baseURL := config.String("PAYSTACK_BASE_URL", ""); baseURL != "" {
		gatewayOpts = append(gatewayOpts, paystack.WithBaseURL(baseURL))
	}
	gateway := paystack.NewClient(paystackSecret, gatewayOpts...)

	currency := config.String("PAYMENT_CURRENCY", "GHS")
	store := payments.NewPostgresStore(db)
	reconcilerOpts := []payments.ReconcilerOption{payments.WithMetrics(paymentMetrics)}
	if brokers := config.List("KAFKA_BROKERS"); len(brokers) > 0 {
		producer := messaging.NewProducer(brokers, messaging.TopicPaymentReconciled)
		defer func() { _ = producer.Close() }()
		reconcilerOpts = append(reconcilerOpts, payments.WithPublisher(producer))
	}

	reconciler := payments.NewReconciler(store, currency, logger, reconcilerOpts...)
	service := payments.NewService(store, gateway, reconciler, payments.ServiceConfig{Currency: currency}, logger)
	sweeper := payments.NewSweeper(store, service, payments.SweeperConfig{
		Interval:     interval,
		StaleAfter:   staleAfter,
		AbandonAfter: abandonAfter,
		BatchSize:    batchSize,
	}, logger)

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	sweeper.Run(ctx)
	logger.Info("sweeper stopped")
}
