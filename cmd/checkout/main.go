package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/joao-fontenele/gallery-checkout/internal/auth"
	"github.com/joao-fontenele/gallery-checkout/internal/catalog"
	"github.com/joao-fontenele/gallery-checkout/internal/config"
	"github.com/joao-fontenele/gallery-checkout/internal/messaging"
	"github.com/joao-fontenele/gallery-checkout/internal/orders"
	"github.com/joao-fontenele/gallery-checkout/internal/payments"
	"github.com/joao-fontenele/gallery-checkout/internal/paystack"
	"github.com/joao-fontenele/gallery-checkout/internal/telemetry"
)

const serviceVersion = "0.1.0"

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

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
	adminSecret, err := config.Required("ADMIN_JWT_SECRET")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "checkout", serviceVersion, config.String("OTEL_EXPORTER_OTLP_ENDPOINT", telemetry.DefaultOTLPEndpoint))
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("checkout", serviceVersion)
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

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

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	gatewayOpts := []paystack.Option{
		paystack.WithHTTPClient(httpClient),
		paystack.WithObserver(paymentMetrics.ObserveGatewayCall),
	}
	if baseURL := config.String("PAYSTACK_BASE_URL", ""); baseURL != "" {
		gatewayOpts = append(gatewayOpts, paystack.WithBaseURL(baseURL))
	}
	gateway := paystack.NewClient(paystackSecret, gatewayOpts...)

	currency := config.String("PAYMENT_CURRENCY", "GHS")
	store := payments.NewPostgresStore(db)
	reconcilerOpts := []payments.ReconcilerOption{payments.WithMetrics(paymentMetrics)}

	var statusPublisher orders.Publisher
	if brokers := config.List("KAFKA_BROKERS"); len(brokers) > 0 {
		reconciledProducer := messaging.NewProducer(brokers, messaging.TopicPaymentReconciled)
		defer func() { _ = reconciledProducer.Close() }()
		reconcilerOpts = append(reconcilerOpts, payments.WithPublisher(reconciledProducer))

		statusProducer := messaging.NewProducer(brokers, messaging.TopicOrderStatusChanged)
		defer func() { _ = statusProducer.Close() }()
		statusPublisher = statusProducer
	} else {
		logger.Warn("KAFKA_BROKERS not set, notifications are disabled")
	}

	reconciler := payments.NewReconciler(store, currency, logger, reconcilerOpts...)
	service := payments.NewService(store, gateway, reconciler, payments.ServiceConfig{
		Currency:    currency,
		CallbackURL: config.String("PAYMENT_CALLBACK_URL", ""),
	}, logger)
	paymentsHandler := payments.NewHandler(service, reconciler, store, gateway, paymentMetrics, logger)

	artworks := catalog.NewArtworkRepository(db)
	catalogHandler := catalog.NewHandler(artworks, logger)
	ordersHandler := orders.NewHandler(orders.NewOrderRepository(db), artworks, statusPublisher, logger)

	guard := auth.NewGuard(adminSecret, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /artworks", telemetry.WithHTTPRoute(catalogHandler.HandleList))
	mux.HandleFunc("GET /artworks/{id}", telemetry.WithHTTPRoute(catalogHandler.HandleGet))
	mux.HandleFunc("POST /orders", telemetry.WithHTTPRoute(ordersHandler.HandleCreate))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(ordersHandler.HandleGet))
	mux.HandleFunc("POST /payments/initialize", telemetry.WithHTTPRoute(paymentsHandler.HandleInitialize))
	mux.HandleFunc("GET /payments/verify", telemetry.WithHTTPRoute(paymentsHandler.HandleVerify))
	mux.HandleFunc("POST /payments/verify", telemetry.WithHTTPRoute(paymentsHandler.HandleVerify))
	mux.HandleFunc("POST /webhooks/paystack", telemetry.WithHTTPRoute(paymentsHandler.HandleWebhook))

	mux.HandleFunc("GET /admin/orders", telemetry.WithHTTPRoute(guard.RequireAdmin(ordersHandler.HandleList)))
	mux.HandleFunc("GET /admin/orders/{id}", telemetry.WithHTTPRoute(guard.RequireAdmin(ordersHandler.HandleGet)))
	mux.HandleFunc("PATCH /admin/orders/{id}/status", telemetry.WithHTTPRoute(guard.RequireAdmin(ordersHandler.HandleUpdateStatus)))
	mux.HandleFunc("GET /admin/payments", telemetry.WithHTTPRoute(guard.RequireAdmin(paymentsHandler.HandleListPayments)))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if err := db.PingContext(r.Context()); err != nil {
			logger.Error("health check failed", "error", err)
			status, code = "unavailable", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
	mux.Handle("GET /metrics", metricsHandler)

	port := config.String("PORT", "8081")

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(mux, "checkout",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 45 * time.Second,
	}

	go func() {
		logger.Info("starting checkout service", "port", port, "currency", currency)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
