package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/gallery-checkout/internal/config"
	"github.com/joao-fontenele/gallery-checkout/internal/gateway"
	"github.com/joao-fontenele/gallery-checkout/internal/ratelimit"
	"github.com/joao-fontenele/gallery-checkout/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "gateway", "0.1.0", config.String("OTEL_EXPORTER_OTLP_ENDPOINT", telemetry.DefaultOTLPEndpoint))
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	checkoutServiceURL, err := config.Required("CHECKOUT_SERVICE_URL")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rps, err := config.Float("RATE_LIMIT_RPS", 5)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	burst, err := config.Int("RATE_LIMIT_BURST", 20)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	trustedProxies, err := ratelimit.ParseTrustedProxies(config.List("TRUSTED_PROXIES"))
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(rps, burst, logger, ratelimit.WithTrustedProxies(trustedProxies))
	limiterCtx, stopLimiter := context.WithCancel(ctx)
	defer stopLimiter()
	go limiter.Run(limiterCtx, time.Minute)

	httpClient := &http.Client{
		Timeout:   45 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	checkoutProxy := gateway.NewServiceProxy(checkoutServiceURL, httpClient)
	handler := gateway.NewHandler(checkoutProxy, logger)
	limited := limiter.Wrap(handler.HandleCheckout)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /artworks", telemetry.WithHTTPRoute(limited))
	mux.HandleFunc("GET /artworks/{id}", telemetry.WithHTTPRoute(limited))
	mux.HandleFunc("POST /orders", telemetry.WithHTTPRoute(limited))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(limited))
	mux.HandleFunc("POST /payments/initialize", telemetry.WithHTTPRoute(limited))
	mux.HandleFunc("GET /payments/verify", telemetry.WithHTTPRoute(limited))
	mux.HandleFunc("POST /payments/verify", telemetry.WithHTTPRoute(limited))
	mux.HandleFunc("GET /admin/orders", telemetry.WithHTTPRoute(limited))
	mux.HandleFunc("GET /admin/orders/{id}", telemetry.WithHTTPRoute(limited))
	mux.HandleFunc("PATCH /admin/orders/{id}/status", telemetry.WithHTTPRoute(limited))
	mux.HandleFunc("GET /admin/payments", telemetry.WithHTTPRoute(limited))
	// The provider retries failed deliveries, so webhooks are never throttled.
	mux.HandleFunc("POST /webhooks/paystack", telemetry.WithHTTPRoute(handler.HandleCheckout))

	port := config.String("PORT", "8080")

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(mux, "gateway",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 50 * time.Second,
	}

	go func() {
		logger.Info("starting gateway service", "port", port, "rate_limit_rps", rps, "rate_limit_burst", burst, "trusted_proxies", len(trustedProxies))
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
