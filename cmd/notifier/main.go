package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/joao-fontenele/gallery-checkout/internal/config"
	"github.com/joao-fontenele/gallery-checkout/internal/messaging"
	"github.com/joao-fontenele/gallery-checkout/internal/notify"
	"github.com/joao-fontenele/gallery-checkout/internal/telemetry"
)

const groupID = "gallery-notifier"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	brokers := config.List("KAFKA_BROKERS")
	if len(brokers) == 0 {
		logger.Error("invalid configuration", "error", &config.MissingError{Key: "KAFKA_BROKERS"})
		os.Exit(1)
	}
	emailServiceURL, err := config.Required("EMAIL_SERVICE_URL")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	adminEmail, err := config.Required("ADMIN_EMAIL")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "notifier", "0.1.0", config.String("OTEL_EXPORTER_OTLP_ENDPOINT", telemetry.DefaultOTLPEndpoint))
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	reconciled := messaging.NewConsumer(brokers, messaging.TopicPaymentReconciled, groupID)
	defer func() { _ = reconciled.Close() }()
	statusChanged := messaging.NewConsumer(brokers, messaging.TopicOrderStatusChanged, groupID)
	defer func() { _ = statusChanged.Close() }()

	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	handler := notify.NewNotificationHandler(emailServiceURL, adminEmail, httpClient, logger)

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("starting notifier", "brokers", brokers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reconciled.Consume(gctx, handler.HandlePaymentReconciled) })
	g.Go(func() error { return statusChanged.Consume(gctx, handler.HandleOrderStatusChanged) })

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("consumers stopped")
			return
		}
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
}
