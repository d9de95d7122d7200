package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"net"
	"net/http"
	"time"
)

// startMetrics serves the coordinator metrics in Prometheus format on addr under /metrics.
func startMetrics(addr string, logger logr.Logger) (metric.MeterProvider, func(context.Context) error, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", "tccdemo"))),
		sdkmetric.WithReader(exporter),
	)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, nil, fmt.Errorf("telemetry: listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "telemetry.metrics.serve_failed")
		}
	}()
	logger.Info("telemetry.metrics.enabled", "listen", ln.Addr().String())

	shutdown := func(ctx context.Context) error {
		return errors.Join(server.Shutdown(ctx), provider.Shutdown(ctx))
	}
	return provider, shutdown, nil
}
