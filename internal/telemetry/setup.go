package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"ideamic/internal/config"
)

// Runtime owns the meter provider and, when enabled, the metrics endpoint.
type Runtime struct {
	Metrics *Metrics

	provider *sdkmetric.MeterProvider
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
}

// Setup builds the meter provider. With a bind address the metrics are
// exported for Prometheus on /metrics; otherwise they are recorded but not
// exported.
func Setup(cfg config.TelemetryConfig, logger *slog.Logger) (*Runtime, error) {
	res := resource.NewSchemaless(attribute.String("service.name", "ideamic"))
	rt := &Runtime{logger: logger.With(slog.String("component", "telemetry"))}

	bind := strings.TrimSpace(cfg.PrometheusBind)
	if bind == "" {
		rt.provider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		rt.logger.Debug("telemetry initialized", slog.String("exporter", "none"))
	} else {
		registry := promclient.NewRegistry()
		exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		listener, err := net.Listen("tcp", bind)
		if err != nil {
			return nil, fmt.Errorf("listen on %q: %w", bind, err)
		}
		rt.provider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
			sdkmetric.WithResource(res),
		)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		rt.listener = listener
		rt.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go rt.serve()
		rt.logger.Info("telemetry initialized",
			slog.String("exporter", "prometheus"),
			slog.String("addr", listener.Addr().String()),
		)
	}
	otel.SetMeterProvider(rt.provider)

	metrics, err := NewMetrics(rt.provider)
	if err != nil {
		_ = rt.Shutdown(context.Background())
		return nil, err
	}
	rt.Metrics = metrics
	return rt, nil
}

// Addr is the metrics endpoint address, or "" when exporting is disabled.
func (r *Runtime) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

func (r *Runtime) serve() {
	if err := r.server.Serve(r.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		r.logger.Warn("metrics endpoint stopped", slog.String("error", err.Error()))
	}
}

// Shutdown stops the endpoint and flushes the provider.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	if r.server != nil {
		if err := r.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.provider.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
