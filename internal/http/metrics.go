package http

import (
	"context"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/logging"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/autopilot/internal/http"

// HTTPMetrics records request metrics on the global OpenTelemetry meter.
// With telemetry disabled the meter is a no-op.
type HTTPMetrics struct {
	meter          metric.Meter
	logger         *logging.Logger
	requestsTotal  metric.Int64Counter
	requestDur     metric.Float64Histogram
	responseSize   metric.Int64Histogram
	activeRequests metric.Int64UpDownCounter
}

// NewHTTPMetrics creates a new HTTPMetrics instance.
func NewHTTPMetrics(logger *logging.Logger) *HTTPMetrics {
	if logger == nil {
		logger = logging.Nop()
	}
	m := &HTTPMetrics{
		meter:  otel.Meter(httpInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

// init creates the instruments. An instrument that fails to register is
// left nil and skipped when recording.
func (m *HTTPMetrics) init() {
	warn := func(name string, err error) {
		if err != nil {
			m.logger.Warn(context.Background(), "failed to create http instrument",
				zap.String("instrument", name), zap.Error(err))
		}
	}
	var err error

	m.requestsTotal, err = m.meter.Int64Counter("autopilot.http.requests_total",
		metric.WithDescription("Control API requests by method, route and status"),
		metric.WithUnit("{request}"))
	warn("requests_total", err)

	// Manual cycles and promotions run verification and smoke tests inside
	// the request, hence the long tail.
	m.requestDur, err = m.meter.Float64Histogram("autopilot.http.request_duration_seconds",
		metric.WithDescription("Control API request latency by method, route and status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120, 600, 1800))
	warn("request_duration_seconds", err)

	m.responseSize, err = m.meter.Int64Histogram("autopilot.http.response_size_bytes",
		metric.WithDescription("Control API response body size"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 1000, 10000, 100000, 1000000))
	warn("response_size_bytes", err)

	m.activeRequests, err = m.meter.Int64UpDownCounter("autopilot.http.active_requests",
		metric.WithDescription("Control API requests in progress"),
		metric.WithUnit("{request}"))
	warn("active_requests", err)
}

// MetricsMiddleware returns an Echo middleware that records HTTP metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()
			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, 1)
				defer m.activeRequests.Add(ctx, -1)
			}

			err := next(c)

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", normalizePath(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if m.requestsTotal != nil {
				m.requestsTotal.Add(ctx, 1, attrs)
			}
			if m.requestDur != nil {
				m.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.responseSize != nil {
				m.responseSize.Record(ctx, c.Response().Size, attrs)
			}
			return err
		}
	}
}

// normalizePath turns an echo route template into a metric label.
// Path parameters are already placeholders (":task"); they are rendered
// as "{task}". Unmatched requests share one label.
func normalizePath(path string) string {
	if path == "" || path == "/*" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if strings.HasPrefix(p, ":") {
			parts[i] = "{" + p[1:] + "}"
		}
	}
	return strings.Join(parts, "/")
}
