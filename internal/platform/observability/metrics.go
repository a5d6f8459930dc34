package observability

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MetricsMiddleware records request counts and latency per route and status class.
func MetricsMiddleware(meter metric.Meter) func(http.Handler) http.Handler {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("observability")
	}
	requests, err := meter.Int64Counter("http.server.requests",
		metric.WithDescription("HTTP requests served"))
	if err != nil {
		requests = noop.Int64Counter{}
	}
	duration, err := meter.Float64Histogram("http.server.duration",
		metric.WithDescription("HTTP request latency"), metric.WithUnit("ms"))
	if err != nil {
		duration = noop.Float64Histogram{}
	}

	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := newResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)

			attrs := metric.WithAttributes(
				attribute.String("http.route", SanitizeRoute(routePattern(r))),
				attribute.String("http.request.method", SanitizeMethod(r.Method)),
				attribute.String("http.status_class", strconv.Itoa(recorder.Status()/100)+"xx"),
			)
			requests.Add(r.Context(), 1, attrs)
			duration.Record(r.Context(), float64(time.Since(start).Microseconds())/1000, attrs)
		})
	}
}
