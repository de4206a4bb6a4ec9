package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/TFMV/queryscope/pkg/infrastructure/metrics"
)

// MetricsCollector defines the interface for collecting metrics.
type MetricsCollector interface {
	IncrementCounter(name string, labels ...string)
	RecordHistogram(name string, value float64, labels ...string)
	StartTimer(name string, labels ...string) metrics.Timer
}

// MetricsMiddleware provides metrics collection middleware.
type MetricsMiddleware struct {
	collector MetricsCollector
}

// NewMetricsMiddleware creates a new metrics middleware.
func NewMetricsMiddleware(collector MetricsCollector) *MetricsMiddleware {
	return &MetricsMiddleware{
		collector: collector,
	}
}

// Handler counts and times HTTP requests by route template.
func (m *MetricsMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeTemplate(r)
		rw := wrapResponseWriter(w)

		start := time.Now()
		next.ServeHTTP(rw, r)

		m.collector.RecordHistogram(metrics.HTTPRequestDuration, time.Since(start).Seconds(), "method", r.Method, "route", route)
		m.collector.IncrementCounter(metrics.HTTPRequestsTotal, "method", r.Method, "route", route, "status", strconv.Itoa(rw.status))
	})
}

// UnaryInterceptor returns a unary server interceptor for metrics.
func (m *MetricsMiddleware) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		timer := m.collector.StartTimer("grpc_request_duration_seconds", "method", info.FullMethod)
		defer timer.Stop()

		resp, err := handler(ctx, req)

		code := codes.OK
		if err != nil {
			code = status.Code(err)
		}
		m.collector.IncrementCounter("grpc_requests_total", "method", info.FullMethod, "code", code.String())

		return resp, err
	}
}

// routeTemplate returns the matched mux template so paths with variables
// share one series. Unmatched requests are grouped together.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
