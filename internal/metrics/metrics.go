// Package metrics содержит метрики Prometheus сервиса.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pointshop_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pointshop_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pointshop_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// Redemptions считает попытки обмена по итогу: success, validation, not_found, insufficient, failed.
	Redemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pointshop_redemptions_total",
			Help: "Redemption attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// ApprovalNotifications считает уведомления проверяющим: delivered, failed, dropped.
	ApprovalNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pointshop_approval_notifications_total",
			Help: "Approval notifications by delivery result.",
		},
		[]string{"result"},
	)

	// Logins считает попытки входа: success, invalid_code, provider_error.
	Logins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pointshop_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register регистрирует метрики в указанном реестре.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		Redemptions, ApprovalNotifications, Logins,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler возвращает HTTP-обработчик для выдачи метрик из реестра по умолчанию.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument измеряет количество, длительность и параллельность HTTP-запросов.
// В метку route попадает шаблон маршрута chi, а не сырой путь.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
