package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aymanebt/medescrow/internal/handler"
	"github.com/aymanebt/medescrow/internal/infrastructure/auth"
	service "github.com/aymanebt/medescrow/internal/services"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func init() {
	prometheus.MustRegister(RequestCounter, RequestDuration)
}

func SetupRouter(svc service.LedgerService, jwtSecret string) *mux.Router {
	r := mux.NewRouter()
	r.Use(metricsMiddleware)

	h := handler.NewHandler(svc)
	h.RegisterPublicRoutes(r)
	r.Handle("/metrics", promhttp.Handler())

	// The catch-all subrouter goes last so public routes match first.
	protected := r.PathPrefix("/").Subrouter()
	protected.Use(auth.AuthMiddleware(jwtSecret))
	h.RegisterProtectedRoutes(protected)

	return r
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		status := fmt.Sprintf("%d", recorder.status)
		RequestCounter.WithLabelValues(r.Method, endpoint, status).Inc()
		RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder для захвата статуса ответа
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}
