package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"supervisor-escalation/pkg/config"
	"supervisor-escalation/pkg/handlers"
)

func NewHTTPServer(config *config.Config, handler *handlers.Handler, logger *logrus.Logger) *http.Server {
	return &http.Server{
		Addr:         ":" + config.Port,
		Handler:      NewRouter(config, handler, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewRouter wires every route. It is separate from NewHTTPServer so tests can drive it
// with httptest.
func NewRouter(config *config.Config, handler *handlers.Handler, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()

	// Agent runtime
	router.HandleFunc("/escalations", handler.Escalate).Methods("POST")

	// Supervisor API. Static paths are registered before /requests/{id}.
	router.HandleFunc("/requests/pending", handler.ListPending).Methods("GET")
	router.HandleFunc("/requests/sweep", handler.Sweep).Methods("POST")
	router.HandleFunc("/requests", handler.ListRequests).Methods("GET")
	router.HandleFunc("/requests/{id}", handler.GetRequest).Methods("GET")
	router.HandleFunc("/requests/{id}/resolve", handler.ResolveRequest).Methods("POST")
	router.HandleFunc("/requests/{id}/unresolve", handler.UnresolveRequest).Methods("POST")
	router.HandleFunc("/knowledge", handler.ListKnowledge).Methods("GET")
	router.HandleFunc("/knowledge", handler.AddKnowledge).Methods("POST")
	router.HandleFunc("/knowledge/search", handler.SearchKnowledge).Methods("GET")
	router.HandleFunc("/knowledge/{id}/usage", handler.IncrementUsage).Methods("POST")
	router.HandleFunc("/dashboard", handler.Dashboard).Methods("GET")

	router.HandleFunc("/health", handler.Health).Methods("GET")
	router.HandleFunc("/status", handler.Status).Methods("GET")

	// Metrics endpoint
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.Use(loggingMiddleware(logger))
	router.Use(noStoreMiddleware)
	if config.RateLimitRPS > 0 {
		router.Use(rateLimitMiddleware(rate.NewLimiter(rate.Limit(config.RateLimitRPS), config.RateLimitBurst), logger))
	}

	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("HTTP request processed")
		})
	}
}

// noStoreMiddleware keeps supervisors from seeing cached request lists.
func noStoreMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func rateLimitMiddleware(limiter *rate.Limiter, logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.WithFields(logrus.Fields{
					"method": r.Method,
					"path":   r.URL.Path,
					"remote": r.RemoteAddr,
				}).Warn("Rate limit exceeded")

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
