package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/shizukutanaka/otedama-fleet/internal/controller"
	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
)

// Source is the read side of a fleet controller
type Source interface {
	EvaluateOperationalHealth() (controller.HealthReport, error)
	GenerateSystemReport() (string, error)
	Units() ([]fleet.ResourceUnit, error)
}

// ServerConfig contains status server configuration
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultServerConfig returns the server defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":9090",
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server exposes fleet health over HTTP: Prometheus metrics, a liveness
// probe and a small JSON/text API.
type Server struct {
	logger   *zap.Logger
	config   ServerConfig
	exporter *Exporter
	router   *mux.Router
	server   *http.Server
	listener net.Listener

	httpDuration *prometheus.HistogramVec

	mu     sync.RWMutex
	source Source
}

// NewServer creates a status server. exporter may be nil, in which case
// /metrics is not served.
func NewServer(logger *zap.Logger, config ServerConfig, source Source, exporter *Exporter) *Server {
	if config.ListenAddr == "" {
		config.ListenAddr = ":9090"
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		logger:   logger.Named("server"),
		config:   config,
		exporter: exporter,
		source:   source,
	}
	s.setupRoutes()
	return s
}

// SetSource swaps the controller being served
func (s *Server) SetSource(source Source) {
	s.mu.Lock()
	s.source = source
	s.mu.Unlock()
}

func (s *Server) currentSource() Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting status server",
		zap.String("address", ln.Addr().String()),
		zap.Bool("prometheus", s.exporter != nil),
	)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping status server")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown status server: %w", err)
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(s.loggingMiddleware)

	if s.exporter != nil {
		s.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: s.exporter.config.Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"})
		s.exporter.Registry().MustRegister(s.httpDuration)
		s.router.Use(s.metricsMiddleware)

		s.router.Handle("/metrics", s.exporter.Handler()).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealthReport).Methods(http.MethodGet)
	api.HandleFunc("/report", s.handleReport).Methods(http.MethodGet)
	api.HandleFunc("/units", s.handleUnits).Methods(http.MethodGet)
	api.HandleFunc("/units/{id}", s.handleUnit).Methods(http.MethodGet)
}

// HTTP handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	src := s.currentSource()
	if src == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unhealthy",
			"message": "no controller attached",
		})
		return
	}

	report, err := src.EvaluateOperationalHealth()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unhealthy",
			"message": err.Error(),
		})
		return
	}

	body := map[string]interface{}{
		"status":  "healthy",
		"running": report.Running,
		"units":   report.UnitCount,
	}
	if report.Assessment != nil {
		body["risk_level"] = report.Assessment.Level
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHealthReport(w http.ResponseWriter, r *http.Request) {
	src := s.currentSource()
	if src == nil {
		writeError(w, http.StatusServiceUnavailable, "no controller attached")
		return
	}
	report, err := src.EvaluateOperationalHealth()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	src := s.currentSource()
	if src == nil {
		http.Error(w, "no controller attached", http.StatusServiceUnavailable)
		return
	}
	text, err := src.GenerateSystemReport()
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

func (s *Server) handleUnits(w http.ResponseWriter, r *http.Request) {
	src := s.currentSource()
	if src == nil {
		writeError(w, http.StatusServiceUnavailable, "no controller attached")
		return
	}
	units, err := src.Units()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, units)
}

func (s *Server) handleUnit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	src := s.currentSource()
	if src == nil {
		writeError(w, http.StatusServiceUnavailable, "no controller attached")
		return
	}
	units, err := src.Units()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	for _, u := range units {
		if u.ID == id {
			writeJSON(w, http.StatusOK, u)
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("unit %s not found", id))
}

func statusFor(err error) int {
	if errors.Is(err, fleet.ErrNotInitialized) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Middleware

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.httpDuration.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).
			Observe(time.Since(start).Seconds())
	})
}
