package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	httpContracts "github.com/sawpanic/copyrelay/internal/http"
	"github.com/sawpanic/copyrelay/internal/interfaces/http/handlers"
	"github.com/sawpanic/copyrelay/internal/net/ratelimit"
)

// Server is the relay HTTP server
type Server struct {
	router   *mux.Router
	handler  http.Handler
	server   *http.Server
	handlers *handlers.Handlers
	config   ServerConfig
	limiter  *ratelimit.Limiter
	metrics  *MetricsRegistry
	ready    http.Handler
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            3000,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		RequestTimeout:  10 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Options carries the optional collaborators. Nil fields disable the
// feature they back.
type Options struct {
	Limiter   *ratelimit.Limiter
	Metrics   *MetricsRegistry
	Readiness http.Handler
}

// NewServer creates a new HTTP server instance
func NewServer(config ServerConfig, h *handlers.Handlers, opts Options) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		config:   config,
		limiter:  opts.Limiter,
		metrics:  opts.Metrics,
		ready:    opts.Readiness,
	}
	s.setupRoutes()

	// Outer middlewares wrap the router so 404, 405 and preflight
	// responses are logged and carry CORS headers too.
	var handler http.Handler = s.router
	handler = s.rateLimitMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = s.requestLoggingMiddleware(handler)
	handler = s.requestIDMiddleware(handler)
	handler = s.recoverMiddleware(handler)
	s.handler = handler

	s.server = &http.Server{
		Addr:         s.Address(),
		Handler:      s.handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.router.Use(s.metricsMiddleware)
		s.router.Handle("/metrics", s.metrics.MetricsHandler()).Methods(http.MethodGet)
	}
	if s.ready != nil {
		s.router.Handle("/readyz", s.ready).Methods(http.MethodGet)
	}

	// Long lived, so registered ahead of the api subrouter and its timeout.
	s.router.HandleFunc("/api/stream", s.handlers.Stream).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.timeoutMiddleware)
	api.Use(s.jsonContentTypeMiddleware)

	// Master
	api.HandleFunc("/signals", s.handlers.Signals).Methods(http.MethodPost)
	api.HandleFunc("/broker-time", s.handlers.BrokerTime).Methods(http.MethodGet)
	api.HandleFunc("/broker-time", s.handlers.UpdateBrokerTime).Methods(http.MethodPost)
	api.HandleFunc("/reset", s.handlers.Reset).Methods(http.MethodPost)
	api.HandleFunc("/reset-flag", s.handlers.ResetFlag).Methods(http.MethodPost)
	api.HandleFunc("/debug", s.handlers.Debug).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handlers.History).Methods(http.MethodGet)

	// Slave
	api.HandleFunc("/getsignals", s.handlers.GetSignals).Methods(http.MethodGet)
	api.HandleFunc("/slave-filled", s.handlers.SlaveFilled).Methods(http.MethodPost)
	api.HandleFunc("/tradecount", s.handlers.TradeCount).Methods(http.MethodGet)
	api.HandleFunc("/verify-slave", s.handlers.VerifySlave).Methods(http.MethodPost)

	// Operations
	api.HandleFunc("/health", s.handlers.Health).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handlers.Stats).Methods(http.MethodGet)
	api.HandleFunc("/cleanup", s.handlers.Cleanup).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.handlers.MethodNotAllowed)
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// requestIDMiddleware adds unique request ID to each request
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(handlers.WithRequestID(r.Context(), requestID)))
	})
}

// recoverMiddleware turns a panicking handler into a 500 response.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).
					Str("path", r.URL.Path).Str("request_id", handlers.RequestID(r.Context())).
					Msg("Handler panic recovered")
				writeError(w, r, http.StatusInternalServerError, "internal_error", "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLoggingMiddleware logs all requests with structured format
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		ev := log.Info()
		if wrapper.statusCode >= http.StatusInternalServerError {
			ev = log.Error()
		} else if r.URL.Path == "/metrics" || r.URL.Path == "/readyz" {
			ev = log.Debug()
		}
		ev.Str("request_id", handlers.RequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", handlers.ClientIdentity(r).IP).
			Msg("REQ")
	})
}

// metricsMiddleware observes matched routes by path template.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		s.metrics.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		s.metrics.Requests.WithLabelValues(route, r.Method, strconv.Itoa(wrapper.statusCode)).Inc()
	})
}

// timeoutMiddleware enforces request timeouts
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.RequestTimeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware opens the API to any origin; terminals call it from
// arbitrary hosts. Preflight requests are answered here.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware rejects clients over their budget with 429.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := handlers.ClientIdentity(r).IP
		if !s.limiter.Allow(key) {
			wait := s.limiter.RetryAfter(key)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			log.Warn().Str("remote", key).Str("path", r.URL.Path).Msg("Rate limit exceeded")
			writeError(w, r, http.StatusTooManyRequests, "rate_limited", "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// jsonContentTypeMiddleware sets JSON content type for API responses
func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(httpContracts.ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: handlers.RequestID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// Start listens on the configured address and serves until Shutdown. A busy
// port is reported before serving begins.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.Address())
	if err != nil {
		return fmt.Errorf("port %d is busy or unavailable: %w", s.config.Port, err)
	}
	log.Info().Str("addr", listener.Addr().String()).Msg("Starting HTTP server")

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Address returns the server address
func (s *Server) Address() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// responseWrapper captures HTTP status codes for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWrapper) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the wrapper.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (rw *responseWrapper) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
