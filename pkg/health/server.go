package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cpunk-club/cpunk-verifier/pkg/circuitbreaker"
	"github.com/cpunk-club/cpunk-verifier/pkg/logger"
	"github.com/cpunk-club/cpunk-verifier/pkg/models"
	"github.com/cpunk-club/cpunk-verifier/pkg/verifier"
)

// ReadinessCheck reports whether a dependency is usable
type ReadinessCheck func(ctx context.Context) error

// Server represents a health check HTTP server
type Server struct {
	port            string
	registry        *verifier.Registry
	circuitBreakers map[string]*circuitbreaker.CircuitBreaker
	events          *EventLog
	readiness       map[string]ReadinessCheck
	metricsAPIKey   string
	logger          logger.Logger

	// sessions started over HTTP outlive the request and end with the server
	baseCtx context.Context
}

// SessionRequest is the body of POST /sessions. Key defaults to TransactionKey(TransactionID).
type SessionRequest struct {
	Key           string   `json:"key,omitempty"`
	TransactionID string   `json:"transaction_id"`
	Network       string   `json:"network,omitempty"`
	Schedule      []string `json:"schedule,omitempty"`
}

// NewServer creates a new health check server
func NewServer(port string, registry *verifier.Registry, breakers []*circuitbreaker.CircuitBreaker, events *EventLog, metricsAPIKey string, l logger.Logger) *Server {
	if l == nil {
		l = &logger.EmptyLogger{}
	}
	if events == nil {
		events = NewEventLog(DefaultEventLogSize)
	}
	byName := make(map[string]*circuitbreaker.CircuitBreaker, len(breakers))
	for _, cb := range breakers {
		byName[cb.Name()] = cb
	}
	return &Server{
		port:            port,
		registry:        registry,
		circuitBreakers: byName,
		events:          events,
		readiness:       make(map[string]ReadinessCheck),
		metricsAPIKey:   metricsAPIKey,
		logger:          l,
		baseCtx:         context.Background(),
	}
}

// AddReadinessCheck registers a check consulted by /ready
func (s *Server) AddReadinessCheck(name string, check ReadinessCheck) {
	s.readiness[name] = check
}

// metricsAuthMiddleware is a middleware that checks for a valid API key
func (s *Server) metricsAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key is configured
		if s.metricsAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		if parts[1] != s.metricsAPIKey {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Router builds the HTTP routes of the server
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleStartSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{key}", s.handleSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{key}", s.handleCancelSession).Methods(http.MethodDelete)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/circuit/reset", s.handleCircuitReset).Methods(http.MethodPost)
	r.Handle("/metrics", s.metricsAuthMiddleware(promhttp.Handler()))
	return r
}

// Start serves until ctx is cancelled, then shuts the listener down
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting health and metrics server on port %s", s.port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("health server error: %v", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Error encoding JSON response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for name, check := range s.readiness {
		if err := check(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("%s not ready: %v", name, err)))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	breakers := make(map[string]circuitbreaker.State, len(s.circuitBreakers))
	for name, cb := range s.circuitBreakers {
		breakers[name] = cb.GetState()
	}

	schedule := make([]string, 0)
	for _, d := range s.registry.Verifier().Schedule() {
		schedule = append(schedule, d.String())
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_sessions":  s.registry.Len(),
		"schedule":         schedule,
		"circuit_breakers": breakers,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Active())
}

// handleStartSession starts verifying a transaction, replacing any session under the same key
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var body SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	req := models.VerificationRequest{
		TransactionID: strings.TrimSpace(body.TransactionID),
		Network:       body.Network,
	}
	for _, entry := range body.Schedule {
		wait, err := time.ParseDuration(entry)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid schedule entry %q: %v", entry, err), http.StatusBadRequest)
			return
		}
		req.Schedule = append(req.Schedule, wait)
	}

	key := body.Key
	if key == "" {
		key = verifier.TransactionKey(req.TransactionID)
	}

	session, err := s.registry.Start(s.baseCtx, key, req, s.sessionCallbacks(key))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, verifier.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	info := session.Info()
	info.Key = key
	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) sessionCallbacks(key string) verifier.Callbacks {
	return verifier.Callbacks{
		OnSuccess: func(txID string, attempt int) {
			s.logger.Notice("Session %s: %s verified on attempt %d", key, txID, attempt)
		},
		OnFailure: func(txID string, attempts int, err error) {
			s.logger.Error("Session %s: %s not verified after %d attempts: %v", key, txID, attempts, err)
		},
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	session, ok := s.registry.Get(key)
	if !ok {
		http.Error(w, fmt.Sprintf("No session for %s", key), http.StatusNotFound)
		return
	}
	info := session.Info()
	info.Key = key
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if !s.registry.Cancel(key) {
		http.Error(w, fmt.Sprintf("No session for %s", key), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(fmt.Sprintf("Session %s cancelled", key)))
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.events.Recent())
}

// handleCircuitReset resets the breaker named by ?api=, or every breaker when it is omitted
func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	api := r.URL.Query().Get("api")
	if api == "" {
		for _, cb := range s.circuitBreakers {
			cb.Reset()
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("All circuit breakers reset"))
		return
	}

	cb, ok := s.circuitBreakers[api]
	if !ok {
		http.Error(w, fmt.Sprintf("No circuit breaker for %s", api), http.StatusNotFound)
		return
	}
	cb.Reset()
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(fmt.Sprintf("Circuit breaker for %s reset", api)))
}
