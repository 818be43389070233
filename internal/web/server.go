package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"duofern-go-home/internal/coordinator"
	"duofern-go-home/internal/metrics"
	"duofern-go-home/internal/protocol"
	"duofern-go-home/internal/stick"
)

// Controller is the part of the coordinator the API exposes.
type Controller interface {
	Events() *coordinator.EventBus
	Info() coordinator.SessionInfo

	ListDevices() []coordinator.DeviceState
	Device(code protocol.DeviceCode) (coordinator.DeviceState, error)
	AddDevice(code protocol.DeviceCode, name string) (coordinator.DeviceState, error)
	RenameDevice(code protocol.DeviceCode, name string) (coordinator.DeviceState, error)
	RemoveDevice(code protocol.DeviceCode) error

	OpenCover(ctx context.Context, code protocol.DeviceCode) error
	CloseCover(ctx context.Context, code protocol.DeviceCode) error
	StopCover(ctx context.Context, code protocol.DeviceCode) error
	SetPosition(ctx context.Context, code protocol.DeviceCode, position int) error
	RequestStatus(ctx context.Context, code protocol.DeviceCode) error
	RequestStatusAll(ctx context.Context) error

	StartPairing(ctx context.Context, mode coordinator.PairingMode, timeout time.Duration) error
	StopPairing(ctx context.Context) error
	PairingStatus() coordinator.PairingStatus
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed origin patterns for CORS and WebSocket.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithMetrics serves the metrics registry on /metrics.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the JSON API and the event stream.
type Server struct {
	coord          Controller
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	metrics        *metrics.Metrics
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new web server.
func NewServer(coord Controller, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		coord:  coord,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = coord.Events().OnAll(func(event coordinator.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("POST /api/devices", s.handleAPIAddDevice)
	s.mux.HandleFunc("GET /api/devices/{code}", s.handleAPIGetDevice)
	s.mux.HandleFunc("PATCH /api/devices/{code}", s.handleAPIRenameDevice)
	s.mux.HandleFunc("DELETE /api/devices/{code}", s.handleAPIDeleteDevice)
	s.mux.HandleFunc("POST /api/devices/{code}/open", s.coverHandler(Controller.OpenCover))
	s.mux.HandleFunc("POST /api/devices/{code}/close", s.coverHandler(Controller.CloseCover))
	s.mux.HandleFunc("POST /api/devices/{code}/stop", s.coverHandler(Controller.StopCover))
	s.mux.HandleFunc("POST /api/devices/{code}/status", s.coverHandler(Controller.RequestStatus))
	s.mux.HandleFunc("POST /api/devices/{code}/position", s.handleAPISetPosition)
	s.mux.HandleFunc("POST /api/status", s.handleAPIStatusAll)

	s.mux.HandleFunc("GET /api/pairing", s.handleAPIPairingStatus)
	s.mux.HandleFunc("POST /api/pairing", s.handleAPIStartPairing)
	s.mux.HandleFunc("DELETE /api/pairing", s.handleAPIStopPairing)

	s.mux.HandleFunc("GET /api/session", s.handleAPISession)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// Browsers cannot send custom headers on a WebSocket upgrade, so only
	// /api/ requires the key.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// statusFor maps coordinator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, stick.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, coordinator.ErrPairingActive):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrRange), errors.Is(err, protocol.ErrCode):
		return http.StatusBadRequest
	case errors.Is(err, stick.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("api request failed", "err", err)
		msg = "internal server error"
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
