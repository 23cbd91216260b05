package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Version is the engine version reported by /health.
const Version = "0.1.0"

// ServerConfig configures the webhook ingress server.
type ServerConfig struct {
	Host           string
	Port           int
	MaxPayloadSize int64
	ShutdownMs     int
}

// Server is the HTTP ingress for webhook triggers, plus the health and
// shutdown operational endpoints. It runs on chi's cooperative
// single-goroutine-per-request model, distinct from the Dispatcher's
// OS-thread worker pool.
type Server struct {
	cfg      ServerConfig
	manager  *Manager
	executor *Executor
	logger   *zap.Logger

	httpServer *http.Server
	shutdownCh chan struct{}
}

// NewServer constructs a webhook Server. Call Start to begin listening.
func NewServer(cfg ServerConfig, manager *Manager, executor *Executor, logger *zap.Logger) *Server {
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = 10_000_000
	}
	if cfg.ShutdownMs <= 0 {
		cfg.ShutdownMs = 5000
	}

	s := &Server{
		cfg:        cfg,
		manager:    manager,
		executor:   executor,
		logger:     logger.With(zap.String("component", "webhook_server")),
		shutdownCh: make(chan struct{}),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))

	router.Post("/webhook/*", s.handleWebhook)
	router.Get("/health", s.handleHealth)
	router.Post("/shutdown", s.handleShutdown)
	router.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}
	return s
}

// Start begins listening in a background goroutine. Errors other than a
// clean shutdown are logged.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("webhook server stopped unexpectedly", zap.Error(err))
		}
	}()
	s.logger.Info("webhook server listening", zap.String("addr", s.httpServer.Addr))
}

// Stop gracefully shuts the server down, waiting up to ShutdownMs for
// in-flight requests to complete.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.ShutdownMs)*time.Millisecond)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// ShutdownRequested is closed once /shutdown has been hit, so main() can
// select on it to begin a graceful process exit.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdownCh }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": Version})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdownCh:
	default:
		close(s.shutdownCh)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting_down"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/webhook/")

	if !s.manager.WebhookExists(path) {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "error", "message": "unknown webhook path"})
		return
	}

	workflowID, validation, err := s.manager.MatchWebhook(path, r.Method)
	if err != nil {
		var invalid *ErrInvalidTrigger
		if errors.As(err, &invalid) {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"status": "error", "message": invalid.Reason})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": err.Error()})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxPayloadSize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "failed to read body"})
		return
	}
	if !utf8.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "body is not valid UTF-8"})
		return
	}

	if validation != nil && validation.Secret != "" {
		if !verifySignature(body, r.Header.Get(validation.SignatureHeader), validation.Secret, validation.SignatureAlgorithm) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "message": "signature mismatch"})
			return
		}
	}

	if validation != nil && len(validation.RequiredFields) > 0 {
		var parsed map[string]interface{}
		if err := json.Unmarshal(body, &parsed); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "body must be JSON to check required fields"})
			return
		}
		for _, field := range validation.RequiredFields {
			if _, ok := parsed[field]; !ok {
				writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": fmt.Sprintf("missing required field %q", field)})
				return
			}
		}
	}

	if _, err := s.executor.Execute(r.Context(), workflowID, body); err != nil {
		s.logger.Error("failed to execute webhook trigger", zap.String("path", path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": "failed to start workflow run"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "workflow_triggered": true})
}

// verifySignature computes the HMAC of body under the configured
// algorithm and compares it, constant-time, against header, accepting
// both raw hex and "sha1="/"sha256="-prefixed forms, case-insensitively.
func verifySignature(body []byte, header, secret, algorithm string) bool {
	if header == "" {
		return false
	}

	var mac []byte
	switch strings.ToLower(algorithm) {
	case "sha1":
		h := hmac.New(sha1.New, []byte(secret))
		h.Write(body)
		mac = h.Sum(nil)
	default:
		h := hmac.New(sha256.New, []byte(secret))
		h.Write(body)
		mac = h.Sum(nil)
	}
	expected := hex.EncodeToString(mac)

	got := header
	if idx := strings.IndexByte(got, '='); idx >= 0 {
		got = got[idx+1:]
	}
	got = strings.ToLower(strings.TrimSpace(got))

	return hmac.Equal([]byte(expected), []byte(got))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
