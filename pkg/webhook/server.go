// Package webhook exposes the platform-facing HTTP surface: the callback
// endpoint (handshake + encrypted notifications) and health endpoints.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"deskrelay/pkg/config"
	"deskrelay/pkg/relay"
)

const (
	defaultHost         = "0.0.0.0"
	defaultPort         = 18890
	defaultCallbackPath = "/webhook/callback"

	maxBodyBytes int64 = 1 << 20 // 1 MiB
)

// CallbackHandler schedules pipeline work for one webhook call and returns
// the immediate ack body.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, env relay.InboundEnvelope) string
}

// Pinger reports storage reachability for readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker reports reply-generator reachability for readiness checks.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Server is the webhook HTTP listener.
type Server struct {
	cfg      config.ServerConfig
	crypto   relay.CryptoBoundary
	handler  CallbackHandler
	storage  Pinger
	provider HealthChecker
	log      *slog.Logger
}

// NewServer wires the webhook server. storage and provider may be nil; the
// corresponding readiness checks are then skipped.
func NewServer(cfg config.ServerConfig, crypto relay.CryptoBoundary, handler CallbackHandler, storage Pinger, provider HealthChecker, log *slog.Logger) (*Server, error) {
	if crypto == nil {
		return nil, errors.New("crypto boundary is required")
	}
	if handler == nil {
		return nil, errors.New("callback handler is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Server{
		cfg:      cfg,
		crypto:   crypto,
		handler:  handler,
		storage:  storage,
		provider: provider,
		log:      log.With("component", "webhook"),
	}, nil
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	e := s.router()

	host := strings.TrimSpace(s.cfg.Host)
	if host == "" {
		host = defaultHost
	}
	port := s.cfg.Port
	if port <= 0 {
		port = defaultPort
	}
	addr := host + ":" + strconv.Itoa(port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	s.log.Info("Webhook server started", "address", addr, "callback_path", s.callbackPath())
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start webhook server: %w", err)
	}

	return nil
}

func (s *Server) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	path := s.callbackPath()
	e.GET(path, s.handleHandshake)
	e.POST(path, s.handleCallback)
	e.GET("/healthz", s.handleHealth)
	e.GET("/readyz", s.handleReady)

	return e
}

func (s *Server) callbackPath() string {
	path := strings.TrimSpace(s.cfg.CallbackPath)
	if path == "" {
		path = defaultCallbackPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return path
}

// handleHandshake answers the platform's URL-ownership probe: verify the
// signature over echostr, decrypt it, and echo the plaintext back.
func (s *Server) handleHandshake(c echo.Context) error {
	signature := strings.TrimSpace(c.QueryParam("msg_signature"))
	timestamp := strings.TrimSpace(c.QueryParam("timestamp"))
	nonce := strings.TrimSpace(c.QueryParam("nonce"))
	echostr := strings.TrimSpace(c.QueryParam("echostr"))
	if signature == "" || timestamp == "" || nonce == "" || echostr == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing handshake parameters")
	}

	ctx := c.Request().Context()

	expected, err := s.crypto.VerifySignature(ctx, timestamp, nonce, echostr)
	if err != nil || expected != signature {
		s.log.Warn("Handshake signature rejected", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "signature verification failed")
	}

	plaintext, err := s.crypto.Decrypt(ctx, echostr)
	if err != nil {
		s.log.Warn("Handshake decrypt failed", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "echostr decrypt failed")
	}

	return c.String(http.StatusOK, plaintext)
}

type callbackBody struct {
	Encrypt string `json:"encrypt"`
}

// handleCallback acknowledges a notification immediately; the pipeline task
// it schedules outlives this request.
func (s *Server) handleCallback(c echo.Context) error {
	signature := strings.TrimSpace(c.QueryParam("msg_signature"))
	timestamp := strings.TrimSpace(c.QueryParam("timestamp"))
	nonce := strings.TrimSpace(c.QueryParam("nonce"))
	if signature == "" || timestamp == "" || nonce == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing callback parameters")
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(payload)) > maxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", maxBodyBytes))
	}

	var body callbackBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid callback payload: %v", err))
	}
	if strings.TrimSpace(body.Encrypt) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "callback payload is missing ciphertext")
	}

	ack := s.handler.HandleCallback(c.Request().Context(), relay.InboundEnvelope{
		Signature:  signature,
		Timestamp:  timestamp,
		Nonce:      nonce,
		Ciphertext: body.Encrypt,
	})

	return c.String(http.StatusOK, ack)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(c echo.Context) error {
	ctx := c.Request().Context()

	if s.storage != nil {
		if err := s.storage.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "storage unreachable"})
		}
	}

	if s.provider != nil {
		if err := s.provider.Health(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "provider unhealthy"})
		}
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
