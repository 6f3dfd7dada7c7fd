package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatrelay/internal/classify"
	"chatrelay/internal/config"
	"chatrelay/internal/frame"
	"chatrelay/internal/observability"
	"chatrelay/internal/relay"
	"chatrelay/internal/translator"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

type Server struct {
	cfg      config.ServerConfig
	relay    *relay.Relay
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	app      *echo.Echo
	address  string
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records relay metrics on m and serves g on /metrics.
func WithMetrics(m *observability.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithLogger sets the logger used for request and lifecycle logs.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.ServerConfig, rl *relay.Relay, opts ...Option) (*Server, error) {
	if rl == nil {
		return nil, errors.New("relay must not be nil")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Port)
	}

	srv := &Server{
		cfg:      cfg,
		relay:    rl,
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
		address:  fmt.Sprintf(":%d", cfg.Port),
	}
	for _, opt := range opts {
		opt(srv)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = srv.errorHandler

	allowOrigins := cfg.AllowOrigins
	if len(allowOrigins) == 0 {
		allowOrigins = []string{"*"}
	}

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			srv.logger.Info("request",
				"request_id", v.RequestID,
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	srv.app = e
	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Port)
	s.logger.Info("starting server", "addr", s.address)

	// No WriteTimeout: a chat response stays open for the whole generation.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.Any("/health", s.handleHealth)
	s.app.POST("/chat", s.handleChat)
	s.app.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleChat(c echo.Context) error {
	fw, err := frame.NewWriter(c.Response(), frame.WithKeepAlive(s.cfg.KeepAlive(), s.metrics.RecordKeepAlive))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "server does not support streaming responses")
	}
	defer fw.Close()

	logger := s.logger.With("request_id", c.Response().Header().Get(echo.HeaderXRequestID))

	var req translator.ChatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		res := classify.Validation(err.Error())
		logger.Warn("rejecting chat request", "error", err)
		s.metrics.RecordError(string(res.Kind), res.Verdict.String())
		if err := fw.WriteFrame(frame.FromResult(res)); err != nil {
			logger.Error("failed to write error frame", "err", err)
		}
		return nil
	}

	outcome := s.relay.Run(c.Request().Context(), req.ToInput(), fw)
	logger.Debug("chat request finished",
		"model", outcome.Model,
		"state", outcome.State.String(),
		"status", fw.Status(),
		"fragments", outcome.Fragments,
		"prompt_tokens", outcome.Usage.PromptTokens,
	)
	return nil
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON payload: %v", err)
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

type errorBody struct {
	Error      string `json:"error"`
	StatusCode int    `json:"statusCode"`
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "internal server error"

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		message = fmt.Sprint(he.Message)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, errorBody{Error: message, StatusCode: status})
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("chatrelay ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  ANY  /health")
	fmt.Println("  POST /chat")
	fmt.Println("  GET  /metrics")
	fmt.Printf("Example:\n  curl -N http://%s:%d/chat -H 'Content-Type: application/json' -d '{\"prompt\":\"hello\"}'\n\n", host, port)
}
