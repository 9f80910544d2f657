package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"CircleChat/internal/telemetry"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Pinger is implemented by generators that can report their own health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Server
type Options struct {
	Assistant         *Assistant
	Library           *Library
	DefaultCollection string
	AllowedOrigins    []string
	Logger            *slog.Logger
	Meter             metric.Meter
}

// Server exposes the assistant over SSE and websocket
type Server struct {
	engine            *gin.Engine
	assistant         *Assistant
	library           *Library
	defaultCollection string
	allowedOrigins    []string
	upgrader          websocket.Upgrader
	logger            *slog.Logger
	requests          metric.Int64Counter
	duration          metric.Float64Histogram
}

// New builds the HTTP routes
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter("circlechat/server")
	}

	s := &Server{
		assistant:         opts.Assistant,
		library:           opts.Library,
		defaultCollection: opts.DefaultCollection,
		allowedOrigins:    opts.AllowedOrigins,
		logger:            logger,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	var err error
	s.requests, err = meter.Int64Counter(
		"chat.server.requests",
		metric.WithDescription("Number of chat requests by transport and outcome"),
	)
	if err != nil {
		logger.Warn("failed to create counter", "error", err)
	}
	s.duration, err = meter.Float64Histogram(
		"chat.server.duration",
		metric.WithDescription("Chat answer duration in milliseconds"),
	)
	if err != nil {
		logger.Warn("failed to create histogram", "error", err)
	}

	r := gin.New()
	r.Use(requestLogger(logger), gin.CustomRecovery(func(c *gin.Context, rec any) {
		logger.Error("panic in handler", "path", c.Request.URL.Path, "panic", rec)
		c.AbortWithStatus(http.StatusInternalServerError)
	}))
	if len(opts.AllowedOrigins) > 0 {
		headers := cors.DefaultConfig()
		if slices.Contains(opts.AllowedOrigins, "*") {
			headers.AllowAllOrigins = true
		} else {
			headers.AllowOrigins = opts.AllowedOrigins
		}
		headers.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		headers.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Cache-Control"}
		r.Use(cors.New(headers))
	}

	api := r.Group("/api")
	{
		api.POST("/chat", s.handleChat)
		api.GET("/chat/ws", s.handleWebSocket)
		api.GET("/collections", s.handleCollections)
	}
	r.GET("/healthz", s.handleHealth)

	s.engine = r
	return s
}

// Handler returns the routes as an http.Handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("chat server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("chat server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down chat server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("chat server stopped")
	return nil
}

// resolve picks the collection and validates the request. The query
// parameter wins over the body, the body over the server default.
func (s *Server) resolve(c *gin.Context, req *ChatRequest) (int, error) {
	if q := c.Query("collection"); q != "" {
		req.Collection = q
	}
	if req.Collection == "" {
		req.Collection = s.defaultCollection
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return http.StatusBadRequest, errors.New("question is required")
	}
	if !s.library.Has(req.Collection) {
		return http.StatusNotFound, fmt.Errorf("%w: %s", ErrUnknownCollection, req.Collection)
	}
	return http.StatusOK, nil
}

func (s *Server) handleChat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.record(c.Request.Context(), "sse", "rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if status, err := s.resolve(c, &req); err != nil {
		s.record(c.Request.Context(), "sse", "rejected")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	started := time.Now()
	wrote := false
	err := s.assistant.Answer(c.Request.Context(), req, func(f Frame) error {
		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("failed to marshal frame: %w", err)
		}
		if !wrote {
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Status(http.StatusOK)
			wrote = true
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	s.observe(c.Request.Context(), "sse", started, err)

	switch {
	case err == nil:
	case !wrote:
		s.logger.Error("chat request failed", "collection", req.Collection, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		s.logger.Error("chat stream aborted", "collection", req.Collection, "error", err)
		s.abort(c)
	}
}

// abort drops the connection so the client sees a truncated stream
// instead of a clean end of body.
func (s *Server) abort(c *gin.Context) {
	conn, _, err := c.Writer.Hijack()
	if err != nil {
		s.logger.Warn("failed to abort chat stream", "error", err)
		return
	}
	conn.Close()
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var req ChatRequest
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	if err := conn.ReadJSON(&req); err != nil {
		s.record(c.Request.Context(), "websocket", "rejected")
		closeWith(conn, websocket.CloseUnsupportedData, "invalid request")
		return
	}
	conn.SetReadDeadline(time.Time{})
	if _, err := s.resolve(c, &req); err != nil {
		s.record(c.Request.Context(), "websocket", "rejected")
		closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}

	// The reader handles control frames and notices the client leaving.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	started := time.Now()
	err = s.assistant.Answer(ctx, req, func(f Frame) error {
		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("failed to marshal frame: %w", err)
		}
		return conn.WriteMessage(websocket.TextMessage, []byte("data: "+string(data)+"\n\n"))
	})
	s.observe(ctx, "websocket", started, err)

	if err != nil {
		s.logger.Error("websocket chat stream aborted", "collection", req.Collection, "error", err)
		closeWith(conn, websocket.CloseInternalServerErr, err.Error())
		return
	}
	closeWith(conn, websocket.CloseNormalClosure, "")
}

// closeWith sends a close frame; reason is cut to fit the control frame
func closeWith(conn *websocket.Conn, code int, reason string) {
	if len(reason) > 120 {
		reason = reason[:120]
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.allowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
}

func (s *Server) handleCollections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"collections": s.library.Collections()})
}

func (s *Server) handleHealth(c *gin.Context) {
	name := s.assistant.generator.Name()
	if p, ok := s.assistant.generator.(Pinger); ok {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "backend": name, "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "backend": name, "version": telemetry.Version})
}

func (s *Server) observe(ctx context.Context, transport string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.record(ctx, transport, outcome)
	s.duration.Record(ctx, float64(time.Since(started).Milliseconds()),
		metric.WithAttributes(attribute.String("transport", transport)))
}

func (s *Server) record(ctx context.Context, transport, outcome string) {
	s.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("outcome", outcome),
	))
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}
