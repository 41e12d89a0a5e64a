// Package gateway is the HTTP façade: every API call becomes one RPC over the
// broker, and the worker's reply becomes the HTTP response.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mrjvadi/finance-rpc/broker"
	"github.com/mrjvadi/finance-rpc/finance"
)

// Caller performs one RPC. *broker.ClientPool implements it.
type Caller interface {
	Call(ctx context.Context, queue string, payload any) (*broker.Response, error)
}

type Server struct {
	caller    Caller
	logger    *zap.Logger
	metrics   *Metrics
	namespace string
	ready     func() bool
	engine    *gin.Engine
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics shares a Metrics instance, e.g. one whose ObserveState is
// already hooked into the client pool.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithNamespace prefixes every queue name, matching the workers' namespace.
func WithNamespace(ns string) Option {
	return func(s *Server) { s.namespace = ns }
}

// WithReadiness makes /health report 503 while fn returns false.
func WithReadiness(fn func() bool) Option {
	return func(s *Server) { s.ready = fn }
}

func New(caller Caller, opts ...Option) *Server {
	s := &Server{
		caller: caller,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.recovery(), s.metrics.middleware(), s.requestLogger())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := r.Group("/api")
	{
		api.POST("/register", s.forward(finance.QueueRegister, authStatus))
		api.POST("/login", s.forward(finance.QueueLogin, authStatus))
		api.POST("/transaction", s.forward(finance.QueueTransactionCreate, alwaysOK))
		api.GET("/transactions", s.queryTransactions)
		api.DELETE("/user/:id", s.deleteByID(finance.QueueUserDelete, "user_id"))
		api.DELETE("/transaction/:id", s.deleteByID(finance.QueueTransactionDelete, "transaction_id"))
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"status": broker.StatusFailure, "error": "not found"})
	})
	return r
}

// statusFunc maps a worker reply to an HTTP status.
type statusFunc func(*broker.Response) int

func authStatus(r *broker.Response) int {
	if r.OK() {
		return http.StatusOK
	}
	return http.StatusUnauthorized
}

// alwaysOK reports 200 even for failure bodies; clients read "status".
func alwaysOK(*broker.Response) int { return http.StatusOK }

func deleteStatus(r *broker.Response) int {
	if r.OK() {
		return http.StatusOK
	}
	return http.StatusBadRequest
}

// forward relays a JSON object body to queue unchanged.
func (s *Server) forward(queue string, status statusFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body map[string]json.RawMessage
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": broker.StatusFailure, "error": "invalid JSON body: " + err.Error()})
			return
		}
		s.relay(c, queue, body, status)
	}
}

func (s *Server) queryTransactions(c *gin.Context) {
	s.relay(c, finance.QueueTransactionQuery, gin.H{
		"user_id": c.Query("user_id"),
		"type":    c.Query("type"),
	}, alwaysOK)
}

func (s *Server) deleteByID(queue, field string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.relay(c, queue, gin.H{field: c.Param("id")}, deleteStatus)
	}
}

func (s *Server) relay(c *gin.Context, queue string, payload any, status statusFunc) {
	resp, err := s.caller.Call(c.Request.Context(), broker.QueueName(s.namespace, queue), payload)
	if err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, broker.ErrCallTimeout) || errors.Is(err, context.DeadlineExceeded) {
			code = http.StatusGatewayTimeout
		}
		s.logger.Warn("rpc call failed", zap.String("queue", queue), zap.Error(err))
		c.JSON(code, gin.H{"status": broker.StatusFailure, "error": err.Error()})
		return
	}
	c.Data(status(resp), "application/json", resp.Body)
}

func (s *Server) health(c *gin.Context) {
	if s.ready != nil && !s.ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, err any) {
		s.logger.Error("panic in http handler", zap.Any("panic", err), zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"status": broker.StatusFailure, "error": "internal error"})
	})
}

// ListenAndServe serves until ctx is done, then shuts down gracefully within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, writeTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("gateway shutting down")
	return srv.Shutdown(shutdownCtx)
}
