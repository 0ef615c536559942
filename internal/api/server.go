// Package api serves the operator HTTP surface: status, flatten, pause,
// resume, the audit trail and the Prometheus scrape endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hl-perp-desk/internal/scheduler"
	"hl-perp-desk/internal/state"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	auditSource       = "http"
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// Operator is the set of controls the desk exposes to humans.
type Operator interface {
	Status(ctx context.Context) Status
	Flatten(ctx context.Context) (int, error)
	Pause(name string, d time.Duration) error
	Resume(name string) error
}

type Status struct {
	Mode         string           `json:"mode"`
	Equity       string           `json:"equity"`
	PeakEquity   string           `json:"peak_equity"`
	Drawdown     string           `json:"drawdown"`
	DailyLoss    string           `json:"daily_loss"`
	UsedMargin   string           `json:"used_margin"`
	Halted       bool             `json:"halted"`
	Positions    []PositionStatus `json:"positions"`
	Cooldowns    []CooldownStatus `json:"cooldowns"`
	Orders       OrderStatus      `json:"orders"`
	Strategies   []StrategyStatus `json:"strategies"`
	StaleMarkets []string         `json:"stale_markets"`
	At           time.Time        `json:"at"`
}

type PositionStatus struct {
	Market        string `json:"market"`
	Size          string `json:"size"`
	EntryPrice    string `json:"entry_price"`
	Mark          string `json:"mark"`
	UnrealizedPnL string `json:"unrealized_pnl"`
	RealizedPnL   string `json:"realized_pnl"`
}

type CooldownStatus struct {
	Scope  string    `json:"scope"`
	Market string    `json:"market,omitempty"`
	Reason string    `json:"reason"`
	Until  time.Time `json:"until"`
}

type OrderStatus struct {
	Open     int            `json:"open"`
	ByState  map[string]int `json:"by_state"`
	Draining bool           `json:"draining"`
}

type StrategyStatus struct {
	Name         string    `json:"name"`
	Market       string    `json:"market"`
	Cadence      string    `json:"cadence"`
	Decisions    uint64    `json:"decisions"`
	Submitted    uint64    `json:"submitted"`
	Rejections   uint64    `json:"rejections"`
	Faults       uint64    `json:"faults"`
	Paused       bool      `json:"paused"`
	PausedUntil  time.Time `json:"paused_until,omitempty"`
	BackoffUntil time.Time `json:"backoff_until,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

type Options struct {
	RequestsPerSecond float64
	Burst             int
	MetricsPath       string
	// Metrics is mounted at MetricsPath when set.
	Metrics http.Handler
}

type Server struct {
	router *gin.Engine
	op     Operator
	store  state.Store
	log    *zap.Logger
	now    func() time.Time
}

type pauseRequest struct {
	Strategy string `json:"strategy"`
	Duration string `json:"duration"`
}

type resumeRequest struct {
	Strategy string `json:"strategy"`
}

func NewServer(op Operator, store state.Store, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(requestLogger(log))
	r.Use(rateLimit(opts.RequestsPerSecond, opts.Burst))

	s := &Server{
		router: r,
		op:     op,
		store:  store,
		log:    log,
		now:    time.Now,
	}
	s.routes(opts)
	return s
}

func (s *Server) routes(opts Options) {
	s.router.GET("/health", s.health)
	s.router.GET("/status", s.status)
	s.router.POST("/flatten", s.flatten)
	s.router.POST("/pause", s.pause)
	s.router.POST("/resume", s.resume)
	s.router.GET("/audit", s.auditLog)
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.router.GET(path, gin.WrapH(opts.Metrics))
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("operator api listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("operator api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.op.Status(c.Request.Context()))
}

func (s *Server) flatten(c *gin.Context) {
	sent, err := s.op.Flatten(c.Request.Context())
	if err != nil {
		s.audit(c, "flatten", "error: "+err.Error())
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "orders": sent})
		return
	}
	s.audit(c, "flatten", fmt.Sprintf("sent %d orders", sent))
	c.JSON(http.StatusOK, gin.H{"orders": sent})
}

func (s *Server) pause(c *gin.Context) {
	var req pauseRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var d time.Duration
	if strings.TrimSpace(req.Duration) != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid duration"})
			return
		}
		d = parsed
	}
	name := strings.TrimSpace(req.Strategy)
	command := strings.TrimSpace("pause " + name)
	if err := s.op.Pause(name, d); err != nil {
		s.audit(c, command, "error: "+err.Error())
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	s.audit(c, command, "ok")
	c.JSON(http.StatusOK, gin.H{"paused": targetName(name), "duration": d.String()})
}

func (s *Server) resume(c *gin.Context) {
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := strings.TrimSpace(req.Strategy)
	command := strings.TrimSpace("resume " + name)
	if err := s.op.Resume(name); err != nil {
		s.audit(c, command, "error: "+err.Error())
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	s.audit(c, command, "ok")
	c.JSON(http.StatusOK, gin.H{"resumed": targetName(name)})
}

func (s *Server) auditLog(c *gin.Context) {
	limit := defaultAuditLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxAuditLimit)
	}
	entries, err := state.RecentAudit(c.Request.Context(), s.store, limit)
	if errors.Is(err, state.ErrListUnsupported) {
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) audit(c *gin.Context, command, result string) {
	entry := state.AuditEntry{
		Source:  auditSource,
		Actor:   c.ClientIP(),
		Command: command,
		Result:  result,
		AtMS:    s.now().UnixMilli(),
	}
	if err := state.AppendAudit(c.Request.Context(), s.store, entry); err != nil {
		s.log.Warn("audit write failed", zap.String("command", command), zap.Error(err))
	}
}

func errorStatus(err error) int {
	if errors.Is(err, scheduler.ErrUnknownInstance) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func targetName(name string) string {
	if name == "" {
		return "all"
	}
	return name
}
