// Package api serves the HTTP control surface: provisioning and stopping
// monitored accounts, ledger statistics and on-demand cycles.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nhle/leadmail/internal/ledger"
	"github.com/nhle/leadmail/internal/monitor"
	"github.com/nhle/leadmail/internal/provision"
)

// Provisioner creates and registers company mailboxes.
type Provisioner interface {
	Provision(ctx context.Context, companyID string) (provision.Result, error)
}

// Cycles runs and reports monitoring cycles.
type Cycles interface {
	RunCycle(ctx context.Context) (monitor.CycleStats, bool)
	LastCycle() (monitor.CycleStats, bool)
	Running() bool
}

// Deps are the server's collaborators. Provisioner may be nil when no
// mail host is configured.
type Deps struct {
	Accounts    ledger.AccountStore
	Ledger      ledger.Ledger
	Provisioner Provisioner
	Cycles      Cycles

	// Domain completes bare company ids into addresses.
	Domain string
	// Token, when set, is required as a bearer token on /api routes.
	Token string

	Log *zap.Logger
	Now func() time.Time
}

// Server is the control API.
type Server struct {
	deps   Deps
	engine *gin.Engine
	srv    *http.Server
	log    *zap.Logger
	now    func() time.Time
}

// NewServer builds the router and an http.Server listening on addr.
func NewServer(addr string, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		deps: deps,
		log:  log.With(zap.String("component", "api")),
		now:  now,
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.GET("/healthz", s.health)

	api := r.Group("/api", s.auth())
	api.GET("/accounts", s.listAccounts)
	api.POST("/accounts/:id", s.createAccount)
	api.POST("/accounts/:id/stop", s.stopAccount)
	api.GET("/stats", s.stats)
	api.POST("/cycle", s.runCycle)

	r.NoRoute(func(c *gin.Context) {
		abortWithError(c, http.StatusNotFound, "route not found")
	})

	s.engine = r
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("api listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{
		"status":       "ok",
		"timestamp":    s.now().UTC().Format(time.RFC3339),
		"cycleRunning": false,
	}
	if s.deps.Cycles != nil {
		resp["cycleRunning"] = s.deps.Cycles.Running()
		if last, ok := s.deps.Cycles.LastCycle(); ok {
			resp["lastCycle"] = last
		}
	}
	if accounts, err := s.deps.Accounts.ListActiveAccounts(c.Request.Context()); err == nil {
		resp["monitoredAccounts"] = len(accounts)
	} else {
		s.log.Warn("health check could not list accounts", zap.Error(err))
		resp["status"] = "degraded"
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listAccounts(c *gin.Context) {
	accounts, err := s.deps.Accounts.ListAccounts(c.Request.Context())
	if err != nil {
		s.internalError(c, "listing accounts", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(accounts), "accounts": accounts})
}

func (s *Server) createAccount(c *gin.Context) {
	if s.deps.Provisioner == nil {
		abortWithError(c, http.StatusServiceUnavailable, "provisioning is not configured")
		return
	}

	companyID := c.Param("id")
	res, err := s.deps.Provisioner.Provision(c.Request.Context(), companyID)
	switch {
	case errors.Is(err, provision.ErrInvalidCompanyID):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid company id"})
		return
	case err != nil:
		s.log.Error("provisioning failed", zap.String("company", companyID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}

	message := "account already monitored"
	if res.Created {
		message = "mailbox created; monitoring starts on the next cycle"
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": message,
		"email":   res.Account.Address,
		"created": res.Created,
	})
}

func (s *Server) stopAccount(c *gin.Context) {
	address := s.address(c.Param("id"))

	err := s.deps.Accounts.SetAccountActive(c.Request.Context(), address, false)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "account not found"})
		return
	case err != nil:
		s.internalError(c, "stopping account", err)
		return
	}

	s.log.Info("monitoring stopped", zap.String("account", address))
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "monitoring stopped for " + address})
}

func (s *Server) stats(c *gin.Context) {
	since := s.now().Add(-24 * time.Hour)
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}

	account := c.Query("account")
	if account != "" {
		account = s.address(account)
	}

	st, err := s.deps.Ledger.Stats(c.Request.Context(), account, since)
	if err != nil {
		s.internalError(c, "reading stats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account, "since": since.UTC(), "stats": st})
}

func (s *Server) runCycle(c *gin.Context) {
	if s.deps.Cycles == nil {
		abortWithError(c, http.StatusServiceUnavailable, "monitor is not running")
		return
	}
	// A client hanging up must not cancel dispatches already under way.
	stats, ran := s.deps.Cycles.RunCycle(context.WithoutCancel(c.Request.Context()))
	if !ran {
		abortWithError(c, http.StatusConflict, "a cycle is already running")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// address turns a bare company id into its mailbox address.
func (s *Server) address(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if strings.Contains(id, "@") || s.deps.Domain == "" {
		return id
	}
	return id + "@" + s.deps.Domain
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.log.Error(op+" failed", zap.Error(err))
	abortWithError(c, http.StatusInternalServerError, "internal server error")
}

// auth requires the configured bearer token. With no token configured
// every request passes.
func (s *Server) auth() gin.HandlerFunc {
	want := []byte(s.deps.Token)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if ok && subtle.ConstantTimeCompare([]byte(got), want) == 1 {
			c.Next()
			return
		}
		s.log.Warn("unauthorized request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("ip", c.ClientIP()),
		)
		abortWithError(c, http.StatusUnauthorized, "unauthorized")
	}
}

// requestLogger logs every request at a level matching its status.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			fields = append(fields, zap.String("errors", errs))
		}

		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			s.log.Error("request", fields...)
		case status >= http.StatusBadRequest:
			s.log.Warn("request", fields...)
		default:
			s.log.Debug("request", fields...)
		}
	}
}

func abortWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
