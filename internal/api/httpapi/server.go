// Package httpapi serves the reminder operations over HTTP (gin), with
// optional HS256 bearer auth and pprof.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	rtsup "reminderd/internal/runtime/supervisor"
	logx "reminderd/pkg/logx"
)

const defaultAddr = "127.0.0.1:8089"

func init() { gin.SetMode(gin.ReleaseMode) }

type Config struct {
	Addr string
	// JWTSecret enables bearer auth on /v1 and /debug when set.
	JWTSecret    string
	Pprof        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server owns the listener and restarts the serve loop if it dies.
type Server struct {
	api Reminders
	log logx.Logger

	// Health reports readiness for /healthz. Nil is always healthy.
	Health func() error

	mu  sync.Mutex
	cfg Config
	srv *http.Server
	ln  net.Listener
	sup *rtsup.Supervisor
}

func New(cfg Config, api Reminders, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, api: api, log: log}
}

// Addr is the bound address once the server is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce, rtsup.RestartPolicy{
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 10 * time.Second,
	})
}

// Reconfigure restarts the listener when the address, auth or pprof setting
// changed.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()
	if running && needsRestart(prev, cfg) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr || a.JWTSecret != b.JWTSecret || a.Pprof != b.Pprof ||
		a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout
}

// Stop shuts the server down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			s.log.Warn("http shutdown incomplete", logx.Err(err))
			_ = srv.Close()
		}
	}
	_ = sup.Wait(ctx)
	s.log.Info("http stopped")
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.JWTSecret == "" && !isLoopbackAddr(addr) {
		s.log.Warn("http api has no auth on a non-loopback address", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http started", logx.String("addr", ln.Addr().String()), logx.Bool("auth", cfg.JWTSecret != ""), logx.Bool("pprof", cfg.Pprof))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

// Handler builds the gin engine for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", s.healthz)

	v1 := r.Group("/v1")
	if cfg.JWTSecret != "" {
		v1.Use(BearerAuth(cfg.JWTSecret))
	}
	{
		v1.POST("/reminders", s.createReminder)
		v1.GET("/reminders", s.listReminders)
		v1.GET("/reminders/:id", s.getReminder)
		v1.DELETE("/reminders/:id", s.cancelReminder)
		v1.POST("/reminders/:id/reschedule", s.rescheduleReminder)
		v1.POST("/reminders/:id/revert", s.revertReminder)
		v1.GET("/stats", s.stats)
		v1.POST("/inbound", s.inbound)
	}

	if cfg.Pprof {
		debug := r.Group("/debug/pprof")
		if cfg.JWTSecret != "" {
			debug.Use(BearerAuth(cfg.JWTSecret))
		}
		registerPprof(debug)
	}
	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
