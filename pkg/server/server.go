// Package server exposes the admin login gate and the catalog mutation
// endpoint over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/MrCodeEU/facegate/pkg/camera"
	"github.com/MrCodeEU/facegate/pkg/catalog"
	"github.com/MrCodeEU/facegate/pkg/config"
	"github.com/MrCodeEU/facegate/pkg/gate"
	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/session"
	"github.com/MrCodeEU/facegate/pkg/throttle"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// LoginGate runs a login attempt.
type LoginGate interface {
	Login(ctx context.Context, att gate.Attempt) gate.Result
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators of the HTTP surface.
type Deps struct {
	Gate     LoginGate
	Sessions *session.Issuer
	Catalog  catalog.Repository
	Requests *throttle.RequestLimiter
	Health   map[string]HealthCheck
}

// Server is the HTTP front of the gate.
type Server struct {
	cfg    config.ServerConfig
	limits camera.Limits
	deps   Deps
	log    *logrus.Entry
}

// New creates a server.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Gate == nil || deps.Sessions == nil {
		return nil, errors.New("server: gate and session issuer are required")
	}
	return &Server{
		cfg: cfg.Server,
		limits: camera.Limits{
			MinWidth:  cfg.Recognition.MinFrameWidth,
			MinHeight: cfg.Recognition.MinFrameHeight,
		},
		deps: deps,
		log:  logging.Component("http"),
	}, nil
}

// Router builds the gin engine.
func (s *Server) Router() (*gin.Engine, error) {
	r := gin.New()
	if err := r.SetTrustedProxies(s.cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	r.Use(gin.Recovery(), requestLogger(s.log))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type", "Content-Length", "Accept", "Authorization", "X-Client-Info", "Apikey"},
		MaxAge:          12 * time.Hour,
	}))
	r.Use(bodyLimit(s.cfg.MaxBodyBytes))

	r.GET("/healthz", s.health)

	login := []gin.HandlerFunc{s.login}
	if s.deps.Requests != nil {
		login = append([]gin.HandlerFunc{rateLimit(s.deps.Requests)}, login...)
	}
	r.POST("/api/admin/login", login...)

	if s.deps.Catalog != nil {
		h := &catalog.Handler{Repo: s.deps.Catalog}
		r.POST("/admin-save-car", session.Middleware(s.deps.Sessions), h.Save)
	}

	return r, nil
}

func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	checks := gin.H{}
	for name, check := range s.deps.Health {
		if err := check(c.Request.Context()); err != nil {
			s.log.WithError(err).WithField("check", name).Warn("Health check failed")
			checks[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
}

// Run serves on the configured address until ctx is done, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	router, err := s.Router()
	if err != nil {
		lis.Close()
		return err
	}

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", lis.Addr().String()).Info("HTTP server listening")
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
