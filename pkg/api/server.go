// Package api assembles the HTTPS surface of the ambassador.
package api

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v1 "github.com/mcp-ambassador/ambassador/pkg/api/v1"
	"github.com/mcp-ambassador/ambassador/pkg/audit"
	"github.com/mcp-ambassador/ambassador/pkg/auth"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
	"github.com/mcp-ambassador/ambassador/pkg/oauth"
	"github.com/mcp-ambassador/ambassador/pkg/pipeline"
	"github.com/mcp-ambassador/ambassador/pkg/ratelimit"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
	"github.com/mcp-ambassador/ambassador/pkg/telemetry"
	"github.com/mcp-ambassador/ambassador/pkg/upstream"
)

const (
	middlewareTimeout = 90 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Config describes where and how the server listens.
type Config struct {
	Host string
	Port int
	// CertFile and KeyFile enable TLS. Both must be set; the server refuses
	// to start without them unless AllowInsecure is set for local use.
	CertFile      string
	KeyFile       string
	AllowInsecure bool
	// PortalURL receives OAuth callback redirects.
	PortalURL string
	// EnableMetrics mounts the Prometheus endpoint.
	EnableMetrics bool
}

// Deps are the subsystems the handlers dispatch into.
type Deps struct {
	Store       storage.Store
	Authn       *auth.Authenticator
	Pipeline    *pipeline.Pipeline
	OAuth       *oauth.Manager
	Credentials *upstream.VaultCredentials
	Limiter     *ratelimit.Limiter
	Sink        audit.Sink
}

// Server is the assembled HTTP server.
type Server struct {
	config Config
	srv    *http.Server
}

// securityHeaders applies the response headers required on every route.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// New builds the router and server. It does not start listening.
func New(config Config, deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Timeout(middlewareTimeout),
		securityHeaders,
	)

	oauthRoutes := v1.NewOAuthRoutes(
		deps.Authn, deps.Store, deps.OAuth, deps.Credentials, deps.Limiter, config.PortalURL, deps.Sink)

	r.Mount("/v1/sessions", v1.SessionRouter(deps.Authn, deps.Store, deps.Sink))
	r.Mount("/v1/tools", v1.ToolRouter(deps.Pipeline))
	r.Mount("/v1/users/me/oauth", oauthRoutes.UserRouter())
	r.Mount("/v1/oauth", oauthRoutes.CallbackRouter())
	r.Mount("/health", v1.HealthcheckRouter(deps.Store))
	if config.EnableMetrics {
		r.Handle("/metrics", telemetry.Handler())
	}

	return &Server{
		config: config,
		srv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", config.Host, config.Port),
			Handler:           r,
			ReadHeaderTimeout: readHeaderTimeout,
			TLSConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
}

// Handler exposes the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.srv.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		var err error
		switch {
		case s.config.CertFile != "" && s.config.KeyFile != "":
			logger.Infow("starting https server", "addr", s.srv.Addr)
			err = s.srv.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		case s.config.AllowInsecure:
			logger.Warnf("TLS disabled, serving plain http on %s", s.srv.Addr)
			err = s.srv.ListenAndServe()
		default:
			err = fmt.Errorf("tls cert and key are required (or set allow-insecure for local use)")
		}
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Infof("api server stopped")
	return nil
}
