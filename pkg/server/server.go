// Package server exposes the coordinator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"

	"github.com/ovoenergyau/ovoenergyau/pkg/coordinator"
	"github.com/ovoenergyau/ovoenergyau/pkg/log"
	"github.com/ovoenergyau/ovoenergyau/pkg/metrics"
	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

// Coordinator is the part of the coordinator the server uses.
type Coordinator interface {
	Refresh(ctx context.Context, trigger coordinator.Trigger) error
	Snapshot() *types.AggregateSnapshot
	Status() coordinator.Status
}

// HistoryStore reads stored hourly usage.
type HistoryStore interface {
	GetHourlyUsage(ctx context.Context, start, end time.Time) ([]types.UsageRecord, error)
}

// emailVerifier validates an ID token and returns its email claim.
type emailVerifier func(ctx context.Context, rawIDToken string) (string, error)

// Server handles the HTTP API.
type Server struct {
	coordinator Coordinator
	storage     HistoryStore
	metrics     *metrics.Collector

	listenAddr string
	httpServer *http.Server
	serverName string

	// verifier is nil when manual refreshes are not authenticated.
	verifier      emailVerifier
	refreshEmails []string

	now func() time.Time
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(c Coordinator, s HistoryStore, m *metrics.Collector) *Server {
	srv := New(c, s, m)
	if revision := os.Getenv("K_REVISION"); revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	refreshAudience := lflag.String("refresh-audience", "", "audience of the ID token required for POST /api/refresh; no authentication when empty")
	refreshEmails := lflag.String("refresh-emails", "", "comma-delimited list of ID token emails allowed to POST /api/refresh")
	oidcIssuer := lflag.String("refresh-oidc-issuer", "https://accounts.google.com", "issuer of the ID tokens for POST /api/refresh")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.refreshEmails = splitList(*refreshEmails)
		if *refreshAudience == "" {
			return
		}
		provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
		if err != nil {
			log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("issuer", *oidcIssuer), slog.Any("error", err))
			os.Exit(1)
		}
		srv.verifier = oidcEmailVerifier(provider.Verifier(&oidc.Config{ClientID: *refreshAudience}))
	})
	return srv
}

// New returns a Server without refresh authentication.
func New(c Coordinator, s HistoryStore, m *metrics.Collector) *Server {
	return &Server{
		coordinator: c,
		storage:     s,
		metrics:     m,
		listenAddr:  ":8080",
		serverName:  "ovoenergyau",
		now:         time.Now,
	}
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func oidcEmailVerifier(v *oidc.IDTokenVerifier) emailVerifier {
	return func(ctx context.Context, rawIDToken string) (string, error) {
		tok, err := v.Verify(ctx, rawIDToken)
		if err != nil {
			return "", err
		}
		var claims struct {
			Email         string `json:"email"`
			EmailVerified bool   `json:"email_verified"`
		}
		if err := tok.Claims(&claims); err != nil {
			return "", fmt.Errorf("failed to parse claims: %w", err)
		}
		if claims.Email == "" || !claims.EmailVerified {
			return "", errors.New("token has no verified email")
		}
		return claims.Email, nil
	}
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/refresh", s.handleRefresh)
	apiMux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	apiMux.HandleFunc("GET /api/sensors", s.handleSensors)
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/history/hourly", s.handleHistoryHourly)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.logMiddleware(apiMux))
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.setupHandler(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		// a manual refresh runs a whole cycle within the request
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.WithAttrs(r.Context(), slog.String("reqPath", r.URL.Path))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		// only JSON and text are served
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}
