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
	"github.com/raterudder/freephase/pkg/coordinator"
	"github.com/raterudder/freephase/pkg/cost"
	"github.com/raterudder/freephase/pkg/log"
	"github.com/raterudder/freephase/pkg/metrics"
	"github.com/raterudder/freephase/pkg/storage"
	"golang.org/x/time/rate"
)

// tokenVerifier is a function that validates an OIDC ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server exposes the state of every tariff instance over HTTP.
type Server struct {
	coordinators *coordinator.Map
	costs        *cost.Satellite
	storage      storage.Database

	listenAddr string
	httpServer *http.Server
	serverName string

	refreshVerifier      tokenVerifier
	refreshAllowedEmails []string
	refreshLimiter       *limiter

	now func() time.Time
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(coords *coordinator.Map, costs *cost.Satellite, db storage.Database) *Server {
	srv := &Server{
		coordinators: coords,
		costs:        costs,
		storage:      db,
		serverName:   "freephase",
		now:          time.Now,
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcIssuer := lflag.String("refresh-oidc-issuer", "https://accounts.google.com", "Issuer of the ID tokens accepted by the refresh endpoint")
	oidcAudience := lflag.String("refresh-oidc-audience", "", "Audience to validate ID tokens against for the refresh endpoint, empty disables auth")
	allowedEmails := lflag.String("refresh-allowed-emails", "", "comma-delimited list of email addresses allowed to trigger a refresh")
	rateLimit := lflag.Duration("refresh-rate-limit", time.Minute, "Minimum time between manual refreshes of an instance, 0 disables limiting")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *allowedEmails != "" {
			for _, email := range strings.Split(*allowedEmails, ",") {
				if email = strings.TrimSpace(email); email != "" {
					srv.refreshAllowedEmails = append(srv.refreshAllowedEmails, email)
				}
			}
		}
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("issuer", *oidcIssuer), slog.Any("error", err))
				os.Exit(1)
			}
			srv.refreshVerifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		} else if len(srv.refreshAllowedEmails) > 0 {
			panic("refresh-allowed-emails requires refresh-oidc-audience")
		}
		if *rateLimit < 0 {
			panic("refresh-rate-limit cannot be negative")
		}
		if *rateLimit > 0 {
			srv.refreshLimiter = newLimiter(rate.Every(*rateLimit), 1)
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, metrics.InstrumentHandler(pattern, h))
	}
	handle("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
	handle("GET /api/instances", s.handleListInstances)
	handle("GET /api/instances/{id}/snapshot", s.handleSnapshot)
	handle("GET /api/instances/{id}/slots", s.handleSlots)
	handle("GET /api/instances/{id}/blocks", s.handleBlocks)
	handle("GET /api/instances/{id}/blocks/current", s.handleCurrentBlock)
	handle("GET /api/instances/{id}/blocks/next", s.handleNextBlock)
	handle("GET /api/instances/{id}/diagnostics", s.handleDiagnostics)
	handle("GET /api/instances/{id}/cost", s.handleCost)
	handle("GET /api/instances/{id}/events", s.handleEvents)
	handle("GET /api/instances/{id}/history/prices", s.handleHistoryPrices)
	handle("POST /api/instances/{id}/refresh", s.handleRefresh)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
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

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
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

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
