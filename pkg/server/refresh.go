package server

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/raterudder/freephase/pkg/log"
	"golang.org/x/time/rate"
)

// limiter keeps a token bucket per instance.
type limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newLimiter(limit rate.Limit, burst int) *limiter {
	return &limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (l *limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.limiters[key]
	if !ok {
		rl = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = rl
	}
	return rl
}

// reserve returns 0 if the request is allowed, otherwise how long the caller
// needs to wait.
func (l *limiter) reserve(key string, now time.Time) time.Duration {
	rl := l.get(key)
	r := rl.ReserveN(now, 1)
	if !r.OK() {
		return time.Duration(float64(time.Second) / float64(l.limit))
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d
	}
	return 0
}

// authenticateRefresh verifies the bearer ID token when auth is configured.
// It returns an HTTP status and message when the request is rejected.
func (s *Server) authenticateRefresh(ctx context.Context, r *http.Request) (string, int, string) {
	if s.refreshVerifier == nil {
		return "", 0, ""
	}
	authHeader := r.Header.Get("Authorization")
	rawToken, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || rawToken == "" {
		return "", http.StatusUnauthorized, "missing bearer token"
	}
	idToken, err := s.refreshVerifier(ctx, rawToken)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to verify refresh token", slog.Any("error", err))
		return "", http.StatusUnauthorized, "invalid token"
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to parse token claims", slog.Any("error", err))
		return "", http.StatusUnauthorized, "invalid token claims"
	}
	if len(s.refreshAllowedEmails) > 0 && !slices.Contains(s.refreshAllowedEmails, claims.Email) {
		log.Ctx(ctx).WarnContext(ctx, "refresh email not allowed", slog.String("email", claims.Email))
		return claims.Email, http.StatusForbidden, "email not allowed"
	}
	return claims.Email, 0, ""
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := s.getInstance(w, r)
	if !ok {
		return
	}
	email, code, msg := s.authenticateRefresh(ctx, r)
	if code != 0 {
		writeJSONError(w, msg, code)
		return
	}

	if s.refreshLimiter != nil {
		if wait := s.refreshLimiter.reserve(c.Region(), s.now()); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Max(1, math.Round(wait.Seconds())))))
			writeJSONError(w, "refresh rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "manual refresh requested", slog.String("region", c.Region()), slog.String("email", email))
	snap, err := c.Refresh(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeJSONError(w, "refresh cancelled", http.StatusServiceUnavailable)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "refresh failed", slog.String("region", c.Region()), slog.Any("error", err))
		writeJSONError(w, "refresh failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, newSnapshotResponse(snap, s.now()))
}
