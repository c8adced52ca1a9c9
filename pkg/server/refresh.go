package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/ovoenergyau/ovoenergyau/pkg/coordinator"
	"github.com/ovoenergyau/ovoenergyau/pkg/entity"
	"github.com/ovoenergyau/ovoenergyau/pkg/log"
	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

// authorizeRefresh checks the bearer ID token when refresh authentication is
// enabled, e.g. for Cloud Scheduler.
func (s *Server) authorizeRefresh(w http.ResponseWriter, r *http.Request) bool {
	if s.verifier == nil {
		return true
	}
	ctx := r.Context()

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		writeJSONError(w, "missing authorization header", http.StatusUnauthorized)
		return false
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		writeJSONError(w, "invalid authorization header", http.StatusUnauthorized)
		return false
	}

	email, err := s.verifier(ctx, token)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to validate id token", slog.Any("error", err))
		writeJSONError(w, "invalid id token", http.StatusUnauthorized)
		return false
	}
	if len(s.refreshEmails) > 0 && !slices.Contains(s.refreshEmails, email) {
		log.Ctx(ctx).WarnContext(ctx, "unauthorized email for refresh", slog.String("email", email))
		writeJSONError(w, "unauthorized email", http.StatusForbidden)
		return false
	}
	log.Ctx(ctx).DebugContext(ctx, "refresh: authorized", slog.String("email", email))
	return true
}

// refreshStatusCode maps a cycle error to the response status.
func refreshStatusCode(err error) int {
	var (
		authErr  *types.AuthError
		apiErr   *types.APIError
		shapeErr *types.DataShapeError
	)
	switch {
	case types.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &authErr), errors.As(err, &apiErr), errors.As(err, &shapeErr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRefresh(w, r) {
		return
	}
	ctx := r.Context()

	start := s.now()
	if err := s.coordinator.Refresh(ctx, coordinator.TriggerManual); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "manual refresh failed", slog.Any("error", err))
		writeJSONError(w, err.Error(), refreshStatusCode(err))
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "manual refresh finished", slog.Duration("duration", s.now().Sub(start)))

	writeJSON(w, http.StatusOK, struct {
		Status   string                   `json:"status"`
		Snapshot *types.AggregateSnapshot `json:"snapshot"`
	}{
		Status:   "ok",
		Snapshot: s.coordinator.Snapshot(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.coordinator.Snapshot()
	if snap == nil {
		writeJSONError(w, "no snapshot yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	snap := s.coordinator.Snapshot()
	if snap == nil {
		writeJSONError(w, "no snapshot yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		AccountID string         `json:"accountID"`
		FetchedAt time.Time      `json:"fetchedAt"`
		Sensors   []entity.State `json:"sensors"`
	}{
		AccountID: snap.AccountID,
		FetchedAt: snap.FetchedAt,
		Sensors:   entity.States(*snap),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coordinator.Status())
}
