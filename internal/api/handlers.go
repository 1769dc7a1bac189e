// Package api serves a local HTTP view over the client state: the mirrored
// stores, the profile and the realtime orchestrator.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/streetwise/internal/profile"
	"github.com/hyperengineering/streetwise/internal/realtime"
	"github.com/hyperengineering/streetwise/internal/store"
	"github.com/hyperengineering/streetwise/internal/subscription"
)

// RealtimeController is the part of the orchestrator the API drives.
type RealtimeController interface {
	Status() realtime.Status
	Refresh()
}

// Deps are the components the handlers read and write.
type Deps struct {
	Problems *store.Problems
	Comments *store.Comments
	Upvotes  *store.Upvotes
	Profile  *profile.Aggregate
	Realtime RealtimeController
	// UserID returns the signed-in user, or "".
	UserID func() string
}

// Handler implements the API handlers
type Handler struct {
	problems  *store.Problems
	comments  *store.Comments
	upvotes   *store.Upvotes
	profile   *profile.Aggregate
	realtime  RealtimeController
	userID    func() string
	authToken string
	version   string
}

// NewHandler creates a Handler. An empty authToken leaves write routes open.
func NewHandler(d Deps, authToken, version string) *Handler {
	userID := d.UserID
	if userID == nil {
		userID = func() string { return "" }
	}
	return &Handler{
		problems:  d.Problems,
		comments:  d.Comments,
		upvotes:   d.Upvotes,
		profile:   d.Profile,
		realtime:  d.Realtime,
		userID:    userID,
		authToken: authToken,
		version:   version,
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	SignedIn bool   `json:"signed_in"`
	Realtime string `json:"realtime"`
	Problems int    `json:"problems"`
}

// Health returns the health status. A degraded realtime layer is reported,
// not treated as unhealthy: reads keep working from the last state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.realtime.Status()
	resp := HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		SignedIn: st.SignedIn,
		Realtime: realtimeLabel(st),
		Problems: h.problems.Len(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func realtimeLabel(st realtime.Status) string {
	switch {
	case st.Active:
		return "active"
	case st.Degraded:
		return "degraded"
	case st.InFlight:
		return "connecting"
	case st.NextRetryDelay > 0:
		return "retrying"
	default:
		return "idle"
	}
}

// RealtimeResponse is the body of GET /realtime.
type RealtimeResponse struct {
	realtime.Status
	NextRetryMS int64                         `json:"next_retry_ms"`
	Profile     bool                          `json:"profile_active"`
	Stores      map[string]subscription.State `json:"stores"`
}

// RealtimeStatus reports the orchestrator and per-store channel state.
func (h *Handler) RealtimeStatus(w http.ResponseWriter, r *http.Request) {
	st := h.realtime.Status()
	resp := RealtimeResponse{
		Status:      st,
		NextRetryMS: st.NextRetryDelay.Milliseconds(),
		Profile:     h.profile.RealtimeActive(),
		Stores: map[string]subscription.State{
			h.problems.Name(): h.problems.RealtimeState(),
			h.comments.Name(): h.comments.RealtimeState(),
			h.upvotes.Name():  h.upvotes.RealtimeState(),
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

// RefreshRealtime restarts a failed or degraded retry cycle.
func (h *Handler) RefreshRealtime(w http.ResponseWriter, r *http.Request) {
	h.realtime.Refresh()
	writeJSON(w, http.StatusAccepted, h.realtime.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
