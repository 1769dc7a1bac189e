package api

import (
	"net/http"

	"github.com/hyperengineering/streetwise/internal/types"
)

// Profile handles GET /api/v1/profile
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.profile.Snapshot())
}

// AchievementsResponse is the body of GET /profile/achievements.
type AchievementsResponse struct {
	Achievements []types.MergedAchievement `json:"achievements"`
	Summary      types.AchievementSummary  `json:"summary"`
}

// Achievements handles GET /api/v1/profile/achievements
func (h *Handler) Achievements(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.achievements())
}

func (h *Handler) achievements() AchievementsResponse {
	list := h.profile.Achievements()
	if list == nil {
		list = []types.MergedAchievement{}
	}
	return AchievementsResponse{Achievements: list, Summary: h.profile.Summary()}
}

// CheckIn handles POST /api/v1/profile/checkin
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	if _, err := h.profile.CheckIn(r.Context()); err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.profile.Snapshot())
}

// CheckAchievements handles POST /api/v1/profile/achievements/check
func (h *Handler) CheckAchievements(w http.ResponseWriter, r *http.Request) {
	if err := h.profile.UpdateAchievements(r.Context()); err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.achievements())
}
