package types

import "time"

// ProblemCategory represents the classification of a reported problem
type ProblemCategory string

const (
	CategoryInfrastructure ProblemCategory = "infrastructure"
	CategoryEnvironment    ProblemCategory = "environment"
	CategorySafety         ProblemCategory = "safety"
	CategoryPublicServices ProblemCategory = "public_services"
	CategoryOther          ProblemCategory = "other"
)

// Categories lists every known problem category in display order.
var Categories = []ProblemCategory{
	CategoryInfrastructure,
	CategoryEnvironment,
	CategorySafety,
	CategoryPublicServices,
	CategoryOther,
}

// ProblemStatus represents where a problem is in its lifecycle
type ProblemStatus string

const (
	StatusActive  ProblemStatus = "active"
	StatusSolved  ProblemStatus = "solved"
	StatusInvalid ProblemStatus = "invalid"
	StatusDeleted ProblemStatus = "deleted"
)

// Terminal reports whether the status only leaves via an explicit reopen.
func (s ProblemStatus) Terminal() bool {
	return s == StatusSolved || s == StatusInvalid || s == StatusDeleted
}

// CanTransition reports whether a problem may move from one status to another.
// Active problems may be solved, invalidated or deleted; terminal problems
// only move back to active.
func CanTransition(from, to ProblemStatus) bool {
	switch from {
	case StatusActive:
		return to.Terminal()
	case StatusSolved, StatusInvalid, StatusDeleted:
		return to == StatusActive
	}
	return false
}

// Point is a WGS84 coordinate.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Problem is a civic issue reported on the map
type Problem struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    ProblemCategory `json:"category"`
	Location    Point           `json:"location"`
	ImageURL    string          `json:"image_url,omitempty"`
	Status      ProblemStatus   `json:"status"`
	ReportedBy  string          `json:"reported_by"`
	SolvedBy    *string         `json:"solved_by"`
	ReportedAt  time.Time       `json:"reported_at"`
	SolvedAt    *time.Time      `json:"solved_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewProblem is the input for reporting a problem (without generated fields).
type NewProblem struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    ProblemCategory `json:"category"`
	Location    Point           `json:"location"`
	ImageURL    string          `json:"image_url,omitempty"`
}

// ProblemStats aggregates problem counts for dashboards.
type ProblemStats struct {
	Total     int     `json:"total"`
	Active    int     `json:"active"`
	Solved    int     `json:"solved"`
	Invalid   int     `json:"invalid"`
	SolveRate float64 `json:"solve_rate"`
}

// Comment is a remark left on a problem. Username and AvatarURL are
// denormalized from the author's profile by the read model.
type Comment struct {
	ID        string    `json:"id"`
	ProblemID string    `json:"problem_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar_url,omitempty"`
}

// Upvote records that a user endorsed a problem.
type Upvote struct {
	ID        string    `json:"id"`
	ProblemID string    `json:"problem_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// UserProfile is the gamified view of the signed-in user
type UserProfile struct {
	ID               string     `json:"id"`
	Username         string     `json:"username"`
	AvatarURL        string     `json:"avatar_url,omitempty"`
	XP               int        `json:"xp"`
	Level            int        `json:"level"`
	CurrentStreak    int        `json:"current_streak"`
	MaxStreak        int        `json:"max_streak"`
	LastCheckIn      *time.Time `json:"last_check_in,omitempty"`
	ProblemsReported int        `json:"problems_reported"`
	ProblemsSolved   int        `json:"problems_solved"`
	LastLevelShown   int        `json:"last_level_shown"`
}

// LevelConfig is immutable reference data describing one level threshold.
type LevelConfig struct {
	Level       int    `json:"level"`
	XPRequired  int    `json:"xp_required"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Achievement is a catalog entry.
type Achievement struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
	XPReward    int    `json:"xp_reward"`
	Category    string `json:"category"`
	Requirement int    `json:"requirement"`
}

// UserAchievement tracks one user's progress towards a catalog entry.
type UserAchievement struct {
	AchievementID   string     `json:"achievement_id"`
	CurrentProgress int        `json:"current_progress"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// MergedAchievement combines a catalog entry with the user's progress.
type MergedAchievement struct {
	Achievement
	CurrentProgress int        `json:"current_progress"`
	CompletedAt     *time.Time `json:"completed_at"`
	ProgressPercent float64    `json:"progress_percent"`
}

// Completed reports whether the achievement has been earned.
func (m MergedAchievement) Completed() bool {
	return m.CompletedAt != nil
}

// AchievementSummary aggregates merged achievements for display.
type AchievementSummary struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	EarnedXP  int `json:"earned_xp"`
}
