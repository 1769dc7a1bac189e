package types

import "time"

// Table names in the backend schema.
const (
	TableProblems           = "problems"
	TableComments           = "comments"
	TableCommentsWithAuthor = "comments_with_author"
	TableUpvotes            = "upvotes"
	TableProfiles           = "profiles"
	TableLevels             = "level_config"
	TableAchievements       = "achievements"
	TableUserAchievements   = "user_achievements"
)

// ProblemRow is the problems table row as delivered by fetches and change events.
type ProblemRow struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	Latitude    float64    `json:"latitude"`
	Longitude   float64    `json:"longitude"`
	ImageURL    *string    `json:"image_url"`
	Status      string     `json:"status"`
	ReportedBy  string     `json:"reported_by"`
	SolvedBy    *string    `json:"solved_by"`
	ReportedAt  time.Time  `json:"reported_at"`
	SolvedAt    *time.Time `json:"solved_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ToProblem maps the flat row into the domain entity.
func (r ProblemRow) ToProblem() Problem {
	p := Problem{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Category:    ProblemCategory(r.Category),
		Location:    Point{Latitude: r.Latitude, Longitude: r.Longitude},
		Status:      ProblemStatus(r.Status),
		ReportedBy:  r.ReportedBy,
		SolvedBy:    r.SolvedBy,
		ReportedAt:  r.ReportedAt,
		SolvedAt:    r.SolvedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.ImageURL != nil {
		p.ImageURL = *r.ImageURL
	}
	if p.Status == "" {
		p.Status = StatusActive
	}
	return p
}

// CommentRow is the normalized comments table row carried by change events.
type CommentRow struct {
	ID        string    `json:"id"`
	ProblemID string    `json:"problem_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CommentAuthorRow is a comments_with_author read-model row.
type CommentAuthorRow struct {
	CommentRow
	Username  string  `json:"username"`
	AvatarURL *string `json:"avatar_url"`
}

// ToComment maps the joined row into the domain entity.
func (r CommentAuthorRow) ToComment() Comment {
	c := Comment{
		ID:        r.ID,
		ProblemID: r.ProblemID,
		UserID:    r.UserID,
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Username:  r.Username,
	}
	if r.AvatarURL != nil {
		c.AvatarURL = *r.AvatarURL
	}
	return c
}

// UpvoteRow is the upvotes table row.
type UpvoteRow struct {
	ID        string    `json:"id"`
	ProblemID string    `json:"problem_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ToUpvote maps the row into the domain entity.
func (r UpvoteRow) ToUpvote() Upvote {
	return Upvote(r)
}

// ProfileRow is the profiles table row.
type ProfileRow struct {
	ID               string     `json:"id"`
	Username         string     `json:"username"`
	AvatarURL        *string    `json:"avatar_url"`
	XP               int        `json:"xp"`
	Level            int        `json:"level"`
	CurrentStreak    int        `json:"current_streak"`
	MaxStreak        int        `json:"max_streak"`
	LastCheckIn      *time.Time `json:"last_check_in"`
	ProblemsReported int        `json:"problems_reported"`
	ProblemsSolved   int        `json:"problems_solved"`
	LastLevelShown   int        `json:"last_level_shown"`
}

// ToProfile maps the row into the domain entity.
func (r ProfileRow) ToProfile() UserProfile {
	p := UserProfile{
		ID:               r.ID,
		Username:         r.Username,
		XP:               r.XP,
		Level:            r.Level,
		CurrentStreak:    r.CurrentStreak,
		MaxStreak:        r.MaxStreak,
		LastCheckIn:      r.LastCheckIn,
		ProblemsReported: r.ProblemsReported,
		ProblemsSolved:   r.ProblemsSolved,
		LastLevelShown:   r.LastLevelShown,
	}
	if r.AvatarURL != nil {
		p.AvatarURL = *r.AvatarURL
	}
	if p.Level < 1 {
		p.Level = 1
	}
	return p
}

// UserAchievementRow is the user_achievements table row.
type UserAchievementRow struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	AchievementID   string     `json:"achievement_id"`
	CurrentProgress int        `json:"current_progress"`
	CompletedAt     *time.Time `json:"completed_at"`
}

// ToUserAchievement maps the row into the domain entity.
func (r UserAchievementRow) ToUserAchievement() UserAchievement {
	return UserAchievement{
		AchievementID:   r.AchievementID,
		CurrentProgress: r.CurrentProgress,
		CompletedAt:     r.CompletedAt,
	}
}
