// Package gamification derives leveling, check-in and achievement values from
// mirrored profile state. Everything here is pure except LevelUpDetector,
// which carries a watermark.
package gamification

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/streetwise/internal/types"
)

// CheckInThreshold is the minimum gap between two daily check-ins.
const CheckInThreshold = 24 * time.Hour

// StreakWindow is how long after the last check-in a streak is still alive.
const StreakWindow = 2 * CheckInThreshold

// Progress describes how far a user is through the current level.
type Progress struct {
	Percent  float64 `json:"percent"`
	XPToNext int     `json:"xp_to_next"`
	MaxLevel bool    `json:"max_level"`
}

// LevelProgress computes progress between the current and next level
// thresholds. A nil next means the user is at the top of the curve.
func LevelProgress(xp int, current, next *types.LevelConfig) Progress {
	if next == nil {
		return Progress{Percent: 100, MaxLevel: true}
	}

	base := 0
	if current != nil {
		base = current.XPRequired
	}

	p := Progress{XPToNext: max(next.XPRequired-xp, 0)}
	span := next.XPRequired - base
	if span <= 0 {
		p.Percent = 100
		return p
	}
	p.Percent = clamp(float64(xp-base)/float64(span)*100, 0, 100)
	return p
}

// CanCheckIn reports whether a check-in is allowed at now. A user who never
// checked in is always eligible.
func CanCheckIn(last *time.Time, now time.Time, threshold time.Duration) bool {
	if last == nil {
		return true
	}
	return now.Sub(*last) >= threshold
}

// StreakStatus reports whether the current streak survives at now. The
// backend decides the actual streak value; this is a display hint.
func StreakStatus(profile types.UserProfile, now time.Time) bool {
	if profile.LastCheckIn == nil || profile.CurrentStreak == 0 {
		return false
	}
	return now.Sub(*profile.LastCheckIn) < StreakWindow
}

// MergeAchievements joins the catalog with the user's progress rows by
// achievement id. Catalog order is preserved.
func MergeAchievements(catalog []types.Achievement, progress []types.UserAchievement) []types.MergedAchievement {
	byID := make(map[string]types.UserAchievement, len(progress))
	for _, p := range progress {
		byID[p.AchievementID] = p
	}

	merged := make([]types.MergedAchievement, 0, len(catalog))
	for _, a := range catalog {
		m := types.MergedAchievement{Achievement: a}
		if p, ok := byID[a.ID]; ok {
			m.CurrentProgress = p.CurrentProgress
			m.CompletedAt = p.CompletedAt
			m.ProgressPercent = achievementPercent(p.CurrentProgress, a.Requirement)
		}
		merged = append(merged, m)
	}
	return merged
}

func achievementPercent(progress, requirement int) float64 {
	if requirement <= 0 {
		if progress > 0 {
			return 100
		}
		return 0
	}
	return math.Min(float64(progress)/float64(requirement)*100, 100)
}

// SortAchievements orders completed entries first, then by descending
// progress. Ties keep their input order. The slice is sorted in place.
func SortAchievements(merged []types.MergedAchievement) {
	sort.SliceStable(merged, func(i, j int) bool {
		ci, cj := merged[i].Completed(), merged[j].Completed()
		if ci != cj {
			return ci
		}
		return merged[i].ProgressPercent > merged[j].ProgressPercent
	})
}

// Summarize counts completed achievements and the XP they granted.
func Summarize(merged []types.MergedAchievement) types.AchievementSummary {
	s := types.AchievementSummary{Total: len(merged)}
	for _, m := range merged {
		if m.Completed() {
			s.Completed++
			s.EarnedXP += m.XPReward
		}
	}
	return s
}

// LevelUpDetector fires once for every level above its watermark.
type LevelUpDetector struct {
	mu        sync.Mutex
	watermark int
}

// NewLevelUpDetector starts the detector at watermark.
func NewLevelUpDetector(watermark int) *LevelUpDetector {
	return &LevelUpDetector{watermark: watermark}
}

// Observe reports whether level is new. When it is, the watermark moves to
// level so repeated observations of the same level stay silent.
func (d *LevelUpDetector) Observe(level int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if level <= d.watermark {
		return false
	}
	d.watermark = level
	return true
}

// Raise moves the watermark up to level without firing. Lower values are
// ignored.
func (d *LevelUpDetector) Raise(level int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if level > d.watermark {
		d.watermark = level
	}
}

// Watermark returns the highest level already signalled.
func (d *LevelUpDetector) Watermark() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.watermark
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
