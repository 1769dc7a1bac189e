package gamification

import (
	"testing"
	"time"

	"github.com/hyperengineering/streetwise/internal/types"
)

func level(n, xp int) *types.LevelConfig {
	return &types.LevelConfig{Level: n, XPRequired: xp}
}

func TestLevelProgress(t *testing.T) {
	tests := []struct {
		name        string
		xp          int
		current     *types.LevelConfig
		next        *types.LevelConfig
		wantPercent float64
		wantToNext  int
		wantMax     bool
	}{
		{"halfway", 150, level(2, 100), level(3, 200), 50, 50, false},
		{"at threshold", 100, level(2, 100), level(3, 200), 0, 100, false},
		{"below current clamps to zero", 50, level(2, 100), level(3, 200), 0, 150, false},
		{"past next clamps to hundred", 260, level(2, 100), level(3, 200), 100, 0, false},
		{"max level", 5000, level(10, 4000), nil, 100, 0, true},
		{"missing current counts from zero", 25, nil, level(2, 100), 25, 75, false},
		{"degenerate span", 100, level(2, 100), level(3, 100), 100, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LevelProgress(tt.xp, tt.current, tt.next)
			if got.Percent != tt.wantPercent {
				t.Errorf("Percent = %v, want %v", got.Percent, tt.wantPercent)
			}
			if got.XPToNext != tt.wantToNext {
				t.Errorf("XPToNext = %d, want %d", got.XPToNext, tt.wantToNext)
			}
			if got.MaxLevel != tt.wantMax {
				t.Errorf("MaxLevel = %v, want %v", got.MaxLevel, tt.wantMax)
			}
		})
	}
}

func TestCanCheckIn(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name string
		last *time.Time
		want bool
	}{
		{"never checked in", nil, true},
		{"23 hours ago", at(23 * time.Hour), false},
		{"exactly 24 hours ago", at(24 * time.Hour), true},
		{"25 hours ago", at(25 * time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanCheckIn(tt.last, now, CheckInThreshold); got != tt.want {
				t.Errorf("CanCheckIn() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStreakStatus(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-30 * time.Hour)
	stale := now.Add(-49 * time.Hour)

	if !StreakStatus(types.UserProfile{CurrentStreak: 3, LastCheckIn: &recent}, now) {
		t.Error("streak within window reported as lost")
	}
	if StreakStatus(types.UserProfile{CurrentStreak: 3, LastCheckIn: &stale}, now) {
		t.Error("streak past window reported as alive")
	}
	if StreakStatus(types.UserProfile{CurrentStreak: 0, LastCheckIn: &recent}, now) {
		t.Error("zero streak reported as alive")
	}
	if StreakStatus(types.UserProfile{CurrentStreak: 3}, now) {
		t.Error("streak without check-in reported as alive")
	}
}

func TestMergeAchievements(t *testing.T) {
	done := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	catalog := []types.Achievement{
		{ID: "first_report", Requirement: 1, XPReward: 10},
		{ID: "ten_reports", Requirement: 10, XPReward: 50},
		{ID: "solver", Requirement: 5, XPReward: 30},
	}
	progress := []types.UserAchievement{
		{AchievementID: "first_report", CurrentProgress: 1, CompletedAt: &done},
		{AchievementID: "ten_reports", CurrentProgress: 4},
		{AchievementID: "unknown", CurrentProgress: 99},
	}

	merged := MergeAchievements(catalog, progress)
	if len(merged) != 3 {
		t.Fatalf("len(merged) = %d, want 3", len(merged))
	}

	if !merged[0].Completed() || merged[0].ProgressPercent != 100 {
		t.Errorf("first_report = %+v, want completed at 100%%", merged[0])
	}
	if merged[1].ProgressPercent != 40 {
		t.Errorf("ten_reports percent = %v, want 40", merged[1].ProgressPercent)
	}

	solver := merged[2]
	if solver.CurrentProgress != 0 || solver.CompletedAt != nil || solver.ProgressPercent != 0 {
		t.Errorf("entry without progress = %+v, want zero progress", solver)
	}
}

func TestMergeAchievements_CapsPercent(t *testing.T) {
	merged := MergeAchievements(
		[]types.Achievement{{ID: "a", Requirement: 3}},
		[]types.UserAchievement{{AchievementID: "a", CurrentProgress: 7}},
	)
	if merged[0].ProgressPercent != 100 {
		t.Errorf("ProgressPercent = %v, want 100", merged[0].ProgressPercent)
	}
}

func TestSortAchievements(t *testing.T) {
	done := time.Now()
	merged := []types.MergedAchievement{
		{Achievement: types.Achievement{ID: "low"}, ProgressPercent: 10},
		{Achievement: types.Achievement{ID: "done-a"}, ProgressPercent: 100, CompletedAt: &done},
		{Achievement: types.Achievement{ID: "high"}, ProgressPercent: 80},
		{Achievement: types.Achievement{ID: "tie"}, ProgressPercent: 10},
		{Achievement: types.Achievement{ID: "done-b"}, ProgressPercent: 100, CompletedAt: &done},
	}

	SortAchievements(merged)

	want := []string{"done-a", "done-b", "high", "low", "tie"}
	for i, id := range want {
		if merged[i].ID != id {
			t.Errorf("position %d = %q, want %q", i, merged[i].ID, id)
		}
	}
}

func TestSummarize(t *testing.T) {
	done := time.Now()
	s := Summarize([]types.MergedAchievement{
		{Achievement: types.Achievement{XPReward: 10}, CompletedAt: &done},
		{Achievement: types.Achievement{XPReward: 25}, CompletedAt: &done},
		{Achievement: types.Achievement{XPReward: 100}},
	})
	if s.Completed != 2 || s.Total != 3 || s.EarnedXP != 35 {
		t.Errorf("Summarize() = %+v, want {2 3 35}", s)
	}
}

func TestLevelUpDetector(t *testing.T) {
	d := NewLevelUpDetector(1)

	// Level 1 -> 2 spread across two updates, then a repeat at 2.
	observed := []int{1, 2, 2}
	fired := 0
	for _, lvl := range observed {
		if d.Observe(lvl) {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("fired %d times, want 1", fired)
	}
	if d.Watermark() != 2 {
		t.Errorf("Watermark() = %d, want 2", d.Watermark())
	}

	if !d.Observe(3) {
		t.Error("next level increase did not fire")
	}
	if d.Observe(2) {
		t.Error("level decrease fired")
	}
}

func TestLevelUpDetector_Raise(t *testing.T) {
	d := NewLevelUpDetector(2)
	d.Raise(4)
	d.Raise(3)
	if d.Watermark() != 4 {
		t.Errorf("Watermark() = %d, want 4", d.Watermark())
	}
	if d.Observe(4) {
		t.Error("raised level fired")
	}
}
