package profile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/streetwise/internal/clock"
	"github.com/hyperengineering/streetwise/internal/feed"
	"github.com/hyperengineering/streetwise/internal/feed/feedtest"
	"github.com/hyperengineering/streetwise/internal/types"
)

var now = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type memWatermarks struct {
	mu     sync.Mutex
	levels map[string]int
	saves  int
}

func newMemWatermarks() *memWatermarks {
	return &memWatermarks{levels: make(map[string]int)}
}

func (m *memWatermarks) LevelWatermark(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[userID], nil
}

func (m *memWatermarks) SaveLevelWatermark(_ context.Context, userID string, level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[userID] = level
	m.saves++
	return nil
}

type levelUps struct {
	mu     sync.Mutex
	levels []int
	titles []string
}

func (l *levelUps) record(level int, cfg *types.LevelConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levels = append(l.levels, level)
	title := ""
	if cfg != nil {
		title = cfg.Title
	}
	l.titles = append(l.titles, title)
}

func (l *levelUps) gotTitles() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.titles...)
}

func (l *levelUps) got() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.levels...)
}

func profileRow(id string, level, xp, shown int) types.ProfileRow {
	return types.ProfileRow{ID: id, Username: id, Level: level, XP: xp, LastLevelShown: shown}
}

func seedLevels(c *feedtest.Client) {
	c.Seed(types.TableLevels,
		types.LevelConfig{Level: 1, XPRequired: 0, Title: "Newcomer"},
		types.LevelConfig{Level: 2, XPRequired: 100, Title: "Neighbor"},
		types.LevelConfig{Level: 3, XPRequired: 200, Title: "Watcher"},
		types.LevelConfig{Level: 4, XPRequired: 400, Title: "Guardian"},
	)
}

type fixture struct {
	client *feedtest.Client
	marks  *memWatermarks
	ups    *levelUps
	clock  *clock.Fake
	agg    *Aggregate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		client: feedtest.New(),
		marks:  newMemWatermarks(),
		ups:    &levelUps{},
		clock:  clock.NewFake(now),
	}
	seedLevels(f.client)
	f.agg = New(f.client, Options{
		Clock:      f.clock,
		Watermarks: f.marks,
		OnLevelUp:  f.ups.record,
	})
	t.Cleanup(f.agg.StopRealtime)
	return f
}

func (f *fixture) load(t *testing.T, uid string) {
	t.Helper()
	if err := f.agg.Load(context.Background(), uid); err != nil {
		t.Fatalf("Load(%s) error = %v", uid, err)
	}
}

func (f *fixture) startRealtime(t *testing.T) {
	t.Helper()
	if err := f.agg.StartRealtime(context.Background()); err != nil {
		t.Fatalf("StartRealtime() error = %v", err)
	}
}

func TestLoad_ComputesLevelProgress(t *testing.T) {
	f := newFixture(t)
	f.client.Seed(types.TableProfiles, profileRow("u1", 2, 150, 2))
	f.load(t, "u1")

	p := f.agg.Progress()
	if p.Percent != 50 || p.XPToNext != 50 || p.MaxLevel {
		t.Errorf("Progress() = %+v, want 50%% with 50 XP to go", p)
	}
	s := f.agg.Snapshot()
	if s.CurrentLevel == nil || s.CurrentLevel.Title != "Neighbor" {
		t.Errorf("CurrentLevel = %+v", s.CurrentLevel)
	}
	if s.NextLevel == nil || s.NextLevel.Level != 3 {
		t.Errorf("NextLevel = %+v", s.NextLevel)
	}
}

func TestLoad_TopLevelIsComplete(t *testing.T) {
	f := newFixture(t)
	f.client.Seed(types.TableProfiles, profileRow("u1", 4, 900, 4))
	f.load(t, "u1")

	if p := f.agg.Progress(); p.Percent != 100 || !p.MaxLevel {
		t.Errorf("Progress() = %+v, want max level", p)
	}
}

func TestLoad_MissingProfile(t *testing.T) {
	f := newFixture(t)
	err := f.agg.Load(context.Background(), "ghost")
	if !errors.Is(err, feed.ErrNotFound) {
		t.Fatalf("Load() error = %v, want ErrNotFound", err)
	}
	if _, ok := f.agg.Profile(); ok {
		t.Error("Profile() reported a profile after failed load")
	}
	if f.agg.Err() == nil {
		t.Error("Err() = nil after failed load")
	}
}

func TestLoad_LevelAboveWatermarkAnnouncesOnce(t *testing.T) {
	tests := []struct {
		name   string
		remote int
		local  int
		want   []int
	}{
		{name: "unseen level", remote: 2, local: 0, want: []int{3}},
		{name: "shown remotely", remote: 3, local: 0, want: nil},
		{name: "shown locally", remote: 2, local: 3, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.marks.levels["u1"] = tt.local
			f.client.Seed(types.TableProfiles, profileRow("u1", 3, 250, tt.remote))

			f.load(t, "u1")
			f.load(t, "u1")

			got := f.ups.got()
			if len(got) != len(tt.want) {
				t.Fatalf("level-ups = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("level-ups = %v, want %v", got, tt.want)
				}
			}
			if f.agg.Watermark() != 3 {
				t.Errorf("Watermark() = %d, want 3", f.agg.Watermark())
			}
		})
	}
}

func TestRealtime_LevelUpFiresOncePerLevel(t *testing.T) {
	f := newFixture(t)
	f.client.Seed(types.TableProfiles, profileRow("u1", 2, 150, 2))
	f.load(t, "u1")
	f.startRealtime(t)

	f.client.PushUpdate(types.TableProfiles, profileRow("u1", 3, 210, 2))
	f.client.PushUpdate(types.TableProfiles, profileRow("u1", 3, 230, 2))
	if got := f.ups.got(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("level-ups = %v, want [3]", got)
	}

	f.client.PushUpdate(types.TableProfiles, profileRow("u1", 4, 400, 3))
	if got := f.ups.got(); len(got) != 2 || got[1] != 4 {
		t.Fatalf("level-ups = %v, want [3 4]", got)
	}

	if f.client.CallCount(ProcUpdateLastLevelShown) != 2 {
		t.Errorf("update_last_level_shown calls = %d, want 2", f.client.CallCount(ProcUpdateLastLevelShown))
	}
	if f.marks.levels["u1"] != 4 {
		t.Errorf("local watermark = %d, want 4", f.marks.levels["u1"])
	}

	s := f.agg.Snapshot()
	if s.CurrentLevel == nil || s.CurrentLevel.Level != 4 || s.NextLevel != nil {
		t.Errorf("levels after update = %+v / %+v, want 4 / none", s.CurrentLevel, s.NextLevel)
	}
}

func TestRealtime_LevelRefetchFailureLeavesProfileUnchanged(t *testing.T) {
	f := newFixture(t)
	f.client.Seed(types.TableProfiles, profileRow("u1", 2, 150, 2))
	f.load(t, "u1")
	f.startRealtime(t)

	f.client.FailFetch(types.TableLevels, errors.New("timeout"))
	f.client.PushUpdate(types.TableProfiles, profileRow("u1", 3, 250, 2))

	p, _ := f.agg.Profile()
	if p.Level != 2 || p.XP != 150 {
		t.Errorf("profile = level %d xp %d, want the previous level 2 xp 150", p.Level, p.XP)
	}
	if pr := f.agg.Progress(); pr.Percent != 50 || pr.XPToNext != 50 {
		t.Errorf("Progress() = %+v, want the previous 50%% with 50 XP to go", pr)
	}
	if got := f.ups.got(); len(got) != 0 {
		t.Errorf("level-ups = %v, want none while the bracket is unknown", got)
	}
	if f.agg.Err() == nil {
		t.Error("Err() = nil after a dropped profile event")
	}

	// The next event for the same level repairs the bracket.
	f.client.FailFetch(types.TableLevels, nil)
	f.client.PushUpdate(types.TableProfiles, profileRow("u1", 3, 250, 2))

	s := f.agg.Snapshot()
	if s.Profile == nil || s.Profile.Level != 3 {
		t.Fatalf("profile = %+v, want level 3", s.Profile)
	}
	if s.CurrentLevel == nil || s.CurrentLevel.Level != 3 || s.NextLevel == nil || s.NextLevel.Level != 4 {
		t.Errorf("levels = %+v / %+v, want 3 / 4", s.CurrentLevel, s.NextLevel)
	}
	if s.Progress.Percent != 25 || s.Progress.XPToNext != 150 {
		t.Errorf("Progress = %+v, want 25%% with 150 XP to go", s.Progress)
	}
	if got := f.ups.gotTitles(); len(got) != 1 || got[0] != "Watcher" {
		t.Errorf("level-up configs = %v, want [Watcher]", got)
	}
}

func TestRealtime_RemoteWatermarkFailureStillAnnounces(t *testing.T) {
	f := newFixture(t)
	f.client.Handle(ProcUpdateLastLevelShown, func(json.RawMessage) (any, error) {
		return nil, errors.New("offline")
	})
	f.client.Seed(types.TableProfiles, profileRow("u1", 1, 50, 1))
	f.load(t, "u1")
	f.startRealtime(t)

	f.client.PushUpdate(types.TableProfiles, profileRow("u1", 2, 120, 1))

	if got := f.ups.got(); len(got) != 1 {
		t.Fatalf("level-ups = %v, want one", got)
	}
	if f.marks.levels["u1"] != 2 {
		t.Errorf("local watermark = %d, want 2", f.marks.levels["u1"])
	}
}

func TestRealtime_IgnoresOtherUsers(t *testing.T) {
	f := newFixture(t)
	f.client.Seed(types.TableProfiles, profileRow("u1", 2, 150, 2))
	f.load(t, "u1")
	f.startRealtime(t)

	f.client.PushUpdate(types.TableProfiles, profileRow("u2", 4, 999, 0))

	p, _ := f.agg.Profile()
	if p.XP != 150 {
		t.Errorf("XP = %d, want 150", p.XP)
	}
	if len(f.ups.got()) != 0 {
		t.Error("level-up fired for another user")
	}
}

func TestRealtime_AchievementProgressEvents(t *testing.T) {
	f := newFixture(t)
	f.client.Seed(types.TableProfiles, profileRow("u1", 1, 0, 1))
	f.client.Seed(types.TableAchievements,
		types.Achievement{ID: "a1", Title: "First report", Requirement: 1, XPReward: 10},
		types.Achievement{ID: "a2", Title: "Ten reports", Requirement: 10, XPReward: 50},
	)
	f.load(t, "u1")
	f.startRealtime(t)

	f.client.PushInsert(types.TableUserAchievements, types.UserAchievementRow{
		ID: "ua2", UserID: "u1", AchievementID: "a2", CurrentProgress: 4,
	})
	done := now.Add(-time.Hour)
	f.client.PushInsert(types.TableUserAchievements, types.UserAchievementRow{
		ID: "ua1", UserID: "u1", AchievementID: "a1", CurrentProgress: 1, CompletedAt: &done,
	})

	got := f.agg.Achievements()
	if len(got) != 2 || got[0].ID != "a1" || !got[0].Completed() {
		t.Fatalf("Achievements() = %+v, want a1 completed first", got)
	}
	if got[1].ProgressPercent != 40 {
		t.Errorf("a2 ProgressPercent = %v, want 40", got[1].ProgressPercent)
	}
	if s := f.agg.Summary(); s.Completed != 1 || s.Total != 2 || s.EarnedXP != 10 {
		t.Errorf("Summary() = %+v", s)
	}

	f.client.PushDelete(types.TableUserAchievements, "ua2")
	if got := f.agg.Achievements(); got[1].CurrentProgress != 0 {
		t.Errorf("a2 progress after delete = %d, want 0", got[1].CurrentProgress)
	}
}

func TestStartRealtime_RequiresLoad(t *testing.T) {
	f := newFixture(t)
	if err := f.agg.StartRealtime(context.Background()); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("StartRealtime() error = %v, want ErrNotLoaded", err)
	}
	if f.client.OpenChannels() != 0 {
		t.Error("channel opened without a profile")
	}
}

func TestStartRealtime_FilterAndStop(t *testing.T) {
	f := newFixture(t)
	f.client.Seed(types.TableProfiles, profileRow("u1", 1, 0, 1))
	f.load(t, "u1")
	f.startRealtime(t)

	chans := f.client.Channels(types.TableProfiles)
	if len(chans) != 1 || chans[0].Filter.Filter != "id=eq.u1" {
		t.Fatalf("profile channels = %+v", chans)
	}
	progress := f.client.Channels(types.TableUserAchievements)
	if len(progress) != 1 || progress[0].Filter.Filter != "user_id=eq.u1" {
		t.Fatalf("achievement channels = %+v", progress)
	}
	if !f.agg.RealtimeActive() {
		t.Error("RealtimeActive() = false")
	}

	f.agg.StopRealtime()
	if f.client.OpenChannels() != 0 {
		t.Errorf("OpenChannels() = %d after stop", f.client.OpenChannels())
	}
}

func TestStartRealtime_SecondChannelFailureReleasesFirst(t *testing.T) {
	f := newFixture(t)
	f.client.OpenWith(types.TableUserAchievements, feed.StatusError, errors.New("denied"))
	f.client.Seed(types.TableProfiles, profileRow("u1", 1, 0, 1))
	f.load(t, "u1")

	if err := f.agg.StartRealtime(context.Background()); err == nil {
		t.Fatal("StartRealtime() succeeded with a failing channel")
	}
	if f.client.OpenChannels() != 0 {
		t.Errorf("OpenChannels() = %d, want 0", f.client.OpenChannels())
	}
}

func TestChannelFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.client.Seed(types.TableProfiles, profileRow("u1", 1, 0, 1))
	f.load(t, "u1")

	var reported error
	f.agg.OnChannelFailure(func(err error) { reported = err })
	f.startRealtime(t)

	f.client.Channels(types.TableProfiles)[0].Report(feed.StatusClosed, nil)
	if reported == nil {
		t.Fatal("channel failure not reported")
	}
}

func TestCheckIn(t *testing.T) {
	tests := []struct {
		name    string
		last    *time.Time
		wantErr error
	}{
		{name: "never checked in", last: nil},
		{name: "25 hours ago", last: ptr(now.Add(-25 * time.Hour))},
		{name: "23 hours ago", last: ptr(now.Add(-23 * time.Hour)), wantErr: ErrCheckInTooSoon},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			row := profileRow("u1", 1, 10, 1)
			row.LastCheckIn = tt.last
			row.CurrentStreak = 1
			f.client.Seed(types.TableProfiles, row)
			f.client.Handle(ProcDailyCheckIn, func(json.RawMessage) (any, error) {
				next := row
				next.XP += 5
				next.CurrentStreak++
				next.LastCheckIn = ptr(now)
				f.client.Reset(types.TableProfiles, next)
				return map[string]int{"xp_gained": 5}, nil
			})
			f.load(t, "u1")

			if got := f.agg.CanCheckIn(); got != (tt.wantErr == nil) {
				t.Errorf("CanCheckIn() = %v", got)
			}

			p, err := f.agg.CheckIn(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CheckIn() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				if f.client.CallCount(ProcDailyCheckIn) != 0 {
					t.Error("daily_check_in called while too soon")
				}
				return
			}
			if p.XP != 15 || p.CurrentStreak != 2 {
				t.Errorf("profile after check-in = %+v", p)
			}
			if f.agg.CanCheckIn() {
				t.Error("CanCheckIn() = true right after checking in")
			}
		})
	}
}

func TestCheckIn_RemoteFailure(t *testing.T) {
	f := newFixture(t)
	f.client.Seed(types.TableProfiles, profileRow("u1", 1, 10, 1))
	f.client.Handle(ProcDailyCheckIn, func(json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})
	f.load(t, "u1")

	if _, err := f.agg.CheckIn(context.Background()); !errors.Is(err, feed.ErrRemote) {
		t.Fatalf("CheckIn() error = %v, want ErrRemote", err)
	}
	if p, _ := f.agg.Profile(); p.XP != 10 {
		t.Errorf("XP = %d, want unchanged", p.XP)
	}
}

func TestCheckIn_NotLoaded(t *testing.T) {
	f := newFixture(t)
	if _, err := f.agg.CheckIn(context.Background()); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("CheckIn() error = %v, want ErrNotLoaded", err)
	}
}

func TestUpdateAchievements(t *testing.T) {
	f := newFixture(t)
	f.client.Seed(types.TableProfiles, profileRow("u1", 1, 0, 1))
	f.client.Seed(types.TableAchievements, types.Achievement{ID: "a1", Requirement: 5})
	f.client.Handle(ProcCheckAchievements, func(json.RawMessage) (any, error) {
		f.client.Reset(types.TableUserAchievements,
			types.UserAchievementRow{ID: "ua1", UserID: "u1", AchievementID: "a1", CurrentProgress: 5, CompletedAt: ptr(now)},
			types.UserAchievementRow{ID: "ux", UserID: "u2", AchievementID: "a1", CurrentProgress: 1},
		)
		return nil, nil
	})
	f.load(t, "u1")

	if err := f.agg.UpdateAchievements(context.Background()); err != nil {
		t.Fatalf("UpdateAchievements() error = %v", err)
	}
	got := f.agg.Achievements()
	if len(got) != 1 || !got[0].Completed() || got[0].ProgressPercent != 100 {
		t.Errorf("Achievements() = %+v", got)
	}
}

func TestLoad_SwitchingUsersResetsState(t *testing.T) {
	f := newFixture(t)
	f.client.Seed(types.TableProfiles, profileRow("u1", 3, 250, 3), profileRow("u2", 1, 0, 1))
	f.load(t, "u1")
	f.load(t, "u2")

	p, _ := f.agg.Profile()
	if p.ID != "u2" {
		t.Errorf("Profile().ID = %q, want u2", p.ID)
	}
	if f.agg.Watermark() != 1 {
		t.Errorf("Watermark() = %d, want 1", f.agg.Watermark())
	}
	if len(f.ups.got()) != 0 {
		t.Errorf("level-ups = %v, want none", f.ups.got())
	}
}

func TestSnapshot_StreakAndLoading(t *testing.T) {
	f := newFixture(t)
	row := profileRow("u1", 1, 0, 1)
	row.CurrentStreak = 3
	row.LastCheckIn = ptr(now.Add(-30 * time.Hour))
	f.client.Seed(types.TableProfiles, row)
	f.load(t, "u1")

	s := f.agg.Snapshot()
	if !s.StreakAlive || !s.CanCheckIn || s.Loading {
		t.Errorf("Snapshot() = %+v", s)
	}

	f.clock.Advance(20 * time.Hour)
	if f.agg.Snapshot().StreakAlive {
		t.Error("streak alive 50 hours after last check-in")
	}
}

func ptr[T any](v T) *T { return &v }
