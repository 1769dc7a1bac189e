// Package profile holds the signed-in user's gamified profile, the level
// definitions around it and the merged achievement list.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hyperengineering/streetwise/internal/clock"
	"github.com/hyperengineering/streetwise/internal/feed"
	"github.com/hyperengineering/streetwise/internal/gamification"
	"github.com/hyperengineering/streetwise/internal/subscription"
	"github.com/hyperengineering/streetwise/internal/types"
)

// Procedures owned by the backend.
const (
	ProcDailyCheckIn         = "daily_check_in"
	ProcCheckAchievements    = "check_achievements"
	ProcUpdateLastLevelShown = "update_last_level_shown"
)

const eventTimeout = 10 * time.Second

var (
	ErrNotLoaded      = errors.New("profile not loaded")
	ErrCheckInTooSoon = errors.New("already checked in within the threshold")
)

// Watermarks persists the level-up watermark on the device.
type Watermarks interface {
	LevelWatermark(ctx context.Context, userID string) (int, error)
	SaveLevelWatermark(ctx context.Context, userID string, level int) error
}

// Options configures an Aggregate. Zero values pick defaults.
type Options struct {
	Clock            clock.Clock
	Watermarks       Watermarks
	CheckInThreshold time.Duration
	// OnLevelUp runs once per level above the watermark, outside any lock.
	OnLevelUp func(level int, cfg *types.LevelConfig)
}

// Snapshot is a copy of the aggregate's observable state.
type Snapshot struct {
	Profile      *types.UserProfile        `json:"profile"`
	CurrentLevel *types.LevelConfig        `json:"current_level,omitempty"`
	NextLevel    *types.LevelConfig        `json:"next_level,omitempty"`
	Progress     gamification.Progress     `json:"progress"`
	CanCheckIn   bool                      `json:"can_check_in"`
	StreakAlive  bool                      `json:"streak_alive"`
	Achievements []types.MergedAchievement `json:"achievements"`
	Summary      types.AchievementSummary  `json:"summary"`
	Loading      bool                      `json:"loading"`
	Error        string                    `json:"error,omitempty"`
}

// Aggregate is the profile state of one user.
type Aggregate struct {
	client feed.Client
	opts   Options

	mu       sync.Mutex
	userID   string
	profile  *types.UserProfile
	current  *types.LevelConfig
	next     *types.LevelConfig
	catalog  []types.Achievement
	progress map[string]types.UserAchievementRow // keyed by row id
	merged   []types.MergedAchievement
	detector *gamification.LevelUpDetector
	pending  int
	err      error

	listenerMu sync.Mutex
	listeners  map[int]func()
	nextID     int
	onFailure  func(error)

	// Realtime side table.
	rtMu        sync.Mutex
	profileSub  *subscription.Manager
	progressSub *subscription.Manager
	rtCtx       context.Context
	rtCancel    context.CancelFunc
}

// New creates an empty aggregate.
func New(client feed.Client, opts Options) *Aggregate {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.CheckInThreshold <= 0 {
		opts.CheckInThreshold = gamification.CheckInThreshold
	}
	return &Aggregate{
		client:    client,
		opts:      opts,
		progress:  make(map[string]types.UserAchievementRow),
		listeners: make(map[int]func()),
		rtCtx:     context.Background(),
	}
}

// Name identifies the aggregate in logs.
func (a *Aggregate) Name() string { return "profile" }

// Load fetches the profile of userID, its bracketing levels and the user's
// achievements. Switching users discards the previous user's state.
func (a *Aggregate) Load(ctx context.Context, userID string) error {
	a.mu.Lock()
	if a.userID != userID {
		a.resetLocked(userID)
	}
	a.mu.Unlock()

	a.begin()
	p, err := a.fetchProfile(ctx, userID)
	if err != nil {
		return a.end("load", err)
	}
	current, next, err := a.fetchLevels(ctx, p.Level)
	if err != nil {
		return a.end("load", err)
	}
	catalog, err := a.fetchCatalog(ctx)
	if err != nil {
		return a.end("load", err)
	}
	rows, err := a.fetchProgress(ctx, userID)
	if err != nil {
		return a.end("load", err)
	}
	watermark := p.LastLevelShown
	if local := a.localWatermark(ctx, userID); local > watermark {
		watermark = local
	}

	a.mu.Lock()
	if a.userID != userID {
		// Another Load switched users while this one was in flight.
		a.mu.Unlock()
		return a.end("load", fmt.Errorf("load %s: superseded", userID))
	}
	a.profile = &p
	a.current, a.next = current, next
	a.catalog = catalog
	a.progress = make(map[string]types.UserAchievementRow, len(rows))
	for _, r := range rows {
		a.progress[r.ID] = r
	}
	a.remergeLocked()
	if a.detector == nil {
		a.detector = gamification.NewLevelUpDetector(watermark)
	} else {
		a.detector.Raise(watermark)
	}
	a.mu.Unlock()

	a.end("load", nil)
	a.detectLevelUp(p.Level)
	return nil
}

// StartRealtime subscribes to the user's profile row and achievement
// progress. Load must have succeeded first.
func (a *Aggregate) StartRealtime(ctx context.Context) error {
	a.mu.Lock()
	uid := a.userID
	loaded := a.profile != nil
	a.mu.Unlock()
	if uid == "" || !loaded {
		return ErrNotLoaded
	}

	a.StopRealtime()

	a.rtMu.Lock()
	a.rtCtx, a.rtCancel = context.WithCancel(context.Background())
	a.profileSub = subscription.New(a.client, subscription.Config{
		Name:      "profile",
		Table:     types.TableProfiles,
		Filter:    feed.EventFilter{Event: feed.EventUpdate, Filter: feed.Eq("id", uid).String()},
		Handler:   a.handleProfile,
		OnFailure: a.channelFailed,
	})
	a.progressSub = subscription.New(a.client, subscription.Config{
		Name:      "achievements",
		Table:     types.TableUserAchievements,
		Filter:    feed.EventFilter{Event: feed.EventAll, Filter: feed.Eq("user_id", uid).String()},
		Handler:   a.handleProgress,
		OnFailure: a.channelFailed,
	})
	profileSub, progressSub := a.profileSub, a.progressSub
	a.rtMu.Unlock()

	if err := profileSub.Start(ctx); err != nil {
		a.StopRealtime()
		return fmt.Errorf("profile realtime: %w", err)
	}
	if err := progressSub.Start(ctx); err != nil {
		a.StopRealtime()
		return fmt.Errorf("achievements realtime: %w", err)
	}
	return nil
}

// StopRealtime closes both channels.
func (a *Aggregate) StopRealtime() {
	a.rtMu.Lock()
	subs := []*subscription.Manager{a.profileSub, a.progressSub}
	a.profileSub, a.progressSub = nil, nil
	if a.rtCancel != nil {
		a.rtCancel()
		a.rtCancel = nil
	}
	a.rtCtx = context.Background()
	a.rtMu.Unlock()

	for _, s := range subs {
		if s != nil {
			s.Stop()
		}
	}
}

// RealtimeActive reports whether both channels are subscribed.
func (a *Aggregate) RealtimeActive() bool {
	a.rtMu.Lock()
	defer a.rtMu.Unlock()
	return a.profileSub != nil && a.profileSub.Active() &&
		a.progressSub != nil && a.progressSub.Active()
}

// OnChannelFailure registers fn to run when a live channel fails.
func (a *Aggregate) OnChannelFailure(fn func(error)) {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	a.onFailure = fn
}

// OnChange registers fn to run after every state change. The returned func
// unregisters it.
func (a *Aggregate) OnChange(fn func()) func() {
	a.listenerMu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.listenerMu.Unlock()
	return func() {
		a.listenerMu.Lock()
		delete(a.listeners, id)
		a.listenerMu.Unlock()
	}
}

type userParams struct {
	UserID string `json:"user_id"`
}

// CheckIn performs the daily check-in and reloads the profile.
func (a *Aggregate) CheckIn(ctx context.Context) (types.UserProfile, error) {
	a.mu.Lock()
	if a.profile == nil {
		a.mu.Unlock()
		return types.UserProfile{}, ErrNotLoaded
	}
	uid := a.userID
	last := a.profile.LastCheckIn
	a.mu.Unlock()

	if !gamification.CanCheckIn(last, a.opts.Clock.Now(), a.opts.CheckInThreshold) {
		return types.UserProfile{}, ErrCheckInTooSoon
	}

	a.begin()
	if _, err := a.client.Call(ctx, ProcDailyCheckIn, userParams{UserID: uid}); err != nil {
		return types.UserProfile{}, a.end("check_in", err)
	}
	p, err := a.fetchProfile(ctx, uid)
	if err != nil {
		return types.UserProfile{}, a.end("check_in", err)
	}
	if err := a.applyProfile(ctx, p); err != nil {
		return types.UserProfile{}, a.end("check_in", err)
	}
	a.end("check_in", nil)
	return p, nil
}

// UpdateAchievements asks the backend to re-evaluate achievements and then
// refetches the user's progress.
func (a *Aggregate) UpdateAchievements(ctx context.Context) error {
	a.mu.Lock()
	uid := a.userID
	loaded := a.profile != nil
	a.mu.Unlock()
	if !loaded {
		return ErrNotLoaded
	}

	a.begin()
	if _, err := a.client.Call(ctx, ProcCheckAchievements, userParams{UserID: uid}); err != nil {
		return a.end("update_achievements", err)
	}
	rows, err := a.fetchProgress(ctx, uid)
	if err != nil {
		return a.end("update_achievements", err)
	}

	a.mu.Lock()
	a.progress = make(map[string]types.UserAchievementRow, len(rows))
	for _, r := range rows {
		a.progress[r.ID] = r
	}
	a.remergeLocked()
	a.mu.Unlock()
	return a.end("update_achievements", nil)
}

// Profile returns the loaded profile.
func (a *Aggregate) Profile() (types.UserProfile, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.profile == nil {
		return types.UserProfile{}, false
	}
	return *a.profile, true
}

// Progress returns progress through the current level.
func (a *Aggregate) Progress() gamification.Progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progressLocked()
}

// CanCheckIn reports whether a check-in is allowed now.
func (a *Aggregate) CanCheckIn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.canCheckInLocked()
}

// Achievements returns the merged achievements, completed first.
func (a *Aggregate) Achievements() []types.MergedAchievement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.MergedAchievement(nil), a.merged...)
}

// Summary counts completed achievements.
func (a *Aggregate) Summary() types.AchievementSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return gamification.Summarize(a.merged)
}

// Watermark returns the highest level already announced.
func (a *Aggregate) Watermark() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.detector == nil {
		return 0
	}
	return a.detector.Watermark()
}

// Err returns the error of the most recent failed action.
func (a *Aggregate) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Snapshot copies the observable state.
func (a *Aggregate) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Snapshot{
		Progress:     a.progressLocked(),
		CanCheckIn:   a.canCheckInLocked(),
		Achievements: append([]types.MergedAchievement(nil), a.merged...),
		Summary:      gamification.Summarize(a.merged),
		Loading:      a.pending > 0,
	}
	if a.profile != nil {
		p := *a.profile
		s.Profile = &p
		s.StreakAlive = gamification.StreakStatus(p, a.opts.Clock.Now())
	}
	if a.current != nil {
		c := *a.current
		s.CurrentLevel = &c
	}
	if a.next != nil {
		n := *a.next
		s.NextLevel = &n
	}
	if a.err != nil {
		s.Error = a.err.Error()
	}
	return s
}

func (a *Aggregate) progressLocked() gamification.Progress {
	if a.profile == nil {
		return gamification.Progress{}
	}
	return gamification.LevelProgress(a.profile.XP, a.current, a.next)
}

func (a *Aggregate) canCheckInLocked() bool {
	if a.profile == nil {
		return false
	}
	return gamification.CanCheckIn(a.profile.LastCheckIn, a.opts.Clock.Now(), a.opts.CheckInThreshold)
}

func (a *Aggregate) resetLocked(userID string) {
	a.userID = userID
	a.profile = nil
	a.current, a.next = nil, nil
	a.catalog = nil
	a.progress = make(map[string]types.UserAchievementRow)
	a.merged = nil
	a.detector = nil
	a.err = nil
}

func (a *Aggregate) remergeLocked() {
	progress := make([]types.UserAchievement, 0, len(a.progress))
	for _, r := range a.progress {
		progress = append(progress, r.ToUserAchievement())
	}
	merged := gamification.MergeAchievements(a.catalog, progress)
	gamification.SortAchievements(merged)
	a.merged = merged
}

func (a *Aggregate) handleProfile(ev feed.ChangeEvent) {
	var raw json.RawMessage
	switch e := ev.(type) {
	case feed.Insert:
		raw = e.New
	case feed.Update:
		raw = e.New
	default:
		return
	}

	var row types.ProfileRow
	if err := json.Unmarshal(raw, &row); err != nil {
		slog.Warn("profile event dropped",
			"component", "profile",
			"error", err,
		)
		return
	}

	a.mu.Lock()
	mine := row.ID == a.userID
	a.mu.Unlock()
	if !mine {
		return
	}

	ctx, cancel := a.eventContext()
	defer cancel()
	if err := a.applyProfile(ctx, row.ToProfile()); err != nil {
		slog.Warn("profile event dropped",
			"component", "profile",
			"level", row.Level,
			"error", err,
		)
		if !errors.Is(err, context.Canceled) {
			a.mu.Lock()
			a.err = err
			a.mu.Unlock()
			a.notify()
		}
	}
}

// applyProfile installs p together with the level bracket for p.Level,
// then runs level-up detection. The bracket is fetched first; if that fails
// nothing is installed and the error is returned.
func (a *Aggregate) applyProfile(ctx context.Context, p types.UserProfile) error {
	a.mu.Lock()
	uid := a.userID
	needLevels := a.current == nil || a.current.Level != p.Level
	current, next := a.current, a.next
	a.mu.Unlock()

	if needLevels {
		var err error
		current, next, err = a.fetchLevels(ctx, p.Level)
		if err != nil {
			return fmt.Errorf("refetch levels for %d: %w", p.Level, err)
		}
	}

	a.mu.Lock()
	if a.userID != uid {
		a.mu.Unlock()
		return nil
	}
	a.profile = &p
	a.current, a.next = current, next
	a.mu.Unlock()

	a.notify()
	a.detectLevelUp(p.Level)
	return nil
}

func (a *Aggregate) handleProgress(ev feed.ChangeEvent) {
	a.mu.Lock()
	defer func() {
		a.mu.Unlock()
		a.notify()
	}()

	switch e := ev.(type) {
	case feed.Insert:
		a.upsertProgressLocked(e.New)
	case feed.Update:
		a.upsertProgressLocked(e.New)
	case feed.Delete:
		id, err := feed.RowID(e.Old)
		if err != nil {
			return
		}
		delete(a.progress, id)
	default:
		return
	}
	a.remergeLocked()
}

func (a *Aggregate) upsertProgressLocked(raw json.RawMessage) {
	var row types.UserAchievementRow
	if err := json.Unmarshal(raw, &row); err != nil || row.ID == "" {
		slog.Warn("achievement event dropped",
			"component", "profile",
			"error", err,
		)
		return
	}
	if row.UserID != "" && row.UserID != a.userID {
		return
	}
	a.progress[row.ID] = row
}

// detectLevelUp fires the level-up hook and persists the watermark when
// level is new.
func (a *Aggregate) detectLevelUp(level int) {
	a.mu.Lock()
	d := a.detector
	uid := a.userID
	cfg := a.current
	a.mu.Unlock()
	if d == nil || !d.Observe(level) {
		return
	}

	slog.Info("level up",
		"component", "profile",
		"level", level,
	)
	if a.opts.OnLevelUp != nil {
		a.opts.OnLevelUp(level, cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if a.opts.Watermarks != nil {
		if err := a.opts.Watermarks.SaveLevelWatermark(ctx, uid, level); err != nil {
			slog.Warn("save level watermark failed",
				"component", "profile",
				"error", err,
			)
		}
	}
	params := struct {
		UserID string `json:"user_id"`
		Level  int    `json:"level"`
	}{uid, level}
	if _, err := a.client.Call(ctx, ProcUpdateLastLevelShown, params); err != nil {
		slog.Warn("remote level watermark update failed",
			"component", "profile",
			"error", err,
		)
	}
}

func (a *Aggregate) localWatermark(ctx context.Context, userID string) int {
	if a.opts.Watermarks == nil {
		return 0
	}
	level, err := a.opts.Watermarks.LevelWatermark(ctx, userID)
	if err != nil {
		slog.Warn("read level watermark failed",
			"component", "profile",
			"error", err,
		)
		return 0
	}
	return level
}

func (a *Aggregate) fetchProfile(ctx context.Context, userID string) (types.UserProfile, error) {
	raw, err := a.client.Fetch(ctx, types.TableProfiles, feed.ByID(userID))
	if err != nil {
		return types.UserProfile{}, err
	}
	rows, err := feed.DecodeRows[types.ProfileRow](raw)
	if err != nil {
		return types.UserProfile{}, err
	}
	if len(rows) == 0 {
		return types.UserProfile{}, fmt.Errorf("profile %s: %w", userID, feed.ErrNotFound)
	}
	return rows[0].ToProfile(), nil
}

// fetchLevels returns the configs for level and level+1. A missing next
// level means level is the top of the curve.
func (a *Aggregate) fetchLevels(ctx context.Context, level int) (*types.LevelConfig, *types.LevelConfig, error) {
	q := feed.Where(feed.In("level", strconv.Itoa(level), strconv.Itoa(level+1))).OrderBy("level", true)
	raw, err := a.client.Fetch(ctx, types.TableLevels, q)
	if err != nil {
		return nil, nil, err
	}
	levels, err := feed.DecodeRows[types.LevelConfig](raw)
	if err != nil {
		return nil, nil, err
	}

	var current, next *types.LevelConfig
	for i := range levels {
		switch levels[i].Level {
		case level:
			current = &levels[i]
		case level + 1:
			next = &levels[i]
		}
	}
	return current, next, nil
}

func (a *Aggregate) fetchCatalog(ctx context.Context) ([]types.Achievement, error) {
	raw, err := a.client.Fetch(ctx, types.TableAchievements, feed.Query{})
	if err != nil {
		return nil, err
	}
	return feed.DecodeRows[types.Achievement](raw)
}

func (a *Aggregate) fetchProgress(ctx context.Context, userID string) ([]types.UserAchievementRow, error) {
	raw, err := a.client.Fetch(ctx, types.TableUserAchievements, feed.Where(feed.Eq("user_id", userID)))
	if err != nil {
		return nil, err
	}
	return feed.DecodeRows[types.UserAchievementRow](raw)
}

func (a *Aggregate) eventContext() (context.Context, context.CancelFunc) {
	a.rtMu.Lock()
	parent := a.rtCtx
	a.rtMu.Unlock()
	return context.WithTimeout(parent, eventTimeout)
}

func (a *Aggregate) channelFailed(state subscription.State, err error) {
	a.listenerMu.Lock()
	fn := a.onFailure
	a.listenerMu.Unlock()
	if fn != nil {
		fn(fmt.Errorf("profile channel %s: %w", state, err))
	}
}

func (a *Aggregate) begin() {
	a.mu.Lock()
	a.pending++
	a.err = nil
	a.mu.Unlock()
	a.notify()
}

func (a *Aggregate) end(action string, err error) error {
	a.mu.Lock()
	a.pending--
	if err != nil {
		a.err = err
	}
	a.mu.Unlock()
	if err != nil {
		slog.Warn("profile action failed",
			"component", "profile",
			"action", action,
			"error", err,
		)
	}
	a.notify()
	return err
}

func (a *Aggregate) notify() {
	a.listenerMu.Lock()
	fns := make([]func(), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.listenerMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
