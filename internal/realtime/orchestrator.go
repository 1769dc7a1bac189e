// Package realtime decides when live subscriptions run and recovers them
// with bounded exponential backoff.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/streetwise/internal/clock"
)

// Subscriber is a component with a live channel.
type Subscriber interface {
	Name() string
	StartRealtime(ctx context.Context) error
	StopRealtime()
	OnChannelFailure(fn func(error))
}

// ProfileSubscriber is the per-user component that must be loaded before
// any channel opens.
type ProfileSubscriber interface {
	Subscriber
	Load(ctx context.Context, userID string) error
}

// Config tunes setup and retry.
type Config struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  uint64
	SetupTimeout time.Duration
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
		SetupTimeout: 15 * time.Second,
	}
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	SignedIn       bool          `json:"signed_in"`
	Online         bool          `json:"online"`
	Active         bool          `json:"active"`
	InFlight       bool          `json:"in_flight"`
	Degraded       bool          `json:"degraded"`
	Attempts       int           `json:"attempts"`
	NextRetryDelay time.Duration `json:"next_retry_delay"`
}

// Orchestrator keeps subscriptions running while a session and a network
// connection are both present.
type Orchestrator struct {
	profile ProfileSubscriber
	stores  []Subscriber
	clock   clock.Clock
	cfg     Config

	mu          sync.Mutex
	userID      string
	online      bool
	active      bool
	inFlight    bool
	degraded    bool
	closed      bool
	attempts    int
	backoff     retry.Backoff
	nextDelay   time.Duration
	timer       clock.Timer
	setupCancel context.CancelFunc
	// lostDuringSetup holds the first channel failure reported while a
	// setup was in flight. That setup then counts as failed.
	lostDuringSetup error
	// epoch is bumped on every teardown. Setups and timers from an older
	// epoch are discarded.
	epoch uint64
}

// New wires the orchestrator to profile and stores. Stores start in the
// order given, after the profile.
func New(profile ProfileSubscriber, stores []Subscriber, clk clock.Clock, cfg Config) *Orchestrator {
	if clk == nil {
		clk = clock.Real{}
	}
	o := &Orchestrator{
		profile: profile,
		stores:  stores,
		clock:   clk,
		cfg:     cfg,
	}
	o.backoff = o.newBackoff()

	profile.OnChannelFailure(o.channelFailed)
	for _, s := range stores {
		s.OnChannelFailure(o.channelFailed)
	}
	return o
}

// SetSession records the signed-in user, or "" on sign-out. A change of
// user tears down the previous user's subscriptions.
func (o *Orchestrator) SetSession(userID string) {
	o.mu.Lock()
	if o.closed || o.userID == userID {
		o.mu.Unlock()
		return
	}
	previous := o.userID
	o.userID = userID
	o.resetRetryLocked()
	o.mu.Unlock()

	slog.Info("session changed",
		"component", "realtime",
		"signed_in", userID != "",
	)
	if previous != "" {
		o.teardown("session_changed")
	}
	o.setup()
}

// SetNetwork records connectivity.
func (o *Orchestrator) SetNetwork(online bool) {
	o.mu.Lock()
	if o.closed || o.online == online {
		o.mu.Unlock()
		return
	}
	o.online = online
	o.resetRetryLocked()
	o.mu.Unlock()

	slog.Info("network changed",
		"component", "realtime",
		"online", online,
	)
	if !online {
		o.teardown("network_lost")
		return
	}
	o.setup()
}

// Refresh restarts the retry cycle, for example from a pull-to-refresh.
// It does nothing while subscriptions are active.
func (o *Orchestrator) Refresh() {
	o.mu.Lock()
	if o.closed || o.active {
		o.mu.Unlock()
		return
	}
	o.resetRetryLocked()
	o.mu.Unlock()
	o.setup()
}

// Close stops everything and cancels pending retries. The orchestrator
// cannot be restarted.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()
	o.teardown("closed")
}

// Active reports whether every subscription is running.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Degraded reports whether retries are exhausted.
func (o *Orchestrator) Degraded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.degraded
}

// Attempts returns the number of consecutive failed setups.
func (o *Orchestrator) Attempts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts
}

// NextRetryDelay returns the delay of the pending retry, or 0.
func (o *Orchestrator) NextRetryDelay() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextDelay
}

// Status returns a snapshot of the orchestrator state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		SignedIn:       o.userID != "",
		Online:         o.online,
		Active:         o.active,
		InFlight:       o.inFlight,
		Degraded:       o.degraded,
		Attempts:       o.attempts,
		NextRetryDelay: o.nextDelay,
	}
}

func (o *Orchestrator) newBackoff() retry.Backoff {
	b := retry.NewExponential(o.cfg.BaseDelay)
	b = retry.WithCappedDuration(o.cfg.MaxDelay, b)
	return retry.WithMaxRetries(o.cfg.MaxAttempts, b)
}

// resetRetryLocked starts a fresh retry cycle. Caller holds o.mu.
func (o *Orchestrator) resetRetryLocked() {
	o.stopTimerLocked()
	o.attempts = 0
	o.degraded = false
	o.backoff = o.newBackoff()
}

func (o *Orchestrator) stopTimerLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.nextDelay = 0
}

func (o *Orchestrator) wantedLocked() bool {
	return !o.closed && o.userID != "" && o.online
}

// setup starts every subscription unless one is running or in flight.
func (o *Orchestrator) setup() {
	o.mu.Lock()
	if !o.wantedLocked() || o.active || o.inFlight || o.degraded {
		o.mu.Unlock()
		return
	}
	o.stopTimerLocked()
	o.inFlight = true
	o.lostDuringSetup = nil
	uid := o.userID
	epoch := o.epoch
	ctx, cancel := o.setupContext()
	o.setupCancel = cancel
	attempt := o.attempts + 1
	o.mu.Unlock()

	slog.Debug("realtime setup started",
		"component", "realtime",
		"action", "setup",
		"attempt", attempt,
	)
	err := o.startAll(ctx, uid)
	cancel()

	o.mu.Lock()
	o.inFlight = false
	o.setupCancel = nil
	stale := epoch != o.epoch
	if err == nil && o.lostDuringSetup != nil {
		err = fmt.Errorf("channel lost during setup: %w", o.lostDuringSetup)
	}
	o.lostDuringSetup = nil
	if err == nil && !stale {
		o.active = true
		o.attempts = 0
		o.degraded = false
		o.backoff = o.newBackoff()
		o.mu.Unlock()
		slog.Info("realtime active",
			"component", "realtime",
			"action", "setup",
			"subscriptions", len(o.stores)+1,
		)
		return
	}
	o.mu.Unlock()

	// Release whatever did start.
	o.stopAll()

	if stale {
		// Torn down while in flight; the state may want a fresh setup.
		o.setup()
		return
	}
	o.scheduleRetry(err)
}

func (o *Orchestrator) setupContext() (context.Context, context.CancelFunc) {
	if o.cfg.SetupTimeout > 0 {
		return context.WithTimeout(context.Background(), o.cfg.SetupTimeout)
	}
	return context.WithCancel(context.Background())
}

func (o *Orchestrator) startAll(ctx context.Context, uid string) error {
	if err := o.profile.Load(ctx, uid); err != nil {
		return fmt.Errorf("load %s: %w", o.profile.Name(), err)
	}
	if err := o.profile.StartRealtime(ctx); err != nil {
		return fmt.Errorf("start %s: %w", o.profile.Name(), err)
	}
	for _, s := range o.stores {
		if err := s.StartRealtime(ctx); err != nil {
			return fmt.Errorf("start %s: %w", s.Name(), err)
		}
	}
	return nil
}

func (o *Orchestrator) stopAll() {
	for i := len(o.stores) - 1; i >= 0; i-- {
		o.stores[i].StopRealtime()
	}
	o.profile.StopRealtime()
}

func (o *Orchestrator) scheduleRetry(cause error) {
	o.mu.Lock()
	if !o.wantedLocked() {
		o.mu.Unlock()
		return
	}
	o.attempts++
	attempts := o.attempts
	delay, stop := o.backoff.Next()
	if stop {
		o.degraded = true
		o.nextDelay = 0
		o.mu.Unlock()
		slog.Warn("realtime degraded, retries exhausted",
			"component", "realtime",
			"attempts", attempts,
			"error", cause,
		)
		return
	}

	o.stopTimerLocked()
	epoch := o.epoch
	o.nextDelay = delay
	o.timer = o.clock.AfterFunc(delay, func() { o.retryFired(epoch) })
	o.mu.Unlock()

	slog.Warn("realtime setup failed, retry scheduled",
		"component", "realtime",
		"attempts", attempts,
		"delay", delay,
		"error", cause,
	)
}

func (o *Orchestrator) retryFired(epoch uint64) {
	o.mu.Lock()
	if epoch != o.epoch || o.closed {
		o.mu.Unlock()
		return
	}
	o.timer = nil
	o.nextDelay = 0
	o.mu.Unlock()
	o.setup()
}

// channelFailed handles a channel dying after it subscribed. During setup
// the failure is recorded and setup retries once it returns.
func (o *Orchestrator) channelFailed(err error) {
	o.mu.Lock()
	if o.inFlight && !o.closed {
		if o.lostDuringSetup == nil {
			o.lostDuringSetup = err
		}
		o.mu.Unlock()
		return
	}
	if !o.active || o.closed {
		o.mu.Unlock()
		return
	}
	o.active = false
	o.epoch++
	o.mu.Unlock()

	slog.Warn("live channel lost",
		"component", "realtime",
		"error", err,
	)
	o.stopAll()
	o.scheduleRetry(err)
}

// teardown stops all subscriptions, cancels the retry timer and aborts an
// in-flight setup.
func (o *Orchestrator) teardown(reason string) {
	o.mu.Lock()
	o.epoch++
	wasActive := o.active
	o.active = false
	o.stopTimerLocked()
	if o.setupCancel != nil {
		o.setupCancel()
	}
	o.mu.Unlock()

	o.stopAll()
	slog.Info("realtime stopped",
		"component", "realtime",
		"reason", reason,
		"was_active", wasActive,
	)
}
