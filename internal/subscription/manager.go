// Package subscription owns the lifecycle of a single change-feed channel.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hyperengineering/streetwise/internal/feed"
)

// State is the normalized channel state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateSubscribed State = "subscribed"
	StateError      State = "error"
	StateTimedOut   State = "timed_out"
	StateClosed     State = "closed"
)

// Terminal reports whether the state ends the channel's life.
func (s State) Terminal() bool {
	return s == StateError || s == StateTimedOut || s == StateClosed
}

var (
	ErrChannelFailed  = errors.New("channel error")
	ErrChannelTimeout = errors.New("channel timed out")
	ErrChannelClosed  = errors.New("channel closed")
)

// Config describes the channel a Manager maintains.
type Config struct {
	// Name identifies the owning store in logs.
	Name    string
	Table   string
	Filter  feed.EventFilter
	Handler feed.Handler

	// OnFailure is called, outside any lock, when a channel that had reached
	// StateSubscribed fails. Failures during Start are returned instead.
	OnFailure func(state State, err error)
}

// Manager opens and closes exactly one channel for its table. It never
// retries on its own; recovery is the caller's decision.
type Manager struct {
	client feed.Client
	cfg    Config

	mu      sync.Mutex
	state   State
	channel feed.Channel
	gen     uint64 // bumped on every Start/Stop; stale callbacks are ignored
	lastErr error
}

// New creates an idle Manager.
func New(client feed.Client, cfg Config) *Manager {
	return &Manager{client: client, cfg: cfg, state: StateIdle}
}

// Start closes any existing channel, subscribes a new one and blocks until it
// reports its first status or ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	old := m.channel
	m.channel = nil
	m.gen++
	gen := m.gen
	m.state = StateConnecting
	m.lastErr = nil
	m.mu.Unlock()

	if old != nil {
		m.closeQuietly(old, "restart")
	}

	// The handler is bound at Subscribe time, before Open, so no event sent
	// during the handshake is lost.
	ch := m.client.Subscribe(m.cfg.Table, m.cfg.Filter, m.dispatch(gen))

	m.mu.Lock()
	if gen != m.gen {
		// Stop or another Start raced us.
		m.mu.Unlock()
		m.closeQuietly(ch, "superseded")
		return fmt.Errorf("%w: superseded before open", ErrChannelClosed)
	}
	m.channel = ch
	m.mu.Unlock()

	slog.Debug("channel opening",
		"component", "subscription",
		"store", m.cfg.Name,
		"table", m.cfg.Table,
		"filter", m.cfg.Filter.Filter,
	)

	first := make(chan error, 1)
	var once sync.Once
	ch.Open(func(status feed.Status, err error) {
		settled, result := m.onStatus(gen, status, err)
		if settled {
			once.Do(func() { first <- result })
		}
	})

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		m.mu.Lock()
		stale := gen != m.gen
		if !stale {
			m.channel = nil
			m.state = StateTimedOut
			m.lastErr = ctx.Err()
			m.gen++
		}
		m.mu.Unlock()
		if !stale {
			m.closeQuietly(ch, "handshake_cancelled")
		}
		return fmt.Errorf("%w: %v", ErrChannelTimeout, ctx.Err())
	}
}

// Stop closes the channel if any. Close failures are logged, and the handle
// is always released.
func (m *Manager) Stop() {
	m.mu.Lock()
	ch := m.channel
	m.channel = nil
	m.gen++
	m.state = StateIdle
	m.mu.Unlock()

	if ch != nil {
		m.closeQuietly(ch, "stop")
	}
}

// State returns the current channel state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active reports whether a channel is held and subscribed.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel != nil && m.state == StateSubscribed
}

// HasChannel reports whether a channel handle is currently held.
func (m *Manager) HasChannel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel != nil
}

// LastError returns the most recent channel or in-band event error.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// onStatus applies a transport status. It reports whether the status settles
// the handshake and, if so, the Start result.
func (m *Manager) onStatus(gen uint64, status feed.Status, cause error) (bool, error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false, nil
	}

	prev := m.state
	var next State
	var result error
	switch status {
	case feed.StatusSubscribed:
		next = StateSubscribed
	case feed.StatusError:
		next = StateError
		result = fmt.Errorf("%w: %v", ErrChannelFailed, cause)
	case feed.StatusTimedOut:
		next = StateTimedOut
		result = ErrChannelTimeout
	case feed.StatusClosed:
		next = StateClosed
		result = ErrChannelClosed
	default:
		m.mu.Unlock()
		slog.Warn("unknown channel status",
			"component", "subscription",
			"store", m.cfg.Name,
			"status", string(status),
		)
		return false, nil
	}

	m.state = next
	var failed feed.Channel
	if next.Terminal() {
		failed = m.channel
		m.channel = nil
		m.lastErr = result
		m.gen++
	}
	m.mu.Unlock()

	if next == StateSubscribed {
		slog.Info("channel subscribed",
			"component", "subscription",
			"store", m.cfg.Name,
			"table", m.cfg.Table,
		)
		return true, nil
	}

	slog.Warn("channel failed",
		"component", "subscription",
		"store", m.cfg.Name,
		"table", m.cfg.Table,
		"state", string(next),
		"error", result,
	)
	if failed != nil {
		m.closeQuietly(failed, "terminal_status")
	}
	if prev == StateSubscribed && m.cfg.OnFailure != nil {
		m.cfg.OnFailure(next, result)
	}
	return true, result
}

// dispatch routes events from the channel of generation gen into the handler.
func (m *Manager) dispatch(gen uint64) feed.Handler {
	return func(ev feed.ChangeEvent) {
		m.mu.Lock()
		current := gen == m.gen
		m.mu.Unlock()
		if !current {
			return
		}

		switch e := ev.(type) {
		case feed.Error:
			err := fmt.Errorf("%w: %v", ErrChannelFailed, e.Errors)
			m.mu.Lock()
			m.lastErr = err
			m.mu.Unlock()
			slog.Warn("change event reported errors",
				"component", "subscription",
				"store", m.cfg.Name,
				"table", m.cfg.Table,
				"errors", e.Errors,
			)
		case feed.Insert, feed.Update, feed.Delete:
			m.cfg.Handler(ev)
		default:
			slog.Warn("unhandled change event",
				"component", "subscription",
				"store", m.cfg.Name,
				"type", fmt.Sprintf("%T", ev),
			)
		}
	}
}

func (m *Manager) closeQuietly(ch feed.Channel, reason string) {
	if err := ch.Close(); err != nil {
		slog.Warn("channel close failed",
			"component", "subscription",
			"store", m.cfg.Name,
			"table", m.cfg.Table,
			"reason", reason,
			"error", err,
		)
	}
}
