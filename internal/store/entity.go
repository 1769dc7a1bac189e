// Package store mirrors remote tables in memory and keeps them consistent
// with the change feed.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/streetwise/internal/feed"
	"github.com/hyperengineering/streetwise/internal/subscription"
)

// resolveTimeout bounds the per-event read-model lookup.
const resolveTimeout = 10 * time.Second

// Config describes the table an EntityStore mirrors.
type Config[T any] struct {
	Name   string
	Table  string
	Filter feed.EventFilter

	// Decode maps a raw row into the entity.
	Decode func(raw json.RawMessage) (T, error)
	// ID returns the entity's identifier.
	ID func(T) string

	// Resolve, when set, loads the entity for an Insert or Update event by
	// id instead of decoding the event row. A failed lookup drops the event.
	Resolve func(ctx context.Context, id string) (T, error)

	// Same, when set, reports whether two entities with different ids are
	// the same thing. Putting an entity replaces any existing one that is
	// the same.
	Same func(a, b T) bool
}

// Snapshot is a copy of a store's observable state. It never carries
// transport handles.
type Snapshot[T any] struct {
	Items   []T    `json:"items"`
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
}

// EntityStore is an id-keyed, insertion-ordered mirror of one remote table.
// Upsert and Remove are idempotent, so replaying an event is harmless.
type EntityStore[T any] struct {
	client feed.Client
	cfg    Config[T]

	mu      sync.Mutex
	items   collection[T]
	pending int
	err     error

	// Change-feed bookkeeping while fetches are in flight: ids touched by
	// events after sequence number start are not overwritten by the fetch.
	seq      uint64
	fetching int
	touched  map[string]uint64

	listenerMu sync.Mutex
	listeners  map[int]func()
	nextID     int
	onFailure  func(error)

	// Realtime side table. Only StartRealtime and StopRealtime touch it.
	sub      *subscription.Manager
	rtMu     sync.Mutex
	rtCtx    context.Context
	rtCancel context.CancelFunc
}

// NewEntityStore creates an empty store.
func NewEntityStore[T any](client feed.Client, cfg Config[T]) *EntityStore[T] {
	s := &EntityStore[T]{
		client:    client,
		cfg:       cfg,
		items:     newCollection[T](),
		touched:   make(map[string]uint64),
		listeners: make(map[int]func()),
		rtCtx:     context.Background(),
	}
	s.sub = subscription.New(client, subscription.Config{
		Name:      cfg.Name,
		Table:     cfg.Table,
		Filter:    cfg.Filter,
		Handler:   s.handle,
		OnFailure: s.channelFailed,
	})
	return s
}

// Name identifies the store in logs.
func (s *EntityStore[T]) Name() string {
	return s.cfg.Name
}

// Upsert maps raw and inserts or replaces the entity.
func (s *EntityStore[T]) Upsert(raw json.RawMessage) error {
	v, err := s.cfg.Decode(raw)
	if err != nil {
		return fmt.Errorf("%s: decode row: %w", s.cfg.Name, err)
	}
	s.put(v)
	return nil
}

// Remove deletes the entity with id. Removing an absent id is a no-op.
func (s *EntityStore[T]) Remove(id string) {
	s.mu.Lock()
	s.markTouched(id)
	removed := s.items.remove(id)
	s.mu.Unlock()
	if removed {
		s.notify()
	}
}

// Get returns the entity with id.
func (s *EntityStore[T]) Get(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.get(id)
}

// Items returns every entity in insertion order.
func (s *EntityStore[T]) Items() []T {
	return s.filter(nil)
}

// Len returns the number of entities.
func (s *EntityStore[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.len()
}

// Loading reports whether an action is in flight.
func (s *EntityStore[T]) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending > 0
}

// Err returns the error of the most recent failed action or reconciliation.
func (s *EntityStore[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Snapshot copies the domain state.
func (s *EntityStore[T]) Snapshot() Snapshot[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot[T]{Items: s.items.list(nil), Loading: s.pending > 0}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

// Restore seeds an empty store, typically from the local cache. It does
// nothing once the store holds data.
func (s *EntityStore[T]) Restore(items []T) bool {
	s.mu.Lock()
	if s.items.len() > 0 {
		s.mu.Unlock()
		return false
	}
	for _, v := range items {
		s.items.upsert(s.cfg.ID(v), v)
	}
	s.mu.Unlock()
	s.notify()
	return true
}

// OnChange registers fn to run after every state change. fn runs outside
// the store lock. The returned func unregisters it.
func (s *EntityStore[T]) OnChange(fn func()) func() {
	s.listenerMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

// OnChannelFailure registers fn to run when the live channel fails after
// subscribing.
func (s *EntityStore[T]) OnChannelFailure(fn func(error)) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.onFailure = fn
}

// StartRealtime opens the store's change-feed channel, closing any previous
// one first.
func (s *EntityStore[T]) StartRealtime(ctx context.Context) error {
	s.rtMu.Lock()
	if s.rtCancel != nil {
		s.rtCancel()
	}
	s.rtCtx, s.rtCancel = context.WithCancel(context.Background())
	s.rtMu.Unlock()

	if err := s.sub.Start(ctx); err != nil {
		return fmt.Errorf("%s realtime: %w", s.cfg.Name, err)
	}
	return nil
}

// StopRealtime closes the channel and abandons in-flight event lookups.
func (s *EntityStore[T]) StopRealtime() {
	s.sub.Stop()

	s.rtMu.Lock()
	if s.rtCancel != nil {
		s.rtCancel()
		s.rtCancel = nil
	}
	s.rtCtx = context.Background()
	s.rtMu.Unlock()
}

// RealtimeState returns the channel state.
func (s *EntityStore[T]) RealtimeState() subscription.State {
	return s.sub.State()
}

// RealtimeActive reports whether the channel is subscribed.
func (s *EntityStore[T]) RealtimeActive() bool {
	return s.sub.Active()
}

func (s *EntityStore[T]) handle(ev feed.ChangeEvent) {
	switch e := ev.(type) {
	case feed.Insert:
		s.applyRow("insert", e.New)
	case feed.Update:
		s.applyRow("update", e.New)
	case feed.Delete:
		id, err := feed.RowID(e.Old)
		if err != nil {
			s.dropEvent("delete", err)
			return
		}
		s.Remove(id)
	}
}

func (s *EntityStore[T]) applyRow(kind string, raw json.RawMessage) {
	if s.cfg.Resolve == nil {
		if err := s.Upsert(raw); err != nil {
			s.dropEvent(kind, err)
		}
		return
	}

	id, err := feed.RowID(raw)
	if err != nil {
		s.dropEvent(kind, err)
		return
	}

	s.rtMu.Lock()
	parent := s.rtCtx
	s.rtMu.Unlock()
	ctx, cancel := context.WithTimeout(parent, resolveTimeout)
	defer cancel()

	v, err := s.cfg.Resolve(ctx, id)
	if errors.Is(err, context.Canceled) {
		// StopRealtime cancelled the lookup.
		s.dropEvent(kind, err)
		return
	}
	if err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.dropEvent(kind, err)
		s.notify()
		return
	}
	s.put(v)
}

func (s *EntityStore[T]) dropEvent(kind string, err error) {
	slog.Warn("change event dropped",
		"component", "store",
		"store", s.cfg.Name,
		"event", kind,
		"error", err,
	)
}

func (s *EntityStore[T]) channelFailed(state subscription.State, err error) {
	s.listenerMu.Lock()
	fn := s.onFailure
	s.listenerMu.Unlock()
	if fn != nil {
		fn(fmt.Errorf("%s channel %s: %w", s.cfg.Name, state, err))
	}
}

// put upserts v as a change coming from the feed or a confirmed write.
func (s *EntityStore[T]) put(v T) {
	id := s.cfg.ID(v)
	s.mu.Lock()
	if s.cfg.Same != nil {
		stale := s.items.list(func(old T) bool { return s.cfg.ID(old) != id && s.cfg.Same(old, v) })
		for _, old := range stale {
			oldID := s.cfg.ID(old)
			s.markTouched(oldID)
			s.items.remove(oldID)
		}
	}
	s.markTouched(id)
	s.items.upsert(id, v)
	s.mu.Unlock()
	s.notify()
}

// markTouched records an event for id while fetches are running.
// Caller holds s.mu.
func (s *EntityStore[T]) markTouched(id string) {
	s.seq++
	if s.fetching > 0 {
		s.touched[id] = s.seq
	}
}

func (s *EntityStore[T]) filter(match func(T) bool) []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.list(match)
}

// begin marks an action in flight and clears the previous error.
func (s *EntityStore[T]) begin() {
	s.mu.Lock()
	s.pending++
	s.err = nil
	s.mu.Unlock()
	s.notify()
}

// end finishes an action, recording err if it failed. It returns err.
func (s *EntityStore[T]) end(action string, err error) error {
	s.mu.Lock()
	s.pending--
	if err != nil {
		s.err = err
	}
	s.mu.Unlock()

	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, context.Canceled) {
			level = slog.LevelDebug
		}
		slog.Log(context.Background(), level, "store action failed",
			"component", "store",
			"store", s.cfg.Name,
			"action", action,
			"error", err,
		)
	}
	s.notify()
	return err
}

// fetchInto loads rows from table and reconciles them with the entities
// scope accepts. Entities in scope but absent from the result are removed,
// except those changed by an event while the fetch was running. A nil scope
// covers the whole store.
func (s *EntityStore[T]) fetchInto(ctx context.Context, action, table string, q feed.Query, scope func(T) bool) error {
	s.begin()

	s.mu.Lock()
	s.fetching++
	start := s.seq
	s.mu.Unlock()

	fetched, err := s.fetchRows(ctx, table, q)

	s.mu.Lock()
	if err == nil {
		s.replace(fetched, start, scope)
	}
	s.fetching--
	if s.fetching == 0 {
		clear(s.touched)
	}
	s.mu.Unlock()

	return s.end(action, err)
}

func (s *EntityStore[T]) fetchRows(ctx context.Context, table string, q feed.Query) ([]T, error) {
	rows, err := s.client.Fetch(ctx, table, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for i, raw := range rows {
		v, err := s.cfg.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: decode row %d: %w", table, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// replace installs fetched in fetch order followed by retained event rows.
// Caller holds s.mu.
func (s *EntityStore[T]) replace(fetched []T, start uint64, scope func(T) bool) {
	fresh := func(id string) bool { return s.touched[id] > start }

	next := newCollection[T]()
	inFetch := make(map[string]bool, len(fetched))

	// Out-of-scope entities keep their position ahead of the fetched block.
	if scope != nil {
		for _, v := range s.items.list(func(v T) bool { return !scope(v) }) {
			next.upsert(s.cfg.ID(v), v)
		}
	}

	for _, v := range fetched {
		id := s.cfg.ID(v)
		inFetch[id] = true
		if fresh(id) {
			// The event is newer than this fetch; keep what it left behind.
			if cur, ok := s.items.get(id); ok {
				next.upsert(id, cur)
			}
			continue
		}
		next.upsert(id, v)
	}

	for _, v := range s.items.list(scope) {
		id := s.cfg.ID(v)
		if !inFetch[id] && fresh(id) {
			next.upsert(id, v)
		}
	}
	s.items = next
}

// refresh reloads one entity by id from table, removing it if the row is
// gone. Failures are logged; the feed delivers the change eventually.
func (s *EntityStore[T]) refresh(ctx context.Context, table, id string) {
	rows, err := s.fetchRows(ctx, table, feed.ByID(id))
	if err != nil {
		slog.Warn("refresh after write failed",
			"component", "store",
			"store", s.cfg.Name,
			"id", id,
			"error", err,
		)
		return
	}
	if len(rows) == 0 {
		s.Remove(id)
		return
	}
	s.put(rows[0])
}

// acceptResult upserts the row a procedure returned, if it returned one.
func (s *EntityStore[T]) acceptResult(raw json.RawMessage) (T, bool) {
	var zero T
	if _, err := feed.RowID(raw); err != nil {
		return zero, false
	}
	v, err := s.cfg.Decode(raw)
	if err != nil {
		return zero, false
	}
	s.put(v)
	return v, true
}

func (s *EntityStore[T]) notify() {
	s.listenerMu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
