package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/streetwise/internal/feed"
)

// channel is one topic on the shared socket. Change events are queued by
// the socket reader and handed to the handler, in order, by the channel's
// own delivery goroutine, so a slow handler never holds up other topics.
type channel struct {
	client  *Client
	table   string
	filter  feed.EventFilter
	handler feed.Handler
	topic   string

	mu        sync.Mutex
	sock      *socket
	statusFn  feed.StatusFunc
	joinRef   string
	joinTimer *time.Timer
	joined    bool
	done      bool // a terminal status was reported
	closed    bool
	queue     []feed.ChangeEvent

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newChannel(c *Client, table string, filter feed.EventFilter, handler feed.Handler) *channel {
	return &channel{
		client:  c,
		table:   table,
		filter:  filter,
		handler: handler,
		topic:   "realtime:" + table + ":" + uuid.NewString(),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// Open implements feed.Channel. The join runs in the background; fn learns
// the outcome.
func (ch *channel) Open(fn feed.StatusFunc) {
	ch.mu.Lock()
	ch.statusFn = fn
	ch.mu.Unlock()
	go ch.deliver()
	go ch.join()
}

// enqueue adds ev to the delivery queue unless the channel is finished.
func (ch *channel) enqueue(ev feed.ChangeEvent) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.done {
		return
	}
	ch.queue = append(ch.queue, ev)
	select {
	case ch.wake <- struct{}{}:
	default:
	}
}

// deliver runs the handler for queued events until the channel finishes.
// Events still queued at that point are dropped.
func (ch *channel) deliver() {
	for {
		select {
		case <-ch.stop:
			return
		case <-ch.wake:
		}
		for {
			ch.mu.Lock()
			if ch.done || len(ch.queue) == 0 {
				ch.mu.Unlock()
				break
			}
			ev := ch.queue[0]
			ch.queue[0] = nil
			ch.queue = ch.queue[1:]
			ch.mu.Unlock()
			ch.handler(ev)
		}
	}
}

// halt ends the delivery goroutine. Caller has set done.
func (ch *channel) halt() {
	ch.stopOnce.Do(func() { close(ch.stop) })
}

func (ch *channel) join() {
	timeout := ch.client.opts.JoinTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s, err := ch.client.attach(ctx, ch)
	if err != nil {
		ch.report(feed.StatusError, err)
		return
	}

	ref := newRef()
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		ch.client.detach(s, ch)
		return
	}
	ch.sock = s
	ch.joinRef = ref
	ch.joinTimer = time.AfterFunc(timeout, func() {
		ch.report(feed.StatusTimedOut, fmt.Errorf("join %s: no reply within %s", ch.table, timeout))
	})
	ch.mu.Unlock()

	f, err := joinFrame(ch.topic, ref, ch.table, ch.filter, ch.client.token())
	if err != nil {
		ch.report(feed.StatusError, err)
		return
	}
	slog.Debug("joining channel",
		"component", "remote",
		"table", ch.table,
		"topic", ch.topic,
	)
	if err := s.send(f); err != nil {
		ch.report(feed.StatusError, fmt.Errorf("send join: %w", err))
	}
}

// Close implements feed.Channel.
func (ch *channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.done = true
	ch.queue = nil
	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
	}
	s := ch.sock
	ch.sock = nil
	ch.mu.Unlock()
	ch.halt()

	if s == nil {
		return nil
	}
	err := s.send(frame{Topic: ch.topic, Event: eventLeave, Payload: json.RawMessage(`{}`), Ref: newRef()})
	ch.client.detach(s, ch)
	if err != nil && !s.isClosed() {
		return fmt.Errorf("leave %s: %w", ch.table, err)
	}
	return nil
}

func (ch *channel) receive(f frame) {
	switch f.Event {
	case eventReply:
		ch.mu.Lock()
		isJoin := f.Ref != "" && f.Ref == ch.joinRef
		ch.mu.Unlock()
		if !isJoin {
			return
		}
		var r replyPayload
		if err := json.Unmarshal(f.Payload, &r); err != nil {
			ch.report(feed.StatusError, fmt.Errorf("decode join reply: %w", err))
			return
		}
		if r.Status != "ok" {
			ch.report(feed.StatusError, fmt.Errorf("join %s rejected: %s", ch.table, r.Response))
			return
		}
		ch.report(feed.StatusSubscribed, nil)

	case eventChanges:
		ev, err := decodeChange(f.Payload)
		if err != nil {
			slog.Warn("change event dropped",
				"component", "remote",
				"table", ch.table,
				"error", err,
			)
			return
		}
		ch.enqueue(ev)

	case eventSystem:
		var p systemPayload
		if err := json.Unmarshal(f.Payload, &p); err == nil && p.Status == "error" {
			ch.report(feed.StatusError, errors.New(p.Message))
		}

	case eventError:
		ch.report(feed.StatusError, fmt.Errorf("server error on %s", ch.table))

	case eventClose:
		ch.report(feed.StatusClosed, nil)
	}
}

func (ch *channel) connectionLost(cause error) {
	ch.mu.Lock()
	ch.sock = nil
	ch.mu.Unlock()
	if cause == nil {
		ch.report(feed.StatusClosed, nil)
		return
	}
	ch.report(feed.StatusError, cause)
}

// report delivers status at most once per kind: Subscribed once, then a
// single terminal status.
func (ch *channel) report(status feed.Status, err error) {
	ch.mu.Lock()
	if ch.done || (status == feed.StatusSubscribed && ch.joined) {
		ch.mu.Unlock()
		return
	}
	terminal := status != feed.StatusSubscribed
	if terminal {
		ch.done = true
		ch.queue = nil
	} else {
		ch.joined = true
	}
	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
	}
	fn := ch.statusFn
	ch.mu.Unlock()
	if terminal {
		ch.halt()
	}

	if fn != nil {
		fn(status, err)
	}
}
