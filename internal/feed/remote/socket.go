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
	"github.com/gorilla/websocket"
)

var errSocketClosed = errors.New("realtime socket closed")

// socket is one websocket connection multiplexing channels by topic. A
// single reader goroutine routes frames, so delivery order per topic
// matches the wire.
type socket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[string]*channel
	closed   bool
	done     chan struct{}
}

func dial(ctx context.Context, c *Client) (*socket, error) {
	u, err := c.websocketURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	s := &socket{
		conn:     conn,
		channels: make(map[string]*channel),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	go s.heartbeat(c.opts.Heartbeat)

	slog.Debug("realtime socket connected",
		"component", "remote",
	)
	return s, nil
}

func newRef() string { return uuid.NewString() }

func (s *socket) send(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(f)
}

func (s *socket) add(ch *channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.channels[ch.topic] = ch
	return true
}

// remove unregisters topic and reports whether the socket is now unused.
func (s *socket) remove(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, topic)
	return len(s.channels) == 0
}

func (s *socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *socket) readLoop() {
	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			s.shutdown(err)
			return
		}
		s.route(f)
	}
}

func (s *socket) route(f frame) {
	if f.Topic == phoenixTopic {
		return
	}
	s.mu.Lock()
	ch := s.channels[f.Topic]
	s.mu.Unlock()
	if ch == nil {
		slog.Debug("frame for unknown topic",
			"component", "remote",
			"topic", f.Topic,
			"event", f.Event,
		)
		return
	}
	ch.receive(f)
}

func (s *socket) heartbeat(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			err := s.send(frame{Topic: phoenixTopic, Event: eventHeartbeat, Payload: json.RawMessage(`{}`), Ref: newRef()})
			if err != nil {
				s.shutdown(fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

// shutdown closes the connection once. Channels still registered learn of
// it through their status callback: StatusClosed when cause is nil,
// StatusError otherwise.
func (s *socket) shutdown(cause error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	orphans := make([]*channel, 0, len(s.channels))
	for _, ch := range s.channels {
		orphans = append(orphans, ch)
	}
	s.channels = make(map[string]*channel)
	s.mu.Unlock()

	if cause == nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	} else {
		slog.Warn("realtime socket lost",
			"component", "remote",
			"channels", len(orphans),
			"error", cause,
		)
	}
	err := s.conn.Close()
	for _, ch := range orphans {
		ch.connectionLost(cause)
	}
	return err
}
