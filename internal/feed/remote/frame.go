package remote

import (
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/streetwise/internal/feed"
)

// Phoenix channel events.
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
	eventSystem    = "system"

	phoenixTopic = "phoenix"
)

type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type joinConfig struct {
	PostgresChanges []changeSpec `json:"postgres_changes"`
}

type changeSpec struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

type systemPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type changePayload struct {
	Data changeData `json:"data"`
}

type changeData struct {
	Type      string          `json:"type"`
	Table     string          `json:"table,omitempty"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
	Errors    []string        `json:"errors"`
}

// decodeChange converts a postgres_changes payload into a feed event.
func decodeChange(payload json.RawMessage) (feed.ChangeEvent, error) {
	var p changePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", feed.ErrMalformedEvent, err)
	}
	return feed.Payload{
		EventType: p.Data.Type,
		New:       p.Data.Record,
		Old:       p.Data.OldRecord,
		Errors:    p.Data.Errors,
	}.Event()
}

func joinFrame(topic, ref, table string, filter feed.EventFilter, token string) (frame, error) {
	event := string(filter.Event)
	if event == "" {
		event = string(feed.EventAll)
	}
	payload, err := json.Marshal(joinPayload{
		Config: joinConfig{PostgresChanges: []changeSpec{{
			Event:  event,
			Schema: "public",
			Table:  table,
			Filter: filter.Filter,
		}}},
		AccessToken: token,
	})
	if err != nil {
		return frame{}, err
	}
	return frame{Topic: topic, Event: eventJoin, Payload: payload, Ref: ref}, nil
}
