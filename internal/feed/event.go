package feed

import (
	"encoding/json"
	"fmt"
)

// ChangeEvent is a decoded change-feed notification. It is one of Insert,
// Update, Delete or Error.
type ChangeEvent interface {
	isChangeEvent()
}

// Insert carries the newly inserted row.
type Insert struct {
	New json.RawMessage
}

// Update carries the row after the change and, when the table publishes it,
// the row before.
type Update struct {
	New json.RawMessage
	Old json.RawMessage
}

// Delete carries the removed row (at least its primary key).
type Delete struct {
	Old json.RawMessage
}

// Error reports transport- or server-side problems delivered in-band.
type Error struct {
	Errors []string
}

func (Insert) isChangeEvent() {}
func (Update) isChangeEvent() {}
func (Delete) isChangeEvent() {}
func (Error) isChangeEvent()  {}

// Payload is the wire shape of a change notification.
type Payload struct {
	EventType string          `json:"eventType"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
	Errors    []string        `json:"errors,omitempty"`
}

// Event converts the wire payload into a typed ChangeEvent.
// A payload carrying errors always decodes to Error.
func (p Payload) Event() (ChangeEvent, error) {
	if len(p.Errors) > 0 {
		return Error{Errors: p.Errors}, nil
	}
	switch EventType(p.EventType) {
	case EventInsert:
		if isEmpty(p.New) {
			return nil, fmt.Errorf("%w: INSERT without new row", ErrMalformedEvent)
		}
		return Insert{New: p.New}, nil
	case EventUpdate:
		if isEmpty(p.New) {
			return nil, fmt.Errorf("%w: UPDATE without new row", ErrMalformedEvent)
		}
		return Update{New: p.New, Old: p.Old}, nil
	case EventDelete:
		if isEmpty(p.Old) {
			return nil, fmt.Errorf("%w: DELETE without old row", ErrMalformedEvent)
		}
		return Delete{Old: p.Old}, nil
	}
	return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, p.EventType)
}

func isEmpty(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null" || string(raw) == "{}"
}

// RowID extracts the id column from a raw row.
func RowID(raw json.RawMessage) (string, error) {
	var row struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(row.ID) == 0 || string(row.ID) == "null" {
		return "", fmt.Errorf("%w: row without id", ErrMalformedEvent)
	}
	var s string
	if err := json.Unmarshal(row.ID, &s); err == nil {
		return s, nil
	}
	// Numeric primary keys are rendered in their JSON form.
	return string(row.ID), nil
}
