// Package feed defines the contract between the client core and the backend:
// row queries, remote procedure calls, and per-table change-feed channels.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Client is the backend collaborator consumed by every store.
// Implementations must be safe for concurrent use.
type Client interface {
	// Fetch returns the raw rows of table matching q.
	Fetch(ctx context.Context, table string, q Query) ([]json.RawMessage, error)

	// Call invokes a server-side procedure and returns its raw result.
	Call(ctx context.Context, procedure string, params any) (json.RawMessage, error)

	// Subscribe prepares a channel for table changes. The handler is bound
	// immediately; no events flow until Channel.Open is called.
	Subscribe(table string, filter EventFilter, handler Handler) Channel
}

// Channel is one subscription to a table's change feed.
type Channel interface {
	// Open starts the handshake. fn receives every status transition,
	// including terminal failures after a successful subscribe.
	Open(fn StatusFunc)

	// Close tears the subscription down. Safe to call more than once.
	Close() error
}

// Status is the transport-level channel status.
type Status string

const (
	StatusSubscribed Status = "SUBSCRIBED"
	StatusError      Status = "CHANNEL_ERROR"
	StatusTimedOut   Status = "TIMED_OUT"
	StatusClosed     Status = "CLOSED"
)

// StatusFunc receives channel status transitions. err is set for StatusError.
type StatusFunc func(status Status, err error)

// Handler receives decoded change events in delivery order. Calls for one
// channel never overlap; handlers of different channels may run concurrently.
type Handler func(ev ChangeEvent)

// EventType selects which row operations a channel delivers.
type EventType string

const (
	EventAll    EventType = "*"
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// EventFilter narrows the rows delivered on a channel.
type EventFilter struct {
	Event  EventType
	Filter string // e.g. "user_id=eq.42"; empty delivers every row
}

// AllEvents is the unfiltered event selector.
var AllEvents = EventFilter{Event: EventAll}

// Filter is a single column predicate.
type Filter struct {
	Column string
	Op     string
	Value  string
}

// Eq builds an equality predicate.
func Eq(column, value string) Filter {
	return Filter{Column: column, Op: "eq", Value: value}
}

// In builds a set-membership predicate.
func In(column string, values ...string) Filter {
	return Filter{Column: column, Op: "in", Value: "(" + strings.Join(values, ",") + ")"}
}

// String renders the predicate in column=op.value form.
func (f Filter) String() string {
	return fmt.Sprintf("%s=%s.%s", f.Column, f.Op, f.Value)
}

// Query describes a row fetch.
type Query struct {
	Filters   []Filter
	Order     string
	Ascending bool
	Limit     int
}

// Where returns a query with the given predicates.
func Where(filters ...Filter) Query {
	return Query{Filters: filters}
}

// OrderBy returns a copy of q ordered by column.
func (q Query) OrderBy(column string, ascending bool) Query {
	q.Order = column
	q.Ascending = ascending
	return q
}

// ByID is the query for a single row keyed by id.
func ByID(id string) Query {
	return Query{Filters: []Filter{Eq("id", id)}, Limit: 1}
}

// DecodeRows unmarshals raw rows into typed values.
func DecodeRows[T any](rows []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(rows))
	for i, raw := range rows {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode row %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
