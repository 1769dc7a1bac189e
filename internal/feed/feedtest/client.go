// Package feedtest provides an in-memory feed.Client for tests.
package feedtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hyperengineering/streetwise/internal/feed"
)

// Call records one procedure invocation.
type Call struct {
	Procedure string
	Params    json.RawMessage
}

// ProcedureFunc answers a procedure call.
type ProcedureFunc func(params json.RawMessage) (any, error)

// Client is a scriptable in-memory backend. Rows are held per table in
// insertion order; channels are recorded so tests can push events and
// statuses into them.
type Client struct {
	mu         sync.Mutex
	tables     map[string][]json.RawMessage
	fetchErr   map[string]error
	procedures map[string]ProcedureFunc
	calls      []Call
	fetches    []string
	channels   []*Channel
	openStatus map[string]feed.Status
	openErr    map[string]error
	manualOpen map[string]bool
}

// New creates an empty Client.
func New() *Client {
	return &Client{
		tables:     make(map[string][]json.RawMessage),
		fetchErr:   make(map[string]error),
		procedures: make(map[string]ProcedureFunc),
		openStatus: make(map[string]feed.Status),
		openErr:    make(map[string]error),
		manualOpen: make(map[string]bool),
	}
}

// Seed appends rows to table. Rows are JSON-encoded.
func (c *Client) Seed(table string, rows ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rows {
		c.tables[table] = append(c.tables[table], mustJSON(r))
	}
}

// Reset replaces the contents of table.
func (c *Client) Reset(table string, rows ...any) {
	c.mu.Lock()
	c.tables[table] = nil
	c.mu.Unlock()
	c.Seed(table, rows...)
}

// FailFetch makes every fetch of table return err (nil clears it).
func (c *Client) FailFetch(table string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchErr[table] = err
}

// Handle registers a procedure implementation.
func (c *Client) Handle(procedure string, fn ProcedureFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.procedures[procedure] = fn
}

// OpenWith makes channels on table report status (and err) when opened.
func (c *Client) OpenWith(table string, status feed.Status, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openStatus[table] = status
	c.openErr[table] = err
}

// OpenManually stops channels on table from reporting any status on Open;
// the test drives them with Channel.Report.
func (c *Client) OpenManually(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manualOpen[table] = true
}

// Fetch implements feed.Client.
func (c *Client) Fetch(ctx context.Context, table string, q feed.Query) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fetches = append(c.fetches, table)
	if err := c.fetchErr[table]; err != nil {
		return nil, &feed.RemoteError{Op: "fetch", Target: table, Err: err}
	}

	var out []json.RawMessage
	for _, raw := range c.tables[table] {
		if matches(raw, q.Filters) {
			out = append(out, raw)
		}
	}
	if q.Order != "" {
		sort.SliceStable(out, func(i, j int) bool {
			a, b := column(out[i], q.Order), column(out[j], q.Order)
			if q.Ascending {
				return a < b
			}
			return a > b
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Call implements feed.Client.
func (c *Client) Call(ctx context.Context, procedure string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw := mustJSON(params)

	c.mu.Lock()
	c.calls = append(c.calls, Call{Procedure: procedure, Params: raw})
	fn, ok := c.procedures[procedure]
	c.mu.Unlock()

	if !ok {
		return json.RawMessage(`null`), nil
	}
	result, err := fn(raw)
	if err != nil {
		return nil, &feed.RemoteError{Op: "call", Target: procedure, Err: err}
	}
	return mustJSON(result), nil
}

// Subscribe implements feed.Client.
func (c *Client) Subscribe(table string, filter feed.EventFilter, handler feed.Handler) feed.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := &Channel{client: c, Table: table, Filter: filter, handler: handler}
	c.channels = append(c.channels, ch)
	return ch
}

// Calls returns the recorded procedure invocations.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallCount returns how many times procedure was invoked.
func (c *Client) CallCount(procedure string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Procedure == procedure {
			n++
		}
	}
	return n
}

// FetchCount returns how many times table was fetched.
func (c *Client) FetchCount(table string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.fetches {
		if t == table {
			n++
		}
	}
	return n
}

// Channels returns every channel ever subscribed on table.
func (c *Client) Channels(table string) []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Channel
	for _, ch := range c.channels {
		if ch.Table == table {
			out = append(out, ch)
		}
	}
	return out
}

// OpenChannels counts channels that are open and not yet closed, across all tables.
func (c *Client) OpenChannels() int {
	c.mu.Lock()
	chans := append([]*Channel(nil), c.channels...)
	c.mu.Unlock()
	n := 0
	for _, ch := range chans {
		if ch.IsOpen() {
			n++
		}
	}
	return n
}

// Push delivers ev to every open channel on table.
func (c *Client) Push(table string, ev feed.ChangeEvent) {
	for _, ch := range c.Channels(table) {
		if ch.IsOpen() {
			ch.Deliver(ev)
		}
	}
}

// PushInsert delivers an Insert of row on table.
func (c *Client) PushInsert(table string, row any) {
	c.Push(table, feed.Insert{New: mustJSON(row)})
}

// PushUpdate delivers an Update of row on table.
func (c *Client) PushUpdate(table string, row any) {
	c.Push(table, feed.Update{New: mustJSON(row)})
}

// PushDelete delivers a Delete of the row with id on table.
func (c *Client) PushDelete(table, id string) {
	c.Push(table, feed.Delete{Old: mustJSON(map[string]string{"id": id})})
}

// Channel is a recorded subscription.
type Channel struct {
	client  *Client
	Table   string
	Filter  feed.EventFilter
	handler feed.Handler

	mu       sync.Mutex
	statusFn feed.StatusFunc
	opened   bool
	closed   bool
	closeErr error
}

// Open implements feed.Channel.
func (ch *Channel) Open(fn feed.StatusFunc) {
	ch.mu.Lock()
	ch.statusFn = fn
	ch.opened = true
	ch.mu.Unlock()

	ch.client.mu.Lock()
	manual := ch.client.manualOpen[ch.Table]
	status, ok := ch.client.openStatus[ch.Table]
	err := ch.client.openErr[ch.Table]
	ch.client.mu.Unlock()

	if manual {
		return
	}
	if !ok {
		status = feed.StatusSubscribed
	}
	fn(status, err)
}

// Close implements feed.Channel.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closed = true
	return ch.closeErr
}

// FailClose makes Close return err.
func (ch *Channel) FailClose(err error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closeErr = err
}

// IsOpen reports whether Open was called and Close was not.
func (ch *Channel) IsOpen() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.opened && !ch.closed
}

// Closed reports whether Close was called.
func (ch *Channel) Closed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Report sends a status transition to the channel's status callback.
func (ch *Channel) Report(status feed.Status, err error) {
	ch.mu.Lock()
	fn := ch.statusFn
	ch.mu.Unlock()
	if fn != nil {
		fn(status, err)
	}
}

// Deliver hands ev to the channel's handler.
func (ch *Channel) Deliver(ev feed.ChangeEvent) {
	ch.handler(ev)
}

func mustJSON(v any) json.RawMessage {
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("feedtest: marshal %T: %v", v, err))
	}
	return b
}

func matches(raw json.RawMessage, filters []feed.Filter) bool {
	for _, f := range filters {
		v := column(raw, f.Column)
		switch f.Op {
		case "eq":
			if v != f.Value {
				return false
			}
		case "in":
			set := strings.Split(strings.Trim(f.Value, "()"), ",")
			found := false
			for _, s := range set {
				if s == v {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func column(raw json.RawMessage, name string) string {
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return ""
	}
	v, ok := row[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
