// Package remote implements feed.Client against a PostgREST-style HTTP API
// and a Phoenix-style realtime websocket.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyperengineering/streetwise/internal/feed"
)

const (
	DefaultHeartbeat   = 25 * time.Second
	DefaultJoinTimeout = 10 * time.Second
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 4096
)

// Options configures a Client.
type Options struct {
	BaseURL string
	APIKey  string
	// AccessToken returns the session token. When nil or empty the API key
	// is sent as the bearer token.
	AccessToken func() string

	HTTPClient  *http.Client
	Dialer      *websocket.Dialer
	Heartbeat   time.Duration
	JoinTimeout time.Duration
}

// Client talks to the backend over REST and a shared realtime socket.
type Client struct {
	base   string
	opts   Options
	http   *http.Client
	dialer *websocket.Dialer

	mu   sync.Mutex
	sock *socket
}

// New creates a Client. No connection is made until the first request.
func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	return &Client{
		base:   strings.TrimRight(opts.BaseURL, "/"),
		opts:   opts,
		http:   opts.HTTPClient,
		dialer: opts.Dialer,
	}
}

// Fetch implements feed.Client.
func (c *Client) Fetch(ctx context.Context, table string, q feed.Query) ([]json.RawMessage, error) {
	u := c.base + "/rest/v1/" + url.PathEscape(table) + "?" + encodeQuery(q).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &feed.RemoteError{Op: "fetch", Target: table, Err: err}
	}

	body, err := c.do(req, "fetch", table)
	if err != nil {
		return nil, err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &feed.RemoteError{Op: "fetch", Target: table, Message: "decode rows", Err: err}
	}
	return rows, nil
}

// Call implements feed.Client.
func (c *Client) Call(ctx context.Context, procedure string, params any) (json.RawMessage, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, &feed.RemoteError{Op: "call", Target: procedure, Message: "encode params", Err: err}
	}
	if string(payload) == "null" {
		payload = []byte("{}")
	}

	u := c.base + "/rest/v1/rpc/" + url.PathEscape(procedure)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, &feed.RemoteError{Op: "call", Target: procedure, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req, "call", procedure)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(body), nil
}

// Ping reports whether the REST endpoint answers. Any status below 500
// counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/rest/v1/", nil)
	if err != nil {
		return &feed.RemoteError{Op: "ping", Target: c.base, Err: err}
	}
	req.Header.Set("apikey", c.opts.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return &feed.RemoteError{Op: "ping", Target: c.base, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return &feed.RemoteError{Op: "ping", Target: c.base, Status: resp.StatusCode}
	}
	return nil
}

// Subscribe implements feed.Client.
func (c *Client) Subscribe(table string, filter feed.EventFilter, handler feed.Handler) feed.Channel {
	return newChannel(c, table, filter, handler)
}

// Close drops the realtime socket. Open channels report StatusClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.sock
	c.sock = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.shutdown(nil)
}

func (c *Client) token() string {
	if c.opts.AccessToken != nil {
		if t := c.opts.AccessToken(); t != "" {
			return t
		}
	}
	return c.opts.APIKey
}

func (c *Client) do(req *http.Request, op, target string) ([]byte, error) {
	req.Header.Set("apikey", c.opts.APIKey)
	req.Header.Set("Authorization", "Bearer "+c.token())
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &feed.RemoteError{Op: op, Target: target, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &feed.RemoteError{Op: op, Target: target, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &feed.RemoteError{Op: op, Target: target, Status: resp.StatusCode, Message: errorMessage(body)}
	}
	return body, nil
}

// errorMessage extracts the message field of a JSON error body, falling back
// to the raw text.
func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}

func encodeQuery(q feed.Query) url.Values {
	v := url.Values{}
	v.Set("select", "*")
	for _, f := range q.Filters {
		v.Add(f.Column, f.Op+"."+f.Value)
	}
	if q.Order != "" {
		dir := "desc"
		if q.Ascending {
			dir = "asc"
		}
		v.Set("order", q.Order+"."+dir)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// attach registers ch on the live socket, dialing one if needed.
func (c *Client) attach(ctx context.Context, ch *channel) (*socket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil || c.sock.isClosed() {
		s, err := dial(ctx, c)
		if err != nil {
			return nil, err
		}
		c.sock = s
	}
	if !c.sock.add(ch) {
		return nil, errSocketClosed
	}
	return c.sock, nil
}

// detach removes ch from s and drops s once no channel uses it.
func (c *Client) detach(s *socket, ch *channel) {
	c.mu.Lock()
	empty := s.remove(ch.topic)
	if empty && c.sock == s {
		c.sock = nil
	}
	c.mu.Unlock()
	if empty {
		s.shutdown(nil)
	}
}

func (c *Client) websocketURL() (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	q := u.Query()
	q.Set("apikey", c.opts.APIKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
