// Package realtime is a small client for Pusher-protocol servers (Pusher,
// Laravel WebSockets, Soketi). It supports private channels authorised with
// the session bearer token.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ivan/internal/logging"
)

const protocolVersion = "7"

var (
	ErrClosed            = errors.New("realtime: connection closed")
	ErrSubscriptionError = errors.New("realtime: subscription rejected")
)

// Event is one application event delivered on a channel. Data is the JSON
// payload with the protocol's string wrapping removed.
type Event struct {
	Channel string
	Name    string
	Data    json.RawMessage
}

type Options struct {
	// URL is the socket host root, e.g. wss://host:2053.
	URL          string
	AppKey       string
	AuthEndpoint string

	HTTPClient       *http.Client
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

type message struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Conn is one socket. Channels on it are multiplexed by name.
type Conn struct {
	ws       *websocket.Conn
	socketID string
	opts     Options
	logger   *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
	done   chan struct{}
}

func socketURL(o Options) (string, error) {
	u, err := url.Parse(strings.TrimRight(o.URL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/app/" + url.PathEscape(o.AppKey)
	q := u.Query()
	q.Set("protocol", protocolVersion)
	q.Set("client", "ivan-go")
	q.Set("version", "1.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens the socket and waits for the server's connection_established.
func Dial(ctx context.Context, o Options) (*Conn, error) {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	target, err := socketURL(o)
	if err != nil {
		return nil, fmt.Errorf("realtime url: %w", err)
	}
	d := websocket.Dialer{HandshakeTimeout: o.HandshakeTimeout, Proxy: http.ProxyFromEnvironment}
	ws, _, err := d.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("realtime dial: %w", err)
	}

	deadline := time.Now().Add(o.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = ws.SetReadDeadline(deadline)
	var m message
	if err := ws.ReadJSON(&m); err != nil {
		ws.Close()
		return nil, fmt.Errorf("realtime handshake: %w", err)
	}
	if m.Event != "pusher:connection_established" {
		ws.Close()
		return nil, fmt.Errorf("realtime handshake: unexpected %q", m.Event)
	}
	var est struct {
		SocketID string `json:"socket_id"`
	}
	if err := json.Unmarshal(unwrap(m.Data), &est); err != nil || est.SocketID == "" {
		ws.Close()
		return nil, errors.New("realtime handshake: missing socket id")
	}
	_ = ws.SetReadDeadline(time.Time{})

	c := &Conn{
		ws:       ws,
		socketID: est.SocketID,
		opts:     o,
		logger:   logging.Component(o.Logger, "realtime"),
		subs:     make(map[string]*Subscription),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) SocketID() string { return c.socketID }

// Done is closed once the read loop has stopped.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) send(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(message{Event: event, Data: b})
}

// Subscribe joins channel. Private and presence channels are authorised
// against the auth endpoint with token as bearer. It returns once the server
// has confirmed the subscription.
func (c *Conn) Subscribe(ctx context.Context, channel, token string) (*Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := c.subs[channel]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("realtime: already subscribed to %s", channel)
	}
	sub := newSubscription(c, channel)
	c.subs[channel] = sub
	c.mu.Unlock()

	payload := map[string]string{"channel": channel}
	if strings.HasPrefix(channel, "private-") || strings.HasPrefix(channel, "presence-") {
		auth, err := c.authorize(ctx, channel, token)
		if err != nil {
			c.drop(channel)
			return nil, err
		}
		payload["auth"] = auth
	}
	if err := c.send("pusher:subscribe", payload); err != nil {
		c.drop(channel)
		return nil, fmt.Errorf("realtime subscribe: %w", err)
	}

	select {
	case <-sub.ready:
		if sub.err != nil {
			c.drop(channel)
			return nil, sub.err
		}
		sub.count()
		c.logger.Info("subscribed", "channel", channel)
		return sub, nil
	case <-ctx.Done():
		c.drop(channel)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Conn) authorize(ctx context.Context, channel, token string) (string, error) {
	form := url.Values{"socket_id": {c.socketID}, "channel_name": {channel}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.AuthEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("realtime auth: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: auth endpoint answered %d", ErrSubscriptionError, resp.StatusCode)
	}
	var out struct {
		Auth string `json:"auth"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Auth == "" {
		return "", fmt.Errorf("%w: malformed auth response", ErrSubscriptionError)
	}
	return out.Auth, nil
}

func (c *Conn) readLoop() {
	defer c.shutdown()
	for {
		var m message
		if err := c.ws.ReadJSON(&m); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Warn("realtime read failed", "error", err)
			}
			return
		}
		switch m.Event {
		case "pusher:ping":
			if err := c.send("pusher:pong", struct{}{}); err != nil {
				c.logger.Warn("realtime pong failed", "error", err)
			}
		case "pusher:pong":
		case "pusher:error":
			c.logger.Warn("realtime server error", "data", string(unwrap(m.Data)))
		case "pusher_internal:subscription_succeeded":
			if s := c.lookup(m.Channel); s != nil {
				s.confirm(nil)
			}
		case "pusher:subscription_error":
			if s := c.lookup(m.Channel); s != nil {
				s.confirm(fmt.Errorf("%w: %s", ErrSubscriptionError, string(unwrap(m.Data))))
			}
		default:
			if strings.HasPrefix(m.Event, "pusher") {
				continue
			}
			if s := c.lookup(m.Channel); s != nil {
				s.deliver(Event{Channel: m.Channel, Name: m.Event, Data: unwrap(m.Data)})
			}
		}
	}
}

func (c *Conn) lookup(channel string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[channel]
}

func (c *Conn) drop(channel string) {
	c.mu.Lock()
	s := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()
	if s != nil {
		s.finish()
	}
}

func (c *Conn) unsubscribe(channel string) {
	c.mu.Lock()
	_, ok := c.subs[channel]
	delete(c.subs, channel)
	closed := c.closed
	c.mu.Unlock()
	if ok && !closed {
		if err := c.send("pusher:unsubscribe", map[string]string{"channel": channel}); err != nil {
			c.logger.Debug("realtime unsubscribe failed", "channel", channel, "error", err)
		}
	}
}

// shutdown runs when the read loop ends, whether the server dropped the
// socket or Close did. The socket is released either way.
func (c *Conn) shutdown() {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()
	_ = c.ws.Close()
	for _, s := range subs {
		s.finish()
	}
	close(c.done)
}

// Close ends every subscription and the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

// unwrap strips the string encoding Pusher applies to event data.
func unwrap(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return json.RawMessage(s)
		}
	}
	return raw
}
