package realtime

import (
	"context"
	"sync"

	"github.com/example/ivan/internal/observability"
)

// EventBuffer is how many undelivered events a subscription holds. When the
// reader falls behind, the oldest event is dropped.
const EventBuffer = 16

// Subscription is one joined channel. Events is closed when the
// subscription ends, whether by Close or by the connection dropping.
type Subscription struct {
	conn    *Conn
	channel string
	events  chan Event

	ready     chan struct{}
	readyOnce sync.Once
	err       error

	mu       sync.Mutex
	closed   bool
	counted  bool
	ownsConn bool
}

func newSubscription(c *Conn, channel string) *Subscription {
	return &Subscription{
		conn:    c,
		channel: channel,
		events:  make(chan Event, EventBuffer),
		ready:   make(chan struct{}),
	}
}

func (s *Subscription) Channel() string { return s.channel }

func (s *Subscription) Events() <-chan Event { return s.events }

func (s *Subscription) confirm(err error) {
	s.readyOnce.Do(func() {
		s.err = err
		close(s.ready)
	})
}

func (s *Subscription) count() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && !s.counted {
		s.counted = true
		observability.ActiveSubscriptions.Inc()
	}
}

func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

func (s *Subscription) finish() {
	s.confirm(ErrClosed)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
	if s.counted {
		observability.ActiveSubscriptions.Dec()
	}
}

// Close leaves the channel. When the subscription was opened through a
// Connector the socket is closed too.
func (s *Subscription) Close() error {
	s.conn.unsubscribe(s.channel)
	s.finish()
	if s.ownsConn {
		return s.conn.Close()
	}
	return nil
}

// Connector opens a dedicated socket per subscription, authorised with the
// token current at subscribe time.
type Connector struct {
	Options Options
}

func NewConnector(o Options) *Connector { return &Connector{Options: o} }

func (c *Connector) Subscribe(ctx context.Context, channel, token string) (*Subscription, error) {
	conn, err := Dial(ctx, c.Options)
	if err != nil {
		return nil, err
	}
	sub, err := conn.Subscribe(ctx, channel, token)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sub.ownsConn = true
	return sub, nil
}
