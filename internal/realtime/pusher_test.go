package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ivan/internal/logging"
)

// fakePusher speaks enough of the protocol for the client: handshake,
// private channel auth, subscribe, ping and event push.
type fakePusher struct {
	srv *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	authReqs []authReq
	received []message
	pongs    int
	reject   bool
}

type authReq struct {
	Authorization string
	SocketID      string
	Channel       string
}

func newFakePusher(t *testing.T) *fakePusher {
	f := &fakePusher{}
	up := websocket.Upgrader{}
	r := mux.NewRouter()
	r.HandleFunc("/broadcasting/auth", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.mu.Lock()
		f.authReqs = append(f.authReqs, authReq{r.Header.Get("Authorization"), r.PostForm.Get("socket_id"), r.PostForm.Get("channel_name")})
		reject := f.reject
		f.mu.Unlock()
		if reject {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"auth": "key:signature"})
	}).Methods(http.MethodPost)
	r.HandleFunc("/app/{key}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "app-key", mux.Vars(r)["key"])
		assert.Equal(t, "7", r.URL.Query().Get("protocol"))
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		f.mu.Lock()
		f.conns = append(f.conns, c)
		_ = c.WriteJSON(map[string]string{
			"event": "pusher:connection_established",
			"data":  `{"socket_id":"123.456","activity_timeout":120}`,
		})
		f.mu.Unlock()
		for {
			var m message
			if err := c.ReadJSON(&m); err != nil {
				return
			}
			f.mu.Lock()
			f.received = append(f.received, m)
			if m.Event == "pusher:pong" {
				f.pongs++
			}
			f.mu.Unlock()
			if m.Event == "pusher:subscribe" {
				var d struct{ Channel, Auth string }
				_ = json.Unmarshal(m.Data, &d)
				if d.Auth == "" && strings.HasPrefix(d.Channel, "private-") {
					f.write(c, map[string]any{"event": "pusher:subscription_error", "channel": d.Channel, "data": `{"status":401}`})
					continue
				}
				f.write(c, map[string]any{"event": "pusher_internal:subscription_succeeded", "channel": d.Channel, "data": "{}"})
			}
		}
	})
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakePusher) options() Options {
	return Options{
		URL:          f.srv.URL,
		AppKey:       "app-key",
		AuthEndpoint: f.srv.URL + "/broadcasting/auth",
		Logger:       logging.Discard(),
	}
}

func (f *fakePusher) write(c *websocket.Conn, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = c.WriteJSON(v)
}

func (f *fakePusher) push(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.WriteJSON(v)
	}
}

// drop closes every server-side socket without a close frame.
func (f *fakePusher) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.NetConn().Close()
	}
}

func (f *fakePusher) sawEvent(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.received {
		if m.Event == name {
			return true
		}
	}
	return false
}

func TestPrivateChannelEvents(t *testing.T) {
	f := newFakePusher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := NewConnector(f.options()).Subscribe(ctx, "private-Drivers.7", "tok-1")
	require.NoError(t, err)
	defer sub.Close()

	f.mu.Lock()
	require.Len(t, f.authReqs, 1)
	assert.Equal(t, authReq{"Bearer tok-1", "123.456", "private-Drivers.7"}, f.authReqs[0])
	f.mu.Unlock()

	f.push(map[string]any{"event": "locationChanged", "channel": "private-Drivers.7", "data": `{"latitude":30.01,"longitude":31.02}`})
	f.push(map[string]any{"event": "locationChanged", "channel": "private-Drivers.8", "data": `{"latitude":1,"longitude":1}`})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "locationChanged", ev.Name)
		assert.JSONEq(t, `{"latitude":30.01,"longitude":31.02}`, string(ev.Data))
	case <-ctx.Done():
		t.Fatal("no event")
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	f := newFakePusher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, f.options())
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "123.456", c.SocketID())

	f.push(map[string]any{"event": "pusher:ping", "data": "{}"})
	assert.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.pongs == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuthRejected(t *testing.T) {
	f := newFakePusher(t)
	f.mu.Lock()
	f.reject = true
	f.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewConnector(f.options()).Subscribe(ctx, "private-Drivers.7", "expired")
	assert.ErrorIs(t, err, ErrSubscriptionError)
}

func TestCloseEndsEventsAndUnsubscribes(t *testing.T) {
	f := newFakePusher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, f.options())
	require.NoError(t, err)
	defer c.Close()

	sub, err := c.Subscribe(ctx, "public-stations", "")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Eventually(t, func() bool { return f.sawEvent("pusher:unsubscribe") }, 2*time.Second, 10*time.Millisecond)

	f.mu.Lock()
	assert.Empty(t, f.authReqs, "public channels skip auth")
	f.mu.Unlock()
}

func TestSlowReaderKeepsLatest(t *testing.T) {
	s := newSubscription(nil, "x")
	for i := 0; i < EventBuffer+5; i++ {
		s.deliver(Event{Name: "e", Data: json.RawMessage(strings.Repeat("1", i+1))})
	}
	assert.Len(t, s.events, EventBuffer)
	first := <-s.events
	assert.Len(t, first.Data, 6)
	s.finish()
	s.deliver(Event{Name: "late"})
}

func TestUnwrap(t *testing.T) {
	assert.JSONEq(t, `{"a":1}`, string(unwrap(json.RawMessage(`"{\"a\":1}"`))))
	assert.JSONEq(t, `{"a":1}`, string(unwrap(json.RawMessage(`{"a":1}`))))
}

func TestServerDropReleasesSocket(t *testing.T) {
	f := newFakePusher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := NewConnector(f.options()).Subscribe(ctx, "private-Drivers.7", "tok")
	require.NoError(t, err)

	f.drop()
	select {
	case <-sub.conn.Done():
	case <-ctx.Done():
		t.Fatal("read loop did not notice the drop")
	}
	_, open := <-sub.Events()
	assert.False(t, open)

	assert.Error(t, sub.conn.send("pusher:ping", struct{}{}), "socket must be closed locally")
	assert.NoError(t, sub.Close())
}
