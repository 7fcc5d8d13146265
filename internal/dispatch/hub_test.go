package dispatch

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ivan/internal/logging"
	"github.com/example/ivan/internal/mapstate"
	"github.com/example/ivan/internal/models"
	"github.com/example/ivan/internal/reconciler"
)

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func next(t *testing.T, c *websocket.Conn) received {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var r received
	require.NoError(t, c.ReadJSON(&r))
	return r
}

func TestReplayOnConnect(t *testing.T) {
	h := NewHub(logging.Discard())
	srv := httptest.NewServer(h)
	defer srv.Close()

	h.PublishMap(models.MapData{Driver: &models.DriverMarker{Location: models.Coord{Lat: 30, Lon: 31}}})
	h.ShowPrompt(reconciler.Prompt{OrderID: "42"})

	c := dial(t, srv)
	assert.Equal(t, TypeMap, next(t, c).Type)
	p := next(t, c)
	assert.Equal(t, TypePrompt, p.Type)
	assert.Contains(t, string(p.Data), `"order_id":"42"`)
}

func TestBroadcastAndDismiss(t *testing.T) {
	h := NewHub(logging.Discard())
	srv := httptest.NewServer(h)
	defer srv.Close()

	a, b := dial(t, srv), dial(t, srv)
	require.Eventually(t, func() bool { return h.Sessions() == 2 }, time.Second, 5*time.Millisecond)

	h.ShowPrompt(reconciler.Prompt{OrderID: "42"})
	h.DismissPrompt("42", "Order not found.")
	for _, c := range []*websocket.Conn{a, b} {
		assert.Equal(t, TypePrompt, next(t, c).Type)
		d := next(t, c)
		assert.Equal(t, TypePromptDismissed, d.Type)
		var dm Dismissal
		require.NoError(t, json.Unmarshal(d.Data, &dm))
		assert.Equal(t, Dismissal{OrderID: "42", Error: "Order not found."}, dm)
	}

	// a dismissed prompt is not replayed
	late := dial(t, srv)
	require.Eventually(t, func() bool { return h.Sessions() == 3 }, time.Second, 5*time.Millisecond)
	h.Alert("hello")
	assert.Equal(t, TypeAlert, next(t, late).Type)
}

func TestResetToStartAndDisconnect(t *testing.T) {
	h := NewHub(logging.Discard())
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := dial(t, srv)
	require.Eventually(t, func() bool { return h.Sessions() == 1 }, time.Second, 5*time.Millisecond)
	h.ResetToStart()
	r := next(t, c)
	assert.Equal(t, TypeNavigate, r.Type)
	assert.JSONEq(t, `{"screen":"start"}`, string(r.Data))

	c.Close()
	assert.Eventually(t, func() bool { return h.Sessions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClose(t *testing.T) {
	h := NewHub(logging.Discard())
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := dial(t, srv)
	require.Eventually(t, func() bool { return h.Sessions() == 1 }, time.Second, 5*time.Millisecond)
	h.Close()
	assert.Zero(t, h.Sessions())
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	assert.Error(t, err)
}

func TestTrackingUpdatesReachClients(t *testing.T) {
	h := NewHub(logging.Discard())
	srv := httptest.NewServer(h)
	defer srv.Close()
	state := mapstate.New()
	state.OnChange(h.PublishTracking)

	c := dial(t, srv)
	require.Eventually(t, func() bool { return h.Sessions() == 1 }, time.Second, 5*time.Millisecond)

	state.SetDriverLocation(models.Coord{Lat: 30.05, Lon: 31.24})
	r := next(t, c)
	assert.Equal(t, TypeTracking, r.Type)
	var d models.MapData
	require.NoError(t, json.Unmarshal(r.Data, &d))
	require.NotNil(t, d.Driver)
	assert.Equal(t, models.Coord{Lat: 30.05, Lon: 31.24}, d.Driver.Location)

	// replayed while the view is open
	late := dial(t, srv)
	assert.Equal(t, TypeTracking, next(t, late).Type)

	// a closed view is announced and no longer replayed
	state.ClearDriver()
	ended := next(t, c)
	assert.Equal(t, TypeTracking, ended.Type)
	assert.Empty(t, ended.Data)
	assert.Equal(t, TypeTracking, next(t, late).Type)

	fresh := dial(t, srv)
	require.Eventually(t, func() bool { return h.Sessions() == 3 }, time.Second, 5*time.Millisecond)
	h.Alert("hello")
	assert.Equal(t, TypeAlert, next(t, fresh).Type)
}
