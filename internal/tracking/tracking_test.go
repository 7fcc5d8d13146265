package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ivan/internal/api"
	"github.com/example/ivan/internal/apitest"
	"github.com/example/ivan/internal/eta"
	"github.com/example/ivan/internal/logging"
	"github.com/example/ivan/internal/mapstate"
	"github.com/example/ivan/internal/models"
	"github.com/example/ivan/internal/realtime"
)

// fakeStream never closes its channel on Close, the way a leaked handler
// would keep firing after teardown.
type fakeStream struct {
	ch     chan realtime.Event
	mu     sync.Mutex
	closed bool
}

func (f *fakeStream) Events() <-chan realtime.Event { return f.ch }

func (f *fakeStream) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type subscribeCall struct{ channel, token string }

type fakeSubscriber struct {
	mu      sync.Mutex
	calls   []subscribeCall
	streams []*fakeStream
	err     error
}

func (f *fakeSubscriber) Subscribe(_ context.Context, channel, token string) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, subscribeCall{channel, token})
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeStream{ch: make(chan realtime.Event, 8)}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeSubscriber) last() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[len(f.streams)-1]
}

type tokenString string

func (s tokenString) Token() string { return string(s) }

func location(lat, lon float64) realtime.Event {
	b, _ := json.Marshal(models.Coord{Lat: lat, Lon: lon})
	return realtime.Event{Channel: "private-Drivers.5", Name: LocationChangedEvent, Data: b}
}

func TestMountOpensOneSubscription(t *testing.T) {
	sub := &fakeSubscriber{}
	state := mapstate.New()
	a := NewAdapter(sub, tokenString("tok"), state, logging.Discard())
	ctx := context.Background()

	require.NoError(t, a.Mount(ctx, "5"))
	assert.ErrorIs(t, a.Mount(ctx, "5"), ErrAlreadyMounted)
	assert.Equal(t, []subscribeCall{{"private-Drivers.5", "tok"}}, sub.calls)

	id, ok := a.Mounted()
	assert.True(t, ok)
	assert.Equal(t, models.ID("5"), id)
}

func TestLocationEventsLastWins(t *testing.T) {
	sub := &fakeSubscriber{}
	state := mapstate.New()
	a := NewAdapter(sub, nil, state, logging.Discard())
	require.NoError(t, a.Mount(context.Background(), "5"))
	s := sub.last()

	s.ch <- realtime.Event{Name: "somethingElse", Data: json.RawMessage(`{}`)}
	s.ch <- realtime.Event{Name: LocationChangedEvent, Data: json.RawMessage(`not json`)}
	s.ch <- location(30.01, 31.01)
	s.ch <- location(30.02, 31.02)

	assert.Eventually(t, func() bool {
		c, ok := state.CurrentLocation()
		return ok && c == models.Coord{Lat: 30.02, Lon: 31.02}
	}, time.Second, 5*time.Millisecond)
}

func TestNoMutationAfterUnmount(t *testing.T) {
	sub := &fakeSubscriber{}
	state := mapstate.New()
	a := NewAdapter(sub, nil, state, logging.Discard())
	require.NoError(t, a.Mount(context.Background(), "5"))
	s := sub.last()

	s.ch <- location(30.01, 31.01)
	require.Eventually(t, func() bool {
		_, ok := state.CurrentLocation()
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Unmount())
	assert.True(t, s.isClosed())
	before := state.Snapshot()

	s.ch <- location(10, 10)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, before, state.Snapshot())
	_, mounted := a.Mounted()
	assert.False(t, mounted)
	require.NoError(t, a.Unmount())
}

func TestStreamEndUnmounts(t *testing.T) {
	sub := &fakeSubscriber{}
	a := NewAdapter(sub, nil, mapstate.New(), logging.Discard())
	ctx := context.Background()
	require.NoError(t, a.Mount(ctx, "5"))
	s := sub.last()

	close(s.ch)
	require.Eventually(t, func() bool {
		_, ok := a.Mounted()
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.isClosed())

	require.NoError(t, a.Mount(ctx, "5"))
	assert.Len(t, sub.calls, 2)
}

func TestMountRequiresDriver(t *testing.T) {
	a := NewAdapter(&fakeSubscriber{}, nil, mapstate.New(), logging.Discard())
	assert.ErrorIs(t, a.Mount(context.Background(), ""), ErrNoDriver)
}

type gatedSubscriber struct {
	fakeSubscriber
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSubscriber) Subscribe(ctx context.Context, channel, token string) (Stream, error) {
	close(g.entered)
	<-g.release
	return g.fakeSubscriber.Subscribe(ctx, channel, token)
}

func TestUnmountDuringSubscribe(t *testing.T) {
	g := &gatedSubscriber{entered: make(chan struct{}), release: make(chan struct{})}
	a := NewAdapter(g, nil, mapstate.New(), logging.Discard())

	done := make(chan error, 1)
	go func() { done <- a.Mount(context.Background(), "5") }()
	<-g.entered
	require.NoError(t, a.Unmount())
	close(g.release)

	assert.ErrorIs(t, <-done, ErrDetached)
	assert.True(t, g.last().isClosed())
}

func newService(t *testing.T) (*Service, *apitest.Backend, *fakeSubscriber) {
	t.Helper()
	b := apitest.New()
	t.Cleanup(b.Close)
	tok := tokenString(b.IssueToken("rider"))
	c := api.New(b.APIBase(), time.Second, api.WithTokenSource(tok))
	sub := &fakeSubscriber{}
	est := eta.NewEstimator(nil, eta.NewCache(time.Minute), 10, logging.Discard())
	return NewService(c, sub, tok, mapstate.New(), est, logging.Discard()), b, sub
}

func TestServiceOpenSeedsMap(t *testing.T) {
	svc, b, sub := newService(t)
	b.SetTracking("77", models.TrackingInfo{
		DriverID: "5", DriverName: "Hassan",
		DriverLatitude: 30.05, DriverLongitude: 31.24,
		StationLatitude: 30.06, StationLongitude: 31.25,
	})
	ctx := context.Background()

	sess, err := svc.Open(ctx, "77")
	require.NoError(t, err)
	assert.Equal(t, "Hassan", sess.Info.DriverName)
	assert.Len(t, sub.calls, 1)

	snap := svc.State().Snapshot()
	require.NotNil(t, snap.Driver)
	require.NotNil(t, snap.Station)
	assert.Equal(t, models.Coord{Lat: 30.05, Lon: 31.24}, snap.Driver.Location)

	est, err := svc.ETA(ctx)
	require.NoError(t, err)
	assert.Greater(t, est.Seconds, 0.0)
	assert.Equal(t, "straight_line", est.Source)

	require.NoError(t, svc.Close())
	assert.True(t, sub.last().isClosed())
	_, err = svc.ETA(ctx)
	assert.ErrorIs(t, err, ErrNotTracking)
	assert.Nil(t, svc.State().Snapshot().Driver)
}

func TestServiceOpenUnknownTicket(t *testing.T) {
	svc, _, sub := newService(t)
	_, err := svc.Open(context.Background(), "404")
	require.Error(t, err)
	assert.Equal(t, "No tracking available.", api.FirstMessage(err))
	assert.Empty(t, sub.calls)
}

func TestServiceSubscribeFailureClearsMap(t *testing.T) {
	svc, b, sub := newService(t)
	sub.err = errors.New("socket refused")
	b.SetTracking("77", models.TrackingInfo{DriverID: "5", DriverLatitude: 30, DriverLongitude: 31})

	_, err := svc.Open(context.Background(), "77")
	require.Error(t, err)
	snap := svc.State().Snapshot()
	assert.Nil(t, snap.Driver)
	assert.Nil(t, snap.Station)
}
