package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ivan/internal/apitest"
	"github.com/example/ivan/internal/config"
	"github.com/example/ivan/internal/logging"
	"github.com/example/ivan/internal/models"
	"github.com/example/ivan/internal/push"
	"github.com/example/ivan/internal/session"
)

func clientConfig(b *apitest.Backend) config.ClientConfig {
	return config.ClientConfig{
		BaseURL:              b.Server.URL,
		APIPrefix:            "api/v1",
		HTTPTimeout:          time.Second,
		BoardingRadiusM:      100,
		StationSearchRadiusM: 1000,
		StoreBackend:         "memory",
		DefaultSpeedMps:      8,
		ETACacheTTL:          time.Minute,
	}
}

func TestOpenStoreBackends(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	for _, cfg := range []config.ClientConfig{
		{StoreBackend: "memory"},
		{StoreBackend: "file", StorePath: filepath.Join(t.TempDir(), "session.json")},
		{StoreBackend: "redis", RedisAddr: mr.Addr(), RedisKeyPrefix: "ivan:"},
	} {
		kv, closer, err := OpenStore(cfg)
		require.NoError(t, err, cfg.StoreBackend)
		require.NoError(t, kv.Set(ctx, session.BearerTokenKey, "tok"))
		v, err := kv.Get(ctx, session.BearerTokenKey)
		require.NoError(t, err)
		assert.Equal(t, "tok", v)
		if closer != nil {
			require.NoError(t, closer.Close())
		}
	}

	_, _, err := OpenStore(config.ClientConfig{StoreBackend: "keychain"})
	assert.Error(t, err)
}

func TestClientRestoresSession(t *testing.T) {
	b := apitest.New()
	defer b.Close()
	b.AddUser("Mona", "0100", "secret")
	cfg := clientConfig(b)
	cfg.StoreBackend = "file"
	cfg.StorePath = filepath.Join(t.TempDir(), "session.json")
	ctx := context.Background()

	first, err := NewClient(ctx, cfg, nil, logging.Discard())
	require.NoError(t, err)
	_, err = first.Session.Login(ctx, "0100", "secret")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewClient(ctx, cfg, nil, logging.Discard())
	require.NoError(t, err)
	defer second.Close()
	assert.True(t, second.Session.LoggedIn())
	_, err = second.Orders.List(ctx)
	require.NoError(t, err)
}

func TestAgentForcedLogoutResetsState(t *testing.T) {
	b := apitest.New()
	defer b.Close()
	b.AddUser("Mona", "0100", "secret")
	ctx := context.Background()

	a, err := NewAgent(ctx, config.AgentConfig{ClientConfig: clientConfig(b)}, logging.Discard())
	require.NoError(t, err)
	defer a.Close()
	_, err = a.Session.Login(ctx, "0100", "secret")
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	raw := []byte(`{"data":{"type":"driver_selection","order_id":"42","station_name":"Ramses","station_latitude":"30.06","station_longitude":"31.25"}}`)
	require.NoError(t, a.Router.Handle(ctx, push.OriginInitial, raw))
	_, open := a.Reconciler.Pending()
	require.True(t, open)

	b.SetUnauthorized(true)
	_, err = a.Orders.List(ctx)
	require.Error(t, err)

	assert.False(t, a.Session.LoggedIn())
	assert.Nil(t, a.Map.Snapshot().Station)
	_, open = a.Reconciler.Pending()
	assert.False(t, open, "the prompt does not outlive the session")
	assert.Equal(t, models.CycleIdle, a.Reconciler.State())

	require.NoError(t, a.Reconciler.Resume(ctx))
	_, open = a.Reconciler.Pending()
	assert.False(t, open)
}

func TestAgentRoutesDriverSelection(t *testing.T) {
	b := apitest.New()
	defer b.Close()
	b.AddUser("Mona", "0100", "secret")
	b.AddOrder(models.Order{ID: "42", Status: models.OrderPending})
	ctx := context.Background()

	a, err := NewAgent(ctx, config.AgentConfig{ClientConfig: clientConfig(b)}, logging.Discard())
	require.NoError(t, err)
	defer a.Close()
	_, err = a.Session.Login(ctx, "0100", "secret")
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	raw := []byte(`{"data":{"type":"driver_selection","order_id":"42","station_name":"Ramses","station_latitude":"30.06","station_longitude":"31.25"}}`)
	require.NoError(t, a.Router.Handle(ctx, push.OriginInitial, raw))
	require.NoError(t, a.Reconciler.Accept(ctx))

	st := a.Map.Snapshot().Station
	require.NotNil(t, st)
	assert.Equal(t, "Ramses", st.Name)
	o, _ := b.OrderByID("42")
	assert.Equal(t, models.OrderAccepted, o.Status)
}

func TestAgentCollectClearsStation(t *testing.T) {
	b := apitest.New()
	defer b.Close()
	b.AddUser("Mona", "0100", "secret")
	b.SetTickets(models.TicketList{Tickets: []models.Ticket{{ID: "1", Status: models.TicketConfirmed}}})
	ctx := context.Background()

	a, err := NewAgent(ctx, config.AgentConfig{ClientConfig: clientConfig(b)}, logging.Discard())
	require.NoError(t, err)
	defer a.Close()
	_, err = a.Session.Login(ctx, "0100", "secret")
	require.NoError(t, err)

	a.Map.SetStation(models.StationMarker{Name: "Ramses"})
	_, err = a.Tickets.Refresh(ctx)
	require.NoError(t, err)
	_, err = a.Tickets.Perform(ctx, models.TicketCollect, "1")
	require.NoError(t, err)
	assert.Nil(t, a.Map.Snapshot().Station)
}
