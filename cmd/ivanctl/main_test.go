package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ivan/internal/api"
	"github.com/example/ivan/internal/apitest"
	"github.com/example/ivan/internal/models"
	"github.com/example/ivan/internal/session"
)

func TestDescribe(t *testing.T) {
	err := &api.APIError{Status: 422, Data: api.ErrorData{
		Message: "The given data was invalid.",
		Fields:  map[string][]string{"password": {"too short"}, "mobile": {"taken"}},
	}}
	assert.Equal(t, "The given data was invalid.\n  mobile: taken\n  password: too short", describe(err))
	assert.Equal(t, "boom", describe(errors.New("boom")))
}

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, splitBrokers(" k1:9092, ,k2:9092"))
	assert.Empty(t, splitBrokers(""))
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoginThenCommands(t *testing.T) {
	b := apitest.New()
	defer b.Close()
	b.AddUser("Mona", "0100", "secret")
	b.AddOrder(models.Order{ID: "42", Status: models.OrderPending})
	b.SetTickets(models.TicketList{Tickets: []models.Ticket{{ID: "7", Status: models.TicketConfirmed}}})

	t.Setenv("BASE_URL", b.Server.URL)
	t.Setenv("API_V1_PREFIX", "api/v1")
	t.Setenv("STORE_BACKEND", "file")
	t.Setenv("STORE_PATH", filepath.Join(t.TempDir(), "session.json"))

	_, err := run(t, "orders")
	require.ErrorIs(t, err, session.ErrNotLoggedIn)

	out, err := run(t, "login", "--mobile", "0100", "--password", "secret")
	require.NoError(t, err)
	assert.Contains(t, out, "Mona")

	out, err = run(t, "orders", "list")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": 42`)

	_, err = run(t, "orders", "accept", "42")
	require.NoError(t, err)
	o, _ := b.OrderByID("42")
	assert.Equal(t, models.OrderAccepted, o.Status)

	_, err = run(t, "tickets", "collect", "7")
	require.NoError(t, err)
	calls := b.TicketActionCalls()
	require.Len(t, calls, 1)

	out, err = run(t, "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "logged out")

	_, err = run(t, "tickets")
	require.ErrorIs(t, err, session.ErrNotLoggedIn)
}
