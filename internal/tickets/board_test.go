package tickets

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ivan/internal/api"
	"github.com/example/ivan/internal/apitest"
	"github.com/example/ivan/internal/geo"
	"github.com/example/ivan/internal/logging"
	"github.com/example/ivan/internal/models"
)

type fixedLocation struct {
	mu sync.Mutex
	c  *models.Coord
}

func (f *fixedLocation) CurrentLocation() (models.Coord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.c == nil {
		return models.Coord{}, false
	}
	return *f.c, true
}

func (f *fixedLocation) set(c models.Coord) {
	f.mu.Lock()
	f.c = &c
	f.mu.Unlock()
}

type tokenString string

func (s tokenString) Token() string { return string(s) }

func newBoard(t *testing.T) (*Board, *apitest.Backend, *fixedLocation) {
	t.Helper()
	b := apitest.New()
	t.Cleanup(b.Close)
	c := api.New(b.APIBase(), time.Second, api.WithTokenSource(tokenString(b.IssueToken("driver"))))
	loc := &fixedLocation{}
	return NewBoard(c, loc, 100, logging.Discard()), b, loc
}

func TestPerformRefetchesAfterMutation(t *testing.T) {
	board, b, loc := newBoard(t)
	b.SetTickets(list(models.TicketIssued, models.TicketIssued))
	loc.set(north(pickup.Coord(), 40))
	ctx := context.Background()

	_, err := board.Refresh(ctx)
	require.NoError(t, err)

	var after []models.TicketAction
	board.AfterAction = func(a models.TicketAction, _ View) { after = append(after, a) }

	v, err := board.Perform(ctx, models.TicketConfirm, "1", "2")
	require.NoError(t, err)
	assert.True(t, v.AllConfirmed)
	assert.True(t, v.Tickets[0].Allows(models.TicketCollect))
	assert.Len(t, b.CallsTo("tickets"), 2)
	assert.Equal(t, []models.TicketAction{models.TicketConfirm}, after)

	v, err = board.Perform(ctx, models.TicketCollect, "1")
	require.NoError(t, err)
	assert.Equal(t, models.TicketCollected, v.Tickets[0].Status)
	assert.Len(t, b.CallsTo("tickets"), 3)
}

func TestPerformRequiresFreshView(t *testing.T) {
	board, b, _ := newBoard(t)
	b.SetTickets(list(models.TicketIssued))

	_, err := board.Perform(context.Background(), models.TicketReject, "1")
	assert.ErrorIs(t, err, ErrStaleView)
	assert.Empty(t, b.TicketActionCalls())
}

func TestPerformRejectsActionsNotOnOffer(t *testing.T) {
	board, b, loc := newBoard(t)
	b.SetTickets(list(models.TicketConfirmed, models.TicketIssued))
	loc.set(north(pickup.Coord(), 500))
	ctx := context.Background()
	_, err := board.Refresh(ctx)
	require.NoError(t, err)

	_, err = board.Perform(ctx, models.TicketCollect, "1")
	assert.ErrorIs(t, err, ErrActionNotAllowed)
	_, err = board.Perform(ctx, models.TicketConfirm, "2")
	assert.ErrorIs(t, err, ErrActionNotAllowed)
	_, err = board.Perform(ctx, models.TicketReject, "99")
	assert.ErrorIs(t, err, ErrActionNotAllowed)
	assert.Empty(t, b.TicketActionCalls())

	_, ok := board.View()
	assert.True(t, ok, "refused actions keep the cached view")
}

func TestConfirmWithoutLocation(t *testing.T) {
	board, b, _ := newBoard(t)
	b.SetTickets(list(models.TicketIssued))
	ctx := context.Background()
	_, err := board.Refresh(ctx)
	require.NoError(t, err)

	_, err = board.Perform(ctx, models.TicketConfirm, "1")
	assert.ErrorIs(t, err, geo.ErrLocationUnavailable)
}

func TestViewTracksLatestLocation(t *testing.T) {
	board, b, loc := newBoard(t)
	b.SetTickets(list(models.TicketIssued))
	loc.set(north(pickup.Coord(), 300))
	_, err := board.Refresh(context.Background())
	require.NoError(t, err)

	v, ok := board.View()
	require.True(t, ok)
	assert.False(t, v.Tickets[0].Allows(models.TicketConfirm))

	loc.set(north(pickup.Coord(), 20))
	v, _ = board.View()
	assert.True(t, v.Tickets[0].Allows(models.TicketConfirm))
}

func TestUnauthorizedSkipsRefetch(t *testing.T) {
	board, b, _ := newBoard(t)
	b.SetTickets(list(models.TicketIssued))
	ctx := context.Background()
	_, err := board.Refresh(ctx)
	require.NoError(t, err)

	b.SetUnauthorized(true)
	_, err = board.Perform(ctx, models.TicketReject, "1")
	assert.True(t, api.IsUnauthorized(err))
	assert.Len(t, b.CallsTo("tickets"), 1)
	_, ok := board.View()
	assert.False(t, ok)
}

func TestFailedActionStillRefetches(t *testing.T) {
	board, b, _ := newBoard(t)
	b.SetTickets(list(models.TicketIssued))
	b.FailPath("tickets/reject", http.StatusConflict)
	ctx := context.Background()
	_, err := board.Refresh(ctx)
	require.NoError(t, err)

	_, err = board.Perform(ctx, models.TicketReject, "1")
	require.Error(t, err)
	assert.Equal(t, "Action failed", api.FirstMessage(err))
	assert.Len(t, b.CallsTo("tickets"), 2)
	_, ok := board.View()
	assert.True(t, ok)
}

type blockingBackend struct {
	list    models.TicketList
	release chan struct{}
	entered chan struct{}
}

func (f *blockingBackend) Tickets(context.Context) (models.TicketList, error) { return f.list, nil }

func (f *blockingBackend) TicketAction(ctx context.Context, _ models.TicketAction, _ ...models.ID) error {
	f.entered <- struct{}{}
	select {
	case <-f.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestDuplicateActionWhileInFlight(t *testing.T) {
	fb := &blockingBackend{list: list(models.TicketIssued), release: make(chan struct{}), entered: make(chan struct{}, 1)}
	board := NewBoard(fb, nil, 100, logging.Discard())
	ctx := context.Background()
	_, err := board.Refresh(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := board.Perform(ctx, models.TicketReject, "1")
		done <- err
	}()
	<-fb.entered

	_, err = board.Perform(ctx, models.TicketReject, "1")
	assert.True(t, errors.Is(err, ErrActionInFlight) || errors.Is(err, ErrStaleView))

	close(fb.release)
	require.NoError(t, <-done)
}

func TestResetDiscardsLateResponse(t *testing.T) {
	fb := &blockingBackend{list: list(models.TicketIssued), release: make(chan struct{}), entered: make(chan struct{}, 1)}
	board := NewBoard(fb, nil, 100, logging.Discard())
	ctx := context.Background()
	_, err := board.Refresh(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := board.Perform(ctx, models.TicketReject, "1")
		done <- err
	}()
	<-fb.entered
	board.Reset()
	close(fb.release)

	assert.ErrorIs(t, <-done, ErrDetached)
	_, ok := board.View()
	assert.False(t, ok)
}
