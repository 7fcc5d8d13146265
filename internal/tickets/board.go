package tickets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/example/ivan/internal/api"
	"github.com/example/ivan/internal/geo"
	"github.com/example/ivan/internal/logging"
	"github.com/example/ivan/internal/models"
	"github.com/example/ivan/internal/observability"
)

var (
	ErrActionInFlight   = errors.New("tickets: action already in flight")
	ErrActionNotAllowed = errors.New("tickets: action not allowed for ticket")
	ErrStaleView        = errors.New("tickets: view is stale, refresh first")
	// ErrDetached is returned for responses that arrive after Reset.
	ErrDetached = errors.New("tickets: board was reset")
)

type Backend interface {
	Tickets(ctx context.Context) (models.TicketList, error)
	TicketAction(ctx context.Context, action models.TicketAction, ids ...models.ID) error
}

// Locator yields the coordinate boarding proximity is measured from.
type Locator interface {
	CurrentLocation() (models.Coord, bool)
}

// Board owns the driver's ticket list for one screen lifetime. The cached
// list is dropped the moment a mutation is sent and only replaced by a
// fresh read, so actions are never checked against a pre-mutation copy.
type Board struct {
	backend Backend
	loc     Locator
	radius  float64
	logger  *slog.Logger

	// AfterAction runs after every successful mutation and re-fetch.
	AfterAction func(action models.TicketAction, v View)

	mu       sync.Mutex
	list     *models.TicketList
	epoch    uint64
	inflight map[string]struct{}
}

func NewBoard(backend Backend, loc Locator, boardingRadius float64, logger *slog.Logger) *Board {
	if boardingRadius <= 0 {
		boardingRadius = geo.BoardingRadiusMeters
	}
	return &Board{
		backend:  backend,
		loc:      loc,
		radius:   boardingRadius,
		logger:   logging.Component(logger, "tickets"),
		inflight: make(map[string]struct{}),
	}
}

func (b *Board) current() *models.Coord {
	if b.loc == nil {
		return nil
	}
	c, ok := b.loc.CurrentLocation()
	if !ok {
		return nil
	}
	return &c
}

// Refresh re-reads the ticket list and returns the derived view.
func (b *Board) Refresh(ctx context.Context) (View, error) {
	b.mu.Lock()
	epoch := b.epoch
	b.mu.Unlock()

	list, err := b.backend.Tickets(ctx)
	if err != nil {
		return View{}, err
	}

	b.mu.Lock()
	if b.epoch != epoch {
		b.mu.Unlock()
		return View{}, ErrDetached
	}
	b.list = &list
	b.mu.Unlock()
	return Interpret(list, b.current(), b.radius), nil
}

// View recomputes the view from the cached list against the latest
// location. ok is false when there is nothing fresh to show.
func (b *Board) View() (View, bool) {
	b.mu.Lock()
	list := b.list
	b.mu.Unlock()
	if list == nil {
		return View{}, false
	}
	return Interpret(*list, b.current(), b.radius), true
}

// Perform sends action for ids and re-reads the list. The returned view is
// the post-mutation one. A 401 is returned as is; the session has already
// been invalidated by then so no re-read is attempted.
func (b *Board) Perform(ctx context.Context, action models.TicketAction, ids ...models.ID) (View, error) {
	if len(ids) == 0 {
		return View{}, fmt.Errorf("%w: no tickets given", ErrActionNotAllowed)
	}
	key := inflightKey(action, ids)

	b.mu.Lock()
	if _, busy := b.inflight[key]; busy {
		b.mu.Unlock()
		return View{}, ErrActionInFlight
	}
	if b.list == nil {
		b.mu.Unlock()
		return View{}, ErrStaleView
	}
	list := *b.list
	b.mu.Unlock()

	cur := b.current()
	v := Interpret(list, cur, b.radius)
	for _, id := range ids {
		t, ok := v.Find(id)
		if !ok || !t.Allows(action) {
			if action == models.TicketConfirm && cur == nil && ok && t.Status == models.TicketIssued {
				return View{}, geo.ErrLocationUnavailable
			}
			return View{}, fmt.Errorf("%w: %s on ticket %s", ErrActionNotAllowed, action, id)
		}
	}

	b.mu.Lock()
	if _, busy := b.inflight[key]; busy {
		b.mu.Unlock()
		return View{}, ErrActionInFlight
	}
	b.inflight[key] = struct{}{}
	b.list = nil
	epoch := b.epoch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.inflight, key)
		b.mu.Unlock()
	}()

	err := b.backend.TicketAction(ctx, action, ids...)
	b.record(action, err)

	b.mu.Lock()
	detached := b.epoch != epoch
	b.mu.Unlock()
	if detached {
		return View{}, ErrDetached
	}

	if err != nil {
		if api.IsUnauthorized(err) {
			return View{}, err
		}
		b.logger.Warn("ticket action failed", "action", action, "tickets", ids, "error", err)
		if _, rerr := b.Refresh(ctx); rerr != nil && !errors.Is(rerr, ErrDetached) {
			b.logger.Warn("ticket refresh after failed action", "error", rerr)
		}
		return View{}, err
	}

	nv, err := b.Refresh(ctx)
	if err != nil {
		return View{}, err
	}
	if b.AfterAction != nil {
		b.AfterAction(action, nv)
	}
	return nv, nil
}

// Reset detaches the board from its screen: the cache is dropped and any
// response still in flight is discarded when it lands.
func (b *Board) Reset() {
	b.mu.Lock()
	b.epoch++
	b.list = nil
	b.mu.Unlock()
}

func (b *Board) record(action models.TicketAction, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case api.IsUnauthorized(err):
		outcome = "unauthorized"
	default:
		outcome = "error"
	}
	observability.TicketActionsTotal.WithLabelValues(string(action), outcome).Inc()
}

func inflightKey(action models.TicketAction, ids []models.ID) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = id.String()
	}
	sort.Strings(s)
	return string(action) + ":" + strings.Join(s, ",")
}
