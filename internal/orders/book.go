// Package orders keeps the rider's order list behind an explicit
// invalidate-then-reread contract.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/ivan/internal/api"
	"github.com/example/ivan/internal/logging"
	"github.com/example/ivan/internal/models"
	"github.com/example/ivan/internal/observability"
)

var (
	ErrActionInFlight = errors.New("orders: action already in flight")
	ErrInvalidSeats   = errors.New("orders: seats must be at least 1")
)

type Backend interface {
	Orders(ctx context.Context) ([]models.Order, error)
	Checkout(ctx context.Context, routeID models.ID, seats int) (models.Order, error)
	OrderAction(ctx context.Context, id models.ID, action models.OrderAction) error
}

// View is what an order row offers.
type View struct {
	models.Order
	// CanViewTicket is set once the order is processed and carries a ticket.
	CanViewTicket bool `json:"can_view_ticket"`
	// CanTrack is set while that ticket is still issued.
	CanTrack      bool      `json:"can_track"`
	TrackTicketID models.ID `json:"track_ticket_id,omitempty"`
}

func ViewOf(o models.Order) View {
	v := View{Order: o}
	if o.Status == models.OrderProcessed && o.Ticket != nil {
		v.CanViewTicket = true
		if o.Ticket.Status == models.TicketIssued {
			v.CanTrack = true
			v.TrackTicketID = o.TicketID
			if v.TrackTicketID == "" {
				v.TrackTicketID = o.Ticket.ID
			}
		}
	}
	return v
}

// Book caches the order list. Every mutation drops the cache before the
// request is sent; List re-reads whenever the cache is empty.
type Book struct {
	backend Backend
	logger  *slog.Logger

	mu       sync.Mutex
	cached   []models.Order
	valid    bool
	gen      uint64
	inflight map[string]struct{}
}

func NewBook(backend Backend, logger *slog.Logger) *Book {
	return &Book{backend: backend, logger: logging.Component(logger, "orders"), inflight: make(map[string]struct{})}
}

func (b *Book) Invalidate() {
	b.mu.Lock()
	b.valid = false
	b.cached = nil
	b.gen++
	b.mu.Unlock()
}

func (b *Book) List(ctx context.Context) ([]View, error) {
	b.mu.Lock()
	if b.valid {
		out := views(b.cached)
		b.mu.Unlock()
		return out, nil
	}
	gen := b.gen
	b.mu.Unlock()

	list, err := b.backend.Orders(ctx)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	// a mutation landed while reading; keep the result out of the cache
	if b.gen == gen {
		b.cached = list
		b.valid = true
	}
	b.mu.Unlock()
	return views(list), nil
}

// Checkout places an order for seats on routeID.
func (b *Book) Checkout(ctx context.Context, routeID models.ID, seats int) (models.Order, error) {
	if seats < 1 {
		return models.Order{}, ErrInvalidSeats
	}
	release, err := b.begin("checkout:" + routeID.String())
	if err != nil {
		return models.Order{}, err
	}
	defer release()
	o, err := b.backend.Checkout(ctx, routeID, seats)
	record("checkout", err)
	if err != nil {
		return models.Order{}, err
	}
	b.logger.Info("order placed", "order_id", o.ID, "route_id", routeID, "seats", seats)
	return o, nil
}

func (b *Book) Accept(ctx context.Context, id models.ID) error {
	return b.act(ctx, id, models.OrderAccept)
}

func (b *Book) Deny(ctx context.Context, id models.ID) error {
	return b.act(ctx, id, models.OrderDeny)
}

// Ignore is accepted by the backend; nothing in the prompt flow sends it.
func (b *Book) Ignore(ctx context.Context, id models.ID) error {
	return b.act(ctx, id, models.OrderIgnore)
}

func (b *Book) act(ctx context.Context, id models.ID, action models.OrderAction) error {
	release, err := b.begin(string(action) + ":" + id.String())
	if err != nil {
		return err
	}
	defer release()
	err = b.backend.OrderAction(ctx, id, action)
	record(string(action), err)
	if err != nil {
		return fmt.Errorf("%s order %s: %w", action, id, err)
	}
	return nil
}

// begin drops the cache and marks key in flight.
func (b *Book) begin(key string) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, busy := b.inflight[key]; busy {
		return nil, ErrActionInFlight
	}
	b.inflight[key] = struct{}{}
	b.valid = false
	b.cached = nil
	b.gen++
	return func() {
		b.mu.Lock()
		delete(b.inflight, key)
		b.mu.Unlock()
	}, nil
}

func views(os []models.Order) []View {
	out := make([]View, 0, len(os))
	for _, o := range os {
		out = append(out, ViewOf(o))
	}
	return out
}

func record(action string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case api.IsUnauthorized(err):
		outcome = "unauthorized"
	default:
		outcome = "error"
	}
	observability.OrderActionsTotal.WithLabelValues(action, outcome).Inc()
}
