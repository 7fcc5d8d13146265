// Package tracking follows an assigned driver on the map for as long as a
// tracking view is open.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/ivan/internal/logging"
	"github.com/example/ivan/internal/models"
	"github.com/example/ivan/internal/observability"
	"github.com/example/ivan/internal/realtime"
)

const LocationChangedEvent = "locationChanged"

var (
	ErrAlreadyMounted = errors.New("tracking: already mounted")
	ErrDetached       = errors.New("tracking: unmounted while subscribing")
	ErrNoDriver       = errors.New("tracking: no driver assigned")
)

// Channel is the private per-driver location channel.
func Channel(driverID models.ID) string { return "private-Drivers." + driverID.String() }

type Stream interface {
	Events() <-chan realtime.Event
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, channel, token string) (Stream, error)
}

// FromConnector adapts a realtime.Connector.
func FromConnector(c *realtime.Connector) Subscriber { return connectorSubscriber{c} }

type connectorSubscriber struct{ c *realtime.Connector }

func (s connectorSubscriber) Subscribe(ctx context.Context, channel, token string) (Stream, error) {
	sub, err := s.c.Subscribe(ctx, channel, token)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

type TokenSource interface {
	Token() string
}

type LocationWriter interface {
	SetDriverLocation(models.Coord)
}

// Adapter feeds location events from one driver channel into a
// LocationWriter. Writes happen under the adapter lock, so once Unmount
// returns no event, however late, reaches the writer.
type Adapter struct {
	sub    Subscriber
	tokens TokenSource
	writer LocationWriter
	logger *slog.Logger

	mu     sync.Mutex
	stream Stream
	driver models.ID
	gen    uint64
}

func NewAdapter(sub Subscriber, tokens TokenSource, writer LocationWriter, logger *slog.Logger) *Adapter {
	return &Adapter{sub: sub, tokens: tokens, writer: writer, logger: logging.Component(logger, "tracking")}
}

// Mount opens the single subscription for driverID. The token is read once
// here and not refreshed for the life of the subscription.
func (a *Adapter) Mount(ctx context.Context, driverID models.ID) error {
	if driverID == "" {
		return ErrNoDriver
	}
	a.mu.Lock()
	if a.stream != nil {
		a.mu.Unlock()
		return ErrAlreadyMounted
	}
	a.gen++
	gen := a.gen
	a.mu.Unlock()

	token := ""
	if a.tokens != nil {
		token = a.tokens.Token()
	}
	s, err := a.sub.Subscribe(ctx, Channel(driverID), token)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.gen != gen || a.stream != nil {
		a.mu.Unlock()
		_ = s.Close()
		return ErrDetached
	}
	a.stream = s
	a.driver = driverID
	a.mu.Unlock()

	go a.pump(s)
	a.logger.Info("tracking mounted", "driver_id", driverID)
	return nil
}

func (a *Adapter) pump(s Stream) {
	defer a.release(s)
	for ev := range s.Events() {
		if ev.Name != LocationChangedEvent {
			continue
		}
		var c models.Coord
		if err := json.Unmarshal(ev.Data, &c); err != nil {
			observability.LocationEventsTotal.WithLabelValues("malformed").Inc()
			a.logger.Warn("malformed location event", "error", err)
			continue
		}
		if !a.apply(s, c) {
			observability.LocationEventsTotal.WithLabelValues("dropped").Inc()
			return
		}
		observability.LocationEventsTotal.WithLabelValues("applied").Inc()
	}
}

// release forgets s once its events stop. When the stream ended on its own
// (connection dropped) the adapter is left unmounted so a new Mount works.
func (a *Adapter) release(s Stream) {
	a.mu.Lock()
	if a.stream != s {
		a.mu.Unlock()
		return
	}
	driver := a.driver
	a.stream = nil
	a.driver = ""
	a.gen++
	a.mu.Unlock()
	_ = s.Close()
	a.logger.Warn("tracking stream ended", "driver_id", driver)
}

func (a *Adapter) apply(s Stream, c models.Coord) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream != s {
		return false
	}
	a.writer.SetDriverLocation(c)
	return true
}

// Unmount closes the subscription. It is safe to call when not mounted and
// also cancels a Mount still waiting on its subscription.
func (a *Adapter) Unmount() error {
	a.mu.Lock()
	s := a.stream
	a.stream = nil
	a.driver = ""
	a.gen++
	a.mu.Unlock()
	if s == nil {
		return nil
	}
	err := s.Close()
	a.logger.Info("tracking unmounted")
	return err
}

func (a *Adapter) Mounted() (models.ID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver, a.stream != nil
}
