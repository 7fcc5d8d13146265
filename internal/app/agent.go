package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ivan/internal/config"
	"github.com/example/ivan/internal/dispatch"
	"github.com/example/ivan/internal/httpapi"
	"github.com/example/ivan/internal/mapstate"
	"github.com/example/ivan/internal/models"
	"github.com/example/ivan/internal/push"
	"github.com/example/ivan/internal/reconciler"
	"github.com/example/ivan/internal/session"
	"github.com/example/ivan/internal/storage"
	"github.com/example/ivan/internal/tickets"
	"github.com/example/ivan/internal/tracking"
)

// Agent owns the ride and map state behind the HTTP surface.
type Agent struct {
	*Client

	Map        *mapstate.State
	Tickets    *tickets.Board
	Tracking   *tracking.Service
	Hub        *dispatch.Hub
	Router     *push.Router
	Reconciler *reconciler.Reconciler
	Journal    storage.CycleStore
	Kafka      *push.KafkaSource
	Server     *httpapi.Server

	cancelMap      func()
	cancelTracking func()
}

// NewAgent builds every component. Postgres backs the cycle journal when a
// DSN is configured and Kafka feeds notifications when brokers are.
func NewAgent(ctx context.Context, cfg config.AgentConfig, logger *slog.Logger) (*Agent, error) {
	a := &Agent{Map: mapstate.New(), Hub: dispatch.NewHub(logger)}

	c, err := NewClient(ctx, cfg.ClientConfig, session.NavigatorFunc(a.resetToStart), logger)
	if err != nil {
		return nil, err
	}
	a.Client = c

	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		c.closers = append(c.closers, pg)
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				_ = c.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			c.logger.Info("migrations applied")
		}
		a.Journal = pg
	} else {
		a.Journal = storage.NewMemoryStore()
	}

	a.cancelMap = a.Map.OnChange(a.Hub.PublishMap)
	a.Tickets = tickets.NewBoard(c.API, a.Map, cfg.BoardingRadiusM, logger)
	a.Tickets.AfterAction = a.afterTicketAction
	a.Tracking = c.NewTracking(mapstate.New())
	a.cancelTracking = a.Tracking.State().OnChange(a.Hub.PublishTracking)

	a.Reconciler = reconciler.New(c.Orders, a.Map, a.Journal, a.Hub, logger)
	a.Router = push.NewRouter(logger)
	a.Router.On(push.TypeDriverSelection, a.Reconciler)
	a.Router.Fallback(push.HandlerFunc(a.otherNotification))
	a.Router.SetAlerter(a.Hub)

	if len(cfg.KafkaBrokers) > 0 {
		reader := push.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaNotificationTopic, cfg.KafkaGroup)
		a.Kafka = push.NewKafkaSource(reader, a.Router, logger)
		c.closers = append(c.closers, a.Kafka)
	}

	a.Server = httpapi.NewServer(httpapi.Deps{
		Map:      a.Map,
		Tickets:  a.Tickets,
		Orders:   c.Orders,
		Prompts:  a.Reconciler,
		Push:     a.Router,
		Tracking: a.Tracking,
		Stations: c.Stations,
		Hub:      a.Hub,
	}, logger)
	return a, nil
}

// Start restores state left by a previous run and starts the Kafka
// consumer, which stops with ctx.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.Reconciler.Resume(ctx); err != nil {
		a.logger.Warn("resume prompt", "error", err)
	}
	if a.Session.LoggedIn() {
		if _, err := a.Stations.SyncNextRoute(ctx, a.Map); err != nil {
			a.logger.Warn("initial route sync", "error", err)
		}
	}
	if a.Kafka != nil {
		go func() {
			if err := a.Kafka.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("notification consumer stopped", "error", err)
			}
		}()
	}
	return nil
}

// resetToStart runs after a forced logout.
func (a *Agent) resetToStart() {
	if a.Tickets != nil {
		a.Tickets.Reset()
	}
	if a.Tracking != nil {
		_ = a.Tracking.Close()
	}
	if a.Client != nil {
		a.Orders.Invalidate()
	}
	if a.Reconciler != nil {
		a.Reconciler.Reset(context.Background())
	}
	a.Map.ClearStation()
	a.Hub.ResetToStart()
}

// afterTicketAction drops the station once the group has boarded.
func (a *Agent) afterTicketAction(action models.TicketAction, v tickets.View) {
	if action == models.TicketCollect || (action == models.TicketConfirm && v.AllConfirmed) {
		a.Map.ClearStation()
	}
}

// otherNotification handles typed notifications outside the prompt flow:
// the order list is stale and the UI is sent to the tickets screen.
func (a *Agent) otherNotification(_ context.Context, origin push.Origin, m push.Message) error {
	a.Orders.Invalidate()
	if origin != push.OriginForeground {
		a.Hub.Broadcast(dispatch.TypeNavigate, map[string]string{"screen": "tickets", "type": m.Type})
	}
	return nil
}

func (a *Agent) Close() error {
	if a.cancelMap != nil {
		a.cancelMap()
	}
	if a.cancelTracking != nil {
		a.cancelTracking()
	}
	_ = a.Tracking.Close()
	a.Hub.Close()
	return a.Client.Close()
}
