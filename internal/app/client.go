// Package app wires the client components from configuration. The CLI
// uses Client; the agent builds an Agent on top of it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/example/ivan/internal/api"
	"github.com/example/ivan/internal/config"
	"github.com/example/ivan/internal/eta"
	"github.com/example/ivan/internal/geo"
	"github.com/example/ivan/internal/logging"
	"github.com/example/ivan/internal/mapstate"
	"github.com/example/ivan/internal/orders"
	"github.com/example/ivan/internal/realtime"
	"github.com/example/ivan/internal/session"
	"github.com/example/ivan/internal/stations"
	"github.com/example/ivan/internal/store"
	"github.com/example/ivan/internal/tracking"
)

// Client is the authenticated core shared by every entry point.
type Client struct {
	Config   config.ClientConfig
	API      *api.Client
	Session  *session.Session
	Orders   *orders.Book
	Stations *stations.Finder
	ETA      *eta.Estimator
	Realtime *realtime.Connector

	base    *slog.Logger
	logger  *slog.Logger
	closers []io.Closer
}

// OpenStore returns the key/value backend named by cfg.StoreBackend. The
// closer is nil for backends that hold no resources.
func OpenStore(cfg config.ClientConfig) (store.KV, io.Closer, error) {
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemoryStore(), nil, nil
	case "file":
		fs, err := store.NewFileStore(cfg.StorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open file store: %w", err)
		}
		return fs, nil, nil
	case "redis":
		rs := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKeyPrefix)
		return rs, rs, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// NewClient opens the store, binds the API client to the session and
// restores any persisted login.
func NewClient(ctx context.Context, cfg config.ClientConfig, nav session.Navigator, logger *slog.Logger) (*Client, error) {
	kv, closer, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	c := &Client{Config: cfg, base: logger, logger: logging.Component(logger, "app")}
	if closer != nil {
		c.closers = append(c.closers, closer)
	}

	c.API = api.New(cfg.APIBaseURL(), cfg.HTTPTimeout, api.WithLogger(logger))
	c.Session = session.New(kv, c.API, nav, logger)
	c.Session.Bind(c.API)
	if _, err := c.Session.Restore(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}

	c.Orders = orders.NewBook(c.API, logger)
	if cfg.StoreBackend == "redis" {
		idx := geo.NewRedisStationIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKeyPrefix+"stations")
		c.closers = append(c.closers, idx)
		c.Stations = stations.NewFinderWithIndex(c.API, idx, cfg.StationSearchRadiusM, logger)
	} else {
		c.Stations = stations.NewFinder(c.API, cfg.StationSearchRadiusM, logger)
	}

	var router eta.Router
	if cfg.OSRMEndpoint != "" {
		router = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	c.ETA = eta.NewEstimator(router, eta.NewCache(cfg.ETACacheTTL), cfg.DefaultSpeedMps, logger)

	c.Realtime = realtime.NewConnector(realtime.Options{
		URL:          cfg.RealtimeURL,
		AppKey:       cfg.RealtimeAppKey,
		AuthEndpoint: cfg.RealtimeAuthEndpoint,
		Logger:       logger,
	})
	return c, nil
}

// NewTracking builds a tracking view drawing into state.
func (c *Client) NewTracking(state *mapstate.State) *tracking.Service {
	return tracking.NewService(c.API, tracking.FromConnector(c.Realtime), c.Session, state, c.ETA, c.base)
}

func (c *Client) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i].Close())
	}
	c.closers = nil
	return errors.Join(errs...)
}
