// Package stations finds pickup stations near the rider and the routes
// leaving them.
package stations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/example/ivan/internal/geo"
	"github.com/example/ivan/internal/logging"
	"github.com/example/ivan/internal/models"
)

var ErrInvalidSeats = errors.New("stations: seats must be at least 1")

type Backend interface {
	PickupStations(ctx context.Context) ([]models.Station, error)
	StationRoutes(ctx context.Context, stationID models.ID) ([]models.Route, error)
	NextRoute(ctx context.Context) (*models.Route, error)
}

type MapWriter interface {
	SetStation(m models.StationMarker)
	ClearStation()
}

// Index answers radius queries over the loaded station set.
type Index interface {
	Replace(ctx context.Context, stations []models.Station) error
	Nearby(ctx context.Context, p models.Coord, radiusMeters float64, limit int) ([]geo.Candidate, error)
}

// memoryIndex is the process-local index.
type memoryIndex struct{ idx *geo.StationIndex }

func (m memoryIndex) Replace(_ context.Context, stations []models.Station) error {
	m.idx.Replace(stations)
	return nil
}

func (m memoryIndex) Nearby(_ context.Context, p models.Coord, radius float64, limit int) ([]geo.Candidate, error) {
	return m.idx.Nearby(p, radius, limit), nil
}

type Finder struct {
	backend Backend
	index   Index
	radius  float64
	logger  *slog.Logger

	mu     sync.Mutex
	loaded bool
}

func NewFinder(backend Backend, radius float64, logger *slog.Logger) *Finder {
	return NewFinderWithIndex(backend, memoryIndex{geo.NewStationIndex()}, radius, logger)
}

// NewFinderWithIndex is NewFinder over a shared index such as
// geo.RedisStationIndex.
func NewFinderWithIndex(backend Backend, index Index, radius float64, logger *slog.Logger) *Finder {
	if radius <= 0 {
		radius = geo.StationSearchRadiusMeters
	}
	return &Finder{
		backend: backend,
		index:   index,
		radius:  radius,
		logger:  logging.Component(logger, "stations"),
	}
}

// Load fetches the pickup station list and rebuilds the index.
func (f *Finder) Load(ctx context.Context) error {
	list, err := f.backend.PickupStations(ctx)
	if err != nil {
		return fmt.Errorf("pickup stations: %w", err)
	}
	if err := f.index.Replace(ctx, list); err != nil {
		return fmt.Errorf("index stations: %w", err)
	}
	f.mu.Lock()
	f.loaded = true
	f.mu.Unlock()
	f.logger.Debug("stations loaded", "count", len(list))
	return nil
}

func (f *Finder) ensure(ctx context.Context) error {
	f.mu.Lock()
	loaded := f.loaded
	f.mu.Unlock()
	if loaded {
		return nil
	}
	return f.Load(ctx)
}

// Nearby returns stations within the search radius of p, closest first.
func (f *Finder) Nearby(ctx context.Context, p models.Coord, limit int) ([]geo.Candidate, error) {
	if err := f.ensure(ctx); err != nil {
		return nil, err
	}
	return f.index.Nearby(ctx, p, f.radius, limit)
}

func (f *Finder) Routes(ctx context.Context, stationID models.ID) ([]models.Route, error) {
	routes, err := f.backend.StationRoutes(ctx, stationID)
	if err != nil {
		return nil, fmt.Errorf("routes for station %s: %w", stationID, err)
	}
	return routes, nil
}

// Fare is the route fee for seats, rounded to cents. It is informational;
// the backend settles the charge.
func Fare(r models.Route, seats int) (float64, error) {
	if seats < 1 {
		return 0, ErrInvalidSeats
	}
	return math.Round(r.Fees*float64(seats)*100) / 100, nil
}

// SyncNextRoute points the map at the upcoming route's end stop, or clears
// the station when there is none.
func (f *Finder) SyncNextRoute(ctx context.Context, w MapWriter) (*models.Route, error) {
	r, err := f.backend.NextRoute(ctx)
	if err != nil {
		return nil, fmt.Errorf("next route: %w", err)
	}
	if r == nil {
		w.ClearStation()
		return nil, nil
	}
	w.SetStation(models.StationMarker{Name: r.EndStop.Name, Location: r.EndStop.Coord(), Waypoints: r.Waypoints})
	return r, nil
}
