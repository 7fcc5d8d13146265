package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/ivan/internal/eta"
	"github.com/example/ivan/internal/logging"
	"github.com/example/ivan/internal/mapstate"
	"github.com/example/ivan/internal/models"
)

var ErrNotTracking = errors.New("tracking: no ticket is being tracked")

type Backend interface {
	Tracking(ctx context.Context, ticketID models.ID) (models.TrackingInfo, error)
}

// Session is one open tracking view.
type Session struct {
	TicketID models.ID           `json:"ticket_id"`
	Info     models.TrackingInfo `json:"info"`
}

// Service is the tracking view: it seeds its map from the backend's
// tracking info and keeps the driver marker live until Close.
type Service struct {
	backend   Backend
	adapter   *Adapter
	state     *mapstate.State
	estimator *eta.Estimator
	logger    *slog.Logger

	mu      sync.Mutex
	current *Session
}

func NewService(backend Backend, sub Subscriber, tokens TokenSource, state *mapstate.State, estimator *eta.Estimator, logger *slog.Logger) *Service {
	return &Service{
		backend:   backend,
		adapter:   NewAdapter(sub, tokens, state, logger),
		state:     state,
		estimator: estimator,
		logger:    logging.Component(logger, "tracking"),
	}
}

func (s *Service) State() *mapstate.State { return s.state }

// Open replaces any open view with one for ticketID.
func (s *Service) Open(ctx context.Context, ticketID models.ID) (Session, error) {
	if err := s.Close(); err != nil {
		s.logger.Warn("closing previous tracking view", "error", err)
	}
	info, err := s.backend.Tracking(ctx, ticketID)
	if err != nil {
		return Session{}, err
	}
	s.state.SetDriver(models.DriverMarker{Location: info.DriverCoord()})
	s.state.SetStation(models.StationMarker{Name: "Pickup station", Location: info.StationCoord()})

	if err := s.adapter.Mount(ctx, info.DriverID); err != nil {
		s.state.ClearDriver()
		s.state.ClearStation()
		return Session{}, err
	}
	sess := Session{TicketID: ticketID, Info: info}
	s.mu.Lock()
	s.current = &sess
	s.mu.Unlock()
	return sess, nil
}

// Close tears the view down; no location event is applied afterwards.
func (s *Service) Close() error {
	s.mu.Lock()
	open := s.current != nil
	s.current = nil
	s.mu.Unlock()
	err := s.adapter.Unmount()
	if open {
		s.state.ClearDriver()
		s.state.ClearStation()
	}
	return err
}

func (s *Service) Current() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Session{}, false
	}
	return *s.current, true
}

// ETA estimates how long the tracked driver needs to reach the station.
func (s *Service) ETA(ctx context.Context) (eta.Estimate, error) {
	sess, ok := s.Current()
	if !ok {
		return eta.Estimate{}, ErrNotTracking
	}
	from, ok := s.state.CurrentLocation()
	if !ok {
		from = sess.Info.DriverCoord()
	}
	return s.estimator.Estimate(ctx, from, sess.Info.StationCoord()), nil
}
