// Package mapstate holds the transient map view: the driver marker and the
// station the current route heads to.
package mapstate

import (
	"sync"
	"time"

	"github.com/example/ivan/internal/models"
)

// DefaultDelta is the viewport span used for a freshly placed driver marker.
var DefaultDelta = models.Delta{Lat: 0.005, Lon: 0.005}

// Listener is called with a snapshot after every mutation, in mutation
// order. Listeners run outside the state lock, so they may read the state,
// but they must not mutate it.
type Listener func(models.MapData)

type State struct {
	// emit serialises mutate-and-notify so the last snapshot a listener
	// sees is always the current state.
	emit sync.Mutex

	mu        sync.RWMutex
	data      models.MapData
	listeners map[int]Listener
	nextID    int
	now       func() time.Time
}

func New() *State {
	return &State{listeners: make(map[int]Listener), now: time.Now}
}

// OnChange registers fn and returns a function removing it.
func (s *State) OnChange(fn Listener) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *State) mutate(fn func(d *models.MapData)) {
	s.emit.Lock()
	defer s.emit.Unlock()

	s.mu.Lock()
	fn(&s.data)
	s.data.UpdatedAt = s.now().UTC()
	snap := clone(s.data)
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()
	for _, l := range ls {
		l(snap)
	}
}

// SetDriverLocation overwrites the driver coordinate; the last write wins.
func (s *State) SetDriverLocation(c models.Coord) {
	s.mutate(func(d *models.MapData) {
		if d.Driver == nil {
			d.Driver = &models.DriverMarker{Delta: DefaultDelta}
		}
		d.Driver.Location = c
	})
}

func (s *State) SetDriver(m models.DriverMarker) {
	if m.Delta == (models.Delta{}) {
		m.Delta = DefaultDelta
	}
	s.mutate(func(d *models.MapData) { d.Driver = &m })
}

func (s *State) ClearDriver() {
	s.mutate(func(d *models.MapData) { d.Driver = nil })
}

func (s *State) SetStation(m models.StationMarker) {
	m.Waypoints = append([]models.Coord(nil), m.Waypoints...)
	s.mutate(func(d *models.MapData) { d.Station = &m })
}

func (s *State) ClearStation() {
	s.mutate(func(d *models.MapData) { d.Station = nil })
}

func (s *State) Snapshot() models.MapData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.data)
}

// CurrentLocation is the driver marker position, when one is known.
func (s *State) CurrentLocation() (models.Coord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.Driver == nil {
		return models.Coord{}, false
	}
	return s.data.Driver.Location, true
}

func (s *State) Station() (models.StationMarker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.Station == nil {
		return models.StationMarker{}, false
	}
	return *s.data.Station, true
}

func clone(d models.MapData) models.MapData {
	out := models.MapData{UpdatedAt: d.UpdatedAt}
	if d.Driver != nil {
		drv := *d.Driver
		out.Driver = &drv
	}
	if d.Station != nil {
		st := *d.Station
		st.Waypoints = append([]models.Coord(nil), d.Station.Waypoints...)
		out.Station = &st
	}
	return out
}
