package geo

import (
	"sort"
	"sync"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ivan/internal/models"
)

// A precision 5 cell is about 4.9km tall and at least 3km wide below 60
// degrees latitude, so a cell plus its eight neighbours covers bucketReach.
const (
	bucketPrecision = 5
	bucketReach     = 1500.0
)

// Candidate is a station together with its distance from the query point.
type Candidate struct {
	Station  models.Station `json:"station"`
	Distance float64        `json:"distance_meters"`
}

// StationIndex buckets stations by geohash for nearby lookups.
type StationIndex struct {
	mu       sync.RWMutex
	stations map[models.ID]models.Station
	buckets  map[string]map[models.ID]struct{}
}

func NewStationIndex() *StationIndex {
	return &StationIndex{
		stations: make(map[models.ID]models.Station),
		buckets:  make(map[string]map[models.ID]struct{}),
	}
}

func (g *StationIndex) Upsert(s models.Station) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.stations[s.ID]; ok {
		delete(g.buckets[bucketOf(old.Coord())], s.ID)
	}
	g.stations[s.ID] = s
	key := bucketOf(s.Coord())
	if g.buckets[key] == nil {
		g.buckets[key] = make(map[models.ID]struct{})
	}
	g.buckets[key][s.ID] = struct{}{}
}

// Replace swaps the whole station set.
func (g *StationIndex) Replace(stations []models.Station) {
	g.mu.Lock()
	g.stations = make(map[models.ID]models.Station, len(stations))
	g.buckets = make(map[string]map[models.ID]struct{})
	g.mu.Unlock()
	for _, s := range stations {
		g.Upsert(s)
	}
}

func (g *StationIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.stations)
}

// Nearby returns stations within radiusMeters of p, closest first. A
// non-positive limit returns every match.
func (g *StationIndex) Nearby(p models.Coord, radiusMeters float64, limit int) []Candidate {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []models.ID
	if radiusMeters <= bucketReach {
		center := bucketOf(p)
		for _, key := range append(geohash.Neighbors(center), center) {
			for id := range g.buckets[key] {
				ids = append(ids, id)
			}
		}
	} else {
		for id := range g.stations {
			ids = append(ids, id)
		}
	}

	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		s := g.stations[id]
		d := DistanceMeters(p, s.Coord())
		if d <= radiusMeters {
			out = append(out, Candidate{Station: s, Distance: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance == out[j].Distance {
			return out[i].Station.ID < out[j].Station.ID
		}
		return out[i].Distance < out[j].Distance
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func bucketOf(c models.Coord) string {
	return geohash.EncodeWithPrecision(c.Lat, c.Lon, bucketPrecision)
}
