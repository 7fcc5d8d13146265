package mapstate

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ivan/internal/models"
)

func TestDriverLocationLastWriteWins(t *testing.T) {
	s := New()
	_, ok := s.CurrentLocation()
	assert.False(t, ok)

	s.SetDriverLocation(models.Coord{Lat: 30, Lon: 31})
	s.SetDriverLocation(models.Coord{Lat: 30.1, Lon: 31.1})

	c, ok := s.CurrentLocation()
	require.True(t, ok)
	assert.Equal(t, models.Coord{Lat: 30.1, Lon: 31.1}, c)
	assert.Equal(t, DefaultDelta, s.Snapshot().Driver.Delta)
}

func TestStationSetAndClear(t *testing.T) {
	s := New()
	wps := []models.Coord{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}}
	s.SetStation(models.StationMarker{Name: "Ramses", Location: models.Coord{Lat: 30.06, Lon: 31.25}, Waypoints: wps})
	wps[0].Lat = 99

	st, ok := s.Station()
	require.True(t, ok)
	assert.Equal(t, "Ramses", st.Name)
	assert.Equal(t, 1.0, st.Waypoints[0].Lat)

	s.ClearStation()
	_, ok = s.Station()
	assert.False(t, ok)
	assert.Nil(t, s.Snapshot().Station)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New()
	s.SetDriver(models.DriverMarker{Location: models.Coord{Lat: 1, Lon: 2}})
	snap := s.Snapshot()
	snap.Driver.Location.Lat = 50

	c, _ := s.CurrentLocation()
	assert.Equal(t, 1.0, c.Lat)
}

func TestListeners(t *testing.T) {
	s := New()
	var got []models.MapData
	cancel := s.OnChange(func(d models.MapData) { got = append(got, d) })

	s.SetDriverLocation(models.Coord{Lat: 1, Lon: 1})
	s.SetStation(models.StationMarker{Name: "A"})
	cancel()
	s.ClearStation()

	require.Len(t, got, 2)
	assert.Nil(t, got[0].Station)
	assert.Equal(t, "A", got[1].Station.Name)
	assert.False(t, got[1].UpdatedAt.IsZero())
}

func TestListenersSeeMutationsInOrder(t *testing.T) {
	for round := 0; round < 20; round++ {
		s := New()
		var mu sync.Mutex
		var last models.MapData
		s.OnChange(func(d models.MapData) {
			// uneven delay, like a websocket write
			time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
			mu.Lock()
			last = d
			mu.Unlock()
		})

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s.SetDriverLocation(models.Coord{Lat: 30 + float64(i)/100, Lon: 31})
				if i%3 == 0 {
					s.ClearStation()
				}
			}(i)
		}
		s.SetStation(models.StationMarker{Name: "Ramses"})
		wg.Wait()

		mu.Lock()
		assert.Equal(t, s.Snapshot(), last, "round %d", round)
		mu.Unlock()
	}
}
