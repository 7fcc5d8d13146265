package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ivan/internal/models"
)

// north returns c moved roughly m meters north.
func north(c models.Coord, m float64) models.Coord {
	return models.Coord{Lat: c.Lat + m/111320.0, Lon: c.Lon}
}

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceMetersZeroAndSymmetric(t *testing.T) {
	points := []models.Coord{
		{Lat: 30, Lon: 31},
		{Lat: 29.97811044, Lon: 31.11157825},
		{Lat: -33.8688, Lon: 151.2093},
		{Lat: 51.5074, Lon: -0.1278},
		{Lat: 0, Lon: 0},
		{Lat: 0, Lon: 179.9},
	}
	for _, a := range points {
		assert.Equal(t, 0.0, DistanceMeters(a, a))
		for _, b := range points {
			assert.Equal(t, DistanceMeters(a, b), DistanceMeters(b, a), "a=%v b=%v", a, b)
			assert.GreaterOrEqual(t, DistanceMeters(a, b), 0.0)
		}
	}
}

func TestDistanceMetersKnownValue(t *testing.T) {
	// Cairo -> Alexandria is roughly 180 km
	cairo := models.Coord{Lat: 30.0444, Lon: 31.2357}
	alex := models.Coord{Lat: 31.2001, Lon: 29.9187}
	d := DistanceMeters(cairo, alex)
	assert.InDelta(t, 180000, d, 5000)
	assert.InDelta(t, Haversine(cairo.Lat, cairo.Lon, alex.Lat, alex.Lon), d, 1000)
}

func TestDistanceMetersAntipodalFallsBack(t *testing.T) {
	d := DistanceMeters(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 0.5, Lon: 179.7})
	require.False(t, d != d, "distance must not be NaN")
	assert.Greater(t, d, 19000000.0)
}

func TestIsWithinRadiusBoarding(t *testing.T) {
	station := models.Coord{Lat: 30.000, Lon: 31.000}
	assert.True(t, IsWithinRadius(north(station, 90), station, BoardingRadiusMeters))
	assert.False(t, IsWithinRadius(north(station, 150), station, BoardingRadiusMeters))
	assert.True(t, IsWithinRadius(north(station, 150), station, StationSearchRadiusMeters))
	assert.True(t, IsWithinRadius(station, station, 0))
}
