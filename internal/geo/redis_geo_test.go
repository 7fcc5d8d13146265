package geo

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ivan/internal/models"
)

func TestRedisStationIndexMatchesMemoryIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	idx := NewRedisStationIndexFromClient(c, "ivan:stations")
	defer idx.Close()
	ctx := context.Background()

	here := models.Coord{Lat: 30.0, Lon: 31.0}
	set := []models.Station{
		station("far", north(here, 5000)),
		station("mid", north(here, 600)),
		station("near", north(here, 80)),
		station("edge", north(here, 1200)),
	}
	require.NoError(t, idx.Replace(ctx, set))

	got, err := idx.Nearby(ctx, here, StationSearchRadiusMeters, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.ID("near"), got[0].Station.ID)
	assert.Equal(t, "station near", got[0].Station.Name)
	assert.Equal(t, models.ID("mid"), got[1].Station.ID)

	mem := NewStationIndex()
	mem.Replace(set)
	want := mem.Nearby(here, StationSearchRadiusMeters, 0)
	assert.InDelta(t, want[1].Distance, got[1].Distance, 1e-6)

	limited, err := idx.Nearby(ctx, here, StationSearchRadiusMeters, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	require.NoError(t, idx.Replace(ctx, nil))
	got, err = idx.Nearby(ctx, here, StationSearchRadiusMeters, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
