package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/example/ivan/internal/models"
)

// Redis measures with a spherical model; the query radius is padded so the
// geodesic filter below never loses a station Redis placed just outside.
const redisRadiusPad = 1.01

// RedisStationIndex keeps the station set in a Redis GEO key so agent
// replicas share one index. Station records live in a hash beside it.
type RedisStationIndex struct {
	client *redis.Client
	key    string
}

func NewRedisStationIndex(addr, password, key string) *RedisStationIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisStationIndexFromClient(c, key)
}

func NewRedisStationIndexFromClient(c *redis.Client, key string) *RedisStationIndex {
	return &RedisStationIndex{client: c, key: key}
}

func (r *RedisStationIndex) metaKey() string { return r.key + ":meta" }

// Replace swaps the whole station set atomically.
func (r *RedisStationIndex) Replace(ctx context.Context, stations []models.Station) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.key, r.metaKey())
		if len(stations) == 0 {
			return nil
		}
		locs := make([]*redis.GeoLocation, 0, len(stations))
		meta := make(map[string]any, len(stations))
		for _, s := range stations {
			b, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("encode station %s: %w", s.ID, err)
			}
			locs = append(locs, &redis.GeoLocation{Name: s.ID.String(), Latitude: s.Lat, Longitude: s.Lon})
			meta[s.ID.String()] = b
		}
		p.GeoAdd(ctx, r.key, locs...)
		p.HSet(ctx, r.metaKey(), meta)
		return nil
	})
	return err
}

// Nearby returns stations within radiusMeters of p, closest first, using
// the same geodesic distance as StationIndex.
func (r *RedisStationIndex) Nearby(ctx context.Context, p models.Coord, radiusMeters float64, limit int) ([]Candidate, error) {
	res, err := r.client.GeoRadius(ctx, r.key, p.Lon, p.Lat, &redis.GeoRadiusQuery{
		Radius: radiusMeters * redisRadiusPad,
		Unit:   "m",
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius %s: %w", r.key, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	names := make([]string, len(res))
	for i, g := range res {
		names[i] = g.Name
	}
	raw, err := r.client.HMGet(ctx, r.metaKey(), names...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("station records: %w", err)
	}

	out := make([]Candidate, 0, len(res))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var st models.Station
		if err := json.Unmarshal([]byte(s), &st); err != nil {
			return nil, fmt.Errorf("decode station: %w", err)
		}
		if d := DistanceMeters(p, st.Coord()); d <= radiusMeters {
			out = append(out, Candidate{Station: st, Distance: d})
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
	return out, nil
}

func (r *RedisStationIndex) Close() error { return r.client.Close() }
