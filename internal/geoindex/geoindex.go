// Package geoindex provides the candidate-driver spatial index used by the
// matcher's radius filter. Production deployments back it with Redis GEO
// commands; tests and local runs use the in-memory fallback.
package geoindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/ridellite/internal/domain"
	"github.com/example/ridellite/internal/geo"
)

// Index returns driver ids within radiusKm of point, nearest first, capped
// at limit.
type Index interface {
	Nearby(ctx context.Context, point domain.GeoPoint, radiusKm float64, limit int) ([]uuid.UUID, error)
	Upsert(ctx context.Context, driverID uuid.UUID, point domain.GeoPoint) error
	Remove(ctx context.Context, driverID uuid.UUID) error
}

// RedisIndex implements Index using Redis GEOADD/GEOSEARCH.
type RedisIndex struct {
	client *redis.Client
	key    string
}

// NewRedisIndex constructs a Redis-backed index. key defaults to
// "dispatch:drivers:loc" when empty.
func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	if key == "" {
		key = "dispatch:drivers:loc"
	}
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, driverID uuid.UUID, point domain.GeoPoint) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      driverID.String(),
		Longitude: point.Lng,
		Latitude:  point.Lat,
	}).Err()
}

func (r *RedisIndex) Remove(ctx context.Context, driverID uuid.UUID) error {
	return r.client.ZRem(ctx, r.key, driverID.String()).Err()
}

func (r *RedisIndex) Nearby(ctx context.Context, point domain.GeoPoint, radiusKm float64, limit int) ([]uuid.UUID, error) {
	query := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  point.Lng,
			Latitude:   point.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
	}
	results, err := r.client.GeoSearchLocation(ctx, r.key, query).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(results))
	for _, res := range results {
		id, err := uuid.Parse(res.Name)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MemoryIndex is an in-process fallback: a naive full scan, fine at
// test/demo scale.
type MemoryIndex struct {
	mu        sync.RWMutex
	locations map[uuid.UUID]domain.GeoPoint
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{locations: make(map[uuid.UUID]domain.GeoPoint)}
}

func (m *MemoryIndex) Upsert(_ context.Context, driverID uuid.UUID, point domain.GeoPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[driverID] = point
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, driverID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locations, driverID)
	return nil
}

func (m *MemoryIndex) Nearby(_ context.Context, point domain.GeoPoint, radiusKm float64, limit int) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type pair struct {
		id   uuid.UUID
		dist float64
	}
	var candidates []pair
	for id, loc := range m.locations {
		d, err := geo.DistanceKm(point, loc, 0)
		if err != nil {
			continue
		}
		if d <= radiusKm {
			candidates = append(candidates, pair{id, d})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	ids := make([]uuid.UUID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids, nil
}
