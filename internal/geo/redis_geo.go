package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/agromatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// wholeEarthKm exceeds the longest great-circle distance, so a radius query with it returns every member.
const wholeEarthKm = 20100

// RedisGeo stores profiles in Redis: one GEO set per role plus a hash holding the profile JSON.
type RedisGeo struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisGeoFromClient(c, key)
}

func NewRedisGeoFromClient(c *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

// WithLogger reports profiles that are skipped during a search.
func (r *RedisGeo) WithLogger(l *slog.Logger) *RedisGeo {
	r.logger = l
	return r
}

func (r *RedisGeo) Client() *redis.Client { return r.client }

func (r *RedisGeo) Upsert(ctx context.Context, u models.UserProfile) error {
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode profile %s: %w", u.ID, err)
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, metaKey(u.ID), map[string]interface{}{
		"profile": string(b),
		"role":    string(u.Role),
		"updated": time.Now().UTC().Format(time.RFC3339),
	})
	if u.Location != nil {
		pipe.GeoAdd(ctx, r.roleKey(u.Role), &redis.GeoLocation{Longitude: u.Location.Lon, Latitude: u.Location.Lat, Name: u.ID})
	} else {
		pipe.ZRem(ctx, r.roleKey(u.Role), u.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis upsert %s: %w", u.ID, err)
	}
	return nil
}

func (r *RedisGeo) Candidates(ctx context.Context, subject models.UserProfile, radiusKm float64) ([]models.UserProfile, error) {
	if subject.Location == nil {
		return nil, models.ErrLocationUnavailable
	}
	if radiusKm <= 0 {
		radiusKm = wholeEarthKm
	}
	out, err := r.search(ctx, subject.Role.Counterpart(), *subject.Location, radiusKm)
	if err != nil {
		return nil, err
	}
	filtered := out[:0]
	for _, u := range out {
		if u.ID != subject.ID {
			filtered = append(filtered, u)
		}
	}
	return filtered, nil
}

// All returns every located profile of both roles, ordered by id.
func (r *RedisGeo) All(ctx context.Context) ([]models.UserProfile, error) {
	var out []models.UserProfile
	for _, role := range []models.Role{models.RoleFarmer, models.RoleBuyer} {
		us, err := r.search(ctx, role, models.GeoPoint{}, wholeEarthKm)
		if err != nil {
			return nil, err
		}
		out = append(out, us...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *RedisGeo) search(ctx context.Context, role models.Role, center models.GeoPoint, radiusKm float64) ([]models.UserProfile, error) {
	res, err := r.client.GeoRadius(ctx, r.roleKey(role), center.Lon, center.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius %s: %w", role, err)
	}
	if len(res) == 0 {
		return []models.UserProfile{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(res))
	for i, g := range res {
		cmds[i] = pipe.HGet(ctx, metaKey(g.Name), "profile")
	}
	// missing hashes surface as redis.Nil on the individual commands
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis profile fetch: %w", err)
	}

	out := make([]models.UserProfile, 0, len(res))
	for i, g := range res {
		u := models.UserProfile{ID: g.Name, Role: role}
		raw, err := cmds[i].Result()
		switch {
		case errors.Is(err, redis.Nil):
			// member without metadata: ranked on location alone
		case err != nil:
			return nil, fmt.Errorf("redis profile fetch %s: %w", g.Name, err)
		default:
			if err := json.Unmarshal([]byte(raw), &u); err != nil {
				if r.logger != nil {
					r.logger.Warn("profile_decode_failed", "user_id", g.Name, "error", err)
				}
				continue
			}
			u.ID, u.Role = g.Name, role
		}
		// the GEO set is authoritative for coordinates
		u.Location = &models.GeoPoint{Lat: g.Latitude, Lon: g.Longitude}
		out = append(out, u)
	}
	return out, nil
}

func (r *RedisGeo) roleKey(role models.Role) string { return r.key + ":" + string(role) }

func metaKey(id string) string { return "user:meta:" + id }
