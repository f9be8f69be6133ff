package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/agromatch/internal/geo"
	"github.com/example/agromatch/internal/models"
)

// NewPool configures a pgx pool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres parse dsn: %w", err)
	}
	pcfg.ConnConfig.ConnectTimeout = 5 * time.Second
	if pcfg.ConnConfig.RuntimeParams == nil {
		pcfg.ConnConfig.RuntimeParams = make(map[string]string, 1)
	}
	pcfg.ConnConfig.RuntimeParams["timezone"] = "UTC"
	pcfg.HealthCheckPeriod = 30 * time.Second
	pcfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// PostgresCandidates reads user profiles, with their ratings, orders and
// crop tags, from the users tables.
type PostgresCandidates struct {
	pool *pgxpool.Pool
}

func NewPostgresCandidates(pool *pgxpool.Pool) *PostgresCandidates {
	return &PostgresCandidates{pool: pool}
}

// Candidates returns counterpart-role users within radiusKm of the subject.
// Users without coordinates are included so the matcher can count them.
// A non-positive radius disables the distance filter.
func (p *PostgresCandidates) Candidates(ctx context.Context, subject models.UserProfile, radiusKm float64) ([]models.UserProfile, error) {
	if subject.Location == nil {
		return nil, models.ErrLocationUnavailable
	}

	query := `SELECT id, role, lat, lon FROM users WHERE role = $1 AND id <> $2`
	args := []any{string(subject.Role.Counterpart()), subject.ID}
	if radiusKm > 0 {
		box, err := geo.BoundingBoxAround(*subject.Location, radiusKm)
		if err != nil {
			return nil, err
		}
		lonClause := `lon BETWEEN $5 AND $6`
		if box.MinLon > box.MaxLon {
			lonClause = `(lon >= $5 OR lon <= $6)`
		}
		query += ` AND (lat IS NULL OR lon IS NULL OR (lat BETWEEN $3 AND $4 AND ` + lonClause + `))`
		args = append(args, box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	}
	query += ` ORDER BY id`

	users, err := p.queryUsers(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if radiusKm > 0 {
		kept := users[:0]
		for _, u := range users {
			if u.Location == nil || geo.DistanceKm(*subject.Location, *u.Location) <= radiusKm {
				kept = append(kept, u)
			}
		}
		users = kept
	}
	return users, nil
}

// All returns every located user ordered by id.
func (p *PostgresCandidates) All(ctx context.Context) ([]models.UserProfile, error) {
	return p.queryUsers(ctx, `SELECT id, role, lat, lon FROM users WHERE lat IS NOT NULL AND lon IS NOT NULL ORDER BY id`)
}

// Upsert replaces a user and its history in one transaction.
func (p *PostgresCandidates) Upsert(ctx context.Context, u models.UserProfile) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lat, lon *float64
	if u.Location != nil {
		lat, lon = &u.Location.Lat, &u.Location.Lon
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO users (id, role, lat, lon, updated_at) VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, lat = EXCLUDED.lat, lon = EXCLUDED.lon, updated_at = now()`,
		u.ID, string(u.Role), lat, lon); err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}

	for _, table := range []string{"user_ratings", "user_orders", "user_crops"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE user_id = $1`, u.ID); err != nil {
			return fmt.Errorf("clear %s for %s: %w", table, u.ID, err)
		}
	}

	batch := &pgx.Batch{}
	for _, r := range u.Ratings {
		batch.Queue(`INSERT INTO user_ratings (user_id, rating, rated_at) VALUES ($1, $2, $3)`, u.ID, r.Value, r.At)
	}
	for _, o := range u.Orders {
		var completed *time.Time
		if !o.CompletedAt.IsZero() {
			completed = &o.CompletedAt
		}
		batch.Queue(`INSERT INTO user_orders (id, user_id, counterpart_id, counterpart_role, status, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6)`, o.ID, u.ID, o.CounterpartID, string(o.CounterpartRole), string(o.Status), completed)
	}
	for _, tag := range u.PreferenceTags {
		batch.Queue(`INSERT INTO user_crops (user_id, tag) VALUES ($1, $2) ON CONFLICT DO NOTHING`, u.ID, tag)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert history for %s: %w", u.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (p *PostgresCandidates) queryUsers(ctx context.Context, query string, args ...any) ([]models.UserProfile, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []models.UserProfile
	for rows.Next() {
		var (
			u        models.UserProfile
			role     string
			lat, lon *float64
		)
		if err := rows.Scan(&u.ID, &role, &lat, &lon); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Role = models.Role(role)
		if lat != nil && lon != nil {
			u.Location = &models.GeoPoint{Lat: *lat, Lon: *lon}
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	if err := p.attachHistory(ctx, users); err != nil {
		return nil, err
	}
	return users, nil
}

// attachHistory loads ratings, orders and crop tags for users in one round trip.
func (p *PostgresCandidates) attachHistory(ctx context.Context, users []models.UserProfile) error {
	if len(users) == 0 {
		return nil
	}
	ids := make([]string, len(users))
	byID := make(map[string]*models.UserProfile, len(users))
	for i := range users {
		ids[i] = users[i].ID
		byID[users[i].ID] = &users[i]
	}

	batch := &pgx.Batch{}
	batch.Queue(`SELECT user_id, rating, rated_at FROM user_ratings WHERE user_id = ANY($1) ORDER BY user_id, rated_at`, ids)
	batch.Queue(`SELECT user_id, id, counterpart_id, counterpart_role, status, completed_at
		FROM user_orders WHERE user_id = ANY($1) ORDER BY user_id, id`, ids)
	batch.Queue(`SELECT user_id, tag FROM user_crops WHERE user_id = ANY($1) ORDER BY user_id, tag`, ids)
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()

	if err := scanEach(br, func(rows pgx.Rows) error {
		var id string
		var r models.Rating
		if err := rows.Scan(&id, &r.Value, &r.At); err != nil {
			return err
		}
		byID[id].Ratings = append(byID[id].Ratings, r)
		return nil
	}); err != nil {
		return fmt.Errorf("load ratings: %w", err)
	}

	if err := scanEach(br, func(rows pgx.Rows) error {
		var (
			id, role, status string
			o                models.OrderRecord
			completed        *time.Time
		)
		if err := rows.Scan(&id, &o.ID, &o.CounterpartID, &role, &status, &completed); err != nil {
			return err
		}
		o.CounterpartRole = models.Role(role)
		o.Status = models.OrderStatus(status)
		if completed != nil {
			o.CompletedAt = *completed
		}
		byID[id].Orders = append(byID[id].Orders, o)
		return nil
	}); err != nil {
		return fmt.Errorf("load orders: %w", err)
	}

	if err := scanEach(br, func(rows pgx.Rows) error {
		var id, tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return err
		}
		byID[id].PreferenceTags = append(byID[id].PreferenceTags, tag)
		return nil
	}); err != nil {
		return fmt.Errorf("load crops: %w", err)
	}

	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return nil
}

func scanEach(br pgx.BatchResults, fn func(pgx.Rows) error) error {
	rows, err := br.Query()
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
