package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/agromatch/internal/models"
)

//go:embed migrations/001_init.sql
var initSchema string

// PostgresStore persists tracked deliveries through database/sql and lib/pq.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the bundled schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, initSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Save(ctx context.Context, d models.TrackedDelivery) error {
	route, err := json.Marshal(d.Route)
	if err != nil {
		return fmt.Errorf("encode route: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO deliveries (order_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
			current_lat, current_lon, position_at, route, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (order_id) DO UPDATE SET
			pickup_lat = EXCLUDED.pickup_lat, pickup_lon = EXCLUDED.pickup_lon,
			dropoff_lat = EXCLUDED.dropoff_lat, dropoff_lon = EXCLUDED.dropoff_lon,
			current_lat = EXCLUDED.current_lat, current_lon = EXCLUDED.current_lon,
			position_at = EXCLUDED.position_at, route = EXCLUDED.route,
			status = EXCLUDED.status, updated_at = EXCLUDED.updated_at, archived_at = NULL`,
		d.OrderID, d.Pickup.Lat, d.Pickup.Lon, d.Dropoff.Lat, d.Dropoff.Lon,
		d.CurrentPosition.Lat, d.CurrentPosition.Lon, nullTime(d.PositionAt), string(route), d.Status, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save delivery %s: %w", d.OrderID, err)
	}
	return nil
}

// UpdatePosition only moves the stored position forward in time; older
// writes are ignored without error.
func (p *PostgresStore) UpdatePosition(ctx context.Context, orderID string, pos models.GeoPoint, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE deliveries SET current_lat = $2, current_lon = $3, position_at = $4, updated_at = now()
		WHERE order_id = $1 AND (position_at IS NULL OR position_at < $4)`,
		orderID, pos.Lat, pos.Lon, at)
	if err != nil {
		return fmt.Errorf("update position %s: %w", orderID, err)
	}
	return nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, orderID string, status models.DeliveryStatus, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE deliveries SET status = $2, updated_at = $3 WHERE order_id = $1`, orderID, status, at)
	if err != nil {
		return fmt.Errorf("update status %s: %w", orderID, err)
	}
	return expectRow(res, orderID)
}

func (p *PostgresStore) Archive(ctx context.Context, orderID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE deliveries SET archived_at = now() WHERE order_id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("archive %s: %w", orderID, err)
	}
	return expectRow(res, orderID)
}

const deliveryColumns = `order_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	current_lat, current_lon, position_at, route, status, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, orderID string) (models.TrackedDelivery, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE order_id = $1`, orderID)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TrackedDelivery{}, fmt.Errorf("order %s: %w", orderID, models.ErrDeliveryNotFound)
	}
	return d, err
}

// Active lists deliveries that have not been archived, ordered by order id.
func (p *PostgresStore) Active(ctx context.Context) ([]models.TrackedDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE archived_at IS NULL ORDER BY order_id`)
	if err != nil {
		return nil, fmt.Errorf("list active deliveries: %w", err)
	}
	defer rows.Close()

	var out []models.TrackedDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(r rowScanner) (models.TrackedDelivery, error) {
	var (
		d          models.TrackedDelivery
		route      []byte
		positionAt sql.NullTime
	)
	err := r.Scan(&d.OrderID, &d.Pickup.Lat, &d.Pickup.Lon, &d.Dropoff.Lat, &d.Dropoff.Lon,
		&d.CurrentPosition.Lat, &d.CurrentPosition.Lon, &positionAt, &route, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return models.TrackedDelivery{}, err
	}
	if positionAt.Valid {
		d.PositionAt = positionAt.Time.UTC()
	}
	if len(route) > 0 {
		if err := json.Unmarshal(route, &d.Route); err != nil {
			return models.TrackedDelivery{}, fmt.Errorf("decode route %s: %w", d.OrderID, err)
		}
	}
	return d, nil
}

// nullTime stores the zero time as NULL: no position fix received yet.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func expectRow(res sql.Result, orderID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order %s: %w", orderID, models.ErrDeliveryNotFound)
	}
	return nil
}
