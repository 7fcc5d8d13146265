package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ivan/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded migrations in file name order. Every statement
// is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) SaveCycle(ctx context.Context, c *models.Cycle) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_cycles(id, order_id, state, station_name, station_lat, station_lon, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID, c.OrderID.String(), string(c.State), c.StationName, c.Station.Lat, c.Station.Lon, c.CreatedAt, c.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateCycle(ctx context.Context, c *models.Cycle) error {
	res, err := p.db.ExecContext(ctx, `UPDATE ride_cycles SET state=$1, station_name=$2, station_lat=$3, station_lon=$4, updated_at=$5 WHERE id=$6`,
		string(c.State), c.StationName, c.Station.Lat, c.Station.Lon, time.Now().UTC(), c.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrCycleNotFound
	}
	return nil
}

const cycleColumns = `id, order_id, state, station_name, station_lat, station_lon, created_at, updated_at`

func (p *PostgresStore) CycleByOrder(ctx context.Context, orderID models.ID) (*models.Cycle, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM ride_cycles WHERE order_id=$1 ORDER BY created_at DESC LIMIT 1`, orderID.String())
	return scanCycle(row)
}

func (p *PostgresStore) LatestCycle(ctx context.Context) (*models.Cycle, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM ride_cycles ORDER BY created_at DESC LIMIT 1`)
	return scanCycle(row)
}

func scanCycle(row *sql.Row) (*models.Cycle, error) {
	var (
		c       models.Cycle
		orderID string
		state   string
	)
	err := row.Scan(&c.ID, &orderID, &state, &c.StationName, &c.Station.Lat, &c.Station.Lon, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCycleNotFound
	}
	if err != nil {
		return nil, err
	}
	c.OrderID = models.ID(orderID)
	c.State = models.CycleState(state)
	return &c, nil
}
