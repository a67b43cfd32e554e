// README: Directory store backed by PostgreSQL.
package directory

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ampstop/internal/types"
)

var ErrNotFound = errors.New("directory entry not found")

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) GetMerchant(ctx context.Context, id types.ID) (*Merchant, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, name, notify_phone, notifications_enabled, lat, lng
        FROM merchants WHERE id = $1`, string(id))

	var m Merchant
	var phone sql.NullString
	var lat, lng sql.NullFloat64
	err := row.Scan(&m.ID, &m.Name, &phone, &m.NotificationsEnabled, &lat, &lng)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if phone.Valid {
		m.NotifyPhone = phone.String
	}
	if lat.Valid && lng.Valid {
		m.Location = &types.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	return &m, nil
}

func (s *Store) GetCharger(ctx context.Context, id types.ID) (*Charger, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, name, address, lat, lng
        FROM chargers WHERE id = $1`, string(id))

	var c Charger
	var address sql.NullString
	var lat, lng sql.NullFloat64
	err := row.Scan(&c.ID, &c.Name, &address, &lat, &lng)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if address.Valid {
		c.Address = address.String
	}
	if lat.Valid && lng.Valid {
		c.Location = &types.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	return &c, nil
}

// UpdateChargerLocation persists geocoded coordinates so the fallback runs at
// most once per charger.
func (s *Store) UpdateChargerLocation(ctx context.Context, id types.ID, p types.Point) error {
	_, err := s.db.Exec(ctx,
		`UPDATE chargers SET lat = $1, lng = $2 WHERE id = $3`,
		p.Lat, p.Lng, string(id))
	return err
}
