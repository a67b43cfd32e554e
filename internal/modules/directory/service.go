// README: Directory service; contact lookup and charger anchor resolution.
package directory

import (
	"context"
	"errors"
	"log/slog"

	"ampstop/internal/types"
)

// ErrNoAnchor means a charger exists but has no coordinates and none could
// be derived from its address.
var ErrNoAnchor = errors.New("charger has no resolvable anchor")

type Service struct {
	store    *Store
	geocoder Geocoder
	logger   *slog.Logger
}

// NewService wires the directory. geocoder may be nil when no geocoding
// backend is configured; chargers then need stored coordinates.
func NewService(store *Store, geocoder Geocoder, logger *slog.Logger) *Service {
	return &Service{store: store, geocoder: geocoder, logger: logger}
}

func (s *Service) Merchant(ctx context.Context, id types.ID) (*Merchant, error) {
	return s.store.GetMerchant(ctx, id)
}

func (s *Service) Charger(ctx context.Context, id types.ID) (*Charger, error) {
	return s.store.GetCharger(ctx, id)
}

// ChargerAnchor returns the charger's coordinates, geocoding its address on
// first use and persisting the result.
func (s *Service) ChargerAnchor(ctx context.Context, id types.ID) (types.Point, error) {
	c, err := s.store.GetCharger(ctx, id)
	if err != nil {
		return types.Point{}, err
	}
	if c.Location != nil {
		return *c.Location, nil
	}
	if s.geocoder == nil || c.Address == "" {
		return types.Point{}, ErrNoAnchor
	}

	p, err := s.geocoder.Geocode(ctx, c.Address)
	if err != nil {
		s.logger.Warn("charger geocode failed", "collaborator", "geocoder", "operation", "geocode", "charger_id", id, "error", err)
		return types.Point{}, ErrNoAnchor
	}
	if uerr := s.store.UpdateChargerLocation(ctx, id, p); uerr != nil {
		// The anchor is still usable this request; only the cache write failed.
		s.logger.Warn("persist geocoded anchor failed", "charger_id", id, "error", uerr)
	}
	return p, nil
}
