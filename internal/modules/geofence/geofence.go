// README: Pure geofence evaluation for arrival verification.
package geofence

import (
	"math"

	"ampstop/internal/config"
	"ampstop/internal/types"
)

const earthRadiusM = 6371000.0

// Result is the outcome of one evaluation. DistanceM is always populated so
// callers can log how far off a rejected claim was.
type Result struct {
	Accepted  bool
	DistanceM float64
}

// Evaluator decides whether a claimed arrival position is plausible for a
// charger anchor. It holds no state beyond its configuration.
type Evaluator struct {
	cfg config.GeofenceConfig
}

func NewEvaluator(cfg config.GeofenceConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Evaluate checks the claimed point against the anchor. Rejection is a hard
// boundary: a distance beyond the radius always rejects, regardless of the
// accuracy the device reported alongside the claim.
func (e *Evaluator) Evaluate(claimed, anchor types.Point) Result {
	d := HaversineM(claimed.Lat, claimed.Lng, anchor.Lat, anchor.Lng)
	if e.cfg.AcceptAtRadius {
		return Result{Accepted: d <= e.cfg.RadiusM, DistanceM: d}
	}
	return Result{Accepted: d < e.cfg.RadiusM, DistanceM: d}
}

// RadiusM exposes the configured radius for logging and responses.
func (e *Evaluator) RadiusM() float64 { return e.cfg.RadiusM }

// HaversineM returns the great-circle distance in meters between two points
// specified in decimal degrees.
func HaversineM(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusM * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
