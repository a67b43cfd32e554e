// README: Common value objects shared across modules.
package types

// ID is an opaque entity identifier.
type ID string

// Point is a WGS84 coordinate pair in decimal degrees.
type Point struct {
	Lat float64
	Lng float64
}

// Money is an amount in the smallest currency unit (cents).
type Money struct {
	Amount   int64
	Currency string
}

// Positive reports whether the amount is strictly greater than zero.
// Zero and negative totals are never billable.
func (m Money) Positive() bool {
	return m.Amount > 0
}
