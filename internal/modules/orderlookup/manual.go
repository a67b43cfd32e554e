// README: Manual order strategy; the always-available fallback.
package orderlookup

import "context"

// ManualAdapter is the strategy used when no point-of-sale integration exists
// for the merchant. It accepts any reference and verifies nothing, so billing
// falls back to estimates and merchant-reported totals.
type ManualAdapter struct{}

func NewManualAdapter() *ManualAdapter { return &ManualAdapter{} }

func (a *ManualAdapter) Name() string { return "manual" }

func (a *ManualAdapter) Lookup(_ context.Context, _ string) (Facts, error) {
	return Facts{Source: a.Name(), Status: OrderStatusPlaced}, nil
}
