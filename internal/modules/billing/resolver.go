// README: Pure billing resolution: which total to trust and what fee it yields.
package billing

import "ampstop/internal/types"

// ResolveTotal picks the trusted order total. Precedence is fixed: adapter
// verified, then merchant reported, then the driver's estimate — and the
// estimate only counts when arrival was confirmed through the full geofence
// path. First present positive value wins; zero and negative candidates are
// skipped, never billed.
func ResolveTotal(adapter, merchant, estimate *types.Money, degraded bool) (types.Money, Source, bool) {
	if adapter != nil && adapter.Positive() {
		return *adapter, SourceAdapter, true
	}
	if merchant != nil && merchant.Positive() {
		return *merchant, SourceMerchant, true
	}
	if estimate != nil && estimate.Positive() && !degraded {
		return *estimate, SourceEstimate, true
	}
	return types.Money{}, "", false
}

// Fee computes the platform fee: total * bps / 10000, rounded half up, then
// clamped to [minFee, maxFee]. The bps value is the one frozen on the session
// at creation, so later rate changes never reprice open sessions.
func Fee(total types.Money, bps, minFee, maxFee int64) types.Money {
	raw := (total.Amount*bps + 5000) / 10000
	if raw < minFee {
		raw = minFee
	}
	if raw > maxFee {
		raw = maxFee
	}
	return types.Money{Amount: raw, Currency: total.Currency}
}
