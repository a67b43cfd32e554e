// README: Merchant and charger directory records.
package directory

import "ampstop/internal/types"

// Merchant is a pickup counter reachable for notifications. NotifyPhone may
// be empty when the merchant never completed onboarding.
type Merchant struct {
	ID                   types.ID
	Name                 string
	NotifyPhone          string
	NotificationsEnabled bool
	Location             *types.Point
}

// Charger is an EV charging location used as the arrival anchor. Location is
// nil until the address has been geocoded.
type Charger struct {
	ID       types.ID
	Name     string
	Address  string
	Location *types.Point
}
