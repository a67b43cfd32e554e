// README: Billing record and total-source definitions.
package billing

import (
	"time"

	"ampstop/internal/types"
)

// Source tags which candidate total was trusted for billing. Stored on the
// record so revenue from verified vs. estimated totals can be audited later.
type Source string

const (
	SourceAdapter  Source = "adapter_verified"
	SourceMerchant Source = "merchant_reported"
	SourceEstimate Source = "estimate"
)

// Record is the immutable financial fact created exactly once per billable
// completed session. Disputes are handled out of band; rows are never edited.
type Record struct {
	ID          types.ID
	SessionID   types.ID
	MerchantID  types.ID
	DriverID    types.ID
	OrderTotal  types.Money
	TotalSource Source
	FeeBps      int64
	Billable    types.Money
	CreatedAt   time.Time
}

// ExportRow is one line of the invoicing export: the record plus enough
// session context to drive external invoicing.
type ExportRow struct {
	Record
	OrderRef    string
	Mode        string
	CompletedAt time.Time
}

// Outcome is the result of settling a session: the terminal status written and
// the billing record, when one was created. Replayed marks an idempotent
// return of an earlier settlement rather than a fresh one.
type Outcome struct {
	Status   string
	Record   *Record
	Replayed bool
}
