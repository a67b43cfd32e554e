// README: ArrivalSession aggregate and status definitions.
package session

import (
	"time"

	"ampstop/internal/types"
)

type Status string

const (
	StatusPendingOrder        Status = "pending_order"
	StatusAwaitingArrival     Status = "awaiting_arrival"
	StatusArrived             Status = "arrived"
	StatusMerchantNotified    Status = "merchant_notified"
	StatusCompleted           Status = "completed"
	StatusCompletedUnbillable Status = "completed_unbillable"
	StatusExpired             Status = "expired"
	StatusCanceled            Status = "canceled"
)

// NonTerminalStatuses must match the predicate of the partial unique indexes
// in migrations; both enforce one active session per driver.
var NonTerminalStatuses = []Status{
	StatusPendingOrder, StatusAwaitingArrival, StatusArrived, StatusMerchantNotified,
}

// ReplyEligibleStatuses are the statuses an inbound SMS reply may target.
var ReplyEligibleStatuses = []Status{StatusArrived, StatusMerchantNotified}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedUnbillable, StatusExpired, StatusCanceled:
		return true
	}
	return false
}

// Mode is the closed set of coordination modes. Caller-supplied strings are
// parsed, never stored raw.
type Mode string

const (
	ModeCurbside Mode = "curbside"
	ModeDineIn   Mode = "dine_in"
)

func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeCurbside, ModeDineIn:
		return Mode(s), true
	}
	return "", false
}

// VerificationMode records how arrival was confirmed. Degraded confirmations
// restrict which total sources billing may trust later.
type VerificationMode string

const (
	VerificationFull     VerificationMode = "full"
	VerificationDegraded VerificationMode = "degraded"
)

// AllowedTransitions represents the session state flow as code. Expiry and
// cancellation are reachable from every non-terminal state.
var AllowedTransitions = map[Status][]Status{
	StatusPendingOrder:     {StatusAwaitingArrival, StatusArrived, StatusExpired, StatusCanceled},
	StatusAwaitingArrival:  {StatusAwaitingArrival, StatusArrived, StatusExpired, StatusCanceled},
	StatusArrived:          {StatusMerchantNotified, StatusCompleted, StatusCompletedUnbillable, StatusExpired, StatusCanceled},
	StatusMerchantNotified: {StatusCompleted, StatusCompletedUnbillable, StatusExpired, StatusCanceled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Session is the aggregate tracking one coordination attempt from creation to
// a terminal status. Rows are never deleted, only transitioned.
type Session struct {
	ID             types.ID
	IdempotencyKey *string
	DriverID       types.ID
	MerchantID     types.ID
	ChargerID      *types.ID
	Mode           Mode
	Status         Status

	OrderRef    *string
	OrderSource *string
	OrderStatus string

	AdapterTotal  *types.Money
	MerchantTotal *types.Money
	EstimateTotal *types.Money
	Currency      string
	TotalSource   *string

	ClaimedLat       *float64
	ClaimedLng       *float64
	ClaimedAccuracyM *float64
	VerificationMode *VerificationMode

	ReplyCode     string
	FeeBps        int64
	BillingStatus string

	Rating          *bool
	FeedbackReason  *string
	FeedbackComment *string
	FeedbackAt      *time.Time

	CreatedAt    time.Time
	OrderBoundAt *time.Time
	ArrivedAt    *time.Time
	NotifiedAt   *time.Time
	ClosedAt     *time.Time
	ExpiresAt    time.Time
}

// Event is one row of the session audit trail.
type Event struct {
	ID         int64
	SessionID  types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	CreatedAt  time.Time
}
