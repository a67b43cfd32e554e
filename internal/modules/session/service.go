// README: Session service implements the arrival-session state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ampstop/internal/config"
	"ampstop/internal/modules/billing"
	"ampstop/internal/modules/geofence"
	"ampstop/internal/modules/orderlookup"
	"ampstop/internal/observability"
	"ampstop/internal/types"
)

var (
	ErrBadRequest         = errors.New("bad request")
	ErrNotFound           = errors.New("session not found")
	ErrForbidden          = errors.New("session belongs to another driver")
	ErrInvalidState       = errors.New("invalid state transition")
	ErrConflict           = errors.New("session state conflict")
	ErrExpired            = errors.New("session expired")
	ErrVerificationFailed = errors.New("arrival verification failed")
	ErrRateLimited        = errors.New("session creation rate limit exceeded")
	ErrActiveSession      = errors.New("driver already has an active session")
	ErrFeedbackExists     = errors.New("feedback already recorded")
)

// ActiveSessionError carries the id of the session blocking a new creation so
// clients can resume it instead of guessing.
type ActiveSessionError struct {
	ExistingID types.ID
}

func (e *ActiveSessionError) Error() string {
	return fmt.Sprintf("driver already has active session %s", e.ExistingID)
}

func (e *ActiveSessionError) Is(target error) bool { return target == ErrActiveSession }

// Notifier dispatches the merchant-facing arrival notification. Implemented
// by the notify module; the return value reports whether dispatch succeeded.
type Notifier interface {
	Dispatch(ctx context.Context, sess *Session) bool
}

// Directory resolves a charger reference to its anchor coordinates.
type Directory interface {
	ChargerAnchor(ctx context.Context, chargerID types.ID) (types.Point, error)
}

type Service struct {
	store     *Store
	billing   *billing.Store
	publisher *billing.Publisher
	adapter   orderlookup.Adapter
	geofence  *geofence.Evaluator
	directory Directory
	notifier  Notifier
	cache     *Cache
	sessCfg   config.SessionConfig
	billCfg   config.BillingConfig
	logger    *slog.Logger
}

type Deps struct {
	Store     *Store
	Billing   *billing.Store
	Publisher *billing.Publisher
	Adapter   orderlookup.Adapter
	Geofence  *geofence.Evaluator
	Directory Directory
	Notifier  Notifier
	Cache     *Cache
	Session   config.SessionConfig
	BillCfg   config.BillingConfig
	Logger    *slog.Logger
}

func NewService(d Deps) *Service {
	return &Service{
		store:     d.Store,
		billing:   d.Billing,
		publisher: d.Publisher,
		adapter:   d.Adapter,
		geofence:  d.Geofence,
		directory: d.Directory,
		notifier:  d.Notifier,
		cache:     d.Cache,
		sessCfg:   d.Session,
		billCfg:   d.BillCfg,
		logger:    d.Logger,
	}
}

type CreateCommand struct {
	DriverID       types.ID
	MerchantID     types.ID
	Mode           string
	ChargerID      *types.ID
	IdempotencyKey *string
}

type BindOrderCommand struct {
	SessionID types.ID
	DriverID  types.ID
	OrderRef  string
	Estimate  *types.Money
}

type ConfirmArrivalCommand struct {
	SessionID types.ID
	DriverID  types.ID
	Location  *types.Point
	AccuracyM *float64
	ChargerID *types.ID
}

type MerchantConfirmCommand struct {
	SessionID     types.ID
	ReportedTotal *types.Money
	ActorType     string
	ActorID       *types.ID
}

type FeedbackCommand struct {
	SessionID types.ID
	DriverID  types.ID
	Rating    bool
	Reason    *string
	Comment   *string
}

type CancelCommand struct {
	SessionID types.ID
	DriverID  types.ID
}

const replyCodeAttempts = 5

// Create opens a new session in pending_order. Duplicate-active and
// idempotency-key races are decided by the storage constraints, not by a
// check-then-write.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Session, error) {
	if cmd.DriverID == "" || cmd.MerchantID == "" {
		return nil, ErrBadRequest
	}
	mode, ok := ParseMode(cmd.Mode)
	if !ok {
		return nil, ErrBadRequest
	}

	// Replays are answered before the rate limiter counts them: a retry of
	// an already-created session must return the original row even when the
	// driver's window is exhausted.
	if cmd.IdempotencyKey != nil && *cmd.IdempotencyKey != "" {
		if id, hit := s.cache.LookupIdempotency(ctx, *cmd.IdempotencyKey); hit {
			if existing, err := s.store.GetByID(ctx, id); err == nil {
				return existing, nil
			}
		}
		existing, err := s.store.GetByIdempotencyKey(ctx, *cmd.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, errStoreNotFound) {
			return nil, err
		}
	}

	if !s.cache.AllowCreate(ctx, cmd.DriverID, s.sessCfg.CreateLimitPerWindow, s.sessCfg.RateWindow) {
		return nil, ErrRateLimited
	}

	now := time.Now().UTC()
	for attempt := 0; attempt < replyCodeAttempts; attempt++ {
		sess := &Session{
			ID:             types.ID(uuid.NewString()),
			IdempotencyKey: cmd.IdempotencyKey,
			DriverID:       cmd.DriverID,
			MerchantID:     cmd.MerchantID,
			ChargerID:      cmd.ChargerID,
			Mode:           mode,
			Status:         StatusPendingOrder,
			OrderStatus:    string(orderlookup.OrderStatusUnknown),
			Currency:       s.billCfg.Currency,
			ReplyCode:      newReplyCode(),
			FeeBps:         s.billCfg.FeeBps,
			BillingStatus:  "none",
			CreatedAt:      now,
			ExpiresAt:      now.Add(s.sessCfg.Window),
		}

		err := s.store.Create(ctx, sess)
		switch {
		case err == nil:
			s.appendEvent(ctx, sess.ID, "", StatusPendingOrder, "driver", &cmd.DriverID, now)
			if cmd.IdempotencyKey != nil && *cmd.IdempotencyKey != "" {
				s.cache.StoreIdempotency(ctx, *cmd.IdempotencyKey, sess.ID, s.sessCfg.Window)
			}
			observability.SessionsCreated.Inc()
			return sess, nil

		case errors.Is(err, errDuplicateReplyCode):
			continue

		case errors.Is(err, errDuplicateActiveDriver):
			existing, gerr := s.store.GetActiveByDriver(ctx, cmd.DriverID)
			if gerr != nil {
				return nil, ErrActiveSession
			}
			return nil, &ActiveSessionError{ExistingID: existing.ID}

		case errors.Is(err, errDuplicateIdempotency):
			// Concurrent replay: the other caller's insert won; return its row.
			if cmd.IdempotencyKey != nil {
				if existing, gerr := s.store.GetByIdempotencyKey(ctx, *cmd.IdempotencyKey); gerr == nil {
					return existing, nil
				}
			}
			return nil, ErrConflict

		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("reply code allocation: %w", ErrConflict)
}

// BindOrder attaches the merchant-channel order reference and, when a
// point-of-sale adapter can verify it, the verified total. Adapter failures
// silently degrade to the caller's estimate; they never fail the bind.
func (s *Service) BindOrder(ctx context.Context, cmd BindOrderCommand) (*Session, error) {
	if cmd.OrderRef == "" {
		return nil, ErrBadRequest
	}
	sess, err := s.loadOwned(ctx, cmd.SessionID, cmd.DriverID)
	if err != nil {
		return nil, err
	}
	if err := s.requireOpen(ctx, sess, StatusPendingOrder, StatusAwaitingArrival); err != nil {
		return nil, err
	}

	orderSource := "manual"
	orderStatus := string(orderlookup.OrderStatusUnknown)
	var adapterCents *int64
	var totalSource *string

	facts, lerr := s.adapter.Lookup(ctx, cmd.OrderRef)
	if lerr == nil {
		orderStatus = string(facts.Status)
		if facts.Total != nil && facts.Total.Positive() {
			orderSource = facts.Source
			adapterCents = &facts.Total.Amount
			src := string(billing.SourceAdapter)
			totalSource = &src
		}
	} else {
		s.logger.Info("order lookup unavailable", "collaborator", "order_adapter", "operation", "lookup", "session_id", sess.ID, "order_ref", cmd.OrderRef)
	}

	var estimateCents *int64
	if cmd.Estimate != nil && cmd.Estimate.Positive() {
		estimateCents = &cmd.Estimate.Amount
		if totalSource == nil {
			src := string(billing.SourceEstimate)
			totalSource = &src
		}
	}

	now := time.Now().UTC()
	ok, err := s.store.BindOrder(ctx, sess.ID, cmd.OrderRef, orderSource, orderStatus, adapterCents, estimateCents, totalSource, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	s.appendEvent(ctx, sess.ID, sess.Status, StatusAwaitingArrival, "driver", &cmd.DriverID, now)
	return s.get(ctx, sess.ID)
}

// ConfirmArrival verifies physical presence and advances to arrived, then
// attempts merchant notification in the same operation. A failed dispatch
// leaves the session in arrived and is reported through the bool, never as an
// error.
func (s *Service) ConfirmArrival(ctx context.Context, cmd ConfirmArrivalCommand) (*Session, bool, error) {
	sess, err := s.loadOwned(ctx, cmd.SessionID, cmd.DriverID)
	if err != nil {
		return nil, false, err
	}
	if err := s.requireOpen(ctx, sess, StatusPendingOrder, StatusAwaitingArrival); err != nil {
		return nil, false, err
	}

	// Once a charger is bound it stays authoritative: the geofence has to
	// evaluate the same anchor the row keeps, so a conflicting reference is
	// rejected rather than silently swapped.
	chargerID := sess.ChargerID
	if chargerID == nil {
		chargerID = cmd.ChargerID
	} else if cmd.ChargerID != nil && *cmd.ChargerID != *chargerID {
		return nil, false, ErrBadRequest
	}

	mode := VerificationDegraded
	var lat, lng *float64
	if cmd.Location != nil {
		// A supplied location must pass the geofence; the degraded path is
		// only for callers with no precise reading at all.
		if chargerID == nil {
			return nil, false, ErrBadRequest
		}
		anchor, derr := s.directory.ChargerAnchor(ctx, *chargerID)
		if derr != nil {
			s.logger.Warn("charger anchor unresolved", "collaborator", "directory", "operation", "charger_anchor", "session_id", sess.ID, "charger_id", *chargerID, "error", derr)
			observability.GeofenceChecks.WithLabelValues("no_anchor").Inc()
			return nil, false, ErrVerificationFailed
		}
		res := s.geofence.Evaluate(*cmd.Location, anchor)
		if !res.Accepted {
			observability.GeofenceChecks.WithLabelValues("rejected").Inc()
			s.logger.Info("arrival rejected by geofence", "session_id", sess.ID, "distance_m", res.DistanceM, "radius_m", s.geofence.RadiusM())
			return nil, false, ErrVerificationFailed
		}
		observability.GeofenceChecks.WithLabelValues("accepted").Inc()
		mode = VerificationFull
		lat, lng = &cmd.Location.Lat, &cmd.Location.Lng
	} else {
		observability.GeofenceChecks.WithLabelValues("degraded").Inc()
	}

	now := time.Now().UTC()
	ok, err := s.store.ConfirmArrival(ctx, sess.ID, chargerID, lat, lng, cmd.AccuracyM, mode, now)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, ErrConflict
	}
	s.appendEvent(ctx, sess.ID, sess.Status, StatusArrived, "driver", &cmd.DriverID, now)

	arrived, err := s.get(ctx, sess.ID)
	if err != nil {
		return nil, false, err
	}

	notified := false
	if s.notifier != nil {
		notified = s.notifier.Dispatch(ctx, arrived)
	}
	if notified {
		if ok, merr := s.store.MarkNotified(ctx, sess.ID, time.Now().UTC()); merr == nil && ok {
			s.appendEvent(ctx, sess.ID, StatusArrived, StatusMerchantNotified, "system", nil, time.Now().UTC())
			arrived, err = s.get(ctx, sess.ID)
			if err != nil {
				return nil, notified, err
			}
		}
	}
	return arrived, notified, nil
}

// MerchantConfirm settles the session: resolve the trusted total, flip to the
// terminal status, and create the billing record in one atomic unit. Safe to
// call twice; the second call returns the stored outcome.
func (s *Service) MerchantConfirm(ctx context.Context, cmd MerchantConfirmCommand) (billing.Outcome, error) {
	sess, err := s.get(ctx, cmd.SessionID)
	if err != nil {
		return billing.Outcome{}, err
	}

	outcome, err := s.billing.Settle(ctx, billing.SettleParams{
		SessionID:     sess.ID,
		MerchantTotal: cmd.ReportedTotal,
		MinFee:        s.billCfg.MinFeeCents,
		MaxFee:        s.billCfg.MaxFeeCents,
		ActorType:     cmd.ActorType,
		ActorID:       cmd.ActorID,
		Now:           time.Now().UTC(),
	})
	switch {
	case errors.Is(err, billing.ErrNotFound):
		return billing.Outcome{}, ErrNotFound
	case errors.Is(err, billing.ErrNotConfirmable):
		current, gerr := s.get(ctx, cmd.SessionID)
		if gerr != nil {
			return billing.Outcome{}, gerr
		}
		if current.Status == StatusExpired {
			return billing.Outcome{}, ErrExpired
		}
		return billing.Outcome{}, ErrInvalidState
	case err != nil:
		return billing.Outcome{}, err
	}

	if !outcome.Replayed {
		observability.SessionsTerminal.WithLabelValues(outcome.Status).Inc()
		if outcome.Record != nil {
			observability.BilledAmount.Observe(float64(outcome.Record.Billable.Amount))
			observability.BillingBySource.WithLabelValues(string(outcome.Record.TotalSource)).Inc()
			s.publisher.PublishRecord(outcome.Record)
		}
	}
	return outcome, nil
}

// MerchantConfirmByReplyCode drives the same completion path as the portal,
// entered through an inbound SMS reply code.
func (s *Service) MerchantConfirmByReplyCode(ctx context.Context, code string, reported *types.Money, sender string) (billing.Outcome, error) {
	sess, err := s.store.GetByActiveReplyCode(ctx, code)
	if errors.Is(err, errStoreNotFound) {
		return billing.Outcome{}, ErrNotFound
	}
	if err != nil {
		return billing.Outcome{}, err
	}
	actor := types.ID(sender)
	return s.MerchantConfirm(ctx, MerchantConfirmCommand{
		SessionID:     sess.ID,
		ReportedTotal: reported,
		ActorType:     "merchant_sms",
		ActorID:       &actor,
	})
}

// Feedback records a one-time rating once the session completed.
func (s *Service) Feedback(ctx context.Context, cmd FeedbackCommand) error {
	sess, err := s.loadOwned(ctx, cmd.SessionID, cmd.DriverID)
	if err != nil {
		return err
	}
	if sess.Status != StatusCompleted && sess.Status != StatusCompletedUnbillable {
		return ErrInvalidState
	}
	ok, err := s.store.SetFeedback(ctx, sess.ID, cmd.Rating, cmd.Reason, cmd.Comment, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		current, gerr := s.get(ctx, sess.ID)
		if gerr == nil && current.FeedbackAt != nil {
			return ErrFeedbackExists
		}
		return ErrInvalidState
	}
	return nil
}

// Cancel closes a non-terminal session.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) error {
	sess, err := s.loadOwned(ctx, cmd.SessionID, cmd.DriverID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return ErrInvalidState
	}
	now := time.Now().UTC()
	ok, err := s.store.UpdateStatus(ctx, sess.ID, sess.Status, StatusCanceled, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	s.appendEvent(ctx, sess.ID, sess.Status, StatusCanceled, "driver", &cmd.DriverID, now)
	observability.SessionsTerminal.WithLabelValues(string(StatusCanceled)).Inc()
	return nil
}

// GetActive returns the driver's open session, lazily expiring it first if
// the deadline has passed.
func (s *Service) GetActive(ctx context.Context, driverID types.ID) (*Session, error) {
	sess, err := s.store.GetActiveByDriver(ctx, driverID)
	if errors.Is(err, errStoreNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if now.After(sess.ExpiresAt) {
		if ok, eerr := s.store.ExpireByID(ctx, sess.ID, sess.Status, now); eerr == nil && ok {
			s.appendEvent(ctx, sess.ID, sess.Status, StatusExpired, "system", nil, now)
			observability.SessionsTerminal.WithLabelValues(string(StatusExpired)).Inc()
		}
		return nil, ErrNotFound
	}
	return sess, nil
}

// Get returns a session by id without ownership checks; callers enforce
// access separately.
func (s *Service) Get(ctx context.Context, id types.ID) (*Session, error) {
	return s.get(ctx, id)
}

// Sweep force-expires every overdue non-terminal session. Safe to run from
// multiple instances; the conditional update makes duplicate runs harmless.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ExpireStale(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, e := range expired {
		s.appendEvent(ctx, e.ID, e.FromStatus, StatusExpired, "sweeper", nil, now)
		observability.SessionsTerminal.WithLabelValues(string(StatusExpired)).Inc()
	}
	return len(expired), nil
}

// RunExpirySweeper ticks until the context is canceled.
func (s *Service) RunExpirySweeper(ctx context.Context) {
	ticker := time.NewTicker(s.sessCfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx, time.Now().UTC())
			if err != nil {
				s.logger.Error("expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("expired stale sessions", "count", n)
			}
		}
	}
}

func (s *Service) get(ctx context.Context, id types.ID) (*Session, error) {
	sess, err := s.store.GetByID(ctx, id)
	if errors.Is(err, errStoreNotFound) {
		return nil, ErrNotFound
	}
	return sess, err
}

func (s *Service) loadOwned(ctx context.Context, id, driverID types.ID) (*Session, error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if driverID != "" && sess.DriverID != driverID {
		return nil, ErrForbidden
	}
	return sess, nil
}

// requireOpen checks both the status set and the deadline, lazily expiring
// an overdue session before reporting ErrExpired.
func (s *Service) requireOpen(ctx context.Context, sess *Session, allowed ...Status) error {
	now := time.Now().UTC()
	if now.After(sess.ExpiresAt) && !sess.Status.Terminal() {
		if ok, err := s.store.ExpireByID(ctx, sess.ID, sess.Status, now); err == nil && ok {
			s.appendEvent(ctx, sess.ID, sess.Status, StatusExpired, "system", nil, now)
			observability.SessionsTerminal.WithLabelValues(string(StatusExpired)).Inc()
		}
		return ErrExpired
	}
	if sess.Status == StatusExpired {
		return ErrExpired
	}
	for _, a := range allowed {
		if sess.Status == a {
			return nil
		}
	}
	return ErrInvalidState
}

func (s *Service) appendEvent(ctx context.Context, id types.ID, from, to Status, actorType string, actorID *types.ID, at time.Time) {
	err := s.store.AppendEvent(ctx, &Event{
		SessionID:  id,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actorType,
		ActorID:    actorID,
		CreatedAt:  at,
	})
	if err != nil {
		s.logger.Warn("audit event append failed", "session_id", id, "to_status", to, "error", err)
	}
}
