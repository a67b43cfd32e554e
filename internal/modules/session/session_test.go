// README: Session service tests (state machine + flows + invalid requests).
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ampstop/internal/config"
	"ampstop/internal/modules/billing"
	"ampstop/internal/modules/geofence"
	"ampstop/internal/modules/orderlookup"
	"ampstop/internal/types"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// TestCanTransition verifies the state machine transition table without a database.
func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		// happy-path forward transitions
		{StatusPendingOrder, StatusAwaitingArrival, true},
		{StatusAwaitingArrival, StatusArrived, true},
		{StatusArrived, StatusMerchantNotified, true},
		{StatusMerchantNotified, StatusCompleted, true},
		{StatusMerchantNotified, StatusCompletedUnbillable, true},
		// order binding may be skipped or repeated
		{StatusPendingOrder, StatusArrived, true},
		{StatusAwaitingArrival, StatusAwaitingArrival, true}, // re-bind order ref
		// completion without a notified merchant (portal confirm)
		{StatusArrived, StatusCompleted, true},
		{StatusArrived, StatusCompletedUnbillable, true},
		// expiry / cancel from every non-terminal state
		{StatusPendingOrder, StatusExpired, true},
		{StatusAwaitingArrival, StatusExpired, true},
		{StatusArrived, StatusExpired, true},
		{StatusMerchantNotified, StatusExpired, true},
		{StatusPendingOrder, StatusCanceled, true},
		{StatusAwaitingArrival, StatusCanceled, true},
		{StatusArrived, StatusCanceled, true},
		{StatusMerchantNotified, StatusCanceled, true},
		// invalid: terminal states have no outgoing transitions
		{StatusCompleted, StatusPendingOrder, false},
		{StatusCompletedUnbillable, StatusArrived, false},
		{StatusExpired, StatusAwaitingArrival, false},
		{StatusCanceled, StatusPendingOrder, false},
		// invalid: skipping or reversing states
		{StatusPendingOrder, StatusMerchantNotified, false},
		{StatusPendingOrder, StatusCompleted, false},
		{StatusAwaitingArrival, StatusMerchantNotified, false},
		{StatusArrived, StatusAwaitingArrival, false},
		{StatusMerchantNotified, StatusArrived, false},
	}
	for _, tc := range cases {
		got := CanTransition(tc.from, tc.to)
		if got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestSessionFlowHappyPath(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()
	f.adapter.facts = orderlookup.Facts{
		Source: "pos",
		Status: orderlookup.OrderStatusPlaced,
		Total:  &types.Money{Amount: 2847, Currency: "USD"},
	}

	sess := mustCreate(t, f.svc, "d_happy", withCharger("c1"))
	assertStatus(t, f.svc, sess.ID, StatusPendingOrder)
	if len(sess.ReplyCode) != 4 {
		t.Fatalf("expected 4-char reply code, got %q", sess.ReplyCode)
	}
	if sess.FeeBps != 500 {
		t.Fatalf("expected fee_bps frozen at 500, got %d", sess.FeeBps)
	}

	sess, err := f.svc.BindOrder(ctx, BindOrderCommand{SessionID: sess.ID, DriverID: "d_happy", OrderRef: "ORD-1001"})
	if err != nil {
		t.Fatalf("bind order: %v", err)
	}
	assertStatus(t, f.svc, sess.ID, StatusAwaitingArrival)
	if sess.AdapterTotal == nil || sess.AdapterTotal.Amount != 2847 {
		t.Fatalf("expected adapter total 2847, got %v", sess.AdapterTotal)
	}

	sess, notified, err := f.svc.ConfirmArrival(ctx, ConfirmArrivalCommand{
		SessionID: sess.ID,
		DriverID:  "d_happy",
		Location:  &types.Point{Lat: anchorLat, Lng: anchorLng},
	})
	if err != nil {
		t.Fatalf("confirm arrival: %v", err)
	}
	if !notified {
		t.Fatal("expected merchant notification to dispatch")
	}
	assertStatus(t, f.svc, sess.ID, StatusMerchantNotified)
	if sess.VerificationMode == nil || *sess.VerificationMode != VerificationFull {
		t.Fatalf("expected full verification, got %v", sess.VerificationMode)
	}

	outcome, err := f.svc.MerchantConfirm(ctx, MerchantConfirmCommand{SessionID: sess.ID, ActorType: "merchant_portal"})
	if err != nil {
		t.Fatalf("merchant confirm: %v", err)
	}
	if outcome.Status != string(StatusCompleted) {
		t.Fatalf("expected completed, got %s", outcome.Status)
	}
	if outcome.Record == nil {
		t.Fatal("expected a billing record")
	}
	if outcome.Record.TotalSource != billing.SourceAdapter {
		t.Fatalf("expected adapter_verified source, got %s", outcome.Record.TotalSource)
	}
	if outcome.Record.Billable.Amount != 142 {
		t.Fatalf("expected fee 142, got %d", outcome.Record.Billable.Amount)
	}
}

func TestCreateRejectsSecondActiveSession(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	first := mustCreate(t, f.svc, "d_dup")
	_, err := f.svc.Create(ctx, CreateCommand{DriverID: "d_dup", MerchantID: "m1", Mode: "curbside"})
	if !errors.Is(err, ErrActiveSession) {
		t.Fatalf("expected ErrActiveSession, got %v", err)
	}
	var active *ActiveSessionError
	if !errors.As(err, &active) {
		t.Fatalf("expected ActiveSessionError, got %T", err)
	}
	if active.ExistingID != first.ID {
		t.Fatalf("expected existing id %s, got %s", first.ID, active.ExistingID)
	}

	// A terminal session frees the slot.
	if err := f.svc.Cancel(ctx, CancelCommand{SessionID: first.ID, DriverID: "d_dup"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.svc.Create(ctx, CreateCommand{DriverID: "d_dup", MerchantID: "m1", Mode: "curbside"}); err != nil {
		t.Fatalf("create after cancel: %v", err)
	}
}

func TestCreateIdempotencyReplay(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	key := "idem-key-1"
	first, err := f.svc.Create(ctx, CreateCommand{DriverID: "d_idem", MerchantID: "m1", Mode: "curbside", IdempotencyKey: &key})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := f.svc.Create(ctx, CreateCommand{DriverID: "d_idem", MerchantID: "m1", Mode: "curbside", IdempotencyKey: &key})
	if err != nil {
		t.Fatalf("create replay: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected replay to return original session %s, got %s", first.ID, second.ID)
	}
}

func TestCreateInvalidRequests(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	if _, err := f.svc.Create(ctx, CreateCommand{DriverID: "", MerchantID: "m1", Mode: "curbside"}); err != ErrBadRequest {
		t.Fatalf("missing driver: expected ErrBadRequest, got %v", err)
	}
	if _, err := f.svc.Create(ctx, CreateCommand{DriverID: "d_bad", MerchantID: "", Mode: "curbside"}); err != ErrBadRequest {
		t.Fatalf("missing merchant: expected ErrBadRequest, got %v", err)
	}
	if _, err := f.svc.Create(ctx, CreateCommand{DriverID: "d_bad", MerchantID: "m1", Mode: "drive_through"}); err != ErrBadRequest {
		t.Fatalf("unknown mode: expected ErrBadRequest, got %v", err)
	}
}

func TestBindOrderAdapterUnavailable(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()
	f.adapter.err = orderlookup.ErrUnknown

	sess := mustCreate(t, f.svc, "d_noadapter")
	estimate := &types.Money{Amount: 2000, Currency: "USD"}
	sess, err := f.svc.BindOrder(ctx, BindOrderCommand{SessionID: sess.ID, DriverID: "d_noadapter", OrderRef: "ORD-2", Estimate: estimate})
	if err != nil {
		t.Fatalf("bind order with unavailable adapter: %v", err)
	}
	assertStatus(t, f.svc, sess.ID, StatusAwaitingArrival)
	if sess.AdapterTotal != nil {
		t.Fatalf("expected no adapter total, got %v", sess.AdapterTotal)
	}
	if sess.EstimateTotal == nil || sess.EstimateTotal.Amount != 2000 {
		t.Fatalf("expected estimate 2000, got %v", sess.EstimateTotal)
	}
	if sess.TotalSource == nil || *sess.TotalSource != string(billing.SourceEstimate) {
		t.Fatalf("expected estimate total source, got %v", sess.TotalSource)
	}
}

func TestConfirmArrivalGeofenceReject(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	sess := mustCreate(t, f.svc, "d_far", withCharger("c1"))
	// About 1.1 km north of the charger anchor, well outside the 250 m fence.
	_, _, err := f.svc.ConfirmArrival(ctx, ConfirmArrivalCommand{
		SessionID: sess.ID,
		DriverID:  "d_far",
		Location:  &types.Point{Lat: anchorLat + 0.01, Lng: anchorLng},
	})
	if err != ErrVerificationFailed {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
	assertStatus(t, f.svc, sess.ID, StatusPendingOrder)

	// Location supplied but no charger to verify against.
	noRef := mustCreate(t, f.svc, "d_noref")
	_, _, err = f.svc.ConfirmArrival(ctx, ConfirmArrivalCommand{
		SessionID: noRef.ID,
		DriverID:  "d_noref",
		Location:  &types.Point{Lat: anchorLat, Lng: anchorLng},
	})
	if err != ErrBadRequest {
		t.Fatalf("expected ErrBadRequest without charger ref, got %v", err)
	}
}

func TestDegradedArrivalIsUnbillableOnEstimateOnly(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()
	f.adapter.err = orderlookup.ErrUnknown

	sess := mustCreate(t, f.svc, "d_degraded")
	estimate := &types.Money{Amount: 1500, Currency: "USD"}
	if _, err := f.svc.BindOrder(ctx, BindOrderCommand{SessionID: sess.ID, DriverID: "d_degraded", OrderRef: "ORD-3", Estimate: estimate}); err != nil {
		t.Fatalf("bind order: %v", err)
	}

	// No location reading at all: arrival is recorded in degraded mode.
	updated, _, err := f.svc.ConfirmArrival(ctx, ConfirmArrivalCommand{SessionID: sess.ID, DriverID: "d_degraded"})
	if err != nil {
		t.Fatalf("confirm arrival degraded: %v", err)
	}
	if updated.VerificationMode == nil || *updated.VerificationMode != VerificationDegraded {
		t.Fatalf("expected degraded verification, got %v", updated.VerificationMode)
	}

	// An estimate alone is not trusted for billing after a degraded arrival.
	outcome, err := f.svc.MerchantConfirm(ctx, MerchantConfirmCommand{SessionID: sess.ID, ActorType: "merchant_portal"})
	if err != nil {
		t.Fatalf("merchant confirm: %v", err)
	}
	if outcome.Status != string(StatusCompletedUnbillable) {
		t.Fatalf("expected completed_unbillable, got %s", outcome.Status)
	}
	if outcome.Record != nil {
		t.Fatalf("expected no billing record, got %+v", outcome.Record)
	}
}

func TestMerchantConfirmReplay(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	sess := arrivedSession(t, f, "d_replay")
	reported := &types.Money{Amount: 1800, Currency: "USD"}
	first, err := f.svc.MerchantConfirm(ctx, MerchantConfirmCommand{SessionID: sess.ID, ReportedTotal: reported, ActorType: "merchant_portal"})
	if err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	if first.Replayed {
		t.Fatal("first confirm must not be a replay")
	}
	if first.Record == nil || first.Record.TotalSource != billing.SourceMerchant {
		t.Fatalf("expected merchant_reported record, got %+v", first.Record)
	}

	second, err := f.svc.MerchantConfirm(ctx, MerchantConfirmCommand{SessionID: sess.ID, ReportedTotal: reported, ActorType: "merchant_portal"})
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if !second.Replayed {
		t.Fatal("second confirm must be a replay")
	}
	if second.Record == nil || second.Record.ID != first.Record.ID {
		t.Fatalf("expected same billing record on replay, got %+v", second.Record)
	}
}

func TestMerchantConfirmByReplyCode(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	sess := arrivedSession(t, f, "d_code")
	reported := &types.Money{Amount: 2500, Currency: "USD"}
	outcome, err := f.svc.MerchantConfirmByReplyCode(ctx, sess.ReplyCode, reported, "+15550001111")
	if err != nil {
		t.Fatalf("confirm by reply code: %v", err)
	}
	if outcome.Status != string(StatusCompleted) {
		t.Fatalf("expected completed, got %s", outcome.Status)
	}

	if _, err := f.svc.MerchantConfirmByReplyCode(ctx, "ZZZZ", nil, "+15550001111"); err != ErrNotFound {
		t.Fatalf("unknown code: expected ErrNotFound, got %v", err)
	}
	// The code is no longer resolvable once the session is terminal.
	if _, err := f.svc.MerchantConfirmByReplyCode(ctx, sess.ReplyCode, nil, "+15550001111"); err != ErrNotFound {
		t.Fatalf("terminal code: expected ErrNotFound, got %v", err)
	}
}

func TestConfirmBeforeArrivalRejected(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	sess := mustCreate(t, f.svc, "d_early")
	if _, err := f.svc.MerchantConfirm(ctx, MerchantConfirmCommand{SessionID: sess.ID, ActorType: "merchant_portal"}); err != ErrInvalidState {
		t.Fatalf("confirm before arrival: expected ErrInvalidState, got %v", err)
	}
}

func TestFeedbackOnce(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	sess := arrivedSession(t, f, "d_fb")
	if err := f.svc.Feedback(ctx, FeedbackCommand{SessionID: sess.ID, DriverID: "d_fb", Rating: true}); err != ErrInvalidState {
		t.Fatalf("feedback before completion: expected ErrInvalidState, got %v", err)
	}

	reported := &types.Money{Amount: 1200, Currency: "USD"}
	if _, err := f.svc.MerchantConfirm(ctx, MerchantConfirmCommand{SessionID: sess.ID, ReportedTotal: reported, ActorType: "merchant_portal"}); err != nil {
		t.Fatalf("merchant confirm: %v", err)
	}

	reason := "slow_handoff"
	if err := f.svc.Feedback(ctx, FeedbackCommand{SessionID: sess.ID, DriverID: "d_fb", Rating: false, Reason: &reason}); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if err := f.svc.Feedback(ctx, FeedbackCommand{SessionID: sess.ID, DriverID: "d_fb", Rating: true}); err != ErrFeedbackExists {
		t.Fatalf("second feedback: expected ErrFeedbackExists, got %v", err)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	sess := mustCreate(t, f.svc, "d_owner")
	if _, err := f.svc.BindOrder(ctx, BindOrderCommand{SessionID: sess.ID, DriverID: "d_other", OrderRef: "ORD-X"}); err != ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := f.svc.Cancel(ctx, CancelCommand{SessionID: sess.ID, DriverID: "d_other"}); err != ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestLazyExpiryOnRead(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	sess := mustCreate(t, f.svc, "d_lazy")
	forceExpire(t, f.db, sess.ID)

	if _, err := f.svc.GetActive(ctx, "d_lazy"); err != ErrNotFound {
		t.Fatalf("get active on overdue session: expected ErrNotFound, got %v", err)
	}
	assertStatus(t, f.svc, sess.ID, StatusExpired)

	// And the expired slot is free for a new session.
	if _, err := f.svc.Create(ctx, CreateCommand{DriverID: "d_lazy", MerchantID: "m1", Mode: "curbside"}); err != nil {
		t.Fatalf("create after expiry: %v", err)
	}
}

func TestExpiredSessionRejectsProgress(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	sess := mustCreate(t, f.svc, "d_overdue")
	forceExpire(t, f.db, sess.ID)

	if _, err := f.svc.BindOrder(ctx, BindOrderCommand{SessionID: sess.ID, DriverID: "d_overdue", OrderRef: "ORD-L"}); err != ErrExpired {
		t.Fatalf("bind on overdue session: expected ErrExpired, got %v", err)
	}
	assertStatus(t, f.svc, sess.ID, StatusExpired)
}

func TestSweepExpiresStale(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	fresh := mustCreate(t, f.svc, "d_sweep_fresh")
	stale := mustCreate(t, f.svc, "d_sweep_stale")
	forceExpire(t, f.db, stale.ID)

	n, err := f.svc.Sweep(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired session, got %d", n)
	}
	assertStatus(t, f.svc, stale.ID, StatusExpired)
	assertStatus(t, f.svc, fresh.ID, StatusPendingOrder)
}

// TestCreateReplayOutlivesRateLimit: a retried idempotency key must return the
// original session even after the driver has burned through the rate window.
func TestCreateReplayOutlivesRateLimit(t *testing.T) {
	rdb := setupTestRedis(t)
	f := setupTestService(t, func(d *Deps) {
		d.Cache = NewCache(rdb)
		d.Session.CreateLimitPerWindow = 2
		d.Session.RateWindow = time.Minute
	})
	ctx := context.Background()

	key := "idem-after-limit"
	rdb.Del(ctx, fmt.Sprintf(rateKeyPrefix, "d_ratelimit"), fmt.Sprintf(idemKeyPrefix, key))

	first, err := f.svc.Create(ctx, CreateCommand{DriverID: "d_ratelimit", MerchantID: "m1", Mode: "curbside", IdempotencyKey: &key})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	// Burn the rest of the window. The active-session guard rejects these,
	// but each attempt still counts against the limiter.
	for i := 0; i < 2; i++ {
		_, err := f.svc.Create(ctx, CreateCommand{DriverID: "d_ratelimit", MerchantID: "m1", Mode: "curbside"})
		if !errors.Is(err, ErrActiveSession) && !errors.Is(err, ErrRateLimited) {
			t.Fatalf("attempt %d: expected active-session or rate-limit rejection, got %v", i, err)
		}
	}
	if _, err := f.svc.Create(ctx, CreateCommand{DriverID: "d_ratelimit", MerchantID: "m1", Mode: "curbside"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited for a fresh create, got %v", err)
	}

	replay, err := f.svc.Create(ctx, CreateCommand{DriverID: "d_ratelimit", MerchantID: "m1", Mode: "curbside", IdempotencyKey: &key})
	if err != nil {
		t.Fatalf("replay after exhausted window: %v", err)
	}
	if replay.ID != first.ID {
		t.Fatalf("expected replay to return session %s, got %s", first.ID, replay.ID)
	}
}

// TestConfirmArrivalDispatchFailure: an undeliverable notification leaves the
// session in arrived and never blocks settlement from the portal.
func TestConfirmArrivalDispatchFailure(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()
	f.notifier.ok = false

	sess := mustCreate(t, f.svc, "d_nodispatch", withCharger("c1"))
	sess, notified, err := f.svc.ConfirmArrival(ctx, ConfirmArrivalCommand{
		SessionID: sess.ID,
		DriverID:  "d_nodispatch",
		Location:  &types.Point{Lat: anchorLat, Lng: anchorLng},
	})
	if err != nil {
		t.Fatalf("confirm arrival: %v", err)
	}
	if notified {
		t.Fatal("expected failed dispatch to be reported")
	}
	if f.notifier.calls != 1 {
		t.Fatalf("expected 1 dispatch attempt, got %d", f.notifier.calls)
	}
	assertStatus(t, f.svc, sess.ID, StatusArrived)

	reported := &types.Money{Amount: 1800, Currency: "USD"}
	outcome, err := f.svc.MerchantConfirm(ctx, MerchantConfirmCommand{SessionID: sess.ID, ReportedTotal: reported, ActorType: "merchant_portal"})
	if err != nil {
		t.Fatalf("merchant confirm after failed dispatch: %v", err)
	}
	if outcome.Status != string(StatusCompleted) {
		t.Fatalf("expected completed, got %s", outcome.Status)
	}
	if outcome.Record == nil || outcome.Record.TotalSource != billing.SourceMerchant {
		t.Fatalf("expected merchant_reported record, got %+v", outcome.Record)
	}
}

// TestConfirmArrivalKeepsBoundCharger: once a charger is bound it stays the
// anchor for verification; a conflicting reference on arrival is rejected.
func TestConfirmArrivalKeepsBoundCharger(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	sess := mustCreate(t, f.svc, "d_rebind", withCharger("c1"))
	other := types.ID("c2")
	if _, _, err := f.svc.ConfirmArrival(ctx, ConfirmArrivalCommand{
		SessionID: sess.ID,
		DriverID:  "d_rebind",
		ChargerID: &other,
		Location:  &types.Point{Lat: anchorLat, Lng: anchorLng},
	}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for conflicting charger, got %v", err)
	}
	assertStatus(t, f.svc, sess.ID, StatusPendingOrder)

	same := types.ID("c1")
	sess, _, err := f.svc.ConfirmArrival(ctx, ConfirmArrivalCommand{
		SessionID: sess.ID,
		DriverID:  "d_rebind",
		ChargerID: &same,
		Location:  &types.Point{Lat: anchorLat, Lng: anchorLng},
	})
	if err != nil {
		t.Fatalf("confirm arrival restating bound charger: %v", err)
	}
	if sess.ChargerID == nil || *sess.ChargerID != "c1" {
		t.Fatalf("expected charger c1 to stay bound, got %v", sess.ChargerID)
	}
	assertStatus(t, f.svc, sess.ID, StatusMerchantNotified)
}

// ---- fixtures ----

const (
	anchorLat = 25.033
	anchorLng = 121.565
)

type fixture struct {
	svc      *Service
	store    *Store
	db       *pgxpool.Pool
	adapter  *stubAdapter
	notifier *stubNotifier
}

type stubAdapter struct {
	facts orderlookup.Facts
	err   error
}

func (a *stubAdapter) Name() string { return "stub" }

func (a *stubAdapter) Lookup(ctx context.Context, orderRef string) (orderlookup.Facts, error) {
	if a.err != nil {
		return orderlookup.Facts{}, a.err
	}
	return a.facts, nil
}

type stubDirectory struct {
	anchors map[types.ID]types.Point
}

func (d *stubDirectory) ChargerAnchor(ctx context.Context, id types.ID) (types.Point, error) {
	p, ok := d.anchors[id]
	if !ok {
		return types.Point{}, errors.New("unknown charger")
	}
	return p, nil
}

type stubNotifier struct {
	ok    bool
	calls int
}

func (n *stubNotifier) Dispatch(ctx context.Context, sess *Session) bool {
	n.calls++
	return n.ok
}

type createOpt func(*CreateCommand)

func withCharger(id types.ID) createOpt {
	return func(cmd *CreateCommand) { cmd.ChargerID = &id }
}

func mustCreate(t *testing.T, svc *Service, driverID types.ID, opts ...createOpt) *Session {
	t.Helper()
	cmd := CreateCommand{DriverID: driverID, MerchantID: "m1", Mode: "curbside"}
	for _, opt := range opts {
		opt(&cmd)
	}
	sess, err := svc.Create(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

// arrivedSession drives a fresh session to arrived with full verification.
func arrivedSession(t *testing.T, f *fixture, driverID types.ID) *Session {
	t.Helper()
	sess := mustCreate(t, f.svc, driverID, withCharger("c1"))
	sess, _, err := f.svc.ConfirmArrival(context.Background(), ConfirmArrivalCommand{
		SessionID: sess.ID,
		DriverID:  driverID,
		Location:  &types.Point{Lat: anchorLat, Lng: anchorLng},
	})
	if err != nil {
		t.Fatalf("confirm arrival: %v", err)
	}
	return sess
}

func assertStatus(t *testing.T, svc *Service, id types.ID, want Status) {
	t.Helper()
	sess, err := svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != want {
		t.Fatalf("expected status %s, got %s", want, sess.Status)
	}
}

func forceExpire(t *testing.T, db *pgxpool.Pool, id types.ID) {
	t.Helper()
	tag, err := db.Exec(context.Background(),
		`UPDATE arrival_sessions SET expires_at = now() - interval '1 minute' WHERE id = $1`, string(id))
	if err != nil || tag.RowsAffected() != 1 {
		t.Fatalf("force expire: %v", err)
	}
}

func setupTestService(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()

	db := setupTestDB(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	adapter := &stubAdapter{facts: orderlookup.Facts{Source: "manual", Status: orderlookup.OrderStatusPlaced}}
	notifier := &stubNotifier{ok: true}
	store := NewStore(db)

	deps := Deps{
		Store:   store,
		Billing: billing.NewStore(db),
		Adapter: adapter,
		Geofence: geofence.NewEvaluator(config.GeofenceConfig{
			RadiusM:        250,
			AcceptAtRadius: true,
		}),
		Directory: &stubDirectory{anchors: map[types.ID]types.Point{
			"c1": {Lat: anchorLat, Lng: anchorLng},
		}},
		Notifier: notifier,
		Cache:    NewCache(nil),
		Session: config.SessionConfig{
			Window:        2 * time.Hour,
			SweepInterval: 30 * time.Second,
		},
		BillCfg: config.BillingConfig{
			FeeBps:      500,
			MinFeeCents: 50,
			MaxFeeCents: 500,
			Currency:    "USD",
		},
		Logger: logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	svc := NewService(deps)
	return &fixture{svc: svc, store: store, db: db, adapter: adapter, notifier: notifier}
}

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("AMPSTOP_TEST_REDIS")
	if addr == "" {
		t.Skip("AMPSTOP_TEST_REDIS not set; skipping redis-backed tests")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("AMPSTOP_TEST_DSN")
	if dsn == "" {
		t.Skip("AMPSTOP_TEST_DSN not set; skipping DB-backed tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := applyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}

	if _, err := db.Exec(ctx, "TRUNCATE TABLE billing_records, session_state_events, arrival_sessions"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	return db
}

func applyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	content, err := os.ReadFile(filepath.Join(root, "migrations", "0001_init.sql"))
	if err != nil {
		return err
	}
	cleaned := stripSQLComments(string(content))
	for _, stmt := range splitSQL(cleaned) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		stmt := strings.TrimSpace(p)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
