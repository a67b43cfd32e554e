// README: Session store backed by PostgreSQL; all writes are conditional.
package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ampstop/internal/types"
)

// Storage-level sentinels surfaced when a unique constraint decides a race.
// The service layer translates them into caller-facing errors.
var (
	errDuplicateActiveDriver = errors.New("duplicate active session for driver")
	errDuplicateIdempotency  = errors.New("duplicate idempotency key")
	errDuplicateReplyCode    = errors.New("duplicate active reply code")
	errStoreNotFound         = errors.New("session row not found")
)

const (
	constraintActiveDriver   = "ux_sessions_active_driver"
	constraintIdempotencyKey = "ux_sessions_idempotency_key"
	constraintReplyCode      = "ux_sessions_active_reply_code"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Create inserts a new session. The partial unique indexes arbitrate
// concurrent creates: the database, not an application check, decides which
// caller wins.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO arrival_sessions (
            id, idempotency_key, driver_id, merchant_id, charger_id, mode, status,
            order_status, currency, reply_code, fee_bps, billing_status,
            created_at, expires_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7,
            $8, $9, $10, $11, $12,
            $13, $14
        )`,
		string(sess.ID),
		sess.IdempotencyKey,
		string(sess.DriverID),
		string(sess.MerchantID),
		idPtr(sess.ChargerID),
		string(sess.Mode),
		string(sess.Status),
		sess.OrderStatus,
		sess.Currency,
		sess.ReplyCode,
		sess.FeeBps,
		sess.BillingStatus,
		sess.CreatedAt,
		sess.ExpiresAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case constraintActiveDriver:
			return errDuplicateActiveDriver
		case constraintIdempotencyKey:
			return errDuplicateIdempotency
		case constraintReplyCode:
			return errDuplicateReplyCode
		}
	}
	return err
}

const sessionColumns = `
        id, idempotency_key, driver_id, merchant_id, charger_id, mode, status,
        order_ref, order_source, order_status,
        adapter_total_cents, merchant_total_cents, estimate_total_cents, currency, total_source,
        claimed_lat, claimed_lng, claimed_accuracy_m, verification_mode,
        reply_code, fee_bps, billing_status,
        rating, feedback_reason, feedback_comment, feedback_at,
        created_at, order_bound_at, arrived_at, notified_at, closed_at, expires_at`

func (s *Store) GetByID(ctx context.Context, id types.ID) (*Session, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM arrival_sessions WHERE id = $1`, string(id))
	return scanSession(row)
}

func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*Session, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM arrival_sessions WHERE idempotency_key = $1`, key)
	return scanSession(row)
}

// GetActiveByDriver returns the driver's single non-terminal session, if any.
func (s *Store) GetActiveByDriver(ctx context.Context, driverID types.ID) (*Session, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM arrival_sessions
         WHERE driver_id = $1
           AND status IN ('pending_order','awaiting_arrival','arrived','merchant_notified')`,
		string(driverID))
	return scanSession(row)
}

// GetByActiveReplyCode resolves a reply code against sessions a reply could
// still plausibly target.
func (s *Store) GetByActiveReplyCode(ctx context.Context, code string) (*Session, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM arrival_sessions
         WHERE reply_code = $1 AND status IN ('arrived','merchant_notified')`,
		code)
	return scanSession(row)
}

// BindOrder records order facts and advances to awaiting_arrival. Conditional
// on the session still being bindable at write time.
func (s *Store) BindOrder(ctx context.Context, id types.ID, orderRef, orderSource, orderStatus string,
	adapterCents, estimateCents *int64, totalSource *string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE arrival_sessions
        SET status = 'awaiting_arrival',
            order_ref = $1,
            order_source = $2,
            order_status = $3,
            adapter_total_cents = $4,
            estimate_total_cents = COALESCE($5, estimate_total_cents),
            total_source = $6,
            order_bound_at = COALESCE(order_bound_at, $7)
        WHERE id = $8 AND status IN ('pending_order','awaiting_arrival')`,
		orderRef, orderSource, orderStatus, adapterCents, estimateCents, totalSource, now, string(id),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ConfirmArrival stores verification evidence and advances to arrived.
func (s *Store) ConfirmArrival(ctx context.Context, id types.ID, chargerID *types.ID,
	lat, lng, accuracyM *float64, mode VerificationMode, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE arrival_sessions
        SET status = 'arrived',
            charger_id = COALESCE(charger_id, $1),
            claimed_lat = $2,
            claimed_lng = $3,
            claimed_accuracy_m = $4,
            verification_mode = $5,
            arrived_at = $6
        WHERE id = $7 AND status IN ('pending_order','awaiting_arrival')`,
		idPtr(chargerID), lat, lng, accuracyM, string(mode), now, string(id),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkNotified advances arrived → merchant_notified after a successful
// dispatch. Losing the condition (for example to a concurrent confirm) is not
// an error; the dispatch outcome was already reported to the caller.
func (s *Store) MarkNotified(ctx context.Context, id types.ID, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE arrival_sessions
        SET status = 'merchant_notified', notified_at = $1
        WHERE id = $2 AND status = 'arrived'`,
		now, string(id),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateStatus performs a generic conditional transition. The write succeeds
// only if the session still holds the status the caller read.
func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE arrival_sessions
        SET status = $1,
            closed_at = CASE WHEN $1 IN ('completed','completed_unbillable','expired','canceled')
                             THEN $2 ELSE closed_at END
        WHERE id = $3 AND status = $4`,
		string(to), now, string(id), string(from),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ExpiredSession reports one row the sweeper expired.
type ExpiredSession struct {
	ID         types.ID
	FromStatus Status
}

// ExpireStale transitions every overdue non-terminal session to expired.
// SKIP LOCKED keeps concurrent sweeper instances from double-processing a
// row, and the status predicate keeps a just-completed session completed.
func (s *Store) ExpireStale(ctx context.Context, now time.Time) ([]ExpiredSession, error) {
	rows, err := s.db.Query(ctx, `
        WITH stale AS (
            SELECT id, status FROM arrival_sessions
            WHERE status IN ('pending_order','awaiting_arrival','arrived','merchant_notified')
              AND expires_at < $1
            FOR UPDATE SKIP LOCKED
        )
        UPDATE arrival_sessions a
        SET status = 'expired', closed_at = $1
        FROM stale
        WHERE a.id = stale.id
        RETURNING stale.id, stale.status`,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExpiredSession
	for rows.Next() {
		var e ExpiredSession
		var id, from string
		if err := rows.Scan(&id, &from); err != nil {
			return nil, err
		}
		e.ID = types.ID(id)
		e.FromStatus = Status(from)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ExpireByID lazily expires a single overdue session, conditional on it still
// being non-terminal.
func (s *Store) ExpireByID(ctx context.Context, id types.ID, from Status, now time.Time) (bool, error) {
	return s.UpdateStatus(ctx, id, from, StatusExpired, now)
}

// SetFeedback records a one-shot rating on a terminal successful session.
func (s *Store) SetFeedback(ctx context.Context, id types.ID, rating bool, reason, comment *string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE arrival_sessions
        SET rating = $1, feedback_reason = $2, feedback_comment = $3, feedback_at = $4
        WHERE id = $5
          AND status IN ('completed','completed_unbillable')
          AND feedback_at IS NULL`,
		rating, reason, comment, now, string(id),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO session_state_events (
            session_id, from_status, to_status, actor_type, actor_id, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.SessionID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		idPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	var (
		idemKey, chargerID                         sql.NullString
		orderRef, orderSource, totalSource         sql.NullString
		adapterCents, merchantCents, estimateCents sql.NullInt64
		claimedLat, claimedLng, claimedAcc         sql.NullFloat64
		verificationMode                           sql.NullString
		rating                                     sql.NullBool
		feedbackReason, feedbackComment            sql.NullString
		feedbackAt                                 sql.NullTime
		orderBoundAt, arrivedAt, notifiedAt        sql.NullTime
		closedAt                                   sql.NullTime
	)

	err := row.Scan(
		&sess.ID, &idemKey, &sess.DriverID, &sess.MerchantID, &chargerID, &sess.Mode, &sess.Status,
		&orderRef, &orderSource, &sess.OrderStatus,
		&adapterCents, &merchantCents, &estimateCents, &sess.Currency, &totalSource,
		&claimedLat, &claimedLng, &claimedAcc, &verificationMode,
		&sess.ReplyCode, &sess.FeeBps, &sess.BillingStatus,
		&rating, &feedbackReason, &feedbackComment, &feedbackAt,
		&sess.CreatedAt, &orderBoundAt, &arrivedAt, &notifiedAt, &closedAt, &sess.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errStoreNotFound
	}
	if err != nil {
		return nil, err
	}

	sess.IdempotencyKey = nullStringPtr(idemKey)
	if chargerID.Valid {
		v := types.ID(chargerID.String)
		sess.ChargerID = &v
	}
	sess.OrderRef = nullStringPtr(orderRef)
	sess.OrderSource = nullStringPtr(orderSource)
	sess.TotalSource = nullStringPtr(totalSource)
	if adapterCents.Valid {
		sess.AdapterTotal = &types.Money{Amount: adapterCents.Int64, Currency: sess.Currency}
	}
	if merchantCents.Valid {
		sess.MerchantTotal = &types.Money{Amount: merchantCents.Int64, Currency: sess.Currency}
	}
	if estimateCents.Valid {
		sess.EstimateTotal = &types.Money{Amount: estimateCents.Int64, Currency: sess.Currency}
	}
	sess.ClaimedLat = nullFloatPtr(claimedLat)
	sess.ClaimedLng = nullFloatPtr(claimedLng)
	sess.ClaimedAccuracyM = nullFloatPtr(claimedAcc)
	if verificationMode.Valid {
		v := VerificationMode(verificationMode.String)
		sess.VerificationMode = &v
	}
	if rating.Valid {
		sess.Rating = &rating.Bool
	}
	sess.FeedbackReason = nullStringPtr(feedbackReason)
	sess.FeedbackComment = nullStringPtr(feedbackComment)
	sess.FeedbackAt = nullTimePtr(feedbackAt)
	sess.OrderBoundAt = nullTimePtr(orderBoundAt)
	sess.ArrivedAt = nullTimePtr(arrivedAt)
	sess.NotifiedAt = nullTimePtr(notifiedAt)
	sess.ClosedAt = nullTimePtr(closedAt)
	return &sess, nil
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
