// README: Billing store; settles sessions and records fees atomically.
package billing

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ampstop/internal/types"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrNotConfirmable means the session was not in a confirmable state at
	// settle time (already canceled, expired, or never arrived). The caller
	// re-reads the session to report the precise reason.
	ErrNotConfirmable = errors.New("session not confirmable")
)

const (
	statusArrived             = "arrived"
	statusMerchantNotified    = "merchant_notified"
	statusCompleted           = "completed"
	statusCompletedUnbillable = "completed_unbillable"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// SettleParams carries the confirmation-time inputs. Resolution inputs frozen
// on the session (adapter total, estimate, fee bps, verification mode) are
// read inside the transaction so a racing write cannot skew the outcome.
type SettleParams struct {
	SessionID     types.ID
	MerchantTotal *types.Money
	MinFee        int64
	MaxFee        int64
	ActorType     string
	ActorID       *types.ID
	Now           time.Time
}

// Settle flips the session to its terminal status and creates the billing
// record in one transaction; the two writes succeed or fail together. Calling
// it on an already-settled session returns the stored outcome unchanged, so
// a portal click racing an SMS reply can never double-bill.
func (s *Store) Settle(ctx context.Context, p SettleParams) (Outcome, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Outcome{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
        SELECT status, merchant_id, driver_id, verification_mode,
               adapter_total_cents, estimate_total_cents, currency, fee_bps
        FROM arrival_sessions
        WHERE id = $1
        FOR UPDATE`, string(p.SessionID),
	)

	var (
		status, merchantID, driverID string
		verificationMode             sql.NullString
		adapterCents, estimateCents  sql.NullInt64
		currency                     string
		feeBps                       int64
	)
	err = row.Scan(&status, &merchantID, &driverID, &verificationMode,
		&adapterCents, &estimateCents, &currency, &feeBps)
	if errors.Is(err, pgx.ErrNoRows) {
		return Outcome{}, ErrNotFound
	}
	if err != nil {
		return Outcome{}, err
	}

	switch status {
	case statusCompleted, statusCompletedUnbillable:
		rec, err := getBySessionTx(ctx, tx, p.SessionID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: status, Record: rec, Replayed: true}, nil
	case statusArrived, statusMerchantNotified:
		// confirmable; fall through
	default:
		return Outcome{}, ErrNotConfirmable
	}

	var adapterTotal, estimateTotal *types.Money
	if adapterCents.Valid {
		adapterTotal = &types.Money{Amount: adapterCents.Int64, Currency: currency}
	}
	if estimateCents.Valid {
		estimateTotal = &types.Money{Amount: estimateCents.Int64, Currency: currency}
	}
	degraded := !verificationMode.Valid || verificationMode.String != "full"

	total, source, billable := ResolveTotal(adapterTotal, p.MerchantTotal, estimateTotal, degraded)

	outcome := Outcome{Status: statusCompletedUnbillable}
	billingStatus := "unbillable"
	var totalSource *string
	var merchantCents *int64
	if p.MerchantTotal != nil {
		merchantCents = &p.MerchantTotal.Amount
	}

	if billable {
		fee := Fee(total, feeBps, p.MinFee, p.MaxFee)
		rec := &Record{
			ID:          types.ID(uuid.NewString()),
			SessionID:   p.SessionID,
			MerchantID:  types.ID(merchantID),
			DriverID:    types.ID(driverID),
			OrderTotal:  total,
			TotalSource: source,
			FeeBps:      feeBps,
			Billable:    fee,
			CreatedAt:   p.Now,
		}
		if _, err := tx.Exec(ctx, `
            INSERT INTO billing_records (
                id, session_id, merchant_id, driver_id,
                order_total_cents, currency, total_source, fee_bps, billable_cents, created_at
            ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			string(rec.ID), string(rec.SessionID), merchantID, driverID,
			rec.OrderTotal.Amount, rec.OrderTotal.Currency, string(rec.TotalSource),
			rec.FeeBps, rec.Billable.Amount, rec.CreatedAt,
		); err != nil {
			return Outcome{}, err
		}
		outcome = Outcome{Status: statusCompleted, Record: rec}
		billingStatus = "billed"
		src := string(source)
		totalSource = &src
	}

	tag, err := tx.Exec(ctx, `
        UPDATE arrival_sessions
        SET status = $1,
            billing_status = $2,
            total_source = COALESCE($3, total_source),
            merchant_total_cents = COALESCE($4, merchant_total_cents),
            closed_at = $5
        WHERE id = $6 AND status IN ($7, $8)`,
		outcome.Status, billingStatus, totalSource, merchantCents, p.Now,
		string(p.SessionID), statusArrived, statusMerchantNotified,
	)
	if err != nil {
		return Outcome{}, err
	}
	if tag.RowsAffected() != 1 {
		// Lost a race despite the row lock; treat like any other contender loss.
		return Outcome{}, ErrNotConfirmable
	}

	if _, err := tx.Exec(ctx, `
        INSERT INTO session_state_events (session_id, from_status, to_status, actor_type, actor_id, created_at)
        VALUES ($1,$2,$3,$4,$5,$6)`,
		string(p.SessionID), status, outcome.Status, p.ActorType, actorIDPtr(p.ActorID), p.Now,
	); err != nil {
		return Outcome{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

// GetBySession returns the billing record for a session, if one exists.
func (s *Store) GetBySession(ctx context.Context, sessionID types.ID) (*Record, error) {
	return getBySessionQ(ctx, s.db, sessionID)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getBySessionTx(ctx context.Context, tx pgx.Tx, sessionID types.ID) (*Record, error) {
	return getBySessionQ(ctx, tx, sessionID)
}

func getBySessionQ(ctx context.Context, q queryRower, sessionID types.ID) (*Record, error) {
	row := q.QueryRow(ctx, `
        SELECT id, session_id, merchant_id, driver_id,
               order_total_cents, currency, total_source, fee_bps, billable_cents, created_at
        FROM billing_records
        WHERE session_id = $1`, string(sessionID),
	)
	var r Record
	var currency, source string
	err := row.Scan(&r.ID, &r.SessionID, &r.MerchantID, &r.DriverID,
		&r.OrderTotal.Amount, &currency, &source, &r.FeeBps, &r.Billable.Amount, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.OrderTotal.Currency = currency
	r.Billable.Currency = currency
	r.TotalSource = Source(source)
	return &r, nil
}

// ListRange returns billing records created within [from, to) joined with
// session context, for the invoicing export.
func (s *Store) ListRange(ctx context.Context, from, to time.Time) ([]ExportRow, error) {
	rows, err := s.db.Query(ctx, `
        SELECT b.id, b.session_id, b.merchant_id, b.driver_id,
               b.order_total_cents, b.currency, b.total_source, b.fee_bps, b.billable_cents, b.created_at,
               COALESCE(s.order_ref, ''), s.mode, s.closed_at
        FROM billing_records b
        JOIN arrival_sessions s ON s.id = b.session_id
        WHERE b.created_at >= $1 AND b.created_at < $2
        ORDER BY b.created_at`, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ExportRow, 0)
	for rows.Next() {
		var e ExportRow
		var currency, source string
		var closedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.SessionID, &e.MerchantID, &e.DriverID,
			&e.OrderTotal.Amount, &currency, &source, &e.FeeBps, &e.Billable.Amount, &e.CreatedAt,
			&e.OrderRef, &e.Mode, &closedAt,
		); err != nil {
			return nil, err
		}
		e.OrderTotal.Currency = currency
		e.Billable.Currency = currency
		e.TotalSource = Source(source)
		if closedAt.Valid {
			e.CompletedAt = closedAt.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func actorIDPtr(id *types.ID) *string {
	if id == nil {
		return nil
	}
	v := string(*id)
	return &v
}
