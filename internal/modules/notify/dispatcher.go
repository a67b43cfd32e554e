// README: Merchant notification dispatcher (SMS with reply code).
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"ampstop/internal/modules/directory"
	"ampstop/internal/modules/session"
	"ampstop/internal/observability"
	"ampstop/internal/sms"
	"ampstop/internal/types"
)

const dedupeKeyPrefix = "notify:sent:%s"

// MerchantSource resolves merchant contact details; satisfied by the
// directory service.
type MerchantSource interface {
	Merchant(ctx context.Context, id types.ID) (*directory.Merchant, error)
}

// Dispatcher sends the one arrival notification a merchant gets per session.
// A redis guard absorbs double dispatch from racing confirms; losing the
// guard entry only risks a duplicate text, never a state error.
type Dispatcher struct {
	directory MerchantSource
	transport sms.Transport
	redis     *redis.Client
	dedupeTTL time.Duration
	logger    *slog.Logger
}

func NewDispatcher(dir MerchantSource, transport sms.Transport, r *redis.Client, dedupeTTL time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		directory: dir,
		transport: transport,
		redis:     r,
		dedupeTTL: dedupeTTL,
		logger:    logger,
	}
}

// Dispatch resolves the merchant contact and sends the arrival text. Every
// skip and failure returns false; the session stays in arrived and the
// merchant can still confirm through the portal.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session) bool {
	if d.transport == nil {
		observability.NotificationsSent.WithLabelValues("skipped").Inc()
		return false
	}

	m, err := d.directory.Merchant(ctx, sess.MerchantID)
	if err != nil {
		d.logger.Warn("merchant lookup failed", "collaborator", "directory", "operation", "merchant", "session_id", sess.ID, "merchant_id", sess.MerchantID, "error", err)
		observability.NotificationsSent.WithLabelValues("failed").Inc()
		return false
	}
	if !m.NotificationsEnabled || m.NotifyPhone == "" {
		d.logger.Info("merchant not notifiable", "session_id", sess.ID, "merchant_id", sess.MerchantID)
		observability.NotificationsSent.WithLabelValues("skipped").Inc()
		return false
	}

	if !d.claimDispatch(ctx, sess) {
		// Another instance already sent this one; report success so the
		// session advances.
		observability.NotificationsSent.WithLabelValues("deduped").Inc()
		return true
	}

	if err := d.transport.Send(ctx, m.NotifyPhone, renderArrival(sess)); err != nil {
		d.logger.Warn("notification send failed", "collaborator", "sms_gateway", "operation", "send", "session_id", sess.ID, "error", err)
		observability.NotificationsSent.WithLabelValues("failed").Inc()
		d.releaseDispatch(ctx, sess)
		return false
	}

	d.logger.Info("merchant notified", "session_id", sess.ID, "merchant_id", sess.MerchantID)
	observability.NotificationsSent.WithLabelValues("sent").Inc()
	return true
}

func (d *Dispatcher) claimDispatch(ctx context.Context, sess *session.Session) bool {
	if d.redis == nil {
		return true
	}
	key := fmt.Sprintf(dedupeKeyPrefix, string(sess.ID))
	ok, err := d.redis.SetNX(ctx, key, "1", d.dedupeTTL).Result()
	if err != nil {
		// Redis down: prefer the duplicate text over a silent merchant.
		return true
	}
	return ok
}

func (d *Dispatcher) releaseDispatch(ctx context.Context, sess *session.Session) {
	if d.redis == nil {
		return
	}
	_ = d.redis.Del(ctx, fmt.Sprintf(dedupeKeyPrefix, string(sess.ID))).Err()
}

func renderArrival(sess *session.Session) string {
	orderLine := "their order"
	if sess.OrderRef != nil && *sess.OrderRef != "" {
		orderLine = "order " + *sess.OrderRef
	}
	where := "at the charger"
	if sess.Mode == session.ModeDineIn {
		where = "and is coming in"
	}
	return fmt.Sprintf(
		"AmpStop: a driver has arrived %s for %s. Reply DONE %s <amount> once handed off (example: DONE %s 18.50). Reply HELP for help.",
		where, orderLine, sess.ReplyCode, sess.ReplyCode)
}
