// README: Inbound SMS reply parsing and confirmation handling.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"ampstop/internal/modules/session"
	"ampstop/internal/observability"
	"ampstop/internal/types"
)

const (
	replyHelp         = "AmpStop: when the order is handed to the driver, reply DONE followed by the code from our text and the order total, e.g. DONE AB3X 18.50."
	replyUnrecognized = "AmpStop: sorry, we didn't understand that. Reply HELP for instructions."
	replyNoSession    = "AmpStop: we couldn't find an active pickup for that code. It may have already been confirmed or timed out."
	replyExpired      = "AmpStop: that pickup window has already closed, so there's nothing to confirm."
	replyConfirmed    = "AmpStop: got it, the pickup is confirmed. Thank you!"
	replyError        = "AmpStop: something went wrong on our side. Please try again or use the merchant portal."
)

// InboundHandler turns raw reply bodies into session confirmations. All
// outcomes map to a fixed response text; the sender never sees internals.
type InboundHandler struct {
	sessions *session.Service
	currency string
	logger   *slog.Logger
}

func NewInboundHandler(sessions *session.Service, currency string, logger *slog.Logger) *InboundHandler {
	return &InboundHandler{sessions: sessions, currency: currency, logger: logger}
}

// HandleReply processes one inbound message and returns the response body to
// text back.
func (h *InboundHandler) HandleReply(ctx context.Context, from, body string) string {
	fields := strings.Fields(strings.ToUpper(strings.TrimSpace(body)))
	if len(fields) == 0 {
		observability.InboundReplies.WithLabelValues("unrecognized").Inc()
		return replyUnrecognized
	}

	switch fields[0] {
	case "HELP":
		observability.InboundReplies.WithLabelValues("help").Inc()
		return replyHelp
	case "DONE":
		return h.handleDone(ctx, from, fields[1:])
	default:
		observability.InboundReplies.WithLabelValues("unrecognized").Inc()
		return replyUnrecognized
	}
}

func (h *InboundHandler) handleDone(ctx context.Context, from string, args []string) string {
	if len(args) == 0 {
		observability.InboundReplies.WithLabelValues("unrecognized").Inc()
		return replyUnrecognized
	}
	code := args[0]

	var reported *types.Money
	if len(args) > 1 {
		cents, ok := parseAmountCents(args[1])
		if !ok {
			observability.InboundReplies.WithLabelValues("unrecognized").Inc()
			return replyUnrecognized
		}
		reported = &types.Money{Amount: cents, Currency: h.currency}
	}

	_, err := h.sessions.MerchantConfirmByReplyCode(ctx, code, reported, from)
	switch {
	case err == nil:
		observability.InboundReplies.WithLabelValues("confirmed").Inc()
		return replyConfirmed
	case errors.Is(err, session.ErrNotFound):
		observability.InboundReplies.WithLabelValues("no_session").Inc()
		return replyNoSession
	case errors.Is(err, session.ErrExpired):
		observability.InboundReplies.WithLabelValues("expired").Inc()
		return replyExpired
	case errors.Is(err, session.ErrInvalidState):
		observability.InboundReplies.WithLabelValues("rejected").Inc()
		return replyNoSession
	default:
		h.logger.Error("inbound confirm failed", "from", from, "error", err)
		observability.InboundReplies.WithLabelValues("error").Inc()
		return replyError
	}
}

// parseAmountCents parses a decimal money amount ("18", "18.5", "$18.50")
// into cents without going through floating point.
func parseAmountCents(s string) (int64, bool) {
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return 0, false
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" || len(frac) > 2 {
		return 0, false
	}
	if len(whole) > 12 {
		return 0, false
	}

	var cents int64
	for _, r := range whole {
		if r < '0' || r > '9' {
			return 0, false
		}
		cents = cents*10 + int64(r-'0')
	}
	cents *= 100

	mult := int64(10)
	for _, r := range frac {
		if r < '0' || r > '9' {
			return 0, false
		}
		cents += int64(r-'0') * mult
		mult /= 10
	}
	if cents <= 0 {
		return 0, false
	}
	return cents, true
}
