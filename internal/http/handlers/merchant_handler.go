// README: Merchant portal handlers (pickup confirmation).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ampstop/internal/http/middleware"
	"ampstop/internal/modules/session"
	"ampstop/internal/types"
)

type MerchantHandler struct {
	sessions *session.Service
	currency string
}

func NewMerchantHandler(sessions *session.Service, currency string) *MerchantHandler {
	return &MerchantHandler{sessions: sessions, currency: currency}
}

type confirmReq struct {
	TotalCents *int64 `json:"total_cents,omitempty"`
}

// Confirm settles a session from the merchant portal. Safe to retry; a
// repeat returns the original settlement.
func (h *MerchantHandler) Confirm(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req confirmReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}

	actorID := types.ID(middleware.CallerUID(c))
	cmd := session.MerchantConfirmCommand{
		SessionID: id,
		ActorType: "merchant_portal",
		ActorID:   &actorID,
	}
	if req.TotalCents != nil {
		cmd.ReportedTotal = &types.Money{Amount: *req.TotalCents, Currency: h.currency}
	}

	outcome, err := h.sessions.MerchantConfirm(c.Request.Context(), cmd)
	if err != nil {
		writeSessionError(c, err)
		return
	}

	resp := gin.H{"status": outcome.Status, "replayed": outcome.Replayed}
	if outcome.Record != nil {
		resp["billing"] = gin.H{
			"record_id":         string(outcome.Record.ID),
			"order_total_cents": outcome.Record.OrderTotal.Amount,
			"total_source":      string(outcome.Record.TotalSource),
			"billable_cents":    outcome.Record.Billable.Amount,
			"currency":          outcome.Record.Billable.Currency,
		}
	}
	writeJSON(c, http.StatusOK, resp)
}
