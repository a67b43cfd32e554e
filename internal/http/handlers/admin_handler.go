// README: Admin handlers (billing export).
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ampstop/internal/modules/billing"
)

type AdminHandler struct {
	billing *billing.Store
}

func NewAdminHandler(b *billing.Store) *AdminHandler {
	return &AdminHandler{billing: b}
}

type billingRecordResp struct {
	RecordID        string     `json:"record_id"`
	SessionID       string     `json:"session_id"`
	MerchantID      string     `json:"merchant_id"`
	DriverID        string     `json:"driver_id"`
	OrderRef        string     `json:"order_ref"`
	Mode            string     `json:"mode"`
	OrderTotalCents int64      `json:"order_total_cents"`
	Currency        string     `json:"currency"`
	TotalSource     string     `json:"total_source"`
	FeeBps          int64      `json:"fee_bps"`
	BillableCents   int64      `json:"billable_cents"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// ListBillingRecords exports settled records in a time range for invoicing.
// Bounds are RFC 3339; "to" is exclusive and defaults to now.
func (h *AdminHandler) ListBillingRecords(c *gin.Context) {
	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid from timestamp")
		return
	}
	to := time.Now().UTC()
	if raw := c.Query("to"); raw != "" {
		to, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid to timestamp")
			return
		}
	}

	rows, err := h.billing.ListRange(c.Request.Context(), from, to)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]billingRecordResp, 0, len(rows))
	for _, r := range rows {
		var completedAt *time.Time
		if !r.CompletedAt.IsZero() {
			t := r.CompletedAt
			completedAt = &t
		}
		out = append(out, billingRecordResp{
			RecordID:        string(r.ID),
			SessionID:       string(r.SessionID),
			MerchantID:      string(r.MerchantID),
			DriverID:        string(r.DriverID),
			OrderRef:        r.OrderRef,
			Mode:            r.Mode,
			OrderTotalCents: r.OrderTotal.Amount,
			Currency:        r.OrderTotal.Currency,
			TotalSource:     string(r.TotalSource),
			FeeBps:          r.FeeBps,
			BillableCents:   r.Billable.Amount,
			CreatedAt:       r.CreatedAt,
			CompletedAt:     completedAt,
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"records": out, "count": len(out)})
}
