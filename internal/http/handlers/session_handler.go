// README: Driver-facing session handlers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ampstop/internal/http/middleware"
	"ampstop/internal/modules/session"
	"ampstop/internal/types"
)

type SessionHandler struct {
	sessions *session.Service
	currency string
}

func NewSessionHandler(sessions *session.Service, currency string) *SessionHandler {
	return &SessionHandler{sessions: sessions, currency: currency}
}

type createSessionReq struct {
	MerchantID     string  `json:"merchant_id"`
	Mode           string  `json:"mode"`
	ChargerID      *string `json:"charger_id,omitempty"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
}

func (h *SessionHandler) Create(c *gin.Context) {
	var req createSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}

	idemKey := req.IdempotencyKey
	if idemKey == nil {
		if h := c.GetHeader("Idempotency-Key"); h != "" {
			idemKey = &h
		}
	}

	cmd := session.CreateCommand{
		DriverID:       types.ID(middleware.CallerUID(c)),
		MerchantID:     types.ID(req.MerchantID),
		Mode:           req.Mode,
		IdempotencyKey: idemKey,
	}
	if req.ChargerID != nil {
		id := types.ID(*req.ChargerID)
		cmd.ChargerID = &id
	}

	sess, err := h.sessions.Create(c.Request.Context(), cmd)
	if err != nil {
		writeSessionError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toSessionResponse(sess))
}

func (h *SessionHandler) GetActive(c *gin.Context) {
	sess, err := h.sessions.GetActive(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeSessionError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toSessionResponse(sess))
}

func (h *SessionHandler) Get(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	sess, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		writeSessionError(c, err)
		return
	}
	if sess.DriverID != types.ID(middleware.CallerUID(c)) {
		writeSessionError(c, session.ErrForbidden)
		return
	}
	writeJSON(c, http.StatusOK, toSessionResponse(sess))
}

type bindOrderReq struct {
	OrderRef           string `json:"order_ref"`
	EstimateTotalCents *int64 `json:"estimate_total_cents,omitempty"`
}

func (h *SessionHandler) BindOrder(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req bindOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}

	cmd := session.BindOrderCommand{
		SessionID: id,
		DriverID:  types.ID(middleware.CallerUID(c)),
		OrderRef:  req.OrderRef,
	}
	if req.EstimateTotalCents != nil {
		cmd.Estimate = &types.Money{Amount: *req.EstimateTotalCents, Currency: h.currency}
	}

	sess, err := h.sessions.BindOrder(c.Request.Context(), cmd)
	if err != nil {
		writeSessionError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toSessionResponse(sess))
}

type confirmArrivalReq struct {
	Lat       *float64 `json:"lat,omitempty"`
	Lng       *float64 `json:"lng,omitempty"`
	AccuracyM *float64 `json:"accuracy_m,omitempty"`
	ChargerID *string  `json:"charger_id,omitempty"`
}

func (h *SessionHandler) ConfirmArrival(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req confirmArrivalReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if (req.Lat == nil) != (req.Lng == nil) {
		writeError(c, http.StatusBadRequest, "lat and lng must be supplied together")
		return
	}

	cmd := session.ConfirmArrivalCommand{
		SessionID: id,
		DriverID:  types.ID(middleware.CallerUID(c)),
		AccuracyM: req.AccuracyM,
	}
	if req.Lat != nil {
		cmd.Location = &types.Point{Lat: *req.Lat, Lng: *req.Lng}
	}
	if req.ChargerID != nil {
		cid := types.ID(*req.ChargerID)
		cmd.ChargerID = &cid
	}

	sess, notified, err := h.sessions.ConfirmArrival(c.Request.Context(), cmd)
	if err != nil {
		writeSessionError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"session":           toSessionResponse(sess),
		"merchant_notified": notified,
	})
}

func (h *SessionHandler) Cancel(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	err := h.sessions.Cancel(c.Request.Context(), session.CancelCommand{
		SessionID: id,
		DriverID:  types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeSessionError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": session.StatusCanceled})
}

type feedbackReq struct {
	Rating  *bool   `json:"rating"`
	Reason  *string `json:"reason,omitempty"`
	Comment *string `json:"comment,omitempty"`
}

func (h *SessionHandler) Feedback(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req feedbackReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Rating == nil {
		writeError(c, http.StatusBadRequest, "rating is required")
		return
	}

	err := h.sessions.Feedback(c.Request.Context(), session.FeedbackCommand{
		SessionID: id,
		DriverID:  types.ID(middleware.CallerUID(c)),
		Rating:    *req.Rating,
		Reason:    req.Reason,
		Comment:   req.Comment,
	})
	if err != nil {
		writeSessionError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"recorded": true})
}
