// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ampstop/internal/modules/session"
	"ampstop/internal/types"
)

type errorResponse struct {
	Error             string `json:"error"`
	ExistingSessionID string `json:"existing_session_id,omitempty"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeSessionError maps service sentinels onto the HTTP surface. Every
// distinct failure keeps its own status; clients branch on these.
func writeSessionError(c *gin.Context, err error) {
	var active *session.ActiveSessionError
	if errors.As(err, &active) {
		writeJSON(c, http.StatusConflict, errorResponse{
			Error:             session.ErrActiveSession.Error(),
			ExistingSessionID: string(active.ExistingID),
		})
		return
	}

	switch {
	case errors.Is(err, session.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrInvalidState),
		errors.Is(err, session.ErrConflict),
		errors.Is(err, session.ErrActiveSession),
		errors.Is(err, session.ErrFeedbackExists):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrExpired):
		writeError(c, http.StatusGone, err.Error())
	case errors.Is(err, session.ErrVerificationFailed):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, session.ErrRateLimited):
		writeError(c, http.StatusTooManyRequests, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

type sessionResponse struct {
	ID               string     `json:"id"`
	DriverID         string     `json:"driver_id"`
	MerchantID       string     `json:"merchant_id"`
	ChargerID        *string    `json:"charger_id,omitempty"`
	Mode             string     `json:"mode"`
	Status           string     `json:"status"`
	OrderRef         *string    `json:"order_ref,omitempty"`
	OrderStatus      string     `json:"order_status"`
	VerificationMode *string    `json:"verification_mode,omitempty"`
	ReplyCode        string     `json:"reply_code"`
	BillingStatus    string     `json:"billing_status"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
}

func toSessionResponse(s *session.Session) sessionResponse {
	resp := sessionResponse{
		ID:            string(s.ID),
		DriverID:      string(s.DriverID),
		MerchantID:    string(s.MerchantID),
		Mode:          string(s.Mode),
		Status:        string(s.Status),
		OrderRef:      s.OrderRef,
		OrderStatus:   s.OrderStatus,
		ReplyCode:     s.ReplyCode,
		BillingStatus: s.BillingStatus,
		CreatedAt:     s.CreatedAt,
		ExpiresAt:     s.ExpiresAt,
		ClosedAt:      s.ClosedAt,
	}
	if s.ChargerID != nil {
		v := string(*s.ChargerID)
		resp.ChargerID = &v
	}
	if s.VerificationMode != nil {
		v := string(*s.VerificationMode)
		resp.VerificationMode = &v
	}
	return resp
}

func idParam(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing session id")
		return "", false
	}
	return types.ID(id), true
}
