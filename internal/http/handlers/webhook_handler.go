// README: Inbound SMS webhook handler.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"ampstop/internal/config"
	"ampstop/internal/modules/notify"
	"ampstop/internal/sms"
)

const signatureHeader = "X-Sms-Signature"

type WebhookHandler struct {
	inbound *notify.InboundHandler
	cfg     config.SMSConfig
	logger  *slog.Logger
}

func NewWebhookHandler(inbound *notify.InboundHandler, cfg config.SMSConfig, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{inbound: inbound, cfg: cfg, logger: logger}
}

// InboundSMS verifies the gateway signature, hands the body to the reply
// handler, and returns the response text. Unsigned requests are dropped
// before any session state is touched.
func (h *WebhookHandler) InboundSMS(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.String(http.StatusBadRequest, "bad form")
		return
	}
	params := map[string]string{}
	for k := range c.Request.PostForm {
		params[k] = c.Request.PostForm.Get(k)
	}

	callbackURL := h.cfg.WebhookURL
	if callbackURL == "" {
		callbackURL = "https://" + c.Request.Host + c.Request.URL.RequestURI()
	}
	if !sms.ValidateSignature(h.cfg.AuthToken, callbackURL, params, c.GetHeader(signatureHeader)) {
		h.logger.Warn("rejected unsigned sms webhook", "remote", c.ClientIP())
		c.String(http.StatusForbidden, "invalid signature")
		return
	}

	reply := h.inbound.HandleReply(c.Request.Context(), params["From"], params["Body"])
	c.String(http.StatusOK, reply)
}
