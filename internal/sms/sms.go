// README: Outbound SMS transport; a thin gateway client behind an interface.
package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"ampstop/internal/config"
)

var ErrSendFailed = errors.New("sms send failed")

// Transport sends one text message. Implementations must be safe for
// concurrent use.
type Transport interface {
	Send(ctx context.Context, to, body string) error
}

// HTTPTransport posts messages to an SMS gateway as form data. The gateway
// contract is the common aggregator shape: POST with To/From/Body, bearer
// auth, 2xx on acceptance.
type HTTPTransport struct {
	endpoint string
	from     string
	token    string
	client   *http.Client
	logger   *slog.Logger
}

func NewHTTPTransport(cfg config.SMSConfig, logger *slog.Logger) *HTTPTransport {
	return &HTTPTransport{
		endpoint: cfg.Endpoint,
		from:     cfg.From,
		token:    cfg.AuthToken,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}
}

func (t *HTTPTransport) Send(ctx context.Context, to, body string) error {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", t.from)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Warn("sms gateway unreachable", "collaborator", "sms_gateway", "operation", "send", "to", to, "error", err)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.logger.Warn("sms gateway rejected message", "collaborator", "sms_gateway", "operation", "send", "to", to, "status", resp.StatusCode)
		return fmt.Errorf("%w: status %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}
