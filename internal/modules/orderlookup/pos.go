// README: Point-of-sale backed order lookup over HTTP.
package orderlookup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"ampstop/internal/types"
)

// POSAdapter queries a point-of-sale bridge for verified order facts.
// The client timeout bounds how long a slow register can hold up order
// binding; anything that goes wrong degrades to ErrUnknown.
type POSAdapter struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func NewPOSAdapter(endpoint string, timeout time.Duration, logger *slog.Logger) *POSAdapter {
	return &POSAdapter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

func (a *POSAdapter) Name() string { return "pos" }

func (a *POSAdapter) Lookup(ctx context.Context, orderRef string) (Facts, error) {
	u := fmt.Sprintf("%s/v1/orders/%s", a.endpoint, url.PathEscape(orderRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Facts{}, ErrUnknown
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("pos lookup failed", "collaborator", "pos", "operation", "lookup", "order_ref", orderRef, "error", err)
		return Facts{}, ErrUnknown
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		a.logger.Warn("pos lookup non-200", "collaborator", "pos", "operation", "lookup", "order_ref", orderRef, "status", resp.StatusCode)
		return Facts{}, ErrUnknown
	}

	var out struct {
		Status     string `json:"status"`
		TotalCents int64  `json:"total_cents"`
		Currency   string `json:"currency"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		a.logger.Warn("pos lookup bad payload", "collaborator", "pos", "operation", "lookup", "order_ref", orderRef, "error", err)
		return Facts{}, ErrUnknown
	}

	facts := Facts{Source: a.Name(), Status: parseStatus(out.Status)}
	if out.TotalCents > 0 {
		facts.Total = &types.Money{Amount: out.TotalCents, Currency: out.Currency}
	}
	return facts, nil
}

func parseStatus(s string) OrderStatus {
	switch OrderStatus(s) {
	case OrderStatusPlaced, OrderStatusReady, OrderStatusCompleted:
		return OrderStatus(s)
	default:
		return OrderStatusUnknown
	}
}
