// Package account is the HTTP client for the external account-ledger
// service that owns user balances. The exchange never mutates balances
// itself; it sends signed deltas with an idempotency key per bet.
package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

type adjustRequest struct {
	UserID         string          `json:"user_id"`
	Delta          decimal.Decimal `json:"delta"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 2 * time.Second},
	}
}

// Adjust credits (or debits, negative delta) a user's balance. The service
// deduplicates on the idempotency key, so retries after ambiguous failures
// are safe.
func (c *Client) Adjust(ctx context.Context, userID string, delta decimal.Decimal, reason, idempotencyKey string) error {
	body, _ := json.Marshal(adjustRequest{
		UserID:         userID,
		Delta:          delta,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/accounts/adjust", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("account adjust http %d", res.StatusCode)
	}
	return nil
}
