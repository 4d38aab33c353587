package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Fi44er/wallet_ledger/utils"
)

const maxErrorBody = 4 << 10

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *utils.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, logger *utils.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (c *Client) Execute(ctx context.Context, p PaymentDescriptor) (PaymentResult, error) {
	var result PaymentResult
	if err := c.post(ctx, "/payments", p.IdempotencyKey, p, &result); err != nil {
		return PaymentResult{}, err
	}
	if result.Reference == "" {
		return PaymentResult{}, &Error{Transient: true, Message: "payment response carries no reference"}
	}
	return result, nil
}

func (c *Client) CreateWallet(ctx context.Context, req WalletRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/wallets", "wallet:"+req.WalletID, req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &Error{Transient: true, Message: "wallet response carries no id"}
	}
	return out.ID, nil
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Message: "failed to encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &Error{Message: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts, cancellations and connection errors are all retryable.
		return &Error{Transient: true, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warnf("Gateway %s returned status %d: %s", path, resp.StatusCode, string(raw))
		return &Error{
			StatusCode: resp.StatusCode,
			Transient:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout,
			Message:    http.StatusText(resp.StatusCode),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return &Error{Transient: true, StatusCode: resp.StatusCode, Message: "empty response"}
		}
		return &Error{Transient: true, StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid response from %s", path), Err: err}
	}
	return nil
}
