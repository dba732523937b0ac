/**
 * @description
 * This package provides a client for the settlement ledger gateway. The
 * gateway fronts an account-based ledger network: transfers are addressed to
 * ledger accounts, carry a memo, and are deduplicated server-side by an
 * idempotency key supplied with each submission.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TransferStatus is the gateway's view of a transfer identified by its
// idempotency key.
type TransferStatus string

const (
	StatusSubmitted TransferStatus = "submitted"
	StatusConfirmed TransferStatus = "confirmed"
	StatusUnknown   TransferStatus = "unknown"
)

// Client is a client for the ledger gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new ledger gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TransferRequest describes one payment submission.
type TransferRequest struct {
	DestinationAccount string
	AssetSymbol        string
	Amount             int64 // in the asset's smallest unit
	Memo               string
	IdempotencyKey     string
}

type transferPayload struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Asset          string `json:"asset"`
			Amount         int64  `json:"amount"`
			Memo           string `json:"memo"`
			IdempotencyKey string `json:"idempotency_key"`
		} `json:"attributes"`
		Relationships struct {
			DestinationAccount struct {
				Data struct {
					Type string `json:"type"`
					ID   string `json:"id"`
				} `json:"data"`
			} `json:"destinationAccount"`
		} `json:"relationships"`
	} `json:"data"`
}

// TransferResponse is the expected response from the gateway's transfer
// endpoints.
type TransferResponse struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Status         string `json:"status"`
			LedgerSequence int64  `json:"ledger_sequence"`
		} `json:"attributes"`
	} `json:"data"`
}

// APIError represents an error response from the gateway.
type APIError struct {
	StatusCode int
	Errors     []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e *APIError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("ledger gateway error (status %d): %s - %s", e.StatusCode, e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("ledger gateway error (status %d)", e.StatusCode)
}

// Code returns the machine-readable code of the first error, if any.
func (e *APIError) Code() string {
	if len(e.Errors) == 0 {
		return ""
	}
	return e.Errors[0].Code
}

// Retryable reports whether resubmitting the same request can succeed.
// Throttling, server faults and liquidity waits are transient; validation
// rejections such as an invalid destination account are not.
func (e *APIError) Retryable() bool {
	switch e.Code() {
	case "insufficient_liquidity", "rate_limited", "gateway_busy":
		return true
	case "invalid_destination_account", "amount_below_minimum", "asset_not_supported", "account_frozen":
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

// IsRetryable classifies any error returned by this package. Transport
// failures and timeouts are retryable; an explicit gateway rejection is
// retryable only if the gateway says so; a cancelled context is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// SubmitTransfer submits a payment to the gateway. The gateway deduplicates
// by the idempotency key, so resubmitting an already-accepted transfer
// returns the original transfer rather than creating a second one.
func (c *Client) SubmitTransfer(ctx context.Context, transfer TransferRequest) (*TransferResponse, error) {
	payload := transferPayload{}
	payload.Data.Type = "Transfer"
	payload.Data.Attributes.Asset = transfer.AssetSymbol
	payload.Data.Attributes.Amount = transfer.Amount
	payload.Data.Attributes.Memo = transfer.Memo
	payload.Data.Attributes.IdempotencyKey = transfer.IdempotencyKey
	payload.Data.Relationships.DestinationAccount.Data.Type = "LedgerAccount"
	payload.Data.Relationships.DestinationAccount.Data.ID = transfer.DestinationAccount

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/transfers", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-ledger-key", c.APIKey)
	req.Header.Set("Idempotency-Key", transfer.IdempotencyKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute transfer request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil {
			log.Printf("level=warn component=ledger_client op=submit_transfer status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, apiErr
		}
		log.Printf("level=warn component=ledger_client op=submit_transfer status=%d code=%q detail=%q", resp.StatusCode, apiErr.Code(), firstErrorDetail(apiErr))
		return nil, apiErr
	}

	var successResp TransferResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode transfer response: %w", err)
	}

	return &successResp, nil
}

// QueryStatus asks the gateway what it knows about a transfer by idempotency
// key. A key the gateway has never seen yields StatusUnknown with no error,
// so callers can distinguish "never landed" from "could not ask".
func (c *Client) QueryStatus(ctx context.Context, idempotencyKey string) (TransferStatus, error) {
	lookupURL := c.BaseURL + "/api/v1/transfers/lookup?idempotency_key=" + url.QueryEscape(idempotencyKey)

	req, err := http.NewRequestWithContext(ctx, "GET", lookupURL, nil)
	if err != nil {
		return StatusUnknown, fmt.Errorf("failed to create status request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-ledger-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return StatusUnknown, fmt.Errorf("failed to execute status request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatusUnknown, fmt.Errorf("failed to read status response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return StatusUnknown, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil {
			log.Printf("level=warn component=ledger_client op=query_status status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return StatusUnknown, apiErr
		}
		log.Printf("level=warn component=ledger_client op=query_status status=%d code=%q detail=%q", resp.StatusCode, apiErr.Code(), firstErrorDetail(apiErr))
		return StatusUnknown, apiErr
	}

	var statusResp TransferResponse
	if err := json.Unmarshal(bodyBytes, &statusResp); err != nil {
		return StatusUnknown, fmt.Errorf("failed to decode status response: %w", err)
	}

	switch strings.ToLower(statusResp.Data.Attributes.Status) {
	case "confirmed", "completed", "settled":
		return StatusConfirmed, nil
	case "submitted", "pending", "processing":
		return StatusSubmitted, nil
	default:
		return StatusUnknown, nil
	}
}

func firstErrorDetail(apiErr *APIError) string {
	if len(apiErr.Errors) == 0 {
		return ""
	}
	return apiErr.Errors[0].Detail
}
