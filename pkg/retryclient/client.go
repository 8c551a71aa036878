/**
 * @description
 * Client for the retry-scheduling service. The service owns retry policies for
 * rejected payments and deduplicates requests on their idempotency key.
 */
package retryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/transfa/payment-emission-service/internal/domain"
)

// Client is a client for the retry-scheduling service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new retry-scheduling service client.
func NewClient(baseURL, apiKey string) *Client {
	normalizedURL := strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	return &Client{
		baseURL:    normalizedURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// HandlePaymentRejected hands a rejected payment to the retry-scheduling service.
// A 409 means the idempotency key was already recorded and counts as delivered.
func (c *Client) HandlePaymentRejected(ctx context.Context, rejection domain.PaymentRejection) error {
	if c.baseURL == "" {
		return fmt.Errorf("retry service base URL is not configured")
	}

	body, err := json.Marshal(rejection)
	if err != nil {
		return fmt.Errorf("failed to marshal payment rejection: %w", err)
	}

	url := fmt.Sprintf("%s/internal/retries/payment-rejected", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", rejection.IdempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to retry service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("retry service returned error status %d", resp.StatusCode)
	}

	return nil
}
