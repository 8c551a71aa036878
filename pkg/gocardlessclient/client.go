/**
 * @description
 * Client for the GoCardless direct-debit gateway. The gateway fronts the
 * GoCardless API for every societe: it stores mandates per (societe, client)
 * and creates payments against them.
 */
package gocardlessclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/transfa/payment-emission-service/internal/domain"
)

type mandateResponse struct {
	MandateID string `json:"mandate_id"`
	Status    string `json:"status"`
}

type paymentRequest struct {
	Amount          int64             `json:"amount"`
	Currency        string            `json:"currency"`
	MandateID       string            `json:"mandate_id"`
	CreditorAccount string            `json:"creditor_account,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type paymentResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client is a client for the direct-debit gateway.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// NewClient creates a new gateway client.
func NewClient(baseURL, accessToken string) *Client {
	normalizedURL := strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	return &Client{
		baseURL:     normalizedURL,
		accessToken: strings.TrimSpace(accessToken),
		httpClient:  &http.Client{Timeout: 20 * time.Second},
	}
}

// ActiveMandate returns the active mandate id of a client for a societe, or an
// empty string when the client has none.
func (c *Client) ActiveMandate(ctx context.Context, societeID, clientID string) (string, error) {
	if c.baseURL == "" {
		return "", domain.ErrProviderNotConfigured
	}

	query := url.Values{}
	query.Set("societe_id", societeID)
	query.Set("client_id", clientID)
	endpoint := fmt.Sprintf("%s/mandates/active?%s", c.baseURL, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute mandate lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("gocardless gateway returned status %d on mandate lookup", resp.StatusCode)
	}

	var out mandateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode mandate response: %w", err)
	}
	if !strings.EqualFold(out.Status, "active") {
		return "", nil
	}
	return strings.TrimSpace(out.MandateID), nil
}

// Submit creates one payment against a mandate.
func (c *Client) Submit(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
	if c.baseURL == "" || c.accessToken == "" {
		return domain.SubmitResult{}, domain.ErrProviderNotConfigured
	}

	body, err := json.Marshal(paymentRequest{
		Amount:          req.Amount,
		Currency:        req.Currency,
		MandateID:       req.CustomerOrMandateRef,
		CreditorAccount: req.AccountRef,
		Metadata:        req.Metadata,
	})
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("failed to marshal payment request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments", bytes.NewBuffer(body))
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("failed to execute payment request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return domain.SubmitResult{}, decodeError(resp)
	}

	var out paymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("failed to decode payment response: %w", err)
	}
	if out.ID == "" {
		return domain.SubmitResult{}, errors.New("gocardless gateway returned a payment without id")
	}
	return domain.SubmitResult{ProviderPaymentID: out.ID, ProviderStatus: out.Status}, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
}

// decodeError turns 4xx answers into provider rejections and keeps 5xx as transient errors.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("gocardless gateway returned status %d", resp.StatusCode)
	}

	var payload errorResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &domain.ProviderRejectedError{Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: strings.TrimSpace(string(raw))}
	}
	code := payload.Error.Reason
	if code == "" {
		code = payload.Error.Code
	}
	return &domain.ProviderRejectedError{Code: code, Message: payload.Error.Message}
}
