/**
 * @description
 * Client for the calendar / billing-cycle service, which owns the debit calendar
 * rules (business days, contract specific debit days) of each organisation.
 */
package calendarclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// PlannedDateRequest asks for the debit date of one billing cycle.
type PlannedDateRequest struct {
	OrganisationID string  `json:"organisation_id"`
	ContratID      *string `json:"contrat_id,omitempty"`
	ClientID       string  `json:"client_id"`
	SocieteID      string  `json:"societe_id"`
	ReferenceDate  string  `json:"reference_date"`
	TargetMonth    int     `json:"target_month"`
	TargetYear     int     `json:"target_year"`
}

type plannedDateResponse struct {
	PlannedDebitDate string `json:"planned_debit_date"`
}

// Client provides methods to interact with the calendar service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new calendar service client.
func NewClient(baseURL, apiKey string) *Client {
	normalizedURL := strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	return &Client{
		baseURL:    normalizedURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Configured reports whether a base URL was provided.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// CalculatePlannedDebitDate returns the debit date the calendar service assigns to a cycle.
func (c *Client) CalculatePlannedDebitDate(ctx context.Context, payload PlannedDateRequest) (time.Time, error) {
	if !c.Configured() {
		return time.Time{}, fmt.Errorf("calendar service base URL is not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to marshal calendar request: %w", err)
	}

	url := fmt.Sprintf("%s/internal/calendar/planned-debit-date", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to execute request to calendar service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return time.Time{}, fmt.Errorf("calendar service returned status %d", resp.StatusCode)
	}

	var out plannedDateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode calendar response: %w", err)
	}
	planned, err := time.Parse("2006-01-02", strings.TrimSpace(out.PlannedDebitDate))
	if err != nil {
		return time.Time{}, fmt.Errorf("calendar service returned invalid date %q", out.PlannedDebitDate)
	}
	return planned, nil
}
