/**
 * @description
 * HTTP handlers for the payment emission service. Handlers decode the request,
 * call the matching app service and map domain errors onto status codes.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/payment-emission-service/internal/app"
	"github.com/transfa/payment-emission-service/internal/domain"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// ScheduleService is the schedule lifecycle used by the handlers.
type ScheduleService interface {
	Create(ctx context.Context, in app.CreateScheduleInput) (*domain.Schedule, error)
	Get(ctx context.Context, id string) (*domain.Schedule, error)
	Pause(ctx context.Context, id string) (*domain.Schedule, error)
	Resume(ctx context.Context, id string) (*domain.Schedule, error)
	Cancel(ctx context.Context, id string) (*domain.Schedule, error)
}

// IntentService is the payment intent surface used by the handlers.
type IntentService interface {
	Get(ctx context.Context, id string) (*domain.PaymentIntent, error)
	CreateOneOff(ctx context.Context, in app.OneOffIntentInput) (*domain.PaymentIntent, bool, error)
	Cancel(ctx context.Context, id string) (*domain.PaymentIntent, error)
	RecordRefund(ctx context.Context, id string, amount int64) (*domain.PaymentIntent, error)
	Escalate(ctx context.Context, id string) (domain.PaymentRejection, error)
}

// EmissionService triggers and previews emission runs.
type EmissionService interface {
	Run(ctx context.Context, organisationID string) (app.Summary, error)
	DryRun(ctx context.Context, organisationID string) (app.EmissionPlan, error)
}

// EventQuery reads the payment event history.
type EventQuery interface {
	ByIntent(ctx context.Context, intentID string) ([]domain.PaymentEvent, error)
	BySchedule(ctx context.Context, scheduleID string) ([]domain.PaymentEvent, error)
	RecentBySociete(ctx context.Context, societeID string, limit int) ([]domain.PaymentEvent, error)
}

// Handler holds the application services that handlers will interact with.
type Handler struct {
	schedules ScheduleService
	intents   IntentService
	emissions EmissionService
	events    EventQuery
}

// NewHandler creates a new Handler with the given services.
func NewHandler(schedules ScheduleService, intents IntentService, emissions EmissionService, events EventQuery) *Handler {
	return &Handler{
		schedules: schedules,
		intents:   intents,
		emissions: emissions,
		events:    events,
	}
}

// CreateScheduleRequest is the JSON body for creating a payment schedule.
// Amount is a decimal string ("49.90"); AmountMinorUnits is used when it is empty.
type CreateScheduleRequest struct {
	OrganisationID          string                 `json:"organisation_id"`
	SocieteID               string                 `json:"societe_id"`
	ClientID                string                 `json:"client_id"`
	ContratID               *string                `json:"contrat_id"`
	FactureID               *string                `json:"facture_id"`
	Provider                string                 `json:"provider"`
	ProviderAccountRef      *string                `json:"provider_account_ref"`
	ProviderSubscriptionRef *string                `json:"provider_subscription_ref"`
	ProviderCustomerRef     *string                `json:"provider_customer_ref"`
	Amount                  string                 `json:"amount"`
	AmountMinorUnits        int64                  `json:"amount_minor_units"`
	Currency                string                 `json:"currency"`
	Frequency               string                 `json:"frequency"`
	StartDate               string                 `json:"start_date"`
	EndDate                 *string                `json:"end_date"`
	MaxRetries              *int                   `json:"max_retries"`
	Metadata                map[string]interface{} `json:"metadata"`
}

// CreatePaymentIntentRequest is the JSON body for a one-off payment intent.
type CreatePaymentIntentRequest struct {
	OrganisationID   string                 `json:"organisation_id"`
	SocieteID        string                 `json:"societe_id"`
	ClientID         string                 `json:"client_id"`
	FactureID        *string                `json:"facture_id"`
	Provider         string                 `json:"provider"`
	Amount           string                 `json:"amount"`
	AmountMinorUnits int64                  `json:"amount_minor_units"`
	Currency         string                 `json:"currency"`
	IdempotencyKey   string                 `json:"idempotency_key"`
	Metadata         map[string]interface{} `json:"metadata"`
}

// RefundRequest is the JSON body for recording a refund.
type RefundRequest struct {
	Amount           string `json:"amount"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
}

func (h *Handler) handleRunEmission(w http.ResponseWriter, r *http.Request) {
	organisationID := strings.TrimSpace(r.URL.Query().Get("organisation_id"))

	// A run outlives a disconnected caller; submitted payments are always recorded.
	summary, err := h.emissions.Run(context.WithoutCancel(r.Context()), organisationID)
	if err != nil {
		writeServiceError(w, err, "running payment emission")
		return
	}

	respondWithJSON(w, http.StatusOK, summary)
}

func (h *Handler) handlePlanEmission(w http.ResponseWriter, r *http.Request) {
	organisationID := strings.TrimSpace(r.URL.Query().Get("organisation_id"))

	plan, err := h.emissions.DryRun(r.Context(), organisationID)
	if err != nil {
		writeServiceError(w, err, "planning payment emission")
		return
	}

	respondWithJSON(w, http.StatusOK, plan)
}

func (h *Handler) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	in, err := req.toInput()
	if err != nil {
		writeServiceError(w, err, "decoding schedule")
		return
	}

	schedule, err := h.schedules.Create(r.Context(), in)
	if err != nil {
		writeServiceError(w, err, "creating schedule")
		return
	}

	respondWithJSON(w, http.StatusCreated, schedule)
}

func (h *Handler) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	h.scheduleAction(w, r, "getting schedule", h.schedules.Get)
}

func (h *Handler) handlePauseSchedule(w http.ResponseWriter, r *http.Request) {
	h.scheduleAction(w, r, "pausing schedule", h.schedules.Pause)
}

func (h *Handler) handleResumeSchedule(w http.ResponseWriter, r *http.Request) {
	h.scheduleAction(w, r, "resuming schedule", h.schedules.Resume)
}

func (h *Handler) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	h.scheduleAction(w, r, "cancelling schedule", h.schedules.Cancel)
}

func (h *Handler) scheduleAction(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) (*domain.Schedule, error)) {
	scheduleID := chi.URLParam(r, "id")
	if scheduleID == "" {
		http.Error(w, "Schedule ID is required", http.StatusBadRequest)
		return
	}

	schedule, err := fn(r.Context(), scheduleID)
	if err != nil {
		writeServiceError(w, err, action+" "+scheduleID)
		return
	}

	respondWithJSON(w, http.StatusOK, schedule)
}

func (h *Handler) handleScheduleEvents(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "id")

	events, err := h.events.BySchedule(r.Context(), scheduleID)
	if err != nil {
		writeServiceError(w, err, "listing events of schedule "+scheduleID)
		return
	}

	respondWithJSON(w, http.StatusOK, nonNilEvents(events))
}

func (h *Handler) handleCreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	amount, err := resolveAmount(req.Amount, req.AmountMinorUnits, req.Currency)
	if err != nil {
		writeServiceError(w, err, "decoding payment intent")
		return
	}

	pi, created, err := h.intents.CreateOneOff(r.Context(), app.OneOffIntentInput{
		OrganisationID: req.OrganisationID,
		SocieteID:      req.SocieteID,
		ClientID:       req.ClientID,
		FactureID:      req.FactureID,
		Provider:       req.Provider,
		Amount:         amount,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeServiceError(w, err, "creating payment intent")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondWithJSON(w, status, pi)
}

func (h *Handler) handleGetPaymentIntent(w http.ResponseWriter, r *http.Request) {
	intentID := chi.URLParam(r, "id")

	pi, err := h.intents.Get(r.Context(), intentID)
	if err != nil {
		writeServiceError(w, err, "getting payment intent "+intentID)
		return
	}

	respondWithJSON(w, http.StatusOK, pi)
}

func (h *Handler) handleCancelPaymentIntent(w http.ResponseWriter, r *http.Request) {
	intentID := chi.URLParam(r, "id")

	pi, err := h.intents.Cancel(r.Context(), intentID)
	if err != nil {
		writeServiceError(w, err, "cancelling payment intent "+intentID)
		return
	}

	respondWithJSON(w, http.StatusOK, pi)
}

func (h *Handler) handleRefundPaymentIntent(w http.ResponseWriter, r *http.Request) {
	intentID := chi.URLParam(r, "id")

	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	current, err := h.intents.Get(r.Context(), intentID)
	if err != nil {
		writeServiceError(w, err, "loading payment intent "+intentID)
		return
	}
	amount, err := resolveAmount(req.Amount, req.AmountMinorUnits, current.Currency)
	if err != nil {
		writeServiceError(w, err, "decoding refund")
		return
	}

	pi, err := h.intents.RecordRefund(r.Context(), intentID, amount)
	if err != nil {
		writeServiceError(w, err, "refunding payment intent "+intentID)
		return
	}

	respondWithJSON(w, http.StatusOK, pi)
}

func (h *Handler) handleEscalatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	intentID := chi.URLParam(r, "id")

	rejection, err := h.intents.Escalate(r.Context(), intentID)
	if err != nil {
		writeServiceError(w, err, "escalating payment intent "+intentID)
		return
	}

	respondWithJSON(w, http.StatusAccepted, rejection)
}

func (h *Handler) handlePaymentIntentEvents(w http.ResponseWriter, r *http.Request) {
	intentID := chi.URLParam(r, "id")

	events, err := h.events.ByIntent(r.Context(), intentID)
	if err != nil {
		writeServiceError(w, err, "listing events of payment intent "+intentID)
		return
	}

	respondWithJSON(w, http.StatusOK, nonNilEvents(events))
}

func (h *Handler) handleSocieteEvents(w http.ResponseWriter, r *http.Request) {
	societeID := chi.URLParam(r, "id")

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxEventLimit)
	}

	events, err := h.events.RecentBySociete(r.Context(), societeID, limit)
	if err != nil {
		writeServiceError(w, err, "listing events of societe "+societeID)
		return
	}

	respondWithJSON(w, http.StatusOK, nonNilEvents(events))
}

func (req CreateScheduleRequest) toInput() (app.CreateScheduleInput, error) {
	amount, err := resolveAmount(req.Amount, req.AmountMinorUnits, req.Currency)
	if err != nil {
		return app.CreateScheduleInput{}, err
	}
	startDate, err := domain.ParseDate(req.StartDate)
	if err != nil {
		return app.CreateScheduleInput{}, err
	}
	var endDate *time.Time
	if req.EndDate != nil && strings.TrimSpace(*req.EndDate) != "" {
		parsed, err := domain.ParseDate(*req.EndDate)
		if err != nil {
			return app.CreateScheduleInput{}, err
		}
		endDate = &parsed
	}

	return app.CreateScheduleInput{
		OrganisationID:          req.OrganisationID,
		SocieteID:               req.SocieteID,
		ClientID:                req.ClientID,
		ContratID:               req.ContratID,
		FactureID:               req.FactureID,
		Provider:                req.Provider,
		ProviderAccountRef:      req.ProviderAccountRef,
		ProviderSubscriptionRef: req.ProviderSubscriptionRef,
		ProviderCustomerRef:     req.ProviderCustomerRef,
		Amount:                  amount,
		Currency:                req.Currency,
		Frequency:               req.Frequency,
		StartDate:               startDate,
		EndDate:                 endDate,
		MaxRetries:              req.MaxRetries,
		Metadata:                req.Metadata,
	}, nil
}

// resolveAmount prefers the decimal amount and falls back to minor units.
func resolveAmount(decimalAmount string, minorUnits int64, currency string) (int64, error) {
	if strings.TrimSpace(decimalAmount) != "" {
		return domain.ParseAmount(decimalAmount, currency)
	}
	if minorUnits <= 0 {
		return 0, domain.Validationf("amount must be positive")
	}
	return minorUnits, nil
}

func nonNilEvents(events []domain.PaymentEvent) []domain.PaymentEvent {
	if events == nil {
		return []domain.PaymentEvent{}
	}
	return events
}

// writeServiceError maps domain errors to HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnsupportedProvider):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrRefundExceedsAmount):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, domain.ErrStaleState),
		errors.Is(err, domain.ErrEmissionInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		log.Printf("Error %s: %v", action, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
