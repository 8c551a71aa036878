package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/transfa/payment-emission-service/internal/domain"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		hint string
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "other pg error", err: &pgconn.PgError{Code: "23503"}, want: false},
		{name: "idempotency constraint", err: &pgconn.PgError{Code: "23505", ConstraintName: "payment_intents_idempotency_key_unique"}, hint: "idempotency", want: true},
		{name: "wrapped", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "payment_intents_idempotency_key_unique"}), hint: "idempotency", want: true},
		{name: "other unique constraint", err: &pgconn.PgError{Code: "23505", ConstraintName: "payment_intents_provider_payment_id_unique"}, hint: "idempotency", want: false},
		{name: "any unique constraint", err: &pgconn.PgError{Code: "23505"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err, tt.hint); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNotFoundMapsNoRows(t *testing.T) {
	if err := notFound(pgx.ErrNoRows, "schedule x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	other := errors.New("boom")
	if err := notFound(other, "schedule x"); err != other {
		t.Fatalf("expected passthrough, got %v", err)
	}
}

func TestDueParam(t *testing.T) {
	if dueParam(domain.NotScheduled()) != nil {
		t.Fatal("expected nil for NotScheduled")
	}
	got := dueParam(domain.Scheduled(time.Date(2024, 3, 1, 15, 30, 0, 0, time.UTC)))
	if got == nil || *got != "2024-03-01" {
		t.Fatalf("unexpected date param %v", got)
	}
}

func TestUnmarshalObjectToleratesGarbage(t *testing.T) {
	if got := unmarshalObject(`{"organisationId":"org_1"}`); got["organisationId"] != "org_1" {
		t.Fatalf("unexpected metadata %v", got)
	}
	if got := unmarshalObject("not json"); len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
}

func TestMigrationNamesAreOrdered(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) == 0 || names[0] != "0001_payment_emission.sql" {
		t.Fatalf("unexpected migrations %v", names)
	}
}

func TestTruncateUTF8(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{name: "short", in: "timeout", max: 10, want: "timeout"},
		{name: "exact", in: "abc", max: 3, want: "abc"},
		{name: "ascii", in: "abcdef", max: 4, want: "abcd"},
		{name: "keeps whole rune", in: "refusé", max: 6, want: "refus"},
		{name: "multi byte boundary", in: "échec", max: 2, want: "é"},
		{name: "cuts before four byte rune", in: "ok😀", max: 4, want: "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateUTF8(tt.in, tt.max)
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
			if !utf8.ValidString(got) {
				t.Fatalf("truncated text is not valid UTF-8: %q", got)
			}
		})
	}
}

func TestTruncateUTF8_OutboxErrorLimit(t *testing.T) {
	reason := strings.Repeat("é", maxOutboxErrorBytes)
	got := truncateUTF8(reason, maxOutboxErrorBytes)
	if len(got) > maxOutboxErrorBytes || !utf8.ValidString(got) {
		t.Fatalf("unexpected truncation to %d bytes", len(got))
	}
}

type scheduleRowStub struct {
	status  string
	planned *time.Time
	legacy  *time.Time
	start   time.Time
}

func (r scheduleRowStub) Scan(dest ...interface{}) error {
	*dest[0].(*string) = "sch_1"
	*dest[6].(*string) = "stripe"
	*dest[12].(*string) = "MONTHLY"
	*dest[13].(*string) = r.status
	*dest[14].(**time.Time) = r.planned
	*dest[15].(**time.Time) = r.legacy
	*dest[17].(*time.Time) = r.start
	*dest[21].(*string) = "{}"
	return nil
}

func TestScanSchedule_DueDateSource(t *testing.T) {
	start := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	legacy := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	planned := time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		row  scheduleRowStub
		want string
	}{
		{name: "planned debit date", row: scheduleRowStub{status: "ACTIVE", planned: &planned, legacy: &legacy, start: start}, want: "2024-04-15"},
		{name: "legacy next payment date", row: scheduleRowStub{status: "ACTIVE", legacy: &legacy, start: start}, want: "2024-03-15"},
		{name: "start date is never used", row: scheduleRowStub{status: "ACTIVE", start: start}, want: "not_scheduled"},
		{name: "terminal", row: scheduleRowStub{status: "CANCELLED", planned: &planned, start: start}, want: "not_scheduled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := scanSchedule(tt.row)
			if err != nil {
				t.Fatalf("scan: %v", err)
			}
			if got := s.Due.String(); got != tt.want {
				t.Fatalf("expected due %s, got %s", tt.want, got)
			}
		})
	}
}
