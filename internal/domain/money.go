package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

const DefaultCurrency = "EUR"

// NormalizeCurrency upper-cases an ISO 4217 code and defaults to EUR.
func NormalizeCurrency(raw string) string {
	c := strings.ToUpper(strings.TrimSpace(raw))
	if c == "" {
		return DefaultCurrency
	}
	return c
}

func currencyExponent(currency string) int32 {
	switch NormalizeCurrency(currency) {
	case "JPY", "KRW", "CLP", "ISK", "XOF", "XAF", "VND":
		return 0
	case "BHD", "KWD", "JOD", "OMR", "TND":
		return 3
	}
	return 2
}

// ParseAmount converts a decimal string such as "49.90" into minor units.
func ParseAmount(raw, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, Validationf("invalid amount %q", raw)
	}
	minor := d.Shift(currencyExponent(currency))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, Validationf("amount %q has too many decimal places for %s", raw, NormalizeCurrency(currency))
	}
	if !minor.IsPositive() {
		return 0, Validationf("amount must be positive")
	}
	return minor.IntPart(), nil
}

// FormatAmount renders minor units as a fixed-point decimal string.
func FormatAmount(minor int64, currency string) string {
	exp := currencyExponent(currency)
	return decimal.New(minor, -exp).StringFixed(exp)
}
