package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidCurrency = errors.New("invalid_currency")
	ErrInvalidAmount   = errors.New("invalid_amount")
)

// currencyScale maps supported ISO currency codes to their minor-unit scale.
var currencyScale = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"IDR": 0,
	"JPY": 0,
	"SGD": 2,
	"AUD": 2,
	"CAD": 2,
}

// NormalizeCurrency validates and canonicalizes a currency code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if _, ok := currencyScale[code]; !ok {
		return "", ErrInvalidCurrency
	}
	return code, nil
}

// Scale returns the minor-unit scale for a currency, defaulting to 2.
func Scale(currency string) int32 {
	if scale, ok := currencyScale[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return scale
	}
	return 2
}

// FromCents converts a minor-unit amount into a decimal.
func FromCents(cents int64, currency string) decimal.Decimal {
	return decimal.New(cents, -Scale(currency))
}

// ToCents rounds a decimal half-up to the currency scale and returns minor units.
func ToCents(amount decimal.Decimal, currency string) int64 {
	scale := Scale(currency)
	return amount.Round(scale).Shift(scale).IntPart()
}

// RoundHalfUp rounds a decimal to the currency scale using half-up rounding.
func RoundHalfUp(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(Scale(currency))
}

// Prorate computes amount * numerator / denominator rounded half-up to the
// currency scale, expressed in minor units.
func Prorate(amountCents int64, numerator, denominator int64, currency string) (int64, error) {
	if denominator <= 0 || numerator < 0 || numerator > denominator {
		return 0, ErrInvalidAmount
	}
	full := FromCents(amountCents, currency)
	fraction := decimal.NewFromInt(numerator).Div(decimal.NewFromInt(denominator))
	prorated := full.Mul(fraction).Round(Scale(currency))
	return ToCents(prorated, currency), nil
}
