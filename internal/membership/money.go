// internal/membership/money.go
package membership

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ISO 4217 exponents that differ from the common two decimal places.
var currencyExponents = map[string]int32{
	"BHD": 3,
	"CLP": 0,
	"IQD": 3,
	"ISK": 0,
	"JOD": 3,
	"JPY": 0,
	"KRW": 0,
	"KWD": 3,
	"OMR": 3,
	"TND": 3,
	"UGX": 0,
	"VND": 0,
}

// CurrencyExponent returns the number of minor-unit digits for currency.
func CurrencyExponent(currency string) int32 {
	if exp, ok := currencyExponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// MinorUnits converts a major-unit price into integer minor units.
// Prices with more precision than the currency allows are rejected.
func MinorUnits(price decimal.Decimal, currency string) (int64, error) {
	if price.IsNegative() {
		return 0, fmt.Errorf("negative price %s", price)
	}
	minor := price.Shift(CurrencyExponent(currency))
	if !minor.IsInteger() {
		return 0, fmt.Errorf("price %s has more precision than %s allows", price, currency)
	}
	return minor.IntPart(), nil
}
