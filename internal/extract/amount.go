package extract

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	reCurrencyNoise = regexp.MustCompile(`(?i)^(usd|eur|gbp|cad|aud|chf)\s*|[$€£¥\s]`)
	rePlainNumber   = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
)

// ParseAmount parses a money token such as "$1,234.56" or "USD 99.00".
// Thousands separators are stripped; anything else that is not a plain
// decimal number is rejected.
func ParseAmount(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	s = reCurrencyNoise.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimRight(s, ".;:")
	if !rePlainNumber.MatchString(s) {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
