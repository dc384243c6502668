// Package symbol handles instrument ticker validation and normalization.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// tickerRegex matches 1–5 uppercase letters, the conventional US-equity
// ticker shape. Example: ACME
var tickerRegex = regexp.MustCompile(`^[A-Z]{1,5}$`)

// ErrInvalidTicker is returned for tickers that do not match the expected shape.
var ErrInvalidTicker = errors.New("symbol: invalid ticker format")

// Normalize upper-cases and trims a raw ticker string.
func Normalize(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// Validate checks that a ticker consists of 1–5 uppercase letters.
func Validate(ticker string) error {
	if !tickerRegex.MatchString(ticker) {
		return fmt.Errorf("%w: %q (expected 1-5 uppercase letters)", ErrInvalidTicker, ticker)
	}
	return nil
}
