// Package validator holds the pure instrument checks. Nothing here
// touches storage or the clock beyond reading the current month for
// expiry, and identical inputs always produce identical results.
package validator

import (
	"regexp"
	"strings"
	"time"
)

type Network string

const (
	NetworkVisa       Network = "visa"
	NetworkMastercard Network = "mastercard"
	NetworkAmex       Network = "amex"
	NetworkRuPay      Network = "rupay"
	NetworkUnknown    Network = "unknown"
)

// Failure reasons, stable identifiers for the error_message field.
const (
	ReasonLuhn   = "card_number_invalid"
	ReasonExpiry = "card_expired"
	ReasonCVV    = "cvv_invalid"
)

type CardResult struct {
	Network Network
	OK      bool
	Reason  string
}

// ValidateCard runs the Luhn, network, expiry and CVV checks.
// Network detection is independent of the Luhn result. now supplies
// the reference time for expiry; callers pass time.Now().
func ValidateCard(number string, expMonth, expYear int, cvv string, now time.Time) CardResult {
	digits := stripNonDigits(number)
	res := CardResult{Network: DetectNetwork(digits)}

	if !luhnOK(digits) {
		res.Reason = ReasonLuhn
		return res
	}
	if !expiryOK(expMonth, expYear, now) {
		res.Reason = ReasonExpiry
		return res
	}
	if !cvvOK(cvv, res.Network) {
		res.Reason = ReasonCVV
		return res
	}
	res.OK = true
	return res
}

// DetectNetwork classifies a digit string by prefix and total length.
func DetectNetwork(digits string) Network {
	n := len(digits)
	switch {
	case strings.HasPrefix(digits, "4") && (n == 16 || n == 19):
		return NetworkVisa
	case n == 16 && digits[0] == '5' && digits[1] >= '1' && digits[1] <= '5':
		return NetworkMastercard
	case n == 15 && (strings.HasPrefix(digits, "34") || strings.HasPrefix(digits, "37")):
		return NetworkAmex
	case n == 15 && strings.HasPrefix(digits, "508"):
		return NetworkRuPay
	}
	return NetworkUnknown
}

// luhnOK applies the mod-10 checksum: from the rightmost digit,
// double every second digit, subtract 9 from doubles above 9, and
// require the sum to divide by 10.
func luhnOK(digits string) bool {
	if len(digits) == 0 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func expiryOK(month, year int, now time.Time) bool {
	if month < 1 || month > 12 {
		return false
	}
	now = now.UTC()
	if year < now.Year() {
		return false
	}
	if year == now.Year() && month < int(now.Month()) {
		return false
	}
	return true
}

// cvvOK requires three numeric digits; amex cards may carry four.
func cvvOK(cvv string, network Network) bool {
	if len(cvv) != 3 && !(network == NetworkAmex && len(cvv) == 4) {
		return false
	}
	for i := 0; i < len(cvv); i++ {
		if cvv[i] < '0' || cvv[i] > '9' {
			return false
		}
	}
	return true
}

var vpaPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z]{3,}$`)

// ValidateUPI checks the virtual payment address syntax. Purely
// syntactic, no handle registry lookup.
func ValidateUPI(vpa string) bool {
	return vpaPattern.MatchString(vpa)
}

func stripNonDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
