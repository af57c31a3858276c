package validator

import (
	"math/rand/v2"
	"testing"
	"time"
)

var testNow = time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)

func TestValidateCard(t *testing.T) {
	tests := []struct {
		name    string
		number  string
		month   int
		year    int
		cvv     string
		ok      bool
		network Network
		reason  string
	}{
		{"valid visa", "4532015112830366", 12, 2030, "123", true, NetworkVisa, ""},
		{"valid visa with spaces", "4532 0151 1283 0366", 12, 2030, "123", true, NetworkVisa, ""},
		{"valid mastercard", "5105105105105100", 12, 2030, "123", true, NetworkMastercard, ""},
		{"valid amex 4-digit cvv", "374245455400126", 12, 2030, "1234", true, NetworkAmex, ""},
		{"amex 3-digit cvv ok", "374245455400126", 12, 2030, "123", true, NetworkAmex, ""},
		{"luhn failure", "4532015112830367", 12, 2030, "123", false, NetworkVisa, ReasonLuhn},
		{"expired year", "4532015112830366", 12, 2025, "123", false, NetworkVisa, ReasonExpiry},
		{"expired month", "4532015112830366", 8, 2026, "123", false, NetworkVisa, ReasonExpiry},
		{"current month ok", "4532015112830366", 9, 2026, "123", true, NetworkVisa, ""},
		{"month out of range", "4532015112830366", 13, 2030, "123", false, NetworkVisa, ReasonExpiry},
		{"cvv too short", "4532015112830366", 12, 2030, "12", false, NetworkVisa, ReasonCVV},
		{"cvv non-numeric", "4532015112830366", 12, 2030, "12a", false, NetworkVisa, ReasonCVV},
		{"cvv 4 digits non-amex", "4532015112830366", 12, 2030, "1234", false, NetworkVisa, ReasonCVV},
		{"empty number", "", 12, 2030, "123", false, NetworkUnknown, ReasonLuhn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateCard(tt.number, tt.month, tt.year, tt.cvv, testNow)
			if res.OK != tt.ok {
				t.Errorf("OK = %v, want %v (reason %q)", res.OK, tt.ok, res.Reason)
			}
			if res.Network != tt.network {
				t.Errorf("Network = %q, want %q", res.Network, tt.network)
			}
			if res.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", res.Reason, tt.reason)
			}
		})
	}
}

func TestDetectNetwork(t *testing.T) {
	tests := []struct {
		number string
		want   Network
	}{
		{"4532015112830366", NetworkVisa},
		{"4532015112830366123", NetworkVisa}, // 19 digits
		{"5105105105105100", NetworkMastercard},
		{"374245455400126", NetworkAmex},
		{"348282246310005", NetworkAmex},
		{"508105000000000", NetworkRuPay},
		{"6011111111111117", NetworkUnknown}, // discover prefix
		{"453201511283036", NetworkUnknown},  // visa prefix, wrong length
		{"5605105105105100", NetworkUnknown}, // 56 prefix
		{"", NetworkUnknown},
	}

	for _, tt := range tests {
		if got := DetectNetwork(tt.number); got != tt.want {
			t.Errorf("DetectNetwork(%q) = %q, want %q", tt.number, got, tt.want)
		}
	}
}

// Appending the correct Luhn check digit to any digit string must
// produce a passing number, and flipping any single non-check digit
// must break it.
func TestLuhnProperty(t *testing.T) {
	rnd := rand.New(rand.NewPCG(42, 7))

	for trial := 0; trial < 200; trial++ {
		n := 11 + rnd.IntN(8)
		digits := make([]byte, n)
		for i := range digits {
			digits[i] = byte('0' + rnd.IntN(10))
		}

		withCheck := string(digits) + string(rune('0'+checkDigit(digits)))
		if !luhnOK(withCheck) {
			t.Fatalf("computed check digit did not validate: %s", withCheck)
		}

		pos := rnd.IntN(n)
		flipped := []byte(withCheck)
		flipped[pos] = byte('0' + (int(flipped[pos]-'0')+1+rnd.IntN(8))%10)
		if string(flipped) == withCheck {
			continue
		}
		if luhnOK(string(flipped)) {
			t.Fatalf("single digit flip at %d still validates: %s -> %s", pos, withCheck, flipped)
		}
	}
}

// checkDigit computes the Luhn check digit for the given payload.
func checkDigit(payload []byte) int {
	sum := 0
	double := true
	for i := len(payload) - 1; i >= 0; i-- {
		d := int(payload[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return (10 - sum%10) % 10
}

func TestValidateUPI(t *testing.T) {
	valid := []string{"customer@upi", "user.name@bank", "a@abc", "first-last_99@oksbi"}
	for _, vpa := range valid {
		if !ValidateUPI(vpa) {
			t.Errorf("ValidateUPI(%q) = false, want true", vpa)
		}
	}

	invalid := []string{"bad-upi", "x@ab", "@bank", "user@", "user@bank1", "user name@bank", ""}
	for _, vpa := range invalid {
		if ValidateUPI(vpa) {
			t.Errorf("ValidateUPI(%q) = true, want false", vpa)
		}
	}
}
