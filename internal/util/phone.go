package util

import (
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// MinPhoneDigits is the shortest phone number accepted for pairing.
const MinPhoneDigits = 10

var (
	nonDigitRegex    = regexp.MustCompile(`[^0-9]`)
	nonDialableRegex = regexp.MustCompile(`[^0-9+]`)
)

// DigitsOnly strips every character that is not an ASCII digit.
func DigitsOnly(s string) string {
	return nonDigitRegex.ReplaceAllString(s, "")
}

// NormalizePairingPhone returns the digits of s and whether it is long
// enough to be used for a pairing-code request.
func NormalizePairingPhone(s string) (string, bool) {
	digits := DigitsOnly(s)
	return digits, len(digits) >= MinPhoneDigits
}

// CleanNumber prepares a user-supplied number for a reachability lookup:
// separators are dropped and a leading '+' is removed.
func CleanNumber(s string) string {
	cleaned := nonDialableRegex.ReplaceAllString(s, "")
	return strings.TrimPrefix(cleaned, "+")
}

// FormatE164 renders the user part of an address as an E.164 phone number.
// Numbers libphonenumber cannot parse fall back to "+" followed by the digits.
func FormatE164(user string) string {
	digits := DigitsOnly(user)
	if digits == "" {
		return ""
	}
	num, err := phonenumbers.Parse("+"+digits, "")
	if err != nil {
		return "+" + digits
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}
