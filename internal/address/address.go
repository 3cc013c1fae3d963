// Package address validates destination formats. Format failures are
// terminal: retrying cannot fix a malformed address.
package address

import (
	"net/mail"
	"regexp"
)

// e164: +, leading non-zero digit, 7 to 14 more digits.
var e164 = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)

func ValidPhone(s string) bool {
	return e164.MatchString(s)
}

func ValidEmail(s string) bool {
	if s == "" {
		return false
	}
	a, err := mail.ParseAddress(s)
	return err == nil && a.Address == s
}
