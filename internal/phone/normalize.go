// Package phone turns the phone strings found in employee records, group
// members and SIP URIs into the canonical digit-only key used to dedupe and
// dial recipients.
package phone

import (
	"strings"

	"broadcast-platform/internal/apperr"

	"github.com/nyaruka/phonenumbers"
)

// Normalizer canonicalizes phone numbers. Numbers written without a country
// code are interpreted in Region when they are valid there.
type Normalizer struct {
	Region string
}

func NewNormalizer(region string) *Normalizer {
	return &Normalizer{Region: strings.ToUpper(strings.TrimSpace(region))}
}

// Normalize returns the digit-only canonical form of raw.
//
// SIP/tel URI decoration is stripped first. Valid national numbers of the
// default region are expanded to their international digits; anything
// libphonenumber does not recognise (internal extensions) stays as plain digits.
func (n *Normalizer) Normalize(raw string) (string, error) {
	s := StripURI(raw)
	international := strings.HasPrefix(s, "+") || strings.HasPrefix(s, "00")
	digits := Digits(s)
	if strings.HasPrefix(s, "00") {
		digits = strings.TrimPrefix(digits, "00")
	}
	if digits == "" {
		return "", apperr.Invalid("phoneNumber", "no digits in "+quote(raw))
	}

	if !international && n != nil && n.Region != "" {
		if e164, ok := parseValid(digits, n.Region); ok {
			return e164, nil
		}
	}
	if e164, ok := parseValid("+"+digits, ""); ok {
		return e164, nil
	}
	return digits, nil
}

// Dialable renders a canonical number for a carrier that expects E.164.
// Short extensions are returned unchanged.
func Dialable(canonical string) string {
	if len(canonical) <= 6 {
		return canonical
	}
	return "+" + canonical
}

// StripURI removes sip:/sips:/tel: schemes, the @host part and URI parameters.
func StripURI(raw string) string {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	for _, scheme := range []string{"sips:", "sip:", "tel:"} {
		if strings.HasPrefix(lower, scheme) {
			s = s[len(scheme):]
			break
		}
	}
	if i := strings.IndexAny(s, "@;"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// Digits keeps only ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func parseValid(number, region string) (string, bool) {
	num, err := phonenumbers.Parse(number, region)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", false
	}
	return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+"), true
}

func quote(s string) string { return "\"" + s + "\"" }
