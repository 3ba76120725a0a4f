package util

import (
	"strings"
)

// CanonicalEmail lower-cases and trims an email address.
func CanonicalEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CanonicalPhone reduces a phone number to an optional leading '+' followed
// by its digits. Formatting characters such as spaces, dashes, dots and
// parentheses are dropped. Returns "" when no digits remain.
func CanonicalPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	b.Grow(len(phone))
	if strings.HasPrefix(phone, "+") {
		b.WriteByte('+')
	}
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			digits++
		}
	}
	if digits == 0 {
		return ""
	}
	return b.String()
}

// PhoneDigits returns only the digits of a phone number, which is how
// phone numbers are compared across providers.
func PhoneDigits(phone string) string {
	return strings.TrimPrefix(CanonicalPhone(phone), "+")
}

// LooksLikeEmail reports whether address should be treated as an email
// rather than a phone number.
func LooksLikeEmail(address string) bool {
	return strings.Contains(address, "@")
}

// CanonicalAddress canonicalizes an address of either kind. Phone numbers
// come back in E164 form.
func CanonicalAddress(address string) string {
	if LooksLikeEmail(address) {
		return CanonicalEmail(address)
	}
	return E164(address)
}

// E164 returns '+' followed by the number's digits, or "" when there are
// none. Numbers are assumed to already carry their country code.
func E164(phone string) string {
	digits := PhoneDigits(phone)
	if digits == "" {
		return ""
	}
	return "+" + digits
}
