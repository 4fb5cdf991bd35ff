package blast

import (
	"regexp"
	"strings"
)

// UserDomain is the JID domain for individual chats.
const UserDomain = "s.whatsapp.net"

var (
	namePlaceholder   = regexp.MustCompile(`(?i)\{(name|nama)\}`)
	numberPlaceholder = regexp.MustCompile(`(?i)\{(number|nomor|phone)\}`)
	nonDigits         = regexp.MustCompile(`\D+`)
)

// Personalize substitutes recipient placeholders into the message text.
// Matching is case-insensitive and synonymous spellings map to the same
// field; a missing name substitutes to empty string. Applying it to text
// with no remaining placeholders is a no-op.
func Personalize(text, name, number string) string {
	if text == "" {
		return text
	}
	text = namePlaceholder.ReplaceAllLiteralString(text, name)
	text = numberPlaceholder.ReplaceAllLiteralString(text, number)
	return text
}

// NormalizeAddress turns a caller-supplied phone number into the JID the
// transport expects: strip non-digits, replace a leading "0" with the
// country code, append the user domain when none is present.
func NormalizeAddress(raw, countryCode string) string {
	local := raw
	domain := UserDomain
	if i := strings.IndexByte(raw, '@'); i >= 0 {
		local = raw[:i]
		if raw[i+1:] != "" {
			domain = raw[i+1:]
		}
	}
	digits := nonDigits.ReplaceAllString(local, "")
	if strings.HasPrefix(digits, "0") {
		digits = countryCode + digits[1:]
	}
	return digits + "@" + domain
}

// BareNumber returns the digits part of a normalized address, for use in
// placeholder substitution and registration lookups.
func BareNumber(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[:i]
	}
	return addr
}
