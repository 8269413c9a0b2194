package util

import "strings"

// NormalizeIdentifier canonicalizes a login identifier. Emails are lowered,
// phone numbers are stripped of separators. The result is the key every
// store uses, so two renderings of the same phone never split their counters.
func NormalizeIdentifier(identifier string) string {
	s := strings.TrimSpace(identifier)
	if strings.Contains(s, "@") {
		return strings.ToLower(s)
	}
	replacer := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	return replacer.Replace(s)
}

// IsEmailIdentifier reports whether the identifier looks like an email
// address rather than a phone number.
func IsEmailIdentifier(identifier string) bool {
	return strings.Contains(identifier, "@")
}
