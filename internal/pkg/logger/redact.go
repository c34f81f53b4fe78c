package logger

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	// Signed tracking links end in the subscriber's token.
	trackingPathPattern = regexp.MustCompile(`(/t/(?:open|click|unsubscribe)/[^/\s]+/[^/\s]+/)[A-Za-z0-9_=-]+`)
	secretKeys          = []string{"secret", "password", "token", "access_key", "secret_key"}
)

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" becomes "jo***@example.com"; local parts of two
// characters or fewer are fully masked.
func RedactEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "***@***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}

// redactValue masks val according to the field it is logged under. Secret
// fields are dropped entirely; any other string has embedded addresses and
// tracking tokens masked.
func redactValue(key, val string) string {
	k := strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return "***"
		}
	}
	if strings.Contains(k, "email") && !strings.ContainsAny(val, " <") {
		return RedactEmail(val)
	}
	val = emailPattern.ReplaceAllStringFunc(val, RedactEmail)
	return trackingPathPattern.ReplaceAllString(val, "${1}***")
}
