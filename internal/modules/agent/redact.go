package agent

import "regexp"

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\-\s()]{9,}\d\b`)
)

// redactPII masks emails and phone numbers before text reaches the model or
// leaves the service.
func redactPII(text string) string {
	text = emailRe.ReplaceAllString(text, "[redacted_email]")
	text = phoneRe.ReplaceAllString(text, "[redacted_phone]")
	return text
}
