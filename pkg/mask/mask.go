package mask

import "strings"

// Recipient masks a phone number or e-mail address so it can be logged
// without exposing PII. Phone numbers keep the country prefix and the last
// two digits; e-mail addresses keep the first character of the local part
// and the full domain.
func Recipient(recipient string) string {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return ""
	}
	if at := strings.IndexByte(recipient, '@'); at > 0 {
		return recipient[:1] + strings.Repeat("*", at-1) + recipient[at:]
	}
	if len(recipient) <= 6 {
		return strings.Repeat("*", len(recipient))
	}
	return recipient[:4] + strings.Repeat("*", len(recipient)-6) + recipient[len(recipient)-2:]
}

// Token reduces a bearer or refresh token to a short fingerprint suitable
// for audit trails. The full token value is never persisted or logged.
func Token(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "..." + token[len(token)-4:]
}
