package payments

import "strings"

// MaskEmail keeps the first two characters of the address and the domain:
// "alice@example.com" becomes "al***@example.com". Input without "@" is fully
// masked.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "***"
	}
	runes := []rune(email)
	n := 2
	if len(runes) < n {
		n = len(runes)
	}
	return string(runes[:n]) + "***@" + email[at+1:]
}
