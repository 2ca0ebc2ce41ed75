package connection

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// NormalizePhone strips everything except ASCII digits.
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeRecipient turns a phone number into a user address on the default
// server. Addresses that already carry a server part are only trimmed.
func NormalizeRecipient(recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if strings.Contains(recipient, "@") {
		user, server, _ := strings.Cut(recipient, "@")
		if user == "" || server == "" {
			return "", fmt.Errorf("%w: malformed recipient %q", ErrInvalidInput, recipient)
		}
		return recipient, nil
	}

	digits := NormalizePhone(recipient)
	if digits == "" {
		return "", fmt.Errorf("%w: recipient phone number is required", ErrInvalidInput)
	}
	return digits + "@" + types.DefaultUserServer, nil
}
