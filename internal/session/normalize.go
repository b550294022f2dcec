package session

import (
	"errors"
	"strings"
)

const maxOrigURLLength = 2048

var ErrInvalidAddress = errors.New("invalid_address")

// NormalizeMAC accepts any separator style and returns AA:BB:CC:DD:EE:FF.
func NormalizeMAC(raw string) (string, error) {
	hex := make([]byte, 0, 12)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
			hex = append(hex, c)
		}
	}
	if len(hex) != 12 {
		return "", ErrInvalidAddress
	}
	var b strings.Builder
	b.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(strings.ToUpper(string(hex[i : i+2])))
	}
	return b.String(), nil
}

// SanitizeOrigURL drops CR/LF and truncates to the stored column size.
func SanitizeOrigURL(raw string) *string {
	if raw == "" {
		return nil
	}
	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(raw)
	if len(cleaned) > maxOrigURLLength {
		cleaned = cleaned[:maxOrigURLLength]
	}
	if cleaned == "" {
		return nil
	}
	return &cleaned
}
