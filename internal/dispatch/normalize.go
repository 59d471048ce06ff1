package dispatch

import (
	"strings"

	"github.com/intelhome/envios/pkg/types"
)

// NormalizePhone strips everything but digits and prefixes countryCode to
// 9 or 10 digit local numbers. A 10 digit number with a trunk 0 loses it
// first.
func NormalizePhone(raw, countryCode string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return "", ErrInvalidAddress
	}

	if len(digits) == 10 && digits[0] == '0' {
		digits = digits[1:]
	}
	if (len(digits) == 9 || len(digits) == 10) && !strings.HasPrefix(digits, countryCode) {
		digits = countryCode + digits
	}
	return digits, nil
}

// ResolveAddressing turns an auto address into phone or platform addressing.
// Addresses carrying a platform suffix ("...@lid", "...@c.us") are used as is.
func ResolveAddressing(address string, mode types.Addressing) types.Addressing {
	if mode != types.AddressAuto {
		return mode
	}
	if strings.Contains(address, "@") {
		return types.AddressPlatformID
	}
	return types.AddressPhone
}

// target returns what is handed to the registration check.
func target(address string, mode types.Addressing, countryCode string) (string, error) {
	address = strings.TrimSpace(address)
	switch ResolveAddressing(address, mode) {
	case types.AddressPlatformID:
		at := strings.IndexByte(address, '@')
		if at <= 0 || at == len(address)-1 || strings.ContainsAny(address, " \t") {
			return "", ErrInvalidAddress
		}
		return address, nil
	default:
		return NormalizePhone(address, countryCode)
	}
}

var ackNames = map[int]string{
	-1: "Error",
	0:  "Pending",
	1:  "Sent",
	2:  "Received by server",
	3:  "Received by recipient",
	4:  "Read",
	5:  "Played",
}

// AckName maps a delivery acknowledgement code to its label.
func AckName(ack int) string {
	if name, ok := ackNames[ack]; ok {
		return name
	}
	return "Unknown"
}
