package relay

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/intelhome/envios/pkg/types"
)

var countryNumber = regexp.MustCompile(`593\d{9}`)

// Message is the JSON body delivered to the webhook for one inbound message.
type Message struct {
	TenantID         string  `json:"tenantId"`
	SenderName       string  `json:"senderName"`
	SenderAddress    string  `json:"senderAddress"`
	RecipientAddress string  `json:"recipientAddress"`
	Description      string  `json:"description"`
	MessageType      string  `json:"messageType"`
	MediaDataBase64  *string `json:"mediaDataBase64"`
	MediaMimeType    *string `json:"mediaMimeType"`
	MediaFileName    *string `json:"mediaFileName"`
	HasMediaContent  bool    `json:"hasMediaContent"`
	Timestamp        int64   `json:"timestamp"`
}

// Describe renders the text forwarded for a message of the given kind.
func Describe(ev *types.InboundEvent) string {
	switch ev.Kind {
	case "chat":
		return ev.Body
	case "image", "video", "document", "audio", "ptt":
		if ev.Caption != "" {
			return ev.Caption
		}
		return ev.Body
	case "location":
		if ev.Location == nil {
			return "[Location]"
		}
		return fmt.Sprintf("[Location: %v, %v]", ev.Location.Latitude, ev.Location.Longitude)
	case "vcard":
		return "[Contact shared]"
	case "sticker":
		return "[Sticker]"
	}
	if ev.Body != "" {
		return ev.Body
	}
	return "[" + ev.Kind + "]"
}

// SenderPhone extracts a plain phone number from a platform address. Long
// linked-device ids are reduced to an embedded country number or their last
// twelve digits.
func SenderPhone(from string) (string, error) {
	addr := (&types.InboundEvent{From: from}).SenderAddress()
	digits := digitsOnly(addr)
	if len(digits) > 15 {
		if m := countryNumber.FindString(digits); m != "" {
			digits = m
		} else {
			digits = digits[len(digits)-12:]
		}
	}
	if len(digits) < 10 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, from)
	}
	return digits, nil
}

// mediaFileName falls back to <kind>_<unixms>.<ext> when the sender gave no name.
func mediaFileName(name, kind, mimeType string, unixMilli int64) string {
	if name != "" {
		return name
	}
	ext := "bin"
	if _, sub, ok := strings.Cut(mimeType, "/"); ok {
		sub, _, _ = strings.Cut(sub, ";")
		if sub = strings.TrimSpace(sub); sub != "" {
			ext = sub
		}
	}
	return fmt.Sprintf("%s_%d.%s", kind, unixMilli, ext)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
