package session

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const qrImageSize = 256

// renderQR encodes a pairing reference as a PNG data URL the pairing page
// can drop straight into an <img>.
func renderQR(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty pairing reference")
	}
	png, err := qrcode.Encode(ref, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", fmt.Errorf("failed to render pairing code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
