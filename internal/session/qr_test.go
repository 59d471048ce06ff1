package session

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

func TestRenderQR(t *testing.T) {
	url, err := renderQR("2@Xk1/abc,def,ghi==")
	if err != nil {
		t.Fatalf("renderQR failed: %v", err)
	}
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(url, prefix) {
		t.Fatalf("Expected PNG data URL, got %q", url[:min(len(url), 40)])
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, prefix))
	if err != nil {
		t.Fatalf("Data URL is not valid base64: %v", err)
	}
	if !bytes.HasPrefix(raw, []byte("\x89PNG\r\n\x1a\n")) {
		t.Error("Decoded payload is not a PNG")
	}

	if _, err := renderQR(""); err == nil {
		t.Error("Expected error for empty reference")
	}
}
