package relay

import (
	"errors"
	"fmt"
)

var ErrInvalidPhone = errors.New("sender number is not a phone number")

// WebhookDeliveryError reports a webhook POST that failed or was refused.
// It is logged and never retried.
type WebhookDeliveryError struct {
	StatusCode int
	Err        error
}

func (e *WebhookDeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("webhook delivery failed: status %d", e.StatusCode)
}

func (e *WebhookDeliveryError) Unwrap() error {
	return e.Err
}
