// Package dispatch validates outbound sends and hands them to a tenant's
// connector.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/intelhome/envios/internal/config"
	"github.com/intelhome/envios/pkg/interfaces"
	"github.com/intelhome/envios/pkg/types"
)

const cleanupInterval = 5 * time.Minute

// Sessions resolves a tenant's live connector.
type Sessions interface {
	Connector(tenantID string) (interfaces.Connector, types.SessionState, error)
}

type Dispatcher struct {
	sessions    Sessions
	countryCode string
	limiter     *RateLimiter
	fetcher     *Fetcher
	log         zerolog.Logger
}

func NewDispatcher(sessions Sessions, cfg *config.DispatchConfig, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sessions:    sessions,
		countryCode: cfg.CountryCode,
		limiter:     NewRateLimiter(cfg.RateLimitPerMinute),
		fetcher:     NewFetcher(cfg.FetchTimeout, cfg.MaxFetchBytes),
		log:         log.With().Str("component", "dispatch").Logger(),
	}
}

// Run prunes idle rate limit state until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.limiter.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// Send delivers one message. Errors are either input errors or availability
// errors; see Retryable.
func (d *Dispatcher) Send(ctx context.Context, tenantID string, msg types.OutboundMessage) (*types.SendResult, error) {
	if isEmpty(msg.Payload) {
		return nil, ErrEmptyMessage
	}
	address, err := target(msg.Address, msg.Addressing, d.countryCode)
	if err != nil {
		return nil, err
	}
	if !d.limiter.Allow(tenantID) {
		return nil, ErrRateLimited
	}

	conn, state, err := d.sessions.Connector(tenantID)
	if err != nil {
		return nil, ErrNoActiveSession
	}

	live, err := conn.LiveState(ctx)
	if err != nil {
		d.log.Debug().Err(err).Str("tenant_id", tenantID).Msg("live state query failed")
		return nil, &NotConnectedError{State: state.String()}
	}
	if live != types.LiveStateConnected {
		return nil, &NotConnectedError{State: live}
	}

	recipientID, ok, err := conn.ResolveRecipient(ctx, address)
	if err != nil {
		return nil, &TransportError{Op: "registration check", Err: err}
	}
	if !ok {
		return nil, ErrRecipientNotRegistered
	}

	receipt, err := conn.Send(ctx, recipientID, msg.Payload)
	if err != nil {
		d.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("send failed")
		return nil, &TransportError{Op: "send", Err: err}
	}

	result := &types.SendResult{
		MessageID:        receipt.MessageID,
		Timestamp:        receipt.Timestamp,
		Ack:              receipt.Ack,
		AckName:          AckName(receipt.Ack),
		SenderAddress:    d.senderAddress(ctx, conn),
		RecipientAddress: recipientAddress(address, recipientID),
		SentAt:           time.Now().UTC().Format(time.RFC3339),
	}

	d.log.Info().
		Str("tenant_id", tenantID).
		Str("message_id", result.MessageID).
		Str("addressing", ResolveAddressing(msg.Address, msg.Addressing).String()).
		Str("ack", result.AckName).
		Msg("message sent")
	return result, nil
}

func (d *Dispatcher) senderAddress(ctx context.Context, conn interfaces.Connector) string {
	profile, err := conn.Profile(ctx)
	if err != nil {
		return ""
	}
	if profile.PhoneNumber != "" {
		return profile.PhoneNumber
	}
	return (&types.InboundEvent{From: profile.ID}).SenderAddress()
}

// recipientAddress prefers the normalized phone number the caller sent.
func recipientAddress(address, recipientID string) string {
	if strings.Contains(address, "@") {
		return recipientID
	}
	return address
}

func isEmpty(p types.Payload) bool {
	return strings.TrimSpace(p.Text) == "" && p.Attachment == nil && p.Location == nil
}
