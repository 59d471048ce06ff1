// Package relay forwards inbound messages to the configured webhook and
// event mirror.
package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/intelhome/envios/internal/config"
	"github.com/intelhome/envios/pkg/interfaces"
	"github.com/intelhome/envios/pkg/types"
)

const mediaTimeout = 30 * time.Second

// Mirror receives a copy of every relayed message.
type Mirror interface {
	PublishInbound(ctx context.Context, tenantID string, msg interface{}) error
}

// Relay implements session.InboundHandler. Every message is processed on its
// own goroutine and delivered at most once.
type Relay struct {
	webhookURL string
	timeout    time.Duration
	ignored    map[string]bool
	client     *http.Client
	mirror     Mirror
	log        zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewRelay(cfg *config.RelayConfig, mirror Mirror, log zerolog.Logger) *Relay {
	ignored := make(map[string]bool, len(cfg.IgnoredKinds))
	for _, k := range cfg.IgnoredKinds {
		ignored[strings.ToLower(k)] = true
	}
	return &Relay{
		webhookURL: cfg.WebhookURL,
		timeout:    cfg.Timeout,
		ignored:    ignored,
		client:     &http.Client{Timeout: cfg.Timeout},
		mirror:     mirror,
		log:        log.With().Str("component", "relay").Logger(),
	}
}

// HandleInbound filters msg and hands it to a delivery goroutine.
func (r *Relay) HandleInbound(tenantID string, conn interfaces.Connector, msg *types.InboundEvent) {
	if !r.accept(msg) {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.process(tenantID, conn, msg)
	}()
}

func (r *Relay) accept(msg *types.InboundEvent) bool {
	switch {
	case msg == nil, msg.FromMe:
		return false
	case r.ignored[strings.ToLower(msg.Kind)]:
		return false
	case msg.IsGroup, strings.HasSuffix(msg.From, "@g.us"):
		return false
	case strings.HasSuffix(msg.From, "@broadcast"):
		return false
	}
	return true
}

func (r *Relay) process(tenantID string, conn interfaces.Connector, msg *types.InboundEvent) {
	log := r.log.With().Str("tenant_id", tenantID).Str("message_id", msg.MessageID).Logger()

	out, err := r.build(tenantID, conn, msg)
	if err != nil {
		log.Warn().Err(err).Msg("inbound message dropped")
		return
	}

	log.Info().Str("sender", out.SenderAddress).Str("kind", out.MessageType).Bool("media", out.HasMediaContent).Msg("inbound message")

	if r.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.mirror.PublishInbound(ctx, tenantID, out); err != nil {
			log.Warn().Err(err).Msg("inbound mirror failed")
		}
		cancel()
	}

	if r.webhookURL == "" {
		return
	}
	if err := r.deliver(out); err != nil {
		log.Error().Err(err).Msg("webhook delivery failed")
		return
	}
	log.Debug().Msg("webhook delivered")
}

func (r *Relay) build(tenantID string, conn interfaces.Connector, msg *types.InboundEvent) (*Message, error) {
	sender, err := SenderPhone(msg.From)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), mediaTimeout)
	defer cancel()

	out := &Message{
		TenantID:         tenantID,
		SenderName:       msg.SenderName,
		SenderAddress:    sender,
		RecipientAddress: "unknown",
		Description:      Describe(msg),
		MessageType:      msg.Kind,
		Timestamp:        msg.Timestamp,
	}
	if out.SenderName == "" {
		out.SenderName = sender
	}
	if out.Timestamp == 0 {
		out.Timestamp = time.Now().Unix()
	}
	if profile, err := conn.Profile(ctx); err == nil && profile.ID != "" {
		out.RecipientAddress = (&types.InboundEvent{From: profile.ID}).SenderAddress()
	}

	if msg.HasMedia {
		a, err := conn.DownloadMedia(ctx, msg.MessageID)
		switch {
		case err != nil:
			r.log.Warn().Err(err).Str("tenant_id", tenantID).Str("message_id", msg.MessageID).Msg("media download failed")
		case a != nil && len(a.Data) > 0:
			data := base64.StdEncoding.EncodeToString(a.Data)
			mimeType := a.MimeType
			if mimeType == "" {
				mimeType = "application/octet-stream"
			}
			name := mediaFileName(a.FileName, msg.Kind, mimeType, time.Now().UnixMilli())
			out.MediaDataBase64 = &data
			out.MediaMimeType = &mimeType
			out.MediaFileName = &name
			out.HasMediaContent = true
		}
	}
	return out, nil
}

func (r *Relay) deliver(msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.webhookURL, bytes.NewReader(body))
	if err != nil {
		return &WebhookDeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return &WebhookDeliveryError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &WebhookDeliveryError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Close stops accepting messages and waits for in-flight deliveries.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
