// Package broker mirrors session events and inbound messages onto an AMQP
// topic exchange.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/intelhome/envios/internal/config"
)

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher puts envelopes on one exchange. Publishing is serialized since
// an AMQP channel must not be shared by concurrent writers.
type Publisher struct {
	conn     *amqp.Connection
	exchange string
	producer string
	log      zerolog.Logger

	mu     sync.Mutex
	ch     Channel
	closed bool
}

// Dial connects to the broker and declares the topic exchange.
func Dial(cfg *config.BrokerConfig, log zerolog.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, ErrURLRequired
	}
	if cfg.Exchange == "" {
		return nil, ErrExchangeRequired
	}

	log = log.With().Str("component", "broker").Logger()
	host := ""
	if u, err := url.Parse(cfg.URL); err == nil {
		host = u.Host
	}
	log.Info().Str("host", host).Str("exchange", cfg.Exchange).Msg("connecting to broker")

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	p := newPublisher(ch, cfg, log)
	p.conn = conn

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			p.log.Error().Str("reason", err.Reason).Int("code", err.Code).Msg("broker connection closed")
		}
	}()

	log.Info().Msg("broker ready")
	return p, nil
}

func newPublisher(ch Channel, cfg *config.BrokerConfig, log zerolog.Logger) *Publisher {
	return &Publisher{
		ch:       ch,
		exchange: cfg.Exchange,
		producer: cfg.Producer,
		log:      log,
	}
}

// PublishSessionEvent mirrors one fan-out event.
func (p *Publisher) PublishSessionEvent(ctx context.Context, tenantID, event string, data interface{}) error {
	key := SessionKey(event)
	return p.Publish(ctx, key, NewEnvelope(key, tenantID, p.producer, data))
}

// PublishInbound mirrors one relayed inbound message.
func (p *Publisher) PublishInbound(ctx context.Context, tenantID string, msg interface{}) error {
	return p.Publish(ctx, InboundKey, NewEnvelope(InboundKey, tenantID, p.producer, msg))
}

// Publish sends env as a persistent JSON message.
func (p *Publisher) Publish(ctx context.Context, routingKey string, env Envelope) error {
	if env.Meta.ID == "" {
		return fmt.Errorf("envelope id is required")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    env.Meta.ID,
		Type:         env.Meta.Type,
		Timestamp:    env.Meta.Time,
		AppId:        p.producer,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	if err := p.ch.Close(); err != nil {
		firstErr = err
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
