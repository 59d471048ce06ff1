// Package hub fans session events out to push subscribers.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/intelhome/envios/pkg/interfaces"
	"github.com/intelhome/envios/pkg/types"
)

const (
	eventBuffer   = 1000
	mirrorTimeout = 5 * time.Second
)

// Subscribers finds the client currently following a tenant.
type Subscribers interface {
	Subscriber(tenantID string) (interfaces.Subscriber, bool)
}

// Mirror receives a copy of every event, keyed by event name.
type Mirror interface {
	PublishSessionEvent(ctx context.Context, tenantID, event string, data interface{}) error
}

// Event is one queued push.
type Event struct {
	TenantID string
	Name     string
	Data     interface{}
	At       time.Time
}

// Stats counts what the hub has done since it started.
type Stats struct {
	Delivered  uint64 `json:"delivered"`
	Unclaimed  uint64 `json:"unclaimed"`
	Failed     uint64 `json:"failed"`
	Mirrored   uint64 `json:"mirrored"`
	QueueDepth int    `json:"queueDepth"`
}

// Hub serializes event delivery on a single goroutine so subscribers see a
// tenant's events in the order they were published.
type Hub struct {
	events      chan *Event
	shutdown    chan struct{}
	done        chan struct{}
	subscribers Subscribers
	mirror      Mirror
	log         zerolog.Logger

	running bool
	mu      sync.RWMutex

	delivered atomic.Uint64
	unclaimed atomic.Uint64
	failed    atomic.Uint64
	mirrored  atomic.Uint64
}

var _ interfaces.EventPublisher = (*Hub)(nil)

// NewHub creates a hub. mirror may be nil.
func NewHub(subscribers Subscribers, mirror Mirror, log zerolog.Logger) *Hub {
	return &Hub{
		events:      make(chan *Event, eventBuffer),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
		subscribers: subscribers,
		mirror:      mirror,
		log:         log.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	select {
	case <-h.shutdown:
		return ErrHubStopped
	default:
	}
	h.running = true

	h.log.Info().Msg("starting event hub")
	go h.run(ctx)
	return nil
}

// Stop ends the loop after it has delivered everything already queued.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	h.mu.Unlock()

	<-h.done
	return nil
}

// Publish queues an event for the tenant's subscriber. It never blocks.
func (h *Hub) Publish(tenantID, event string, data interface{}) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.events <- &Event{TenantID: tenantID, Name: event, Data: data, At: time.Now().UTC()}:
		return nil
	default:
		h.failed.Add(1)
		return ErrEventChannelFull
	}
}

func (h *Hub) Stats() Stats {
	return Stats{
		Delivered:  h.delivered.Load(),
		Unclaimed:  h.unclaimed.Load(),
		Failed:     h.failed.Load(),
		Mirrored:   h.mirrored.Load(),
		QueueDepth: len(h.events),
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	defer h.log.Info().Msg("event hub stopped")

	for {
		select {
		case ev := <-h.events:
			h.deliver(ctx, ev)
		case <-h.shutdown:
			h.drain(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) drain(ctx context.Context) {
	for {
		select {
		case ev := <-h.events:
			h.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (h *Hub) deliver(ctx context.Context, ev *Event) {
	if h.mirror != nil {
		mctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
		if err := h.mirror.PublishSessionEvent(mctx, ev.TenantID, ev.Name, ev.Data); err != nil {
			h.log.Warn().Err(err).Str("tenant_id", ev.TenantID).Str("event", ev.Name).Msg("event mirror failed")
		} else {
			h.mirrored.Add(1)
		}
		cancel()
	}

	sub, ok := h.subscribers.Subscriber(ev.TenantID)
	if !ok {
		h.unclaimed.Add(1)
		h.log.Debug().Str("tenant_id", ev.TenantID).Str("event", ev.Name).Msg("no subscriber for event")
		return
	}

	env := types.PushEnvelope{Event: ev.Name, Data: ev.Data, Timestamp: ev.At}
	if err := sub.WriteJSON(env); err != nil {
		h.failed.Add(1)
		h.log.Warn().Err(err).Str("tenant_id", ev.TenantID).Str("event", ev.Name).Str("conn_id", sub.ID()).Msg("event delivery failed")
		return
	}
	h.delivered.Add(1)
}
