// Package admission bounds how many tenant sessions start at once.
package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/intelhome/envios/internal/config"
	"github.com/intelhome/envios/pkg/types"
)

// Starter is the part of the session manager the controller drives.
type Starter interface {
	Start(ctx context.Context, tenantID string, receiveInbound bool) error
	WaitSettled(ctx context.Context, tenantID string) (types.SessionState, error)
	HasSession(tenantID string) bool
}

// TenantLister supplies the records restored at boot.
type TenantLister interface {
	ListTenants(ctx context.Context) ([]*types.TenantRecord, error)
}

// Outcome is how one admitted tenant ended its settle wait.
type Outcome int

const (
	OutcomeReady Outcome = iota
	OutcomeAwaitingQR
	OutcomeTimedOut
	OutcomeFailed
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReady:
		return "ready"
	case OutcomeAwaitingQR:
		return "awaiting_qr"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Summary counts outcomes across every batch of a run.
type Summary struct {
	Total      int `json:"total"`
	Batches    int `json:"batches"`
	Ready      int `json:"ready"`
	AwaitingQR int `json:"awaitingQr"`
	TimedOut   int `json:"timedOut"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

func (s *Summary) add(o Outcome) {
	switch o {
	case OutcomeReady:
		s.Ready++
	case OutcomeAwaitingQR:
		s.AwaitingQR++
	case OutcomeTimedOut:
		s.TimedOut++
	case OutcomeSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
}

// run collects the outcomes a Run call is waiting for.
type run struct {
	mu        sync.Mutex
	summary   Summary
	lastBatch int
	pending   int
	done      chan struct{}
}

func (r *run) finish(batch int, o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if batch != 0 && batch != r.lastBatch {
		r.lastBatch = batch
		r.summary.Batches++
	}
	r.summary.add(o)
	r.pending--
	if r.pending == 0 {
		close(r.done)
	}
}

func (r *run) result() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// entry is one queued tenant. run is nil for tenants queued by Enqueue alone.
type entry struct {
	record *types.TenantRecord
	run    *run
}

// Restorable reports whether a record's status means it had a session worth
// resuming without a new pairing.
func Restorable(status string) bool {
	switch status {
	case types.StatusConnected, types.StatusDisconnected, types.StatusAuthenticated:
		return true
	}
	return false
}

// Controller starts sessions in fixed-size batches from a single queue.
// Boot restore and join-time restores share it, so at most BatchSize starts
// are ever in flight. Within a batch every start runs concurrently; the next
// batch begins only after each member has settled or timed out, plus a fixed
// delay.
type Controller struct {
	starter Starter
	lister  TenantLister
	cfg     config.AdmissionConfig
	log     zerolog.Logger

	mu      sync.Mutex
	queue   []entry
	batches int
	running bool
	closed  bool
	wg      sync.WaitGroup
	stop    chan struct{}
}

func NewController(starter Starter, lister TenantLister, cfg *config.AdmissionConfig, log zerolog.Logger) *Controller {
	c := *cfg
	if c.BatchSize < 1 {
		c.BatchSize = 1
	}
	return &Controller{
		starter: starter,
		lister:  lister,
		cfg:     c,
		log:     log.With().Str("component", "admission").Logger(),
		stop:    make(chan struct{}),
	}
}

// Restore starts every restorable tenant in the store and blocks until the
// last batch has settled.
func (c *Controller) Restore(ctx context.Context) (Summary, error) {
	records, err := c.lister.ListTenants(ctx)
	if err != nil {
		return Summary{}, err
	}

	var pending []*types.TenantRecord
	for _, r := range records {
		if Restorable(r.Status) {
			pending = append(pending, r)
		}
	}

	c.log.Info().Int("tenants", len(pending)).Int("not_restorable", len(records)-len(pending)).Msg("restoring sessions")
	summary := c.Run(ctx, pending)
	c.log.Info().
		Int("ready", summary.Ready).
		Int("awaiting_qr", summary.AwaitingQR).
		Int("timed_out", summary.TimedOut).
		Int("failed", summary.Failed).
		Int("already_live", summary.Skipped).
		Msg("session restore complete")
	return summary, nil
}

// Run queues records in order and blocks until each has been admitted.
// Tenants already waiting keep their place. If ctx ends first, the run's
// tenants that have not started are withdrawn and counted as failed.
func (c *Controller) Run(ctx context.Context, records []*types.TenantRecord) Summary {
	r := &run{summary: Summary{Total: len(records)}, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		r.summary.Failed = len(records)
		return r.summary
	}
	for _, record := range records {
		if i := c.indexLocked(record.TenantID); i >= 0 {
			if c.queue[i].run == nil {
				c.queue[i].run = r
				r.pending++
			} else {
				r.summary.Skipped++
			}
			continue
		}
		c.queue = append(c.queue, entry{record: record, run: r})
		r.pending++
	}
	if r.pending == 0 {
		c.mu.Unlock()
		return r.summary
	}
	c.kickLocked()
	c.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		c.withdraw(r)
		<-r.done
	}
	return r.result()
}

// withdraw removes a run's queued tenants. Those already in a batch finish
// normally.
func (c *Controller) withdraw(r *run) {
	c.mu.Lock()
	kept := c.queue[:0]
	var dropped int
	for _, e := range c.queue {
		if e.run == r {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	c.queue = kept
	c.mu.Unlock()

	for i := 0; i < dropped; i++ {
		r.finish(0, OutcomeFailed)
	}
}

func (c *Controller) runBatch(ctx context.Context, seq int, batch []entry) {
	c.log.Info().Int("batch", seq).Int("size", len(batch)).Msg("processing batch")

	var g errgroup.Group
	for _, e := range batch {
		g.Go(func() error {
			o := c.admit(ctx, e.record)
			if e.run != nil {
				e.run.finish(seq, o)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Controller) admit(ctx context.Context, record *types.TenantRecord) Outcome {
	log := c.log.With().Str("tenant_id", record.TenantID).Logger()

	if c.starter.HasSession(record.TenantID) {
		log.Debug().Msg("session already live, skipping")
		return OutcomeSkipped
	}

	if err := c.starter.Start(ctx, record.TenantID, record.ReceiveInbound); err != nil {
		log.Error().Err(err).Msg("session start failed")
		return OutcomeFailed
	}

	wctx, cancel := context.WithTimeout(ctx, c.cfg.SettleTimeout)
	defer cancel()

	state, err := c.starter.WaitSettled(wctx, record.TenantID)
	switch {
	case err == nil && state == types.StateReady:
		return OutcomeReady
	case err == nil && state == types.StateQRPending:
		return OutcomeAwaitingQR
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn().Dur("timeout", c.cfg.SettleTimeout).Msg("session did not settle in time")
		return OutcomeTimedOut
	case err != nil:
		log.Warn().Err(err).Msg("session ended before settling")
		return OutcomeFailed
	default:
		return OutcomeFailed
	}
}

// pause waits out the inter-batch delay. It returns false if ctx ended or
// the controller was closed first.
func (c *Controller) pause(ctx context.Context) bool {
	if c.cfg.BatchDelay <= 0 {
		return ctx.Err() == nil
	}
	c.log.Debug().Dur("delay", c.cfg.BatchDelay).Msg("waiting before next batch")
	t := time.NewTimer(c.cfg.BatchDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.stop:
		return false
	}
}

// Enqueue queues a tenant for a batched start and returns its position.
// A tenant already waiting keeps its place.
func (c *Controller) Enqueue(record *types.TenantRecord) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, false
	}
	if i := c.indexLocked(record.TenantID); i >= 0 {
		return i + 1, true
	}
	c.queue = append(c.queue, entry{record: record})
	c.kickLocked()
	return len(c.queue), true
}

// Remove drops a tenant that has not been started yet.
func (c *Controller) Remove(tenantID string) bool {
	c.mu.Lock()
	i := c.indexLocked(tenantID)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	e := c.queue[i]
	c.queue = append(c.queue[:i], c.queue[i+1:]...)
	c.mu.Unlock()

	if e.run != nil {
		e.run.finish(0, OutcomeSkipped)
	}
	return true
}

// Pending returns how many tenants are waiting in the queue.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Controller) indexLocked(tenantID string) int {
	for i, e := range c.queue {
		if e.record.TenantID == tenantID {
			return i
		}
	}
	return -1
}

// kickLocked starts the drain loop unless it is already running.
func (c *Controller) kickLocked() {
	if c.running {
		return
	}
	c.running = true
	c.wg.Add(1)
	go c.drain()
}

func (c *Controller) drain() {
	defer c.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	first := true
	for {
		c.mu.Lock()
		if len(c.queue) == 0 || c.closed {
			c.running = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if !first && !c.pause(ctx) {
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			return
		}
		first = false

		c.mu.Lock()
		n := min(c.cfg.BatchSize, len(c.queue))
		if n == 0 {
			c.mu.Unlock()
			continue
		}
		batch := make([]entry, n)
		copy(batch, c.queue[:n])
		c.queue = c.queue[n:]
		c.batches++
		seq := c.batches
		c.mu.Unlock()

		c.runBatch(ctx, seq, batch)
	}
}

// Close discards queued tenants and waits for the batch in flight.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	dropped := c.queue
	c.queue = nil
	close(c.stop)
	c.mu.Unlock()

	for _, e := range dropped {
		if e.run != nil {
			e.run.finish(0, OutcomeFailed)
		}
	}
	c.wg.Wait()
}
