package session

import (
	"context"
	"sync"
	"time"

	"github.com/intelhome/envios/pkg/interfaces"
	"github.com/intelhome/envios/pkg/types"
)

// handle is the in-memory record of one live connector. A slot holds at most
// one handle; a handle that is no longer the slot's current one is stale and
// its events are dropped.
type handle struct {
	epoch              uint64
	conn               interfaces.Connector
	state              types.SessionState
	qr                 string
	connectedAt        *time.Time
	authenticatedSince *time.Time
	cancelInit         context.CancelFunc

	settled    chan struct{}
	settleOnce sync.Once
}

func newHandle(epoch uint64, conn interfaces.Connector, cancelInit context.CancelFunc) *handle {
	return &handle{
		epoch:      epoch,
		conn:       conn,
		state:      types.StateConnecting,
		cancelInit: cancelInit,
		settled:    make(chan struct{}),
	}
}

// settle marks the handle as having reached QR or Ready.
func (h *handle) settle() {
	h.settleOnce.Do(func() { close(h.settled) })
}

// slot serializes every mutation for one tenant. epoch is bumped whenever
// the slot's handle is replaced or torn down by an explicit operation, and
// every timer carries the epoch it was armed under.
type slot struct {
	tenantID string

	mu             sync.Mutex
	epoch          uint64
	handle         *handle
	retryCount     int
	watchdogUsed   bool
	timer          *time.Timer
	receiveInbound bool
	removed        bool
	terminalReason string
}

func (s *slot) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// dropHandleLocked detaches h from the slot. The connector is not touched.
func (s *slot) dropHandleLocked(h *handle, state types.SessionState) {
	s.stopTimer()
	if s.handle == h {
		s.handle = nil
	}
	h.state = state
	if h.cancelInit != nil {
		h.cancelInit()
	}
}
