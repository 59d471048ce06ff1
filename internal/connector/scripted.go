package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/intelhome/envios/pkg/interfaces"
	"github.com/intelhome/envios/pkg/types"
)

// Live states reported by Scripted as events are emitted.
const (
	ScriptedStateOpening      = "OPENING"
	ScriptedStateUnpaired     = "UNPAIRED"
	ScriptedStateConnected    = "CONNECTED"
	ScriptedStateDisconnected = "DISCONNECTED"
)

// SentMessage records one Send call on a Scripted connector.
type SentMessage struct {
	RecipientID string
	Payload     types.Payload
}

// Scripted is an in-memory connector whose behavior is driven by the caller.
// It backs the state machine in tests and in dry runs without a driver.
type Scripted struct {
	TenantID string

	mu           sync.Mutex
	events       chan types.ConnectorEvent
	closed       bool
	state        string
	profile      types.Profile
	initErr      error
	onInit       func(*Scripted)
	initGate     chan struct{}
	unregistered map[string]bool
	sendErr      error
	sendAck      int
	sent         []SentMessage
	media        map[string]*types.Attachment
	mediaErr     error
	logoutErr    error
	destroyErr   error

	inits    int
	logouts  int
	destroys int
}

var _ interfaces.Connector = (*Scripted)(nil)

func NewScripted(tenantID string) *Scripted {
	return &Scripted{
		TenantID:     tenantID,
		events:       make(chan types.ConnectorEvent, eventBuffer),
		state:        ScriptedStateOpening,
		profile:      types.Profile{ID: "593900000000@c.us", PushName: tenantID, PhoneNumber: "593900000000"},
		unregistered: make(map[string]bool),
		sendAck:      1,
		media:        make(map[string]*types.Attachment),
	}
}

// Emit delivers ev on the event channel and updates the reported live
// state. It returns false once the connector is destroyed.
func (s *Scripted) Emit(ev types.ConnectorEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	switch ev.Kind {
	case types.EventPairing:
		s.state = ScriptedStateUnpaired
	case types.EventAuthenticated:
		s.state = ScriptedStateOpening
	case types.EventReady:
		s.state = ScriptedStateConnected
	case types.EventDisconnected, types.EventAuthFailure:
		s.state = ScriptedStateDisconnected
	}
	s.events <- ev
	return true
}

func (s *Scripted) SetState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Scripted) SetProfile(p types.Profile) {
	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()
}

// FailInitialize makes Initialize return err.
func (s *Scripted) FailInitialize(err error) {
	s.mu.Lock()
	s.initErr = err
	s.mu.Unlock()
}

// OnInitialize runs fn inside Initialize, before it returns.
func (s *Scripted) OnInitialize(fn func(*Scripted)) {
	s.mu.Lock()
	s.onInit = fn
	s.mu.Unlock()
}

// HoldInitialize makes Initialize block until the returned release func is
// called or its context ends.
func (s *Scripted) HoldInitialize() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.initGate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Unregister makes ResolveRecipient report address as unknown.
func (s *Scripted) Unregister(address string) {
	s.mu.Lock()
	s.unregistered[address] = true
	s.mu.Unlock()
}

func (s *Scripted) FailSend(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

func (s *Scripted) SetAck(ack int) {
	s.mu.Lock()
	s.sendAck = ack
	s.mu.Unlock()
}

func (s *Scripted) SetMedia(messageID string, a *types.Attachment) {
	s.mu.Lock()
	s.media[messageID] = a
	s.mu.Unlock()
}

func (s *Scripted) FailMedia(err error) {
	s.mu.Lock()
	s.mediaErr = err
	s.mu.Unlock()
}

// FailTeardown makes Logout and Destroy return the given errors. Destroy
// still closes the connector.
func (s *Scripted) FailTeardown(logoutErr, destroyErr error) {
	s.mu.Lock()
	s.logoutErr = logoutErr
	s.destroyErr = destroyErr
	s.mu.Unlock()
}

func (s *Scripted) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *Scripted) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Calls returns how many times Initialize, Logout and Destroy ran.
func (s *Scripted) Calls() (inits, logouts, destroys int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inits, s.logouts, s.destroys
}

func (s *Scripted) Initialize(ctx context.Context) error {
	s.mu.Lock()
	s.inits++
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	gate := s.initGate
	onInit := s.onInit
	initErr := s.initErr
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if onInit != nil {
		onInit(s)
	}
	return initErr
}

func (s *Scripted) Events() <-chan types.ConnectorEvent {
	return s.events
}

func (s *Scripted) LiveState(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	return s.state, nil
}

func (s *Scripted) Profile(ctx context.Context) (*types.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.profile
	return &p, nil
}

func (s *Scripted) ResolveRecipient(ctx context.Context, address string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	if s.unregistered[address] {
		return "", false, nil
	}
	if strings.Contains(address, "@") {
		return address, true, nil
	}
	return address + "@c.us", true, nil
}

func (s *Scripted) Send(ctx context.Context, recipientID string, payload types.Payload) (*types.SendReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.sent = append(s.sent, SentMessage{RecipientID: recipientID, Payload: payload})
	return &types.SendReceipt{
		MessageID: fmt.Sprintf("true_%s_%d", recipientID, len(s.sent)),
		Timestamp: time.Now().Unix(),
		Ack:       s.sendAck,
	}, nil
}

func (s *Scripted) DownloadMedia(ctx context.Context, messageID string) (*types.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mediaErr != nil {
		return nil, s.mediaErr
	}
	a, ok := s.media[messageID]
	if !ok {
		return nil, fmt.Errorf("no media for message %s", messageID)
	}
	return a, nil
}

func (s *Scripted) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logouts++
	return s.logoutErr
}

// Destroy closes the event channel. Repeated calls only count.
func (s *Scripted) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroys++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return s.destroyErr
}

// ScriptedFactory hands out Scripted connectors and remembers each one.
type ScriptedFactory struct {
	mu        sync.Mutex
	configure func(*Scripted)
	newErr    error
	created   map[string][]*Scripted
	wipes     map[string]int
}

var _ interfaces.ConnectorFactory = (*ScriptedFactory)(nil)

func NewScriptedFactory() *ScriptedFactory {
	return &ScriptedFactory{
		created: make(map[string][]*Scripted),
		wipes:   make(map[string]int),
	}
}

// Configure registers fn to run on every connector New creates.
func (f *ScriptedFactory) Configure(fn func(*Scripted)) {
	f.mu.Lock()
	f.configure = fn
	f.mu.Unlock()
}

// FailNew makes New return err.
func (f *ScriptedFactory) FailNew(err error) {
	f.mu.Lock()
	f.newErr = err
	f.mu.Unlock()
}

func (f *ScriptedFactory) New(tenantID string) (interfaces.Connector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newErr != nil {
		return nil, f.newErr
	}
	c := NewScripted(tenantID)
	if f.configure != nil {
		f.configure(c)
	}
	f.created[tenantID] = append(f.created[tenantID], c)
	return c, nil
}

func (f *ScriptedFactory) WipeArtifacts(tenantID string) error {
	f.mu.Lock()
	f.wipes[tenantID]++
	f.mu.Unlock()
	return nil
}

// Latest returns the most recent connector built for tenantID, or nil.
func (f *ScriptedFactory) Latest(tenantID string) *Scripted {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.created[tenantID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// All returns every connector built for tenantID, oldest first.
func (f *ScriptedFactory) All(tenantID string) []*Scripted {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Scripted, len(f.created[tenantID]))
	copy(out, f.created[tenantID])
	return out
}

func (f *ScriptedFactory) Created(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created[tenantID])
}

func (f *ScriptedFactory) Wipes(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wipes[tenantID]
}
