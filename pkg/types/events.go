package types

import "time"

// EventKind is the kind of lifecycle event a connector emits.
type EventKind int

const (
	EventPairing EventKind = iota
	EventAuthenticated
	EventReady
	EventDisconnected
	EventAuthFailure
	EventProtocolError
	EventInboundMessage
)

func (k EventKind) String() string {
	switch k {
	case EventPairing:
		return "pairing"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	case EventAuthFailure:
		return "auth_failure"
	case EventProtocolError:
		return "protocol_error"
	case EventInboundMessage:
		return "inbound_message"
	default:
		return "unknown"
	}
}

// ConnectorEvent is one item on a connector's event channel.
// Only the fields relevant to Kind are set.
type ConnectorEvent struct {
	Kind    EventKind
	QR      string
	Reason  string
	Err     error
	Message *InboundEvent
}

// Names of events pushed to subscribers.
const (
	PushQR           = "qr"
	PushLog          = "log"
	PushQRStatus     = "qrstatus"
	PushUser         = "user"
	PushConnected    = "connected"
	PushReady        = "ready"
	PushDisconnected = "disconnected"
	PushStatus       = "status"
)

// Names of events clients send over the push transport.
const (
	ClientJoinSession   = "joinSession"
	ClientRequestStatus = "requestStatus"
)

// PushEnvelope is the frame written to a push subscriber.
type PushEnvelope struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewPushEnvelope stamps an event with the current time.
func NewPushEnvelope(event string, data interface{}) PushEnvelope {
	return PushEnvelope{Event: event, Data: data, Timestamp: time.Now().UTC()}
}

// QR status icons understood by the pairing page.
const (
	QRStatusCheck        = "check"
	QRStatusLoader       = "loader"
	QRStatusDisconnected = "disconnected"
)

// UserData is the tenant metadata published once a session is connected.
type UserData struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	TenantID       string `json:"tenantId"`
	CreatedAt      string `json:"createdAt"`
	ReceiveInbound bool   `json:"receiveInbound"`
}
