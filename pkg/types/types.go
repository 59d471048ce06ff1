package types

import (
	"strings"
	"time"
)

// Tenant record status values persisted by the orchestrator.
const (
	StatusCreated       = "created"
	StatusQR            = "qr"
	StatusAuthenticated = "authenticated"
	StatusConnected     = "connected"
	StatusDisconnected  = "disconnected"
	StatusAuthError     = "auth_error"
)

// LiveStateConnected is the connector live state reported for a usable session.
const LiveStateConnected = "CONNECTED"

// TenantRecord is the durable view of a tenant.
type TenantRecord struct {
	TenantID       string    `json:"tenantId"`
	DisplayName    string    `json:"displayName"`
	Description    string    `json:"description"`
	ReceiveInbound bool      `json:"receiveInbound"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// SessionState is the in-memory state of a tenant's session handle.
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateQRPending
	StateAuthenticated
	StateReady
	StateDisconnected
	StateTerminal
	StateDestroyed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateQRPending:
		return "qr"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateTerminal:
		return "terminal"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// SessionStatus is the answer to a live status query.
type SessionStatus struct {
	Connected   bool       `json:"connected"`
	State       string     `json:"state"`
	LiveState   string     `json:"liveState,omitempty"`
	QRPending   bool       `json:"qrPending"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	RetryCount  int        `json:"retryCount"`
}

// Profile identifies the account a connector is logged in as.
type Profile struct {
	ID          string `json:"id"`
	PushName    string `json:"pushName"`
	PhoneNumber string `json:"phoneNumber"`
}

// Attachment is a binary payload sent or received through a connector.
type Attachment struct {
	Data     []byte `json:"-"`
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName"`
}

// Location is a geographic point shared as a message.
type Location struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Description string  `json:"description,omitempty"`
}

// Payload is what a connector delivers to a single recipient.
type Payload struct {
	Text       string      `json:"text,omitempty"`
	Caption    string      `json:"caption,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Location   *Location   `json:"location,omitempty"`
	AsDocument bool        `json:"asDocument,omitempty"`
	AsVoice    bool        `json:"asVoice,omitempty"`
}

// Addressing selects how an outbound address is interpreted.
type Addressing int

const (
	AddressAuto Addressing = iota
	AddressPhone
	AddressPlatformID
)

func (a Addressing) String() string {
	switch a {
	case AddressPhone:
		return "phone"
	case AddressPlatformID:
		return "platform"
	default:
		return "auto"
	}
}

// OutboundMessage is a single send request.
type OutboundMessage struct {
	Address    string
	Addressing Addressing
	Payload    Payload
}

// SendReceipt is what a connector reports after accepting a message.
type SendReceipt struct {
	MessageID string
	Timestamp int64
	Ack       int
}

// SendResult is returned to API callers after a successful send.
type SendResult struct {
	MessageID        string `json:"messageId"`
	Timestamp        int64  `json:"timestamp"`
	Ack              int    `json:"ack"`
	AckName          string `json:"ackName"`
	SenderAddress    string `json:"senderAddress"`
	RecipientAddress string `json:"recipientAddress"`
	SentAt           string `json:"sentAt"`
}

// InboundEvent is a message received by a tenant's connector.
type InboundEvent struct {
	MessageID  string    `json:"messageId"`
	From       string    `json:"from"`
	SenderName string    `json:"senderName"`
	Kind       string    `json:"kind"`
	Body       string    `json:"body"`
	Caption    string    `json:"caption"`
	FromMe     bool      `json:"fromMe"`
	IsGroup    bool      `json:"isGroup"`
	HasMedia   bool      `json:"hasMedia"`
	Location   *Location `json:"location,omitempty"`
	Timestamp  int64     `json:"timestamp"`
}

// SenderAddress strips the platform suffix from the source address.
func (e *InboundEvent) SenderAddress() string {
	addr := e.From
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		addr = addr[:i]
	}
	if i := strings.IndexByte(addr, ':'); i >= 0 {
		addr = addr[:i]
	}
	return addr
}
