package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/intelhome/envios/internal/admission"
	"github.com/intelhome/envios/internal/config"
	"github.com/intelhome/envios/internal/session"
	"github.com/intelhome/envios/pkg/interfaces"
	"github.com/intelhome/envios/pkg/types"
)

const queryTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	// The pairing page is served from other origins.
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// Sessions is the read side of the session manager used by the handler.
type Sessions interface {
	Snapshot(tenantID string) (session.Snapshot, bool)
	Status(ctx context.Context, tenantID string) (*types.SessionStatus, error)
	UserData(ctx context.Context, tenantID string) (types.UserData, error)
}

// Records looks up persisted tenants.
type Records interface {
	GetTenant(ctx context.Context, tenantID string) (*types.TenantRecord, error)
}

// Admitter queues restores behind the batch limit.
type Admitter interface {
	Enqueue(record *types.TenantRecord) (int, bool)
	Remove(tenantID string) bool
}

type clientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Handler upgrades push clients and answers joinSession/requestStatus.
type Handler struct {
	registry *Registry
	sessions Sessions
	records  Records
	admitter Admitter
	cfg      config.WebSocketConfig
	log      zerolog.Logger
}

func NewHandler(registry *Registry, sessions Sessions, records Records, admitter Admitter, cfg *config.WebSocketConfig, log zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		sessions: sessions,
		records:  records,
		admitter: admitter,
		cfg:      *cfg,
		log:      log.With().Str("component", "websocket").Logger(),
	}
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, h.cfg.BufferSize, h.cfg.WriteTimeout)
	if err := h.registry.Add(conn); err != nil {
		_ = conn.Close()
		return
	}
	h.log.Debug().Str("conn_id", conn.ID()).Str("remote", r.RemoteAddr).Msg("client connected")

	go h.handleConnection(conn)
}

func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		tenantID := conn.TenantID()
		if h.registry.Remove(conn) && h.admitter != nil && h.admitter.Remove(tenantID) {
			h.log.Info().Str("tenant_id", tenantID).Msg("queued restore dropped, subscriber left")
		}
		_ = conn.Close()
		h.log.Debug().Str("conn_id", conn.ID()).Msg("client disconnected")
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	go func() {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
					_ = conn.Close()
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Debug().Err(err).Str("conn_id", conn.ID()).Msg("websocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := h.handleMessage(conn, data); err != nil {
			h.log.Debug().Err(err).Str("conn_id", conn.ID()).Msg("client message rejected")
			h.send(conn, types.PushLog, "invalid request")
		}
	}
}

func (h *Handler) handleMessage(conn *Connection, data []byte) error {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	tenantID, err := parseTenantID(msg.Data)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	switch msg.Event {
	case types.ClientJoinSession:
		h.joinSession(ctx, conn, tenantID)
	case types.ClientRequestStatus:
		h.requestStatus(ctx, conn, tenantID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event)
	}
	return nil
}

// parseTenantID accepts either a bare string or {"tenantId": "..."}.
func parseTenantID(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id), nil
	}
	var obj struct {
		TenantID string `json:"tenantId"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", ErrInvalidPayload
	}
	return strings.TrimSpace(obj.TenantID), nil
}

func (h *Handler) joinSession(ctx context.Context, conn *Connection, tenantID string) {
	if !types.IsValidTenantID(tenantID) {
		h.send(conn, types.PushLog, "invalid tenant id")
		return
	}

	evicted, err := h.registry.Join(conn, tenantID)
	if err != nil {
		h.send(conn, types.PushLog, "failed to join session")
		return
	}
	if evicted != nil {
		h.log.Info().Str("tenant_id", tenantID).Str("old_conn", evicted.ID()).Str("new_conn", conn.ID()).Msg("replacing tenant subscriber")
	}
	h.log.Info().Str("tenant_id", tenantID).Str("conn_id", conn.ID()).Msg("subscriber joined")

	h.sendSnapshot(ctx, conn, tenantID)
}

// sendSnapshot tells a fresh subscriber where the tenant's session stands,
// restoring it when the record says it was signed in before.
func (h *Handler) sendSnapshot(ctx context.Context, conn *Connection, tenantID string) {
	if snap, ok := h.sessions.Snapshot(tenantID); ok {
		status, err := h.sessions.Status(ctx, tenantID)
		if err == nil && status.Connected {
			h.send(conn, types.PushQRStatus, types.QRStatusCheck)
			h.send(conn, types.PushLog, "connected")
			h.send(conn, types.PushReady, map[string]string{"message": "session already connected", "tenantId": tenantID})
			if user, err := h.sessions.UserData(ctx, tenantID); err == nil {
				h.send(conn, types.PushConnected, user)
				h.send(conn, types.PushUser, user)
			}
			return
		}
		if snap.QR != "" {
			h.send(conn, types.PushQR, snap.QR)
			h.send(conn, types.PushLog, "QR code pending scan")
			return
		}
		h.send(conn, types.PushQRStatus, types.QRStatusLoader)
		h.send(conn, types.PushLog, "session is starting")
		return
	}

	record, err := h.records.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, interfaces.ErrTenantNotFound) {
			h.send(conn, types.PushLog, "tenant not found")
			return
		}
		h.log.Error().Err(err).Str("tenant_id", tenantID).Msg("tenant lookup failed")
		h.send(conn, types.PushLog, "failed to check session")
		return
	}

	if !admission.Restorable(record.Status) {
		h.send(conn, types.PushLog, "no active session, scan the QR code to sign in")
		return
	}

	h.send(conn, types.PushQRStatus, types.QRStatusLoader)
	h.send(conn, types.PushLog, "restoring session")
	pos, ok := h.admitter.Enqueue(record)
	if !ok {
		h.send(conn, types.PushLog, "failed to restore session")
		return
	}
	h.log.Info().Str("tenant_id", tenantID).Int("position", pos).Msg("restore queued")
	h.send(conn, types.PushLog, fmt.Sprintf("queued for initialization (position %d)", pos))
}

func (h *Handler) requestStatus(ctx context.Context, conn *Connection, tenantID string) {
	status, err := h.sessions.Status(ctx, tenantID)
	if err != nil {
		h.send(conn, types.PushStatus, map[string]interface{}{
			"tenantId":  tenantID,
			"connected": false,
			"message":   "no active session",
		})
		return
	}
	h.send(conn, types.PushStatus, status)
}

func (h *Handler) send(conn *Connection, event string, data interface{}) {
	if err := conn.WriteJSON(types.NewPushEnvelope(event, data)); err != nil {
		h.log.Debug().Err(err).Str("conn_id", conn.ID()).Str("event", event).Msg("push write failed")
	}
}
