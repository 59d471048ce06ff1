package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/intelhome/envios/internal/dispatch"
	"github.com/intelhome/envios/internal/hub"
	"github.com/intelhome/envios/internal/session"
	"github.com/intelhome/envios/pkg/interfaces"
	"github.com/intelhome/envios/pkg/types"
)

const (
	maxBodyBytes  = 32 << 20
	healthTimeout = 5 * time.Second
)

var errInvalidJSON = errors.New("invalid JSON body")

// Sessions is the part of the session manager the HTTP API drives.
type Sessions interface {
	Register(ctx context.Context, record *types.TenantRecord) error
	Destroy(ctx context.Context, tenantID string) error
	Logout(ctx context.Context, tenantID string) error
	Status(ctx context.Context, tenantID string) (*types.SessionStatus, error)
	Snapshot(tenantID string) (session.Snapshot, bool)
	Connector(tenantID string) (interfaces.Connector, types.SessionState, error)
	ActiveCount() int
}

// Records reads persisted tenants.
type Records interface {
	GetTenant(ctx context.Context, tenantID string) (*types.TenantRecord, error)
	ListTenants(ctx context.Context) ([]*types.TenantRecord, error)
	HealthCheck(ctx context.Context) error
}

// Sender delivers outbound messages.
type Sender interface {
	Send(ctx context.Context, tenantID string, msg types.OutboundMessage) (*types.SendResult, error)
	MediaPayload(ctx context.Context, req dispatch.MediaRequest) (types.Payload, error)
}

// Registry reports push subscriber counts.
type Registry interface {
	GetStats() map[string]int
}

// Queue is the admission queue of tenants waiting for a batched start.
type Queue interface {
	Remove(tenantID string) bool
	Pending() int
}

// EventStats reports push delivery counters.
type EventStats interface {
	Stats() hub.Stats
}

// Server is the HTTP surface: tenant administration, session control and
// message sending. It holds no state of its own.
type Server struct {
	sessions  Sessions
	records   Records
	sender    Sender
	registry  Registry
	queue     Queue
	events    EventStats
	ws        http.Handler
	router    *http.ServeMux
	startedAt time.Time
	log       zerolog.Logger
}

func NewServer(sessions Sessions, records Records, sender Sender, registry Registry, queue Queue, events EventStats, ws http.Handler, log zerolog.Logger) *Server {
	s := &Server{
		sessions:  sessions,
		records:   records,
		sender:    sender,
		registry:  registry,
		queue:     queue,
		events:    events,
		ws:        ws,
		router:    http.NewServeMux(),
		startedAt: time.Now(),
		log:       log.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/tenants", s.wrap(s.handleTenants))
	s.router.Handle("/api/tenants/", s.wrap(s.handleTenantByID))
	s.router.Handle("/api/sessions/", s.wrap(s.handleSessionByID))
	s.router.Handle("/api/messages/", s.wrap(s.handleMessages))
	s.router.Handle("/health", s.wrap(s.healthCheck))
	if s.ws != nil {
		s.router.Handle("/ws", s.ws)
	}
}

func (s *Server) wrap(fn http.HandlerFunc) http.Handler {
	return s.corsMiddleware(s.jsonMiddleware(s.logMiddleware(fn)))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization

type CreateTenantRequest struct {
	TenantID       string `json:"tenantId"`
	DisplayName    string `json:"displayName"`
	Description    string `json:"description"`
	ReceiveInbound bool   `json:"receiveInbound"`
}

// MessageRequest is the body of every send route. Which address field is
// read depends on the route.
type MessageRequest struct {
	Number  string `json:"number"`
	ChatID  string `json:"chatId"`
	Address string `json:"address"`

	Message     string `json:"message"`
	PDFBase64   string `json:"pdfBase64"`
	ImageBase64 string `json:"imageBase64"`

	Type           string   `json:"type"`
	Link           string   `json:"link"`
	Caption        string   `json:"caption"`
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	DocumentBase64 string   `json:"documentBase64"`
	FileName       string   `json:"fileName"`
	MimeType       string   `json:"mimeType"`
}

type TenantResponse struct {
	Result  bool                `json:"result"`
	Message string              `json:"message"`
	Tenant  *types.TenantRecord `json:"tenant,omitempty"`
}

type ListTenantsResponse struct {
	Result  bool                  `json:"result"`
	Message string                `json:"message"`
	Data    []*types.TenantRecord `json:"data"`
}

type TenantInfoResponse struct {
	Result      bool       `json:"result"`
	Status      bool       `json:"status"`
	UserID      string     `json:"userId"`
	UserName    string     `json:"userName"`
	PhoneNumber string     `json:"phoneNumber"`
	ConnectedAt *time.Time `json:"connectedAt"`
	State       string     `json:"state"`
}

type SendResponse struct {
	Status   bool              `json:"status"`
	Response *types.SendResult `json:"response"`
}

type HealthResponse struct {
	Status         string                 `json:"status"`
	Timestamp      time.Time              `json:"timestamp"`
	Database       string                 `json:"database"`
	Connections    map[string]int         `json:"connections"`
	Events         hub.Stats              `json:"events"`
	ActiveSessions int                    `json:"active_sessions"`
	QueuedStarts   int                    `json:"queued_starts"`
	System         map[string]interface{} `json:"system"`
}

// ErrorResponse carries both envelope flags so tenant and message clients
// read the same failure shape.
type ErrorResponse struct {
	Result   bool   `json:"result"`
	Status   bool   `json:"status"`
	Error    string `json:"error"`
	Code     int    `json:"code"`
	Response string `json:"response"`
	State    string `json:"state,omitempty"`
}

// GET/POST /api/tenants
func (s *Server) handleTenants(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTenant(w, r)
	case http.MethodGet:
		s.listTenants(w, r)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// GET/DELETE /api/tenants/{id}
func (s *Server) handleTenantByID(w http.ResponseWriter, r *http.Request) {
	tenantID, rest, ok := s.pathTenant(w, r, "/api/tenants/")
	if !ok {
		return
	}
	if rest != "" {
		s.sendError(w, "Not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.tenantInfo(w, r, tenantID)
	case http.MethodDelete:
		s.deleteTenant(w, r, tenantID)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// POST /api/sessions/{id}/logout, GET /api/sessions/{id}/status
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	tenantID, rest, ok := s.pathTenant(w, r, "/api/sessions/")
	if !ok {
		return
	}

	switch {
	case rest == "logout" && r.Method == http.MethodPost:
		s.logout(w, r, tenantID)
	case rest == "status" && r.Method == http.MethodGet:
		s.sessionStatus(w, r, tenantID)
	case rest == "logout" || rest == "status":
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		s.sendError(w, "Not found", http.StatusNotFound)
	}
}

// POST /api/messages/{id}[/media|/platform|/auto]
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	tenantID, rest, ok := s.pathTenant(w, r, "/api/messages/")
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req MessageRequest
	if err := s.decode(r, &req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var msg types.OutboundMessage
	var err error
	switch rest {
	case "":
		msg, err = s.textMessage(req.Number, types.AddressPhone, req)
	case "media":
		msg, err = s.mediaMessage(r.Context(), req.Number, types.AddressPhone, req)
	case "platform":
		msg, err = s.anyMessage(r.Context(), req.ChatID, types.AddressPlatformID, req)
	case "auto":
		msg, err = s.anyMessage(r.Context(), firstNonEmpty(req.Address, req.Number, req.ChatID), types.AddressAuto, req)
	default:
		s.sendError(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	result, err := s.sender.Send(r.Context(), tenantID, msg)
	if err != nil {
		s.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("send rejected")
		s.sendFailure(w, err)
		return
	}

	json.NewEncoder(w).Encode(SendResponse{Status: true, Response: result})
}

func (s *Server) textMessage(address string, mode types.Addressing, req MessageRequest) (types.OutboundMessage, error) {
	if strings.TrimSpace(address) == "" {
		return types.OutboundMessage{}, dispatch.ErrInvalidAddress
	}

	msg := types.OutboundMessage{Address: address, Addressing: mode}
	switch {
	case req.PDFBase64 != "":
		a, err := dispatch.AttachmentFromBase64(req.PDFBase64, firstNonEmpty(req.MimeType, "application/pdf"), firstNonEmpty(req.FileName, "document.pdf"))
		if err != nil {
			return msg, err
		}
		msg.Payload = types.Payload{Caption: req.Message, Attachment: a, AsDocument: true}
	case req.ImageBase64 != "":
		a, err := dispatch.AttachmentFromBase64(req.ImageBase64, firstNonEmpty(req.MimeType, "image/jpeg"), firstNonEmpty(req.FileName, "image.jpg"))
		if err != nil {
			return msg, err
		}
		msg.Payload = types.Payload{Caption: req.Message, Attachment: a}
	default:
		msg.Payload = types.Payload{Text: req.Message}
	}
	return msg, nil
}

func (s *Server) mediaMessage(ctx context.Context, address string, mode types.Addressing, req MessageRequest) (types.OutboundMessage, error) {
	if strings.TrimSpace(address) == "" {
		return types.OutboundMessage{}, dispatch.ErrInvalidAddress
	}
	payload, err := s.sender.MediaPayload(ctx, dispatch.MediaRequest{
		Type:           req.Type,
		Link:           req.Link,
		Caption:        firstNonEmpty(req.Caption, req.Message),
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
		DocumentBase64: req.DocumentBase64,
		FileName:       req.FileName,
		MimeType:       req.MimeType,
	})
	if err != nil {
		return types.OutboundMessage{}, err
	}
	return types.OutboundMessage{Address: address, Addressing: mode, Payload: payload}, nil
}

// anyMessage sends media when a media type is given and text otherwise.
func (s *Server) anyMessage(ctx context.Context, address string, mode types.Addressing, req MessageRequest) (types.OutboundMessage, error) {
	if req.Type != "" {
		return s.mediaMessage(ctx, address, mode, req)
	}
	return s.textMessage(address, mode, req)
}

func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := s.decode(r, &req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	record := &types.TenantRecord{
		TenantID:       strings.TrimSpace(req.TenantID),
		DisplayName:    strings.TrimSpace(req.DisplayName),
		Description:    req.Description,
		ReceiveInbound: req.ReceiveInbound,
	}
	if err := s.sessions.Register(r.Context(), record); err != nil {
		if errors.Is(err, interfaces.ErrTenantExists) {
			s.sendError(w, "a tenant with this id already exists", http.StatusBadRequest)
			return
		}
		s.sendFailure(w, err)
		return
	}

	s.log.Info().Str("tenant_id", record.TenantID).Msg("tenant registered")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(TenantResponse{Result: true, Message: "tenant created", Tenant: record})
}

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	records, err := s.records.ListTenants(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("tenant listing failed")
		s.sendError(w, "Failed to list tenants", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*types.TenantRecord{}
	}
	json.NewEncoder(w).Encode(ListTenantsResponse{Result: true, Message: "tenants loaded", Data: records})
}

// tenantInfo answers only for connected sessions.
func (s *Server) tenantInfo(w http.ResponseWriter, r *http.Request, tenantID string) {
	conn, state, err := s.sessions.Connector(tenantID)
	if err != nil || state != types.StateReady {
		s.sendError(w, "session not connected", http.StatusNotFound)
		return
	}

	profile, err := conn.Profile(r.Context())
	if err != nil {
		s.sendError(w, fmt.Sprintf("profile lookup failed: %v", err), http.StatusNotFound)
		return
	}

	resp := TenantInfoResponse{
		Result:      true,
		Status:      true,
		UserID:      profile.ID,
		UserName:    profile.PushName,
		PhoneNumber: profile.PhoneNumber,
		State:       state.String(),
	}
	if snap, ok := s.sessions.Snapshot(tenantID); ok {
		resp.ConnectedAt = snap.ConnectedAt
	}
	if live, err := conn.LiveState(r.Context()); err == nil {
		resp.State = live
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) deleteTenant(w http.ResponseWriter, r *http.Request, tenantID string) {
	if s.queue.Remove(tenantID) {
		s.log.Info().Str("tenant_id", tenantID).Msg("queued start withdrawn")
	}
	if err := s.sessions.Destroy(r.Context(), tenantID); err != nil && !errors.Is(err, session.ErrTeardown) {
		s.sendFailure(w, err)
		return
	}
	json.NewEncoder(w).Encode(TenantResponse{Result: true, Message: "tenant deleted"})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request, tenantID string) {
	s.queue.Remove(tenantID)
	err := s.sessions.Logout(r.Context(), tenantID)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		s.sendError(w, "no active session", http.StatusNotFound)
		return
	case err != nil && !errors.Is(err, session.ErrTeardown):
		s.sendFailure(w, err)
		return
	}
	json.NewEncoder(w).Encode(TenantResponse{Result: true, Message: "session closed"})
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request, tenantID string) {
	status, err := s.sessions.Status(r.Context(), tenantID)
	if errors.Is(err, session.ErrSessionNotFound) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"connected": false,
			"message":   "no active session",
		})
		return
	}
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	json.NewEncoder(w).Encode(status)
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"

	if err := s.records.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:         status,
		Timestamp:      time.Now(),
		Database:       dbStatus,
		Connections:    s.registry.GetStats(),
		Events:         s.events.Stats(),
		ActiveSessions: s.sessions.ActiveCount(),
		QueuedStarts:   s.queue.Pending(),
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		},
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(response)
}

// pathTenant splits "/prefix/{id}/rest" and validates the id.
func (s *Server) pathTenant(w http.ResponseWriter, r *http.Request, prefix string) (string, string, bool) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	tenantID, rest, _ := strings.Cut(path, "/")
	if tenantID == "" {
		s.sendError(w, "Tenant ID required", http.StatusBadRequest)
		return "", "", false
	}
	if !types.IsValidTenantID(tenantID) {
		s.sendError(w, types.ErrInvalidTenantID.Error(), http.StatusBadRequest)
		return "", "", false
	}
	return tenantID, rest, true
}

func (s *Server) decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errInvalidJSON
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var notConnected *dispatch.NotConnectedError
	switch {
	case errors.As(err, &notConnected), errors.Is(err, session.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrMediaFetch):
		return http.StatusBadGateway
	case errors.Is(err, dispatch.ErrNoActiveSession),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, interfaces.ErrTenantNotFound):
		return http.StatusNotFound
	case errors.Is(err, errInvalidJSON),
		errors.Is(err, dispatch.ErrInvalidAddress),
		errors.Is(err, dispatch.ErrEmptyMessage),
		errors.Is(err, dispatch.ErrInvalidMedia),
		errors.Is(err, dispatch.ErrRecipientNotRegistered),
		errors.Is(err, interfaces.ErrTenantExists),
		errors.Is(err, types.ErrInvalidTenantID),
		errors.Is(err, types.ErrInvalidDisplayName),
		errors.Is(err, types.ErrInvalidDescription):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// sendFailure writes err with the status statusFor picks. A session that is
// not connected reports its state.
func (s *Server) sendFailure(w http.ResponseWriter, err error) {
	code := statusFor(err)
	resp := ErrorResponse{
		Error:    http.StatusText(code),
		Code:     code,
		Response: err.Error(),
	}
	var notConnected *dispatch.NotConnectedError
	if errors.As(err, &notConnected) {
		resp.State = notConnected.State
	}
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:    http.StatusText(code),
		Code:     code,
		Response: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
