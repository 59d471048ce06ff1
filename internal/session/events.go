package session

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/intelhome/envios/pkg/interfaces"
	"github.com/intelhome/envios/pkg/types"
)

// handleEvent applies one connector event to the slot. Events from a handle
// that is no longer current are dropped.
func (m *Manager) handleEvent(s *slot, h *handle, ev types.ConnectorEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != h {
		m.log.Debug().Str("tenant_id", s.tenantID).Stringer("event", ev.Kind).Msg("dropping event from stale connector")
		return
	}

	switch ev.Kind {
	case types.EventPairing:
		m.onPairing(s, h, ev.QR)
	case types.EventAuthenticated:
		m.onAuthenticated(s, h)
	case types.EventReady:
		m.onReady(s, h)
	case types.EventDisconnected:
		m.disconnectLocked(s, h, ev.Reason)
	case types.EventAuthFailure:
		m.onAuthFailure(s, h, ev.Err)
	case types.EventProtocolError:
		m.log.Warn().Err(ev.Err).Str("tenant_id", s.tenantID).Msg("connector protocol error")
		m.disconnectLocked(s, h, "PROTOCOL_ERROR")
	case types.EventInboundMessage:
		m.onInbound(s, h, ev.Message)
	}
}

func (m *Manager) onPairing(s *slot, h *handle, ref string) {
	qr, err := renderQR(ref)
	if err != nil {
		m.log.Error().Err(err).Str("tenant_id", s.tenantID).Msg("pairing code not rendered")
		return
	}
	h.qr = qr
	h.state = types.StateQRPending

	m.persist(s.tenantID, types.StatusQR)
	m.publish(s.tenantID, types.PushQR, qr)
	m.publish(s.tenantID, types.PushLog, "QR code received, scan to pair")
	h.settle()

	m.log.Info().Str("tenant_id", s.tenantID).Msg("pairing code issued")
}

func (m *Manager) onAuthenticated(s *slot, h *handle) {
	now := time.Now()
	h.qr = ""
	h.state = types.StateAuthenticated
	h.authenticatedSince = &now

	m.persist(s.tenantID, types.StatusAuthenticated)
	m.publish(s.tenantID, types.PushQRStatus, types.QRStatusLoader)
	m.publish(s.tenantID, types.PushLog, "authenticated, loading session")

	m.armWatchdog(s, h)
	m.log.Info().Str("tenant_id", s.tenantID).Msg("session authenticated")
}

func (m *Manager) onReady(s *slot, h *handle) {
	now := time.Now()
	h.connectedAt = &now
	h.state = types.StateReady
	h.qr = ""
	h.authenticatedSince = nil
	s.retryCount = 0
	s.watchdogUsed = false
	s.stopTimer()

	m.persist(s.tenantID, types.StatusConnected)

	user := m.userData(s, h)
	m.publish(s.tenantID, types.PushQRStatus, types.QRStatusCheck)
	m.publish(s.tenantID, types.PushLog, "connected: "+user.Name)
	m.publish(s.tenantID, types.PushUser, user)
	m.publish(s.tenantID, types.PushConnected, user)
	m.publish(s.tenantID, types.PushReady, user)
	h.settle()

	m.log.Info().Str("tenant_id", s.tenantID).Msg("session ready")

	go debug.FreeOSMemory()
}

func (m *Manager) userData(s *slot, h *handle) types.UserData {
	ctx, cancel := context.WithTimeout(context.Background(), profileTimeout)
	defer cancel()
	return m.buildUserData(ctx, s.tenantID, s.receiveInbound, h.conn)
}

func (m *Manager) buildUserData(ctx context.Context, tenantID string, receiveInbound bool, conn interfaces.Connector) types.UserData {
	user := types.UserData{
		ID:             tenantID,
		Name:           tenantID,
		TenantID:       tenantID,
		ReceiveInbound: receiveInbound,
	}
	if record, err := m.store.GetTenant(ctx, tenantID); err == nil {
		user.Name = record.DisplayName
		user.CreatedAt = record.CreatedAt.UTC().Format(time.RFC3339)
		user.ReceiveInbound = record.ReceiveInbound
	}
	if profile, err := conn.Profile(ctx); err == nil && profile.ID != "" {
		user.ID = profile.ID
	} else if err != nil {
		m.log.Debug().Err(err).Str("tenant_id", tenantID).Msg("profile lookup failed")
	}
	return user
}

func (m *Manager) onAuthFailure(s *slot, h *handle, cause error) {
	m.log.Warn().Err(cause).Str("tenant_id", s.tenantID).Msg("authentication failed")
	m.persist(s.tenantID, types.StatusAuthError)
	m.publish(s.tenantID, types.PushLog, "authentication failed")

	s.dropHandleLocked(h, types.StateTerminal)
	m.destroyAsync(h.conn)
	m.terminateLocked(s, "AUTH_FAILURE")
}

func (m *Manager) onInbound(s *slot, h *handle, msg *types.InboundEvent) {
	if msg == nil || !s.receiveInbound || m.inbound == nil {
		return
	}
	m.inbound.HandleInbound(s.tenantID, h.conn, msg)
}

// disconnectLocked removes the handle first, then either terminates the
// tenant or schedules a reconnect.
func (m *Manager) disconnectLocked(s *slot, h *handle, reason string) {
	s.dropHandleLocked(h, types.StateDisconnected)
	m.destroyAsync(h.conn)

	m.log.Info().Str("tenant_id", s.tenantID).Str("reason", reason).Msg("session disconnected")

	if m.IsTerminalReason(reason) {
		h.state = types.StateTerminal
		m.terminateLocked(s, reason)
		return
	}

	m.persist(s.tenantID, types.StatusDisconnected)
	m.publish(s.tenantID, types.PushQRStatus, types.QRStatusDisconnected)
	m.publish(s.tenantID, types.PushDisconnected, map[string]string{"reason": reason})
	m.publish(s.tenantID, types.PushLog, "disconnected: "+reason)

	m.scheduleReconnectLocked(s)
}

// terminateLocked releases the slot and deletes everything persisted for
// the tenant.
func (m *Manager) terminateLocked(s *slot, reason string) {
	s.epoch++
	s.stopTimer()
	s.terminalReason = reason
	m.removeSlotLocked(s)
	m.purge(s.tenantID)
	m.publishClosed(s.tenantID)

	m.log.Info().Str("tenant_id", s.tenantID).Str("reason", reason).Msg("session terminated")
}

func (m *Manager) scheduleReconnectLocked(s *slot) {
	if s.retryCount >= m.opts.MaxReconnectAttempts {
		m.log.Warn().Str("tenant_id", s.tenantID).Int("attempts", s.retryCount).Msg("reconnect budget exhausted")
		m.publish(s.tenantID, types.PushLog, "reconnect attempts exhausted")
		return
	}

	s.retryCount++
	epoch := s.epoch
	tenantID := s.tenantID
	s.stopTimer()
	s.timer = time.AfterFunc(m.opts.ReconnectDelay, func() {
		if !m.enter() {
			return
		}
		defer m.wg.Done()
		m.relaunch(tenantID, epoch)
	})

	m.log.Info().Str("tenant_id", tenantID).Int("attempt", s.retryCount).Dur("delay", m.opts.ReconnectDelay).Msg("reconnect scheduled")
}

func (m *Manager) armWatchdog(s *slot, h *handle) {
	s.stopTimer()
	epoch := h.epoch
	s.timer = time.AfterFunc(m.opts.WatchdogGrace, func() {
		if !m.enter() {
			return
		}
		defer m.wg.Done()
		m.onWatchdog(s, epoch)
	})
}

// onWatchdog fires when a session has sat in Authenticated for the whole
// grace period. The first time in an attempt sequence it restarts directly;
// after that it goes through the disconnect path.
func (m *Manager) onWatchdog(s *slot, epoch uint64) {
	s.mu.Lock()
	h := s.handle
	if s.removed || h == nil || h.epoch != epoch || h.state != types.StateAuthenticated {
		s.mu.Unlock()
		return
	}
	s.timer = nil

	if s.watchdogUsed {
		m.log.Warn().Str("tenant_id", s.tenantID).Msg("session still stuck authenticating")
		m.disconnectLocked(s, h, ReasonStuckAuthenticated)
		s.mu.Unlock()
		return
	}

	s.watchdogUsed = true
	tenantID := s.tenantID
	s.mu.Unlock()

	m.log.Warn().Str("tenant_id", tenantID).Dur("grace", m.opts.WatchdogGrace).Msg("session stuck authenticating, restarting")
	m.publish(tenantID, types.PushLog, "session stuck loading, restarting")
	m.relaunch(tenantID, epoch)
}

// relaunch restarts a tenant from a timer. A failed attempt counts against
// the reconnect budget.
func (m *Manager) relaunch(tenantID string, epoch uint64) {
	newEpoch, err := m.launch(context.Background(), tenantID, false, epoch)
	if err == nil || isBenign(err) {
		return
	}

	m.log.Error().Err(err).Str("tenant_id", tenantID).Msg("session restart failed")
	m.publish(tenantID, types.PushLog, "failed to restore session")

	s := m.lookup(tenantID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed || s.handle != nil || s.epoch != newEpoch {
		return
	}
	m.persist(tenantID, types.StatusDisconnected)
	m.scheduleReconnectLocked(s)
}
