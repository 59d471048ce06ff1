package websocket

import (
	"sync"

	"github.com/intelhome/envios/pkg/interfaces"
)

// Registry tracks open connections and which one is the primary subscriber
// of each tenant. A tenant has at most one primary.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection // connection id -> connection
	primaries   map[string]*Connection // tenant id -> connection
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		primaries:   make(map[string]*Connection),
	}
}

// Add tracks a freshly upgraded connection that has not joined a tenant.
func (r *Registry) Add(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.ID()] = conn
	return nil
}

// Join makes conn the primary subscriber of tenantID. The previous primary,
// if any, is evicted from the tenant but left open; it is returned so the
// caller can tell it.
func (r *Registry) Join(conn *Connection, tenantID string) (*Connection, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev := conn.TenantID(); prev != "" && prev != tenantID && r.primaries[prev] == conn {
		delete(r.primaries, prev)
	}

	evicted := r.primaries[tenantID]
	if evicted == conn {
		evicted = nil
	}
	if evicted != nil {
		evicted.setTenant("")
	}

	r.connections[conn.ID()] = conn
	r.primaries[tenantID] = conn
	conn.setTenant(tenantID)
	return evicted, nil
}

// Remove forgets conn. It reports whether conn was the primary of its tenant
// at the time; a connection that was already evicted never removes the
// newer primary.
func (r *Registry) Remove(conn *Connection) bool {
	if conn == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.connections, conn.ID())
	tenantID := conn.TenantID()
	if tenantID != "" && r.primaries[tenantID] == conn {
		delete(r.primaries, tenantID)
		return true
	}
	return false
}

// Primary returns the connection following tenantID.
func (r *Registry) Primary(tenantID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.primaries[tenantID]
	return conn, ok
}

// Subscriber is Primary behind the transport-neutral interface.
func (r *Registry) Subscriber(tenantID string) (interfaces.Subscriber, bool) {
	conn, ok := r.Primary(tenantID)
	if !ok {
		return nil, false
	}
	return conn, true
}

// CloseAll closes every tracked connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	r.connections = make(map[string]*Connection)
	r.primaries = make(map[string]*Connection)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"total_connections": len(r.connections),
		"joined_tenants":    len(r.primaries),
	}
}
