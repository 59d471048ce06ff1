package interfaces

// Subscriber is a push-transport client that follows one tenant.
// WriteJSON must be safe for concurrent use; implementations serialize writes.
type Subscriber interface {
	WriteJSON(v interface{}) error
	Close() error

	// ID uniquely identifies the connection for the lifetime of the process.
	ID() string

	// TenantID returns the tenant this subscriber has joined, or "".
	TenantID() string
}

// EventPublisher delivers a named event to whoever currently follows a tenant.
type EventPublisher interface {
	Publish(tenantID, event string, data interface{}) error
}
