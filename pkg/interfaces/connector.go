package interfaces

import (
	"context"

	"github.com/intelhome/envios/pkg/types"
)

// Connector is one tenant's session driver.
// A connector is owned by exactly one session handle. Lifecycle callbacks are
// delivered in order on Events; the channel is closed once the driver exits.
type Connector interface {
	// Initialize launches the driver and returns once it is accepting commands.
	// Pairing and authentication progress arrive on Events, possibly before
	// Initialize returns.
	Initialize(ctx context.Context) error

	Events() <-chan types.ConnectorEvent

	// LiveState queries the driver; "CONNECTED" means the session is usable.
	LiveState(ctx context.Context) (string, error)

	// Profile returns the logged-in account.
	Profile(ctx context.Context) (*types.Profile, error)

	// ResolveRecipient returns the canonical platform id for address, or
	// ok=false if the platform does not know it.
	ResolveRecipient(ctx context.Context, address string) (id string, ok bool, err error)

	Send(ctx context.Context, recipientID string, payload types.Payload) (*types.SendReceipt, error)

	// DownloadMedia fetches the attachment of an inbound message.
	DownloadMedia(ctx context.Context, messageID string) (*types.Attachment, error)

	Logout(ctx context.Context) error

	// Destroy stops the driver. It is safe to call more than once.
	Destroy(ctx context.Context) error
}

// ConnectorFactory builds connectors and owns the on-disk artifacts they leave.
type ConnectorFactory interface {
	New(tenantID string) (Connector, error)

	// WipeArtifacts removes every credential/cache artifact for a tenant.
	WipeArtifacts(tenantID string) error
}
