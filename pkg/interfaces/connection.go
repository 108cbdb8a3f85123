package interfaces

import "coursechat/pkg/types"

// Connection is one live client channel owned by a single registered user.
// ARCHITECTURAL DISCOVERY: Presence and the signal bus only see this interface,
// so both are tested with in-memory fakes instead of real sockets.
type Connection interface {
	// ID is unique per upgrade and never reused
	ID() string

	// UserID is empty until the connection has registered
	UserID() string

	// Send enqueues without blocking. A full queue or a closed connection is
	// reported as an error wrapping types.ErrTransientDelivery.
	Send(event *types.Event) error

	// Close is idempotent
	Close() error
}
