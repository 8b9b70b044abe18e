package interfaces

// Connection is one live bidirectional transport session.
// Implementations must serialize writes so that delivery order on a single
// connection matches the order WriteJSON was called.
type Connection interface {
	// ID returns an identifier unique for the lifetime of the process.
	ID() string

	// WriteJSON queues v for delivery. A non-nil error means the transport
	// is gone and the connection should be treated as disconnected.
	WriteJSON(v interface{}) error

	// Close closes the transport. It is safe to call more than once.
	Close() error
}
