// Package transport defines the peer-transport boundary the dispatcher
// runs against: an encrypted, topic-discovered point-to-point stream per
// connected peer. The overlay itself (discovery, NAT traversal, the
// handshake) is an external collaborator; this package only names the
// shape the dispatcher needs.
package transport

import "context"

// Conn is one peer's live connection. Reads and writes are frame-sized
// byte slices; the dispatcher owns splitting those into wire.Frame values.
type Conn interface {
	// RemoteKey is the hex-encoded public key of the remote peer.
	RemoteKey() string

	// Read blocks for the next message from the peer. It returns an error
	// on transport close or a fatal read error.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a message to the peer, blocking on backpressure until
	// the peer's write buffer has drained.
	Write(ctx context.Context, msg []byte) error

	// Close tears down the connection.
	Close() error
}

// ConnHandler is invoked once per accepted connection. Implementations run
// the connection's read loop and return when it ends.
type ConnHandler func(Conn)

// Listener accepts peer connections from the overlay and dispatches each
// to a handler, one goroutine per connection.
type Listener interface {
	// Serve blocks, accepting connections and invoking handler for each,
	// until the context is cancelled or a fatal accept error occurs.
	Serve(ctx context.Context, handler ConnHandler) error

	// Close stops accepting new connections.
	Close() error
}
