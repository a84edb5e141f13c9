// Package registry implements the hub's in-memory connection state: the
// connected-peer map, per-peer timer handles, pending HTTP responders
// (keyed by provider peer key, which is how provider bytes reach the
// caller), and the inference-token index, which is scrubbed when its peer
// disconnects.
//
// Every mutation of this state belongs to a single serialisation domain
// (§5 of the design): one mutex guards all five maps below, and the
// exposed methods are intention-revealing (attach/detach/route) rather
// than raw map access, so a caller can never read one map's state while
// another is mid-update for the same peer.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/symmetry-network/hub/internal/transport"
)

// Responder is a live HTTP response sink parked against a provider peer
// while it streams an inference response.
type Responder interface {
	// WriteChunk forwards one chunk of provider bytes to the caller. It
	// blocks until the write completes so the peer read loop that calls
	// it applies backpressure from the HTTP client back to the peer.
	WriteChunk(ctx context.Context, chunk []byte) error

	// Terminate ends the response. err is nil on a clean inferenceEnded,
	// non-nil on a disconnect or transport failure.
	Terminate(err error)
}

// ErrResponderExists is returned by RegisterResponder when a peer already
// has a pending responder.
var ErrResponderExists = fmt.Errorf("registry: peer already has a pending responder")

// Timers holds the cancel functions for a peer's session-duration loop and
// health-check loop; cancelling the health-check loop also abandons any
// outstanding health-check timeout. They are cancelled together on
// disconnect so a fired ticker can never resurrect state for a peer that
// has already left the registry.
type Timers struct {
	cancels []func()
}

// Add registers a cancel function to run when the peer disconnects.
func (t *Timers) Add(cancel func()) {
	t.cancels = append(t.cancels, cancel)
}

func (t *Timers) cancelAll() {
	for _, c := range t.cancels {
		c()
	}
}

// Registry is the connection registry (C5).
type Registry struct {
	mu sync.Mutex

	conns      map[string]transport.Conn
	timers     map[string]*Timers
	responders map[string]Responder
	tokenPeer  map[string]string   // inference_token -> peer_key
	peerTokens map[string][]string // peer_key -> inference_tokens, for O(k) cleanup on disconnect
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		conns:      make(map[string]transport.Conn),
		timers:     make(map[string]*Timers),
		responders: make(map[string]Responder),
		tokenPeer:  make(map[string]string),
		peerTokens: make(map[string][]string),
	}
}

// Attach registers a newly joined peer's connection.
func (r *Registry) Attach(peerKey string, conn transport.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[peerKey] = conn
}

// Conn returns a connected peer's connection handle.
func (r *Registry) Conn(peerKey string) (transport.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[peerKey]
	return c, ok
}

// Peers returns every currently connected peer key. The returned slice is a
// snapshot; it does not alias registry state.
func (r *Registry) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.conns))
	for k := range r.conns {
		out = append(out, k)
	}
	return out
}

// SetTimers records the cancel handles for a peer's per-connection timers,
// replacing any previous set for the same key.
func (r *Registry) SetTimers(peerKey string, t *Timers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timers[peerKey] = t
}

// RegisterResponder parks resp against peerKey. It fails if a responder is
// already registered for this peer, since only one HTTP response may be
// in flight against a given provider at a time.
func (r *Registry) RegisterResponder(peerKey string, resp Responder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.responders[peerKey]; exists {
		return ErrResponderExists
	}
	r.responders[peerKey] = resp
	return nil
}

// Responder returns the pending responder for a peer, if any.
func (r *Registry) Responder(peerKey string) (Responder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp, ok := r.responders[peerKey]
	return resp, ok
}

// RemoveResponder detaches a peer's pending responder without terminating
// it; callers that want termination should call Responder first.
func (r *Registry) RemoveResponder(peerKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.responders, peerKey)
}

// MapToken indexes an inference token to the peer that will answer it.
func (r *Registry) MapToken(token, peerKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenPeer[token] = peerKey
	r.peerTokens[peerKey] = append(r.peerTokens[peerKey], token)
}

// Route resolves an inference token to the peer key that owns it.
func (r *Registry) Route(token string) (peerKey string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peerKey, ok = r.tokenPeer[token]
	return peerKey, ok
}

// Detach performs the CLOSED transition atomically: cancels the peer's
// timers, removes its connection and every inference token mapped to it,
// and returns any pending responder so the caller can terminate it outside
// the lock.
func (r *Registry) Detach(peerKey string) (pending Responder, hadPending bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.timers[peerKey]; ok {
		t.cancelAll()
		delete(r.timers, peerKey)
	}

	delete(r.conns, peerKey)

	for _, token := range r.peerTokens[peerKey] {
		delete(r.tokenPeer, token)
	}
	delete(r.peerTokens, peerKey)

	pending, hadPending = r.responders[peerKey]
	delete(r.responders, peerKey)

	return pending, hadPending
}
