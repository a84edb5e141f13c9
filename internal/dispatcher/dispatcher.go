// Package dispatcher implements the peer-connection state machine: join,
// challenge, matchmaking, session verification, inference-token routing,
// metrics, health checks, and disconnect cleanup. It is the single
// consumer of the peer-transport listener's accepted connections and the
// only writer of the connection registry's connection, timer and token
// maps; pending responders are also registered and removed by the HTTP
// front door.
package dispatcher

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/symmetry-network/hub/internal/identity"
	"github.com/symmetry-network/hub/internal/log"
	"github.com/symmetry-network/hub/internal/metrics"
	"github.com/symmetry-network/hub/internal/registry"
	"github.com/symmetry-network/hub/internal/store"
	"github.com/symmetry-network/hub/internal/transport"
)

var logger = log.NewScoped("dispatcher")

const (
	sessionDurationInterval = 5 * time.Minute
	healthCheckInterval     = 15 * time.Minute
	healthCheckTimeout      = 15 * time.Second

	matchmakingMaxAttempts = 5

	perPeerRateLimit  = 500
	perPeerRateWindow = 60 * time.Second
)

// Dispatcher owns the shared state a peer connection's handlers need: the
// store, the connection registry, and the hub's own identity for signing
// challenges.
type Dispatcher struct {
	store    *store.Store
	registry *registry.Registry
	identity *identity.Identity

	minCoreVersion string

	rateLimiter *lru.LRU[string, *rateCounter]
}

// New builds a Dispatcher. minCoreVersion is the lowest symmetryCoreVersion
// a joining peer may advertise; peers below it are told versionMismatch
// and never transition out of OPEN.
func New(st *store.Store, reg *registry.Registry, id *identity.Identity, minCoreVersion string) *Dispatcher {
	return &Dispatcher{
		store:          st,
		registry:       reg,
		identity:       id,
		minCoreVersion: minCoreVersion,
		rateLimiter:    lru.NewLRU[string, *rateCounter](4096, nil, perPeerRateWindow),
	}
}

// Handle runs one connection's lifecycle to completion: OPEN until join,
// JOINED until close or a fatal transport error, then CLOSED. It returns
// once the connection has been fully torn down.
func (d *Dispatcher) Handle(conn transport.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		dispatcher: d,
		conn:       conn,
		state:      stateOpen,
		ctx:        ctx,
		cancel:     cancel,
		rateKey:    randomHex(8),
	}
	defer s.close(nil)

	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			s.close(err)
			return
		}

		if !d.allow(s.rateKeyFor()) {
			metrics.DroppedFrames.WithLabelValues("rate_limited").Inc()
			logger.Warn("dropping frame over per-peer rate limit", log.Fields{"peer": s.rateKeyFor()})
			continue
		}

		s.handleMessage(msg)
	}
}
