package dispatcher

import (
	"context"
	"time"

	"github.com/symmetry-network/hub/internal/log"
	"github.com/symmetry-network/hub/internal/metrics"
	"github.com/symmetry-network/hub/internal/wire"
)

// durationLoop updates duration_minutes on the peer's open session every
// five minutes for as long as the connection lives.
func (s *session) durationLoop(ctx context.Context) {
	ticker := time.NewTicker(sessionDurationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.dispatcher.store.ProviderSessions().UpdateDuration(ctx, s.peerKey); err != nil {
				logger.Error("failed to update session duration", log.Err(err))
			}
		}
	}
}

// healthLoop runs the health-check cycle: every fifteen minutes it sends a
// healthCheck frame with a fresh request id and waits up to fifteen
// seconds for the matching ack.
func (s *session) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runHealthCheck(ctx)
		}
	}
}

func (s *session) runHealthCheck(ctx context.Context) {
	id := randomHex(16)
	ackCh := make(chan struct{})

	s.mu.Lock()
	s.pendingHealthID = id
	s.healthAckCh = ackCh
	s.mu.Unlock()

	out, err := wire.Encode(wire.KeyHealthCheck, wire.HealthCheckPayload{RequestID: id})
	if err != nil {
		logger.Error("failed to encode healthCheck", log.Err(err))
		return
	}
	if err := s.conn.Write(ctx, out); err != nil {
		return
	}

	select {
	case <-ackCh:
		if err := s.dispatcher.store.Peers().SetHealthy(ctx, s.peerKey, true); err != nil {
			logger.Error("failed to record healthy peer", log.Err(err))
		}
	case <-time.After(healthCheckTimeout):
		if err := s.dispatcher.store.Peers().SetHealthy(ctx, s.peerKey, false); err != nil {
			logger.Error("failed to record unhealthy peer", log.Err(err))
		}
		metrics.HealthCheckFailures.Inc()
		if failed, err := wire.Encode(wire.KeyHealthCheckFailed, nil); err == nil {
			_ = s.conn.Write(ctx, failed)
		}
	case <-ctx.Done():
	}
}
