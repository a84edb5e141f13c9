package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/symmetry-network/hub/internal/log"
	"github.com/symmetry-network/hub/internal/metrics"
	"github.com/symmetry-network/hub/internal/registry"
	"github.com/symmetry-network/hub/internal/store"
	"github.com/symmetry-network/hub/internal/transport"
	"github.com/symmetry-network/hub/internal/wire"
)

type peerState int

const (
	stateOpen peerState = iota
	stateJoined
	stateClosed
)

// session is one peer connection's OPEN/JOINED/CLOSED lifecycle.
type session struct {
	dispatcher *Dispatcher
	conn       transport.Conn
	ctx        context.Context
	cancel     context.CancelFunc

	mu    sync.Mutex
	state peerState

	peerKey     string
	sessionID   uint
	rateKey     string // stand-in identity for rate limiting before join
	closeOnce   sync.Once

	pendingHealthID string
	healthAckCh     chan struct{}
}

// rateKeyFor returns the identity a peer's messages are rate-limited
// under: its peer key once joined, or a per-connection placeholder before
// that (OPEN honors only join, so the volume at risk is small either way).
func (s *session) rateKeyFor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerKey != "" {
		return s.peerKey
	}
	return s.rateKey
}

func (s *session) getState() peerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) handleMessage(raw []byte) {
	frame, err := wire.Decode(raw)
	if err != nil {
		s.handleRawBytes(raw)
		return
	}
	metrics.HandledFrames.WithLabelValues(frame.Key).Inc()

	switch s.getState() {
	case stateOpen:
		if frame.Key != wire.KeyJoin {
			logger.Debug("dropping frame before join", log.Fields{"key": frame.Key})
			return
		}
		s.handleJoin(frame)
	case stateJoined:
		s.handleJoined(frame)
	case stateClosed:
		return
	}
}

// handleRawBytes implements the raw-byte relay path: non-JSON bytes are
// forwarded to a pending HTTP responder for this peer, if one exists.
func (s *session) handleRawBytes(raw []byte) {
	if s.getState() != stateJoined {
		return
	}
	resp, ok := s.dispatcher.registry.Responder(s.peerKey)
	if !ok {
		return
	}
	if err := resp.WriteChunk(s.ctx, raw); err != nil {
		logger.Debug("responder write failed", log.Fields{"peer": s.peerKey, "error": err.Error()})
	}
}

func (s *session) handleJoined(frame wire.Frame) {
	switch frame.Key {
	case wire.KeyJoin:
		logger.Debug("ignoring duplicate join", log.Fields{"peer": s.peerKey})
	case wire.KeyChallenge:
		s.handleChallenge(frame)
	case wire.KeyConnectionSize:
		s.handleConnectionSize(frame)
	case wire.KeyRequestProvider:
		s.handleRequestProvider(frame)
	case wire.KeyVerifySession:
		s.handleVerifySession(frame)
	case wire.KeyInference:
		s.handleInference(frame)
	case wire.KeySendMetrics:
		s.handleSendMetrics(frame)
	case wire.KeyHealthCheck:
		s.handleHealthCheckAck(frame)
	case wire.KeyInferenceEnded:
		s.handleInferenceEnded()
	default:
		logger.Debug("ignoring unknown frame key", log.Fields{"key": frame.Key})
	}
}

func (s *session) handleJoin(frame wire.Frame) {
	var payload wire.JoinPayload
	if err := frame.Unmarshal(&payload); err != nil {
		logger.Warn("malformed join frame", log.Err(err))
		return
	}

	if payload.SymmetryCoreVersion == "" || versionLess(payload.SymmetryCoreVersion, s.dispatcher.minCoreVersion) {
		out, err := wire.Encode(wire.KeyVersionMismatch, wire.VersionMismatchPayload{MinVersion: s.dispatcher.minCoreVersion})
		if err == nil {
			_ = s.conn.Write(s.ctx, out)
		}
		metrics.DroppedFrames.WithLabelValues("version_mismatch").Inc()
		return
	}

	peerKey := s.conn.RemoteKey()
	if peerKey == "" {
		logger.Warn("join on a connection with no established identity", nil)
		return
	}

	peer := store.Peer{
		Key:                   peerKey,
		DiscoveryKey:          payload.DiscoveryKey,
		ModelName:             payload.ModelName,
		APIProvider:           payload.APIProvider,
		Name:                  payload.Name,
		Website:               payload.Website,
		Public:                payload.Public,
		DataCollectionEnabled: payload.DataCollectionEnabled,
		ServerKey:             payload.ServerKey,
		MaxConnections:        payload.MaxConnections,
	}
	if err := s.dispatcher.store.Peers().Upsert(s.ctx, peer); err != nil {
		logger.Error("failed to upsert peer on join", log.Err(err))
		return
	}

	sessionID, err := s.dispatcher.store.ProviderSessions().Start(s.ctx, peerKey)
	if err != nil {
		logger.Error("failed to start provider session", log.Err(err))
		return
	}

	s.mu.Lock()
	s.peerKey = peerKey
	s.sessionID = sessionID
	s.state = stateJoined
	s.mu.Unlock()

	s.dispatcher.registry.Attach(peerKey, s.conn)
	s.startTimers()

	metrics.ConnectedPeers.Inc()

	ack, err := wire.Encode(wire.KeyJoinAck, wire.JoinAckPayload{Status: "success", Key: peerKey})
	if err != nil {
		logger.Error("failed to encode joinAck", log.Err(err))
		return
	}
	_ = s.conn.Write(s.ctx, ack)
}

func (s *session) startTimers() {
	timers := &registry.Timers{}

	durationCtx, durationCancel := context.WithCancel(s.ctx)
	timers.Add(durationCancel)
	go s.durationLoop(durationCtx)

	healthCtx, healthCancel := context.WithCancel(s.ctx)
	timers.Add(healthCancel)
	go s.healthLoop(healthCtx)

	s.dispatcher.registry.SetTimers(s.peerKey, timers)
}

func (s *session) handleChallenge(frame wire.Frame) {
	var payload wire.ChallengePayload
	if err := frame.Unmarshal(&payload); err != nil {
		logger.Warn("malformed challenge frame", log.Err(err))
		return
	}

	sig := s.dispatcher.identity.Sign(payload.Challenge)
	out, err := wire.Encode(wire.KeyChallenge, wire.ChallengePayload{Signature: sig})
	if err != nil {
		logger.Error("failed to encode challenge reply", log.Err(err))
		return
	}
	_ = s.conn.Write(s.ctx, out)
}

func (s *session) handleConnectionSize(frame wire.Frame) {
	var payload wire.ConnectionSizePayload
	if err := frame.Unmarshal(&payload); err != nil {
		logger.Warn("malformed conectionSize frame", log.Err(err))
		return
	}
	if err := s.dispatcher.store.Peers().UpdateConnections(s.ctx, s.peerKey, payload.Connections); err != nil {
		logger.Error("failed to update connection count", log.Err(err))
	}
}

func (s *session) handleRequestProvider(frame wire.Frame) {
	var payload wire.RequestProviderPayload
	if err := frame.Unmarshal(&payload); err != nil {
		logger.Warn("malformed requestProvider frame", log.Err(err))
		return
	}

	peers := s.dispatcher.store.Peers()
	sessions := s.dispatcher.store.Sessions()

	for attempt := 0; attempt < matchmakingMaxAttempts; attempt++ {
		candidate, err := peers.GetRandom(s.ctx, payload.ModelName)
		if err != nil {
			logger.Error("matchmaking lookup failed", log.Err(err))
			return
		}
		if candidate == nil {
			continue
		}
		if candidate.Connections >= candidate.MaxConnections {
			metrics.MatchmakingAttempts.WithLabelValues("saturated").Inc()
			return
		}

		token, err := sessions.Create(s.ctx, candidate.DiscoveryKey)
		if err != nil {
			logger.Error("failed to create broker session", log.Err(err))
			metrics.MatchmakingAttempts.WithLabelValues("error").Inc()
			return
		}

		out, err := wire.Encode(wire.KeyProviderDetails, wire.ProviderDetailsPayload{
			ProviderID:   candidate.Key,
			SessionToken: token,
		})
		if err != nil {
			logger.Error("failed to encode providerDetails", log.Err(err))
			return
		}
		_ = s.conn.Write(s.ctx, out)
		metrics.MatchmakingAttempts.WithLabelValues("matched").Inc()
		return
	}

	metrics.MatchmakingAttempts.WithLabelValues("no_candidate").Inc()
}

func (s *session) handleVerifySession(frame wire.Frame) {
	var token string
	if err := frame.Unmarshal(&token); err != nil {
		logger.Warn("malformed verifySession frame", log.Err(err))
		return
	}

	discoveryKey, ok, err := s.dispatcher.store.Sessions().Verify(s.ctx, token)
	if err != nil {
		logger.Error("session verify failed", log.Err(err))
		return
	}
	if !ok {
		return
	}

	peer, err := s.dispatcher.store.Peers().GetByDiscoveryKey(s.ctx, discoveryKey)
	if err != nil {
		logger.Error("failed to load peer for verified session", log.Err(err))
		return
	}
	_ = s.dispatcher.store.Sessions().Extend(s.ctx, token)

	out, err := wire.Encode(wire.KeySessionValid, wire.SessionValidPayload{
		DiscoveryKey: peer.DiscoveryKey,
		ModelName:    peer.ModelName,
		Name:         peer.Name,
		Provider:     peer.APIProvider,
	})
	if err != nil {
		logger.Error("failed to encode sessionValid", log.Err(err))
		return
	}
	_ = s.conn.Write(s.ctx, out)
}

func (s *session) handleInference(frame wire.Frame) {
	var payload wire.InferencePayload
	if err := frame.Unmarshal(&payload); err != nil {
		logger.Warn("malformed inference frame", log.Err(err))
		return
	}

	s.dispatcher.registry.MapToken(payload.Key, s.peerKey)

	id, ok, err := s.dispatcher.store.ProviderSessions().ActiveSessionID(s.ctx, s.peerKey)
	if err != nil {
		logger.Error("failed to load active session", log.Err(err))
		return
	}
	if !ok {
		return
	}
	if err := s.dispatcher.store.ProviderSessions().LogRequest(s.ctx, id); err != nil {
		logger.Error("failed to log request", log.Err(err))
	}
}

func (s *session) handleSendMetrics(frame wire.Frame) {
	var snap wire.MetricsSnapshot
	if err := frame.Unmarshal(&snap); err != nil {
		logger.Warn("malformed sendMetrics frame", log.Err(err))
		return
	}

	id, ok, err := s.dispatcher.store.ProviderSessions().ActiveSessionID(s.ctx, s.peerKey)
	if err != nil {
		logger.Error("failed to load active session for metrics", log.Err(err))
		return
	}
	if !ok {
		return
	}
	if err := s.dispatcher.store.ProviderSessions().AddMetrics(s.ctx, id, snap); err != nil {
		logger.Error("failed to append metrics", log.Err(err))
	}
}

func (s *session) handleHealthCheckAck(frame wire.Frame) {
	var payload wire.HealthCheckPayload
	if err := frame.Unmarshal(&payload); err != nil {
		logger.Warn("malformed healthCheck ack", log.Err(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthAckCh != nil && payload.RequestID == s.pendingHealthID {
		close(s.healthAckCh)
		s.healthAckCh = nil
	}
}

func (s *session) handleInferenceEnded() {
	if resp, ok := s.dispatcher.registry.Responder(s.peerKey); ok {
		resp.Terminate(nil)
		s.dispatcher.registry.RemoveResponder(s.peerKey)
	}
}

// close performs the CLOSED transition: cancels timers via the registry,
// scrubs inference tokens, flushes any pending responder with a
// terminator, marks the peer offline, and ends its provider session.
func (s *session) close(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		peerKey := s.peerKey
		s.state = stateClosed
		s.mu.Unlock()

		if peerKey != "" {
			pending, hadPending := s.dispatcher.registry.Detach(peerKey)
			if hadPending {
				pending.Terminate(fmt.Errorf("peer error: %w", causeOrClosed(cause)))
			}

			ctx := context.Background()
			if err := s.dispatcher.store.Peers().SetOffline(ctx, peerKey); err != nil {
				logger.Error("failed to mark peer offline", log.Err(err))
			}
			if err := s.dispatcher.store.ProviderSessions().End(ctx, peerKey); err != nil {
				logger.Error("failed to end provider session", log.Err(err))
			}
			metrics.ConnectedPeers.Dec()
		}

		_ = s.conn.Close()
		s.cancel()
	})
}

func causeOrClosed(cause error) error {
	if cause != nil {
		return cause
	}
	return fmt.Errorf("connection closed")
}
