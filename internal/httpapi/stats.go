package httpapi

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/symmetry-network/hub/internal/log"
	"github.com/symmetry-network/hub/internal/store"
)

const statsInterval = 5 * time.Second

// The handshake passes through corsMiddleware, which only sets response
// headers and never rejects a request, and CheckOrigin accepts every
// origin, so the WebSocket feed performs no origin check.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// statsSnapshot is the JSON payload emitted on the stats WebSocket.
type statsSnapshot struct {
	UniquePeerCount int                 `json:"uniquePeerCount"`
	ActivePeers     int                 `json:"activePeers"`
	ActiveModels    []string            `json:"activeModels"`
	AllPeers        []store.PeerSummary `json:"allPeers"`
	Stats           store.Stats         `json:"stats"`
}

// stats implements GET /ws: it emits one snapshot immediately on connect
// and one every five seconds thereafter until the client disconnects.
func (s *Server) stats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", log.Err(err))
		return
	}
	defer conn.Close()

	ctx := r.Context()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	if !s.writeSnapshot(ctx, conn) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.writeSnapshot(ctx, conn) {
				return
			}
		}
	}
}

func (s *Server) writeSnapshot(ctx context.Context, conn *websocket.Conn) bool {
	snap, err := s.buildSnapshot(ctx)
	if err != nil {
		logger.Error("failed to build stats snapshot", log.Err(err))
		return true
	}
	if err := conn.WriteJSON(snap); err != nil {
		logger.Debug("stats websocket write failed", log.Err(err))
		return false
	}
	return true
}

func (s *Server) buildSnapshot(ctx context.Context) (statsSnapshot, error) {
	peers, err := s.store.Peers().GetAll(ctx)
	if err != nil {
		return statsSnapshot{}, err
	}

	active := 0
	modelSet := map[string]struct{}{}
	for _, p := range peers {
		if p.Online {
			active++
			modelSet[p.ModelName] = struct{}{}
		}
	}
	models := make([]string, 0, len(modelSet))
	for m := range modelSet {
		models = append(models, m)
	}
	sort.Strings(models)

	agg, err := s.store.ProviderSessions().Stats(ctx)
	if err != nil {
		return statsSnapshot{}, err
	}

	return statsSnapshot{
		UniquePeerCount: len(peers),
		ActivePeers:     active,
		ActiveModels:    models,
		AllPeers:        peers,
		Stats:           agg,
	}, nil
}
