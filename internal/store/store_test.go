package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPeerUpsertRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	peers := s.Peers()

	require.NoError(t, peers.Upsert(ctx, Peer{
		Key:            "aa",
		DiscoveryKey:   "dd",
		ModelName:      "llama3",
		MaxConnections: 4,
	}))

	got, err := peers.GetByKey(ctx, "aa")
	require.NoError(t, err)
	require.Equal(t, "llama3", got.ModelName)
	require.True(t, got.Online)
	require.Equal(t, 0, got.Connections)

	require.NoError(t, peers.UpdateConnections(ctx, "aa", 2))

	require.NoError(t, peers.Upsert(ctx, Peer{
		Key:            "aa",
		DiscoveryKey:   "dd",
		ModelName:      "llama3",
		MaxConnections: 4,
	}))
	got, err = peers.GetByKey(ctx, "aa")
	require.NoError(t, err)
	require.Equal(t, 2, got.Connections, "connections must survive a re-join upsert")
}

func TestPeerGetRandomFiltersByOnlineAndModel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	peers := s.Peers()

	require.NoError(t, peers.Upsert(ctx, Peer{Key: "online-match", DiscoveryKey: "d1", ModelName: "llama3"}))
	require.NoError(t, peers.Upsert(ctx, Peer{Key: "wrong-model", DiscoveryKey: "d2", ModelName: "mistral"}))
	require.NoError(t, peers.Upsert(ctx, Peer{Key: "offline-match", DiscoveryKey: "d3", ModelName: "llama3"}))
	require.NoError(t, peers.SetOffline(ctx, "offline-match"))

	got, err := peers.GetRandom(ctx, "llama3")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "online-match", got.Key)

	none, err := peers.GetRandom(ctx, "does-not-exist")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestPeerResetAllConnections(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	peers := s.Peers()

	require.NoError(t, peers.Upsert(ctx, Peer{Key: "a", DiscoveryKey: "da", ModelName: "m"}))
	require.NoError(t, peers.UpdateConnections(ctx, "a", 3))

	require.NoError(t, peers.ResetAllConnections(ctx))

	got, err := peers.GetByKey(ctx, "a")
	require.NoError(t, err)
	require.False(t, got.Online)
	require.Equal(t, 0, got.Connections)
}

func TestPeerDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	peers := s.Peers()

	require.NoError(t, peers.Upsert(ctx, Peer{Key: "a", DiscoveryKey: "da", ModelName: "m"}))

	deleted, err := peers.Delete(ctx, "a")
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = peers.Delete(ctx, "a")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestSessionCreateVerifyExtendDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sessions := s.Sessions()

	token, err := sessions.Create(ctx, "discovery-key")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	dk, ok, err := sessions.Verify(ctx, token)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "discovery-key", dk)

	require.NoError(t, sessions.Extend(ctx, token))

	deleted, err := sessions.Delete(ctx, token)
	require.NoError(t, err)
	require.True(t, deleted)

	_, ok, err = sessions.Verify(ctx, token)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSessionVerifyExpires(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sessions := s.Sessions()

	token, err := sessions.Create(ctx, "dk")
	require.NoError(t, err)

	require.NoError(t, s.db.Model(&BrokerSession{}).Where("id = ?", token).
		Update("expires_at", time.Now().Add(-time.Minute)).Error)

	_, ok, err := sessions.Verify(ctx, token)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProviderSessionSingleOpenPerPeer(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ps := s.ProviderSessions()

	id, err := ps.Start(ctx, "peer-a")
	require.NoError(t, err)

	activeID, ok, err := ps.ActiveSessionID(ctx, "peer-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, activeID)

	require.NoError(t, ps.LogRequest(ctx, id))
	require.NoError(t, ps.End(ctx, "peer-a"))

	_, ok, err = ps.ActiveSessionID(ctx, "peer-a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProviderSessionEndOrphans(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ps := s.ProviderSessions()

	_, err := ps.Start(ctx, "peer-a")
	require.NoError(t, err)
	_, err = ps.Start(ctx, "peer-b")
	require.NoError(t, err)

	require.NoError(t, ps.EndOrphans(ctx))

	_, ok, err := ps.ActiveSessionID(ctx, "peer-a")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = ps.ActiveSessionID(ctx, "peer-b")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRateLimitFixedWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rl := s.RateLimits()

	_, ok, err := rl.Get(ctx, "1.2.3.4", time.Hour)
	require.NoError(t, err)
	require.False(t, ok)

	var count int
	for i := 0; i < 3; i++ {
		count, _, err = rl.Increment(ctx, "1.2.3.4", time.Hour)
		require.NoError(t, err)
	}
	require.Equal(t, 3, count)

	got, ok, err := rl.Get(ctx, "1.2.3.4", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, got)

	_, ok, err = rl.Get(ctx, "1.2.3.4", -time.Second)
	require.NoError(t, err)
	require.False(t, ok, "a negative window should treat every row as stale")
}

func TestRateLimitIncrementResetsAfterWindowRollover(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rl := s.RateLimits()

	var count int
	var err error
	for i := 0; i < 100; i++ {
		count, _, err = rl.Increment(ctx, "5.6.7.8", time.Hour)
		require.NoError(t, err)
	}
	require.Equal(t, 100, count)

	require.NoError(t, rl.db.WithContext(ctx).Model(&IPMessage{}).
		Where("ip_address = ?", "5.6.7.8").
		Update("last_seen", time.Now().Add(-2*time.Hour)).Error)

	_, ok, err := rl.Get(ctx, "5.6.7.8", time.Hour)
	require.NoError(t, err)
	require.False(t, ok, "a row whose last_seen fell outside the window should report as empty")

	count, _, err = rl.Increment(ctx, "5.6.7.8", time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, count, "incrementing a stale row should reset the count instead of continuing from 100")
}
