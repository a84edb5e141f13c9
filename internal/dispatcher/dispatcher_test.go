package dispatcher

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/symmetry-network/hub/internal/identity"
	"github.com/symmetry-network/hub/internal/registry"
	"github.com/symmetry-network/hub/internal/store"
	"github.com/symmetry-network/hub/internal/wire"
)

type fakeConn struct {
	remoteKey string
	writes    chan []byte
	closed    chan struct{}
}

func newFakeConn(remoteKey string) *fakeConn {
	return &fakeConn{remoteKey: remoteKey, writes: make(chan []byte, 8), closed: make(chan struct{})}
}

func (f *fakeConn) RemoteKey() string                             { return f.remoteKey }
func (f *fakeConn) Read(ctx context.Context) ([]byte, error)      { <-ctx.Done(); return nil, ctx.Err() }
func (f *fakeConn) Write(ctx context.Context, msg []byte) error {
	select {
	case f.writes <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (f *fakeConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	id, err := identity.FromHex(hex.EncodeToString(pub), hex.EncodeToString(priv))
	require.NoError(t, err)

	return New(st, registry.New(), id, "1.0.0")
}

func newTestSession(t *testing.T, d *Dispatcher, remoteKey string) (*session, *fakeConn) {
	t.Helper()
	conn := newFakeConn(remoteKey)
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{dispatcher: d, conn: conn, state: stateOpen, ctx: ctx, cancel: cancel, rateKey: "test"}
	t.Cleanup(cancel)
	return s, conn
}

func joinFrame(t *testing.T, payload wire.JoinPayload) wire.Frame {
	t.Helper()
	raw, err := wire.Encode(wire.KeyJoin, payload)
	require.NoError(t, err)
	f, err := wire.Decode(raw)
	require.NoError(t, err)
	return f
}

func TestJoinUpsertsPeerAndSendsAck(t *testing.T) {
	d := newTestDispatcher(t)
	s, conn := newTestSession(t, d, "peer-key-a")

	s.handleJoin(joinFrame(t, wire.JoinPayload{
		DiscoveryKey:        "disco-a",
		ModelName:           "llama3",
		MaxConnections:      4,
		SymmetryCoreVersion: "1.2.0",
	}))

	require.Equal(t, stateJoined, s.getState())

	select {
	case msg := <-conn.writes:
		frame, err := wire.Decode(msg)
		require.NoError(t, err)
		require.Equal(t, wire.KeyJoinAck, frame.Key)
	case <-time.After(time.Second):
		t.Fatal("expected a joinAck")
	}

	peer, err := d.store.Peers().GetByKey(context.Background(), "peer-key-a")
	require.NoError(t, err)
	require.True(t, peer.Online)
	require.Equal(t, "llama3", peer.ModelName)

	_, ok, err := d.store.ProviderSessions().ActiveSessionID(context.Background(), "peer-key-a")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestJoinVersionMismatchDoesNotTransition(t *testing.T) {
	d := newTestDispatcher(t)
	s, conn := newTestSession(t, d, "peer-key-b")

	s.handleJoin(joinFrame(t, wire.JoinPayload{
		DiscoveryKey:        "disco-b",
		ModelName:           "llama3",
		SymmetryCoreVersion: "0.9.0",
	}))

	require.Equal(t, stateOpen, s.getState())

	select {
	case msg := <-conn.writes:
		frame, err := wire.Decode(msg)
		require.NoError(t, err)
		require.Equal(t, wire.KeyVersionMismatch, frame.Key)
	case <-time.After(time.Second):
		t.Fatal("expected a versionMismatch")
	}

	_, err := d.store.Peers().GetByKey(context.Background(), "peer-key-b")
	require.Error(t, err, "no peer row should be written for a mismatched join")
}

func TestMatchmakingReturnsProviderDetails(t *testing.T) {
	d := newTestDispatcher(t)

	provider, providerConn := newTestSession(t, d, "provider-key")
	provider.handleJoin(joinFrame(t, wire.JoinPayload{
		DiscoveryKey:        "provider-disco",
		ModelName:           "llama3",
		MaxConnections:      4,
		SymmetryCoreVersion: "1.2.0",
	}))
	<-providerConn.writes // drain joinAck

	consumer, consumerConn := newTestSession(t, d, "consumer-key")
	consumer.handleJoin(joinFrame(t, wire.JoinPayload{
		DiscoveryKey:        "consumer-disco",
		ModelName:           "n/a",
		SymmetryCoreVersion: "1.2.0",
	}))
	<-consumerConn.writes // drain joinAck

	raw, err := wire.Encode(wire.KeyRequestProvider, wire.RequestProviderPayload{ModelName: "llama3"})
	require.NoError(t, err)
	frame, err := wire.Decode(raw)
	require.NoError(t, err)
	consumer.handleRequestProvider(frame)

	select {
	case msg := <-consumerConn.writes:
		out, err := wire.Decode(msg)
		require.NoError(t, err)
		require.Equal(t, wire.KeyProviderDetails, out.Key)
		var details wire.ProviderDetailsPayload
		require.NoError(t, out.Unmarshal(&details))
		require.Equal(t, "provider-key", details.ProviderID)
		require.NotEmpty(t, details.SessionToken)
	case <-time.After(time.Second):
		t.Fatal("expected providerDetails")
	}
}

func TestMatchmakingSaturatedProviderFailsFast(t *testing.T) {
	d := newTestDispatcher(t)

	provider, providerConn := newTestSession(t, d, "saturated-provider")
	provider.handleJoin(joinFrame(t, wire.JoinPayload{
		DiscoveryKey:        "saturated-disco",
		ModelName:           "llama3",
		MaxConnections:      1,
		SymmetryCoreVersion: "1.2.0",
	}))
	<-providerConn.writes

	raw, err := wire.Encode(wire.KeyConnectionSize, wire.ConnectionSizePayload{Connections: 1})
	require.NoError(t, err)
	frame, err := wire.Decode(raw)
	require.NoError(t, err)
	provider.handleConnectionSize(frame)

	consumer, consumerConn := newTestSession(t, d, "consumer-key-2")
	consumer.handleJoin(joinFrame(t, wire.JoinPayload{
		DiscoveryKey:        "consumer-disco-2",
		ModelName:           "n/a",
		SymmetryCoreVersion: "1.2.0",
	}))
	<-consumerConn.writes

	reqRaw, err := wire.Encode(wire.KeyRequestProvider, wire.RequestProviderPayload{ModelName: "llama3"})
	require.NoError(t, err)
	reqFrame, err := wire.Decode(reqRaw)
	require.NoError(t, err)
	consumer.handleRequestProvider(reqFrame)

	select {
	case msg := <-consumerConn.writes:
		t.Fatalf("expected silence on a saturated provider, got %s", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDisconnectMarksPeerOfflineAndEndsSession(t *testing.T) {
	d := newTestDispatcher(t)
	s, conn := newTestSession(t, d, "peer-key-c")

	s.handleJoin(joinFrame(t, wire.JoinPayload{
		DiscoveryKey:        "disco-c",
		ModelName:           "llama3",
		SymmetryCoreVersion: "1.2.0",
	}))
	<-conn.writes

	s.dispatcher.registry.MapToken("tok-c", "peer-key-c")

	s.close(nil)

	peer, err := d.store.Peers().GetByKey(context.Background(), "peer-key-c")
	require.NoError(t, err)
	require.False(t, peer.Online)

	_, ok, err := d.store.ProviderSessions().ActiveSessionID(context.Background(), "peer-key-c")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok = d.registry.Route("tok-c")
	require.False(t, ok)
}

func TestPerPeerRateLimit(t *testing.T) {
	d := newTestDispatcher(t)

	for i := 0; i < perPeerRateLimit; i++ {
		require.True(t, d.allow("peer-x"))
	}
	require.False(t, d.allow("peer-x"), "the 501st message within the window must be dropped")
}
