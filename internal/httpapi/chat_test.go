package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/symmetry-network/hub/internal/registry"
	"github.com/symmetry-network/hub/internal/store"
	"github.com/symmetry-network/hub/internal/wire"
)

type fakePeerConn struct {
	remoteKey string
	writes    chan []byte
}

func newFakePeerConn(remoteKey string) *fakePeerConn {
	return &fakePeerConn{remoteKey: remoteKey, writes: make(chan []byte, 4)}
}

func (f *fakePeerConn) RemoteKey() string                        { return f.remoteKey }
func (f *fakePeerConn) Read(ctx context.Context) ([]byte, error) { <-ctx.Done(); return nil, ctx.Err() }
func (f *fakePeerConn) Write(ctx context.Context, msg []byte) error {
	f.writes <- msg
	return nil
}
func (f *fakePeerConn) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *store.Store, *registry.Registry) {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New()
	s := New(Config{Addr: ":0", AllowedOrigins: []string{"*"}}, st, reg)
	return s, st, reg
}

func TestChatCompletionsNoProvidersAvailable(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(
		`{"sessionRequest":{"modelName":"llama3"},"data":{"messages":[{"role":"user","content":"hi"}]}}`))
	rec := httptest.NewRecorder()

	s.handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "No peers available")
}

func TestChatCompletionsRateLimitExceeded(t *testing.T) {
	s, st, _ := newTestServer(t)

	for i := 0; i < maxHTTPRequests; i++ {
		_, _, err := st.RateLimits().Increment(context.Background(), "9.9.9.9", httpRateLimitWindow)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(
		`{"sessionRequest":{"modelName":"llama3"},"data":{"messages":[]}}`))
	req.RemoteAddr = "9.9.9.9:1234"
	rec := httptest.NewRecorder()

	s.handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestChatCompletionsRelaysProviderBytes(t *testing.T) {
	s, st, reg := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, st.Peers().Upsert(ctx, store.Peer{
		Key:            "provider-key",
		DiscoveryKey:   "disco",
		ModelName:      "llama3",
		MaxConnections: 4,
		Online:         true,
	}))
	conn := newFakePeerConn("provider-key")
	reg.Attach("provider-key", conn)

	body := `{"sessionRequest":{"modelName":"llama3"},"data":{"messages":[{"role":"user","content":"hi"}]}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.handler().ServeHTTP(rec, req)
		close(done)
	}()

	var frame []byte
	select {
	case frame = <-conn.writes:
	case <-time.After(time.Second):
		t.Fatal("expected the hub to write an inference frame to the provider")
	}
	f, err := wire.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, wire.KeyInference, f.Key)

	resp, ok := reg.Responder("provider-key")
	require.True(t, ok)
	require.NoError(t, resp.WriteChunk(ctx, []byte("hello")))
	resp.Terminate(nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected the handler to return once the responder terminated")
	}

	reader := bufio.NewReader(rec.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "data: hello\n", line)
}
