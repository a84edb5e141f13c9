package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/symmetry-network/hub/internal/store"
)

func writeTestConfig(t *testing.T, dsn string) string {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	contents := fmt.Sprintf(`symmetry:
  path: %q
  publicKey: %q
  privateKey: %q
  allowedOrigins: ["*"]
  apiPort: 8080
  dsn: %q
`, dir, hex.EncodeToString(pub), hex.EncodeToString(priv), dsn)

	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestRunDeletePeerRemovesExistingPeer(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "test.sqlite")
	configPath := writeTestConfig(t, dsn)

	st, err := store.Open(dsn)
	require.NoError(t, err)
	require.NoError(t, st.Peers().Upsert(context.Background(), store.Peer{
		Key:          "peer-to-delete",
		DiscoveryKey: "disco-delete",
		ModelName:    "llama3",
	}))
	require.NoError(t, st.Close())

	require.NoError(t, runDeletePeer(configPath, "peer-to-delete"))
}

func TestRunDeletePeerMissingKeyStillSucceeds(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "test.sqlite")
	configPath := writeTestConfig(t, dsn)

	require.NoError(t, runDeletePeer(configPath, "no-such-peer"))
}

func TestRunVersionPrintsBuildVersion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, runVersion(&buf))
	require.Equal(t, version+"\n", buf.String())
}
