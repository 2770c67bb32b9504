package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigValid(t *testing.T) {
	path := writeConfig(t, `
proxies:
  - mode: simple-client
    listen: "127.0.0.1:9050"
    target: "127.0.0.1:9051"
    protocol: xorstream
    key: "aabbcc"
  - mode: socks-client
    listen: "127.0.0.1:1080"
    protocol: identity
`)
	entries, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.Equal(t, ModeSimpleClient, entries[0].Mode)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC}, entries[0].Key)

	require.Equal(t, ModeSocksClient, entries[1].Mode)
	require.Empty(t, entries[1].TargetAddr)
}

func TestLoadConfigRejectsDuplicateListen(t *testing.T) {
	path := writeConfig(t, `
proxies:
  - mode: simple-client
    listen: "127.0.0.1:9050"
    target: "127.0.0.1:9051"
    protocol: identity
  - mode: simple-server
    listen: "127.0.0.1:9050"
    target: "127.0.0.1:9052"
    protocol: identity
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigRejectsBadMode(t *testing.T) {
	path := writeConfig(t, `
proxies:
  - mode: teleport
    listen: "127.0.0.1:9050"
    target: "127.0.0.1:9051"
    protocol: identity
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigRejectsTargetOnSocksClient(t *testing.T) {
	path := writeConfig(t, `
proxies:
  - mode: socks-client
    listen: "127.0.0.1:1080"
    target: "127.0.0.1:1"
    protocol: identity
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigRejectsBadHexKey(t *testing.T) {
	path := writeConfig(t, `
proxies:
  - mode: simple-client
    listen: "127.0.0.1:9050"
    target: "127.0.0.1:9051"
    protocol: xorstream
    key: "not-hex"
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigRejectsEmpty(t *testing.T) {
	path := writeConfig(t, `proxies: []`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
