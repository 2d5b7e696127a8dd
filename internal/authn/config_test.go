package authn_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/krustbuild/krust/internal/authn"
	"github.com/krustbuild/krust/internal/logging"
)

func writeConfig(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestFileKeychainRegistryAuthFilePrecedence(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"auths":{"example.test":{"auth":"YWxpY2U6aHVudGVyMg=="}}}`)

	t.Setenv("REGISTRY_AUTH_FILE", path)
	t.Setenv("DOCKER_CONFIG", t.TempDir())

	kc, err := authn.NewFileKeychain(logging.New(0, false))
	require.NoError(t, err)

	a, err := kc.Resolve("example.test")
	require.NoError(t, err)
	cfg, err := a.Authorization()
	require.NoError(t, err)
	require.Equal(t, "alice", cfg.Username)
}

func TestFileKeychainDockerHubAliasing(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{"auths":{"registry-1.docker.io":{"auth":"YWxpY2U6aHVudGVyMg=="}}}`)
	t.Setenv("REGISTRY_AUTH_FILE", filepath.Join(dir, "config.json"))

	kc, err := authn.NewFileKeychain(logging.New(0, false))
	require.NoError(t, err)

	a, err := kc.Resolve("docker.io")
	require.NoError(t, err)
	cfg, err := a.Authorization()
	require.NoError(t, err)
	require.Equal(t, "alice", cfg.Username)
}

func TestFileKeychainMissingFileIsAnonymous(t *testing.T) {
	t.Setenv("REGISTRY_AUTH_FILE", filepath.Join(t.TempDir(), "does-not-exist.json"))

	kc, err := authn.NewFileKeychain(logging.New(0, false))
	require.NoError(t, err)

	a, err := kc.Resolve("example.test")
	require.NoError(t, err)
	_, ok := a.(*authn.Anonymous)
	require.True(t, ok)
}
