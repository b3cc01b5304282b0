package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycore/internal/adapter/relaytest"
	"relaycore/internal/infra/config"
)

// writeConfig writes a config pointing every class at cachingURL with the
// store in dir.
func writeConfig(t *testing.T, dir, cachingURL string) string {
	t.Helper()
	content := fmt.Sprintf(`
endpoints:
  caching: %q
storage:
  backend: sqlite
  path: %q
logger:
  level: error
`, cachingURL, filepath.Join(dir, "settings.db"))
	path := filepath.Join(dir, "relaycore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunUsage(t *testing.T) {
	for _, args := range [][]string{nil, {"--help"}, {"help"}} {
		var out bytes.Buffer
		require.NoError(t, run(args, &out))
		assert.Contains(t, out.String(), "USAGE:")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	err := run([]string{"frobnicate"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown command "frobnicate"`)
}

func TestSubcommandHelpIsNotAnError(t *testing.T) {
	assert.NoError(t, run([]string{"query", "--help"}, &bytes.Buffer{}))
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("RELAYCORE_CONFIG", "")
	assert.Equal(t, defaultConfigPath, resolveConfigPath(""))

	t.Setenv("RELAYCORE_CONFIG", "/etc/relaycore.yaml")
	assert.Equal(t, "/etc/relaycore.yaml", resolveConfigPath(""))
	assert.Equal(t, "x.yaml", resolveConfigPath("x.yaml"))
}

func TestParseFilter(t *testing.T) {
	_, err := parseFilter("")
	assert.Error(t, err)
	_, err = parseFilter("[1,2]")
	assert.Error(t, err)

	raw, err := parseFilter(`{"kinds":[1]}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kinds":[1]}`, string(raw))
}

func TestOverrideRevertPersist(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "wss://boot.example/v1")

	var out bytes.Buffer
	require.NoError(t, run([]string{"override", "--config", cfg, "--class", "caching", "--url", "wss://pinned.example/v1"}, &out))
	assert.Contains(t, out.String(), "wss://pinned.example/v1")

	out.Reset()
	require.NoError(t, run([]string{"endpoints", "--config", cfg}, &out))
	line := lineFor(out.String(), "caching")
	assert.Contains(t, line, "wss://pinned.example/v1")
	assert.Contains(t, line, "true")

	out.Reset()
	require.NoError(t, run([]string{"revert", "--config", cfg, "--class", "caching"}, &out))
	assert.Contains(t, out.String(), "wss://boot.example/v1")
}

func TestOverrideRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "wss://boot.example/v1")

	assert.Error(t, run([]string{"override", "--config", cfg, "--class", "bogus", "--url", "wss://x.example"}, &bytes.Buffer{}))
	assert.Error(t, run([]string{"override", "--config", cfg, "--class", "caching", "--url", "http://x.example"}, &bytes.Buffer{}))
}

func TestRefreshWithoutRemoteFails(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "wss://boot.example/v1")

	err := run([]string{"refresh", "--config", cfg}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONFIG_FETCH")
}

func TestQueryAgainstRelay(t *testing.T) {
	srv := relaytest.Run(t, relaytest.Events(`{"kind":1,"content":"a"}`, `{"kind":10000100,"content":"b"}`))
	cfg := writeConfig(t, t.TempDir(), srv.URL())

	var out bytes.Buffer
	require.NoError(t, run([]string{"query", "--config", cfg, "--filter", `{"kinds":[1]}`, "--sub-id", "cli"}, &out))
	assert.Contains(t, out.String(), `"content":"a"`)
	assert.Contains(t, out.String(), `"content":"b"`)
	assert.Contains(t, out.String(), "# 1 events, 1 extended, ended by EOSE")

	err := run([]string{"query", "--config", cfg}, &bytes.Buffer{})
	assert.Error(t, err, "filter is required")
}

func lineFor(table, class string) string {
	for _, l := range strings.Split(table, "\n") {
		if strings.HasPrefix(l, class) {
			return l
		}
	}
	return ""
}

func TestStorageClosedWithRuntime(t *testing.T) {
	rt := &runtime{}
	kv, err := rt.openStorage(config.StorageConfig{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "kv", "settings.db")})
	require.NoError(t, err)
	require.Len(t, rt.closers, 1, "closer registered as soon as storage opens")

	_, _, err = kv.Get(context.Background(), "endpoint.caching.url")
	require.NoError(t, err)

	rt.close()
	_, _, err = kv.Get(context.Background(), "endpoint.caching.url")
	assert.Error(t, err)
}
