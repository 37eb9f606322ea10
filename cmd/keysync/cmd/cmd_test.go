package cmd

import (
	"bytes"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keysync/remote/memserver"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.ExecuteContext(t.Context()), out.String())
	return out.String()
}

func TestLoginSyncAndList(t *testing.T) {
	srv := memserver.New()
	logger = newTestLogger()
	require.NoError(t, seedUser(srv, "alice"))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	common := []string{"--server-url", ts.URL, "--data-dir", t.TempDir(), "--log-level", "error"}

	out := run(t, append([]string{"login", "--user", "alice"}, common...)...)
	assert.Contains(t, out, "Signed in as alice")

	out = run(t, append([]string{"sync", "--once"}, common...)...)
	assert.Contains(t, out, "resynced=true")

	out = run(t, append([]string{"items", "--user", "alice"}, common...)...)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "KIND")
	assert.Contains(t, out, "login")
	assert.Contains(t, out, "note")
}

func TestInvalidConfigurationIsRejected(t *testing.T) {
	rootCmd.SetArgs([]string{"items", "--user", "alice", "--log-format", "xml", "--data-dir", t.TempDir()})
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	err := rootCmd.ExecuteContext(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log format")
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
