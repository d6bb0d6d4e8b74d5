// ABOUTME: Tests for the lane-gateway CLI: logger setup, client calls, and submit
// ABOUTME: Client tests run against a real gateway handler behind httptest

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/lane-gateway/internal/config"
	"github.com/2389/lane-gateway/internal/gateway"
)

func init() {
	color.NoColor = true
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "lane", "main")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"lane":"main"`)
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)

	logger.With("component", "scheduler").WithGroup("run").Debug("dispatched", "id", "r1")
	logger.Error("failed", slog.Group("lane", "name", "main"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "DBG dispatched")
	assert.Contains(t, lines[0], "component=scheduler")
	assert.Contains(t, lines[0], "run.id=r1")
	assert.Contains(t, lines[1], "ERR failed")
	assert.Contains(t, lines[1], "lane.name=main")
}

func TestBaseURL(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{HTTPAddr: "localhost:8080"}}
	assert.Equal(t, "http://localhost:8080", baseURL(cfg))

	cfg.Tailscale = config.TailscaleConfig{Enabled: true, Hostname: "lanes"}
	assert.Equal(t, "http://lanes", baseURL(cfg))

	cfg.Tailscale.HTTPS = true
	assert.Equal(t, "https://lanes", baseURL(cfg))
}

// newTestServer starts a gateway handler behind httptest with an echo engine.
func newTestServer(t *testing.T, delay time.Duration) *client {
	t.Helper()

	cfg := &config.Config{Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"}}
	cfg.ApplyDefaults()
	cfg.Agent.Delay = delay
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engines, err := newEngineRegistry(cfg, logger)
	require.NoError(t, err)

	gw, err := gateway.New(cfg, engines, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return newClient(srv.URL, srv.Client())
}

func runSubmitCmd(t *testing.T, c *client, opts *submitOptions) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())
	err := runSubmit(cmd, c, opts)
	return out.String(), err
}

func TestRunSubmit_Wait(t *testing.T) {
	c := newTestServer(t, 0)

	out, err := runSubmitCmd(t, c, &submitOptions{
		session: "cli",
		body:    "hello",
		wait:    true,
		timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "accepted")
	assert.Contains(t, out, ": ok")
}

func TestRunSubmit_Idempotent(t *testing.T) {
	c := newTestServer(t, 0)
	opts := &submitOptions{session: "cli", body: "hello", idempotencyKey: "k1"}

	first, err := runSubmitCmd(t, c, opts)
	require.NoError(t, err)
	second, err := runSubmitCmd(t, c, opts)
	require.NoError(t, err)

	assert.Contains(t, second, "(cached)")
	runID := strings.Fields(first)[1]
	assert.Contains(t, second, runID)
}

func TestRunSubmit_Timeout(t *testing.T) {
	c := newTestServer(t, time.Second)

	out, err := runSubmitCmd(t, c, &submitOptions{
		session: "cli",
		body:    "slow",
		wait:    true,
		timeout: 20 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, out, ": timeout")
}

func TestRunSubmit_Rejected(t *testing.T) {
	c := newTestServer(t, 0)

	_, err := runSubmitCmd(t, c, &submitOptions{session: "", body: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestClientLanes(t *testing.T) {
	c := newTestServer(t, 0)

	lanes, err := c.lanes(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	printLanes(&buf, lanes)
	assert.Contains(t, buf.String(), "LANE")
	assert.Contains(t, buf.String(), "subagent")
}

func TestClientGet_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, srv.Client()).get(context.Background(), "/health/ready")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503: shutting down")
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"init", "--config", path})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Config written to "+path)

	_, err := config.Load(path)
	require.NoError(t, err)

	root = newRootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"init", "--config", path})
	err = root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")
}

func TestVersionFlag(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), version)
}
