package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"megacity-metro/internal/config"
	"megacity-metro/internal/observability/logging"
	"megacity-metro/internal/testsupport/redisstub"
)

func testConfig() config.Config {
	return config.Config{
		Enabled:         true,
		Host:            "127.0.0.1",
		Port:            0,
		Name:            "Megacity",
		Project:         "megacity-metro",
		Version:         "test",
		ShutdownTimeout: time.Second,
		ProbeTimeout:    time.Second,
	}
}

func startApp(t *testing.T, cfg config.Config) *app {
	t.Helper()
	a, err := build(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, a.server.Start())
	t.Cleanup(func() {
		_ = a.server.Stop(context.Background())
		a.close()
	})
	return a
}

func get(t *testing.T, a *app, path string) (*http.Response, []byte) {
	t.Helper()
	res, err := http.Get("http://" + a.server.Addr().String() + path)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, body
}

func TestBuildServesMetricsDocument(t *testing.T) {
	a := startApp(t, testConfig())

	get(t, a, "/healthz")
	res, body := get(t, a, "/metrics")
	require.Equal(t, http.StatusOK, res.StatusCode)

	var doc map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &doc))
	tree, ok := doc["Megacity"]
	require.True(t, ok, string(body))
	assert.Contains(t, tree, "info")
	assert.Contains(t, tree, "server")
	assert.NotContains(t, tree, "dependencies")

	var info map[string]any
	require.NoError(t, json.Unmarshal(tree["info"], &info))
	assert.Equal(t, "Megacity", info["serverName"])
	assert.Equal(t, "megacity-metro", info["project"])

	var stats struct {
		Requests struct {
			Total  int                        `json:"total"`
			Routes map[string]json.RawMessage `json:"routes"`
		} `json:"requests"`
	}
	require.NoError(t, json.Unmarshal(tree["server"], &stats))
	assert.Equal(t, 1, stats.Requests.Total)
	assert.Contains(t, stats.Requests.Routes, "GET /healthz")
}

func TestBuildServesHealthAndPrometheus(t *testing.T) {
	a := startApp(t, testConfig())

	res, body := get(t, a, healthPath)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	res, body = get(t, a, prometheusPath)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/plain")
	assert.Contains(t, string(body), `megacity_http_requests_total{method="GET",route="/healthz",status="200"} 1`)
}

func TestBuildRegistersRedisProbe(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stub.Close() })

	cfg := testConfig()
	cfg.Redis.Addr = stub.Addr()
	a := startApp(t, cfg)

	_, body := get(t, a, "/metrics")
	var doc map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &doc))
	var dependencies map[string]map[string]any
	require.NoError(t, json.Unmarshal(doc["Megacity"]["dependencies"], &dependencies))
	redis := dependencies["redis"]
	assert.Equal(t, "ok", redis["status"])
	assert.Equal(t, "7.2.4", redis["version"])
}

func TestRunDisabledNeverBinds(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	var logs bytes.Buffer
	err := run(context.Background(), cfg, logging.New(logging.Config{Writer: &logs}))
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "metrics server disabled")
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, testConfig(), logging.Discard())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRootCommandDisabled(t *testing.T) {
	cmd := newRootCommand()
	var stderr bytes.Buffer
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"--enabled=false", "--log-format=text"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, stderr.String(), "metrics server disabled")
}

func TestRootCommandRejectsInvalidPort(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetErr(io.Discard)
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"--port=70000"})

	err := cmd.Execute()
	assert.ErrorContains(t, err, "port 70000 out of range")
}
