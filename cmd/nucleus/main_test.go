package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/nucleus/core"
)

func newTestScheduler(t *testing.T) *core.Scheduler {
	t.Helper()

	opts := core.DefaultSchedulerOptions()
	opts.MaxDispatchers = 4
	opts.AutoShutdown = false
	opts.LockOSThread = false
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := core.NewScheduler(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestCalcPi(t *testing.T) {
	s := newTestScheduler(t)

	pi, took, err := calcPi(context.Background(), s, 2000, 100, 4)
	require.NoError(t, err)
	assert.InDelta(t, math.Pi, pi, 1e-3)
	assert.Positive(t, took)

	_, _, err = calcPi(context.Background(), s, 10, 100, 0)
	assert.Error(t, err)
}

func TestPingPong(t *testing.T) {
	s := newTestScheduler(t)

	took, err := pingPong(context.Background(), s, 3, 200)
	require.NoError(t, err)
	assert.Positive(t, took)
	assert.Empty(t, s.DeadLetters())
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nucleus.yaml")
	body := "app:\n  name: cli-test\nlog:\n  output: stderr\nscheduler:\n  max_dispatchers: 2\n  lock_os_thread: false\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newCommand()
	cmd.Writer = &out
	err := cmd.Run(context.Background(), append([]string{"nucleus"}, args...))
	return out.String(), err
}

func TestConfigCommand(t *testing.T) {
	path := writeConfig(t)

	out, err := run(t, "--config", path, "--log-level", "debug", "config", "--format", "json")
	require.NoError(t, err)

	var dump map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &dump))
	assert.Equal(t, "cli-test", dump["app"].(map[string]any)["name"])
	assert.Equal(t, "debug", dump["log"].(map[string]any)["level"])
	assert.EqualValues(t, 2, dump["scheduler"].(map[string]any)["max_dispatchers"])

	out, err = run(t, "--config", path, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "name: cli-test")
	assert.Contains(t, out, "max_dispatchers: 2")

	_, err = run(t, "--config", path, "config", "--format", "toml")
	assert.ErrorContains(t, err, "unknown format")

	_, err = run(t, "--config", path, "--log-level", "loud", "config")
	assert.Error(t, err)
}

func TestPiCommand(t *testing.T) {
	path := writeConfig(t)

	out, err := run(t, "--config", path, "--log-level", "error",
		"pi", "--messages", "400", "--step", "50", "--cells", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "PI: 3.14")
	assert.Contains(t, out, "TIM (2)")
	assert.Contains(t, out, "dispatchers:")
}
