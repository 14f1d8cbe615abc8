package config

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, path string, opts ...WatcherOption) *Watcher {
	t.Helper()
	opts = append([]WatcherOption{
		WithDebounce(20 * time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	w, err := NewWatcher(path, newTestLoader(nil), opts...)
	require.NoError(t, err)
	return w
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeFile(t, t.TempDir(), "nucleus.yaml", "app:\n  name: before\n")
	changes := make(chan [2]*Config, 4)
	w := newTestWatcher(t, path, OnReload(func(prev, next *Config) {
		changes <- [2]*Config{prev, next}
	}))
	assert.Equal(t, "before", w.Current().App.Name)

	require.NoError(t, w.Start())
	defer func() { assert.NoError(t, w.Stop()) }()

	require.NoError(t, os.WriteFile(path, []byte("app:\n  name: after\n"), 0o644))

	select {
	case change := <-changes:
		assert.Equal(t, "before", change[0].App.Name)
		assert.Equal(t, "after", change[1].App.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("configuration was not reloaded")
	}
	assert.Equal(t, "after", w.Current().App.Name)
}

func TestWatcherKeepsConfigOnBadReload(t *testing.T) {
	path := writeFile(t, t.TempDir(), "nucleus.yaml", "app:\n  name: good\n")
	called := false
	w := newTestWatcher(t, path,
		OnReload(func(_, _ *Config) { panic("first reload function fails") }),
		OnReload(func(_, _ *Config) { called = true }))

	require.NoError(t, os.WriteFile(path, []byte("version: 9.0.0\n"), 0o644))
	assert.ErrorIs(t, w.Reload(), ErrUnsupportedVersion)
	assert.Equal(t, "good", w.Current().App.Name)
	assert.False(t, called)

	require.NoError(t, os.WriteFile(path, []byte("app:\n  name: fixed\n"), 0o644))
	require.NoError(t, w.Reload())
	assert.True(t, called)
	assert.Equal(t, "fixed", w.Current().App.Name)
	require.NoError(t, w.Stop())
}

func TestWatcherRejectsUnknownFormat(t *testing.T) {
	_, err := NewWatcher("nucleus.ini", nil)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = NewWatcher(writeFile(t, t.TempDir(), "bad.yaml", "version: 0.1.0\n"), nil)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}
