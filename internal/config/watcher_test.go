package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kapten.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"gateway": {"port": 8081, "shared_secret": "0123456789abcdef0123"}}`), 0600))

	var mu sync.Mutex
	var reloads []*Config
	w, err := NewWatcher(NewLoader(path), zerolog.Nop(), func(cfg *Config) {
		mu.Lock()
		reloads = append(reloads, cfg)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	// Several rapid writes collapse into a single reload.
	for _, port := range []string{"9090", "9091", "9092"} {
		content := `{"gateway": {"port": ` + port + `, "shared_secret": "0123456789abcdef0123"}}`
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reloads) > 0
	}, 3*time.Second, 50*time.Millisecond)

	// Let any stray debounce timers fire before counting.
	time.Sleep(700 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, reloads, 1)
	assert.Equal(t, 9092, reloads[0].Gateway.Port)
}

func TestWatcherKeepsPreviousConfigOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kapten.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"gateway": {"shared_secret": "0123456789abcdef0123"}}`), 0600))

	var mu sync.Mutex
	reloaded := 0
	w, err := NewWatcher(NewLoader(path), zerolog.Nop(), func(*Config) {
		mu.Lock()
		reloaded++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0600))

	time.Sleep(time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, reloaded, "invalid config never reaches the callback")
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kapten.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"gateway": {"shared_secret": "0123456789abcdef0123"}}`), 0600))

	var mu sync.Mutex
	reloaded := 0
	w, err := NewWatcher(NewLoader(path), zerolog.Nop(), func(*Config) {
		mu.Lock()
		reloaded++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0600))

	time.Sleep(time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, reloaded)
}
