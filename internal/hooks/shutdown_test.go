package hooks

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inercia/wsrelay/internal/config"
)

func waitDone(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestShutdownManager_RunsOnce(t *testing.T) {
	sm := NewShutdownManager()
	var mu sync.Mutex
	var reasons []string
	sm.AddCleanup(func(reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sm.Shutdown("concurrent")
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"concurrent"}, reasons)
	assert.Equal(t, "concurrent", sm.Reason())
}

func TestShutdownManager_CleanupOrder(t *testing.T) {
	sm := NewShutdownManager()
	var order []string
	for _, name := range []string{"server", "persister", "store"} {
		sm.AddCleanup(func(string) { order = append(order, name) })
	}
	assert.Empty(t, sm.Reason())

	sm.Shutdown("test")
	assert.Equal(t, []string{"server", "persister", "store"}, order)
}

func TestShutdownManager_Done(t *testing.T) {
	sm := NewShutdownManager()
	select {
	case <-sm.Done():
		t.Fatal("Done closed before Shutdown")
	default:
	}
	sm.Shutdown("test")
	waitDone(t, sm.Done(), "Done")
}

func TestShutdownManager_DownHookBeforeCleanups(t *testing.T) {
	sm := NewShutdownManager()
	marker := filepath.Join(t.TempDir(), "down")
	sm.SetHooks(nil, config.Hook{Name: "deregister", Command: "echo ${PORT} > " + marker}, "127.0.0.1:8089")

	var markerSeen bool
	sm.AddCleanup(func(string) {
		_, err := os.Stat(marker)
		markerSeen = err == nil
	})
	sm.Shutdown("test")

	assert.True(t, markerSeen, "down hook must finish before cleanups")
	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "8089\n", string(data))
}

func TestShutdownManager_StopsUpHook(t *testing.T) {
	up := StartUp(config.Hook{Command: "sleep 30"}, "127.0.0.1:1")
	require.NotNil(t, up)

	sm := NewShutdownManager()
	sm.SetHooks(up, config.Hook{}, "127.0.0.1:1")
	sm.Shutdown("test")

	waitDone(t, up.Exited(), "up hook exit")
}

func TestShutdownManager_StartThenShutdown(t *testing.T) {
	sm := NewShutdownManager()
	sm.Start()
	sm.Shutdown("manual")

	waitDone(t, sm.Done(), "Done")
	assert.Equal(t, "manual", sm.Reason())
}
