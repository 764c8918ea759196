package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mu     sync.Mutex
	events []struct {
		Type string
		Data interface{}
	}
}

func (m *mockPublisher) Publish(eventType string, data interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, struct {
		Type string
		Data interface{}
	}{eventType, data})
}

func (m *mockPublisher) crashEvents() []CrashEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CrashEvent
	for _, ev := range m.events {
		if ev.Type == EventServiceCrashed {
			out = append(out, ev.Data.(CrashEvent))
		}
	}
	return out
}

// writeScript drops an executable shell script into dir and returns its name.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return name
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestStartAdoptsExternallyRunningService(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := New(Config{Name: "backend", BaseURL: server.URL}, nil)

	require.True(t, s.Start(context.Background()))

	info := s.Status()
	assert.Equal(t, StatusHealthy, info.Status)
	assert.False(t, info.Managed)
	assert.Zero(t, info.PID)

	// Starting again while the service still answers is idempotent.
	require.True(t, s.Start(context.Background()))
	assert.Equal(t, StatusHealthy, s.Status().Status)
}

func TestStartFailsWhenExecutableMissing(t *testing.T) {
	s := New(Config{
		Name:         "backend",
		BaseURL:      "http://127.0.0.1:1",
		ExecName:     "does-not-exist",
		ResourcesDir: t.TempDir(),
		DevBinDir:    t.TempDir(),
	}, nil)

	require.False(t, s.Start(context.Background()))

	info := s.Status()
	assert.Equal(t, StatusStopped, info.Status)
	assert.Contains(t, info.LastError, "not found")
}

func TestStartResolvesDevBinFallback(t *testing.T) {
	devDir := t.TempDir()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Fail the adoption probe, then answer healthy once spawned.
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	exec := writeScript(t, devDir, "tome-backend", "sleep 60\n")
	s := New(Config{
		Name:           "backend",
		BaseURL:        server.URL,
		ExecName:       exec,
		ResourcesDir:   filepath.Join(t.TempDir(), "missing"),
		DevBinDir:      devDir,
		HealthInterval: 10 * time.Millisecond,
	}, nil)
	defer s.Stop()

	require.True(t, s.Start(context.Background()))

	info := s.Status()
	assert.Equal(t, StatusHealthy, info.Status)
	assert.True(t, info.Managed)
	assert.NotZero(t, info.PID)
}

func TestStartExhaustsRetriesButKeepsProcess(t *testing.T) {
	dir := t.TempDir()
	exec := writeScript(t, dir, "tome-backend", "sleep 60\n")

	s := New(Config{
		Name:             "backend",
		BaseURL:          "http://127.0.0.1:1",
		ExecName:         exec,
		ResourcesDir:     dir,
		HealthInterval:   5 * time.Millisecond,
		MaxHealthRetries: 3,
	}, nil)
	defer s.Stop()

	require.False(t, s.Start(context.Background()))

	info := s.Status()
	assert.Equal(t, StatusStarting, info.Status, "slow starter stays in starting, not stopped")
	assert.NotZero(t, info.PID, "process handle is retained after retry exhaustion")
	assert.Contains(t, info.LastError, "did not become healthy")
}

func TestStopTerminatesGracefully(t *testing.T) {
	dir := t.TempDir()
	exec := writeScript(t, dir, "tome-backend", "sleep 60\n")

	s := New(Config{
		Name:             "backend",
		BaseURL:          "http://127.0.0.1:1",
		ExecName:         exec,
		ResourcesDir:     dir,
		HealthInterval:   5 * time.Millisecond,
		MaxHealthRetries: 1,
		StopGracePeriod:  5 * time.Second,
	}, nil)

	s.Start(context.Background())
	require.NotZero(t, s.Status().PID)

	start := time.Now()
	s.Stop()
	elapsed := time.Since(start)

	info := s.Status()
	assert.Equal(t, StatusStopped, info.Status)
	assert.Zero(t, info.PID)
	assert.Less(t, elapsed, 2*time.Second, "SIGTERM should suffice, no grace wait")
}

func TestStopForceKillsAfterGracePeriod(t *testing.T) {
	dir := t.TempDir()
	exec := writeScript(t, dir, "tome-backend", "trap '' TERM\nwhile :; do sleep 1; done\n")

	s := New(Config{
		Name:             "backend",
		BaseURL:          "http://127.0.0.1:1",
		ExecName:         exec,
		ResourcesDir:     dir,
		HealthInterval:   5 * time.Millisecond,
		MaxHealthRetries: 1,
		StopGracePeriod:  200 * time.Millisecond,
	}, nil)

	s.Start(context.Background())
	require.NotZero(t, s.Status().PID)

	// Let the trap install before signalling.
	time.Sleep(100 * time.Millisecond)

	s.Stop()
	assert.Equal(t, StatusStopped, s.Status().Status)
}

func TestStopNotBlockedByOrphanedChild(t *testing.T) {
	dir := t.TempDir()
	// The background child inherits the output pipes and would keep them
	// open past its parent's death.
	exec := writeScript(t, dir, "tome-backend", "sleep 60 &\nexec sleep 60\n")

	s := New(Config{
		Name:             "backend",
		BaseURL:          "http://127.0.0.1:1",
		ExecName:         exec,
		ResourcesDir:     dir,
		HealthInterval:   5 * time.Millisecond,
		MaxHealthRetries: 1,
		StopGracePeriod:  5 * time.Second,
	}, nil)

	s.Start(context.Background())
	require.NotZero(t, s.Status().PID)

	start := time.Now()
	s.Stop()
	elapsed := time.Since(start)

	assert.Equal(t, StatusStopped, s.Status().Status)
	assert.Less(t, elapsed, 2*time.Second, "stop must not wait on the child's pipe handles")
}

func TestStopWithoutOwnedProcessIsNoOp(t *testing.T) {
	s := New(Config{Name: "backend", BaseURL: "http://127.0.0.1:1"}, nil)
	s.Stop()
	assert.Equal(t, StatusStopped, s.Status().Status)
}

func TestUnexpectedExitPushesCrashEvent(t *testing.T) {
	dir := t.TempDir()
	exec := writeScript(t, dir, "tome-backend", "exit 3\n")

	events := &mockPublisher{}
	s := New(Config{
		Name:             "backend",
		BaseURL:          "http://127.0.0.1:1",
		ExecName:         exec,
		ResourcesDir:     dir,
		HealthInterval:   5 * time.Millisecond,
		MaxHealthRetries: 2,
	}, events)

	s.Start(context.Background())

	require.True(t, waitFor(t, 3*time.Second, func() bool {
		return len(events.crashEvents()) > 0
	}), "no crash event delivered")

	crashes := events.crashEvents()
	require.Len(t, crashes, 1)
	assert.Equal(t, "backend", crashes[0].Service)
	assert.Equal(t, 3, crashes[0].ExitCode)

	info := s.Status()
	assert.Equal(t, StatusUnhealthy, info.Status)
	assert.Contains(t, info.LastError, "exited unexpectedly")
}

func TestDeliberateStopDoesNotPushCrashEvent(t *testing.T) {
	dir := t.TempDir()
	exec := writeScript(t, dir, "tome-backend", "sleep 60\n")

	events := &mockPublisher{}
	s := New(Config{
		Name:             "backend",
		BaseURL:          "http://127.0.0.1:1",
		ExecName:         exec,
		ResourcesDir:     dir,
		HealthInterval:   5 * time.Millisecond,
		MaxHealthRetries: 1,
	}, events)

	s.Start(context.Background())
	s.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, events.crashEvents())
}

func TestCheckNowTransitions(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	s := New(Config{Name: "backend", BaseURL: server.URL}, nil)
	require.True(t, s.Start(context.Background()))

	healthy.Store(false)
	assert.False(t, s.CheckNow(context.Background()))
	assert.Equal(t, StatusUnhealthy, s.Status().Status)

	healthy.Store(true)
	assert.True(t, s.CheckNow(context.Background()))
	assert.Equal(t, StatusHealthy, s.Status().Status)
}

func TestCheckNowPromotesSlowStarter(t *testing.T) {
	dir := t.TempDir()
	exec := writeScript(t, dir, "tome-backend", "sleep 60\n")

	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	s := New(Config{
		Name:             "backend",
		BaseURL:          server.URL,
		ExecName:         exec,
		ResourcesDir:     dir,
		HealthInterval:   5 * time.Millisecond,
		MaxHealthRetries: 3,
	}, nil)
	defer s.Stop()

	require.False(t, s.Start(context.Background()))
	require.Equal(t, StatusStarting, s.Status().Status)

	// The service finishes booting after the poll budget ran out.
	healthy.Store(true)
	require.True(t, s.CheckNow(context.Background()))

	info := s.Status()
	assert.Equal(t, StatusHealthy, info.Status)
	assert.Empty(t, info.LastError)
	assert.NotZero(t, info.PID, "promotion keeps the owned process")
}

func TestRestartReplacesProcess(t *testing.T) {
	dir := t.TempDir()
	exec := writeScript(t, dir, "tome-backend", "sleep 60\n")

	s := New(Config{
		Name:             "backend",
		BaseURL:          "http://127.0.0.1:1",
		ExecName:         exec,
		ResourcesDir:     dir,
		HealthInterval:   5 * time.Millisecond,
		MaxHealthRetries: 1,
	}, nil)
	defer s.Stop()

	s.Start(context.Background())
	firstPID := s.Status().PID
	require.NotZero(t, firstPID)

	s.Restart(context.Background())
	secondPID := s.Status().PID
	require.NotZero(t, secondPID)
	assert.NotEqual(t, firstPID, secondPID)
}
