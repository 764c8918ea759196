package updates

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mu       sync.Mutex
	statuses []UpdateStatus
}

func (m *mockPublisher) Publish(eventType string, data interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := data.(UpdateStatus); ok {
		m.statuses = append(m.statuses, status)
	}
}

func (m *mockPublisher) last() (UpdateStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.statuses) == 0 {
		return UpdateStatus{}, false
	}
	return m.statuses[len(m.statuses)-1], true
}

func TestCheckForUpdateNewerVersionAvailable(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version":"1.2.0","url":"https://example.com/tome-1.2.0","releaseNotes":"Fixes"}`))
	}))
	defer feed.Close()

	events := &mockPublisher{}
	m := NewManager(feed.URL, "1.1.0", t.TempDir(), events)

	info, err := m.CheckForUpdate(context.Background())
	require.NoError(t, err)
	assert.True(t, info.Available)
	assert.Equal(t, "1.1.0", info.CurrentVersion)
	assert.Equal(t, "1.2.0", info.LatestVersion)
	assert.Equal(t, "Fixes", info.ReleaseNotes)

	last, ok := events.last()
	require.True(t, ok)
	assert.Equal(t, "available", last.Status)
}

func TestCheckForUpdateAlreadyCurrent(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version":"1.1.0","url":"https://example.com/tome-1.1.0"}`))
	}))
	defer feed.Close()

	m := NewManager(feed.URL, "1.1.0", t.TempDir(), nil)
	info, err := m.CheckForUpdate(context.Background())
	require.NoError(t, err)
	assert.False(t, info.Available)
	assert.Equal(t, "idle", m.Status().Status)
}

func TestCheckForUpdateFeedUnreachable(t *testing.T) {
	m := NewManager("http://127.0.0.1:1/latest.json", "1.0.0", t.TempDir(), nil)
	_, err := m.CheckForUpdate(context.Background())
	require.Error(t, err)
	assert.Equal(t, "error", m.Status().Status)
}

func TestDownloadWritesArtifactAndReportsProgress(t *testing.T) {
	payload := make([]byte, 256*1024)
	artifact := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer artifact.Close()

	events := &mockPublisher{}
	m := NewManager("unused", "1.0.0", t.TempDir(), events)

	info := &Info{LatestVersion: "1.2.0", DownloadURL: artifact.URL}
	path, err := m.Download(context.Background(), info)
	require.NoError(t, err)

	stat, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), stat.Size())
	assert.Equal(t, os.FileMode(0o600), stat.Mode().Perm())

	last, ok := events.last()
	require.True(t, ok)
	assert.Equal(t, "ready", last.Status)
	assert.Equal(t, 100, last.Progress)
}

func TestDownloadWithoutURL(t *testing.T) {
	m := NewManager("unused", "1.0.0", t.TempDir(), nil)
	_, err := m.Download(context.Background(), &Info{})
	assert.Error(t, err)
	_, err = m.Download(context.Background(), nil)
	assert.Error(t, err)
}
