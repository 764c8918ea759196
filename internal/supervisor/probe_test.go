package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeParsesCapabilityList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:8b"},{"name":"nomic-embed-text"}]}`))
	}))
	defer server.Close()

	p := NewHealthProbe("llm", server.URL, time.Minute)
	require.True(t, p.Check(context.Background()))

	assert.True(t, p.Healthy())
	assert.Equal(t, []string{"llama3:8b", "nomic-embed-text"}, p.Models())
	assert.True(t, p.HasModel("llama3:8b"))
	assert.False(t, p.HasModel("gpt-5"))
}

func TestProbeUnreachableIsUnhealthy(t *testing.T) {
	p := NewHealthProbe("llm", "http://127.0.0.1:1", time.Minute)
	assert.False(t, p.Check(context.Background()))
	assert.False(t, p.Healthy())
	assert.Empty(t, p.Models())
}

func TestProbeReachableButUnparseableStaysHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	p := NewHealthProbe("llm", server.URL, time.Minute)
	assert.True(t, p.Check(context.Background()))
	assert.True(t, p.Healthy())
}

func TestProbeRecovery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))

	p := NewHealthProbe("llm", server.URL, time.Minute)
	require.True(t, p.Check(context.Background()))

	server.Close()
	assert.False(t, p.Check(context.Background()))
	assert.False(t, p.Healthy())
}

func TestProbeStatusShape(t *testing.T) {
	p := NewHealthProbe("llm", "http://127.0.0.1:11434", time.Minute)

	info := p.Status()
	assert.Equal(t, "llm", info.Name)
	assert.Equal(t, StatusUnhealthy, info.Status)
	assert.False(t, info.Managed)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer server.Close()

	p2 := NewHealthProbe("llm", server.URL, time.Minute)
	p2.Check(context.Background())
	assert.Equal(t, StatusHealthy, p2.Status().Status)
}
