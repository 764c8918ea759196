package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orcerrors "github.com/tomedesk/tome/internal/errors"
)

func TestSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/search", r.URL.Path)

		var req SearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "quarterly report", req.Query)
		assert.Equal(t, 5, req.Limit)

		_, _ = w.Write([]byte(`{"results":[{"documentId":"d1","title":"Q3 Report","snippet":"...","score":0.92}]}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	resp, err := c.Search(context.Background(), SearchRequest{Query: "quarterly report", Limit: 5})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "d1", resp.Results[0].DocumentID)
	assert.InDelta(t, 0.92, resp.Results[0].Score, 0.001)
}

func TestListDocuments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/documents", r.URL.Path)
		_, _ = w.Write([]byte(`{"documents":[{"id":"d1","title":"Manual","path":"/docs/manual.pdf","chunkCount":12}]}`))
	}))
	defer server.Close()

	docs, err := NewClient(server.URL).ListDocuments(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Manual", docs[0].Title)
	assert.Equal(t, 12, docs[0].ChunkCount)
}

func TestDeleteDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/documents/d7", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	require.NoError(t, NewClient(server.URL).DeleteDocument(context.Background(), "d7"))
}

func TestNonSuccessStatusBecomesConnectivityError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index rebuilding", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Search(context.Background(), SearchRequest{Query: "q"})
	require.Error(t, err)
	assert.Equal(t, orcerrors.KindConnectivity, orcerrors.KindOf(err))
	assert.Contains(t, err.Error(), "503")
	assert.True(t, orcerrors.IsRetryable(err))
}

func TestUnreachableBackend(t *testing.T) {
	_, err := NewClient("http://127.0.0.1:1").Search(context.Background(), SearchRequest{Query: "q"})
	require.Error(t, err)
	assert.Equal(t, orcerrors.KindConnectivity, orcerrors.KindOf(err))
}

func TestMalformedResponseBecomesProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results": [broken`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Search(context.Background(), SearchRequest{Query: "q"})
	require.Error(t, err)
	assert.Equal(t, orcerrors.KindProtocol, orcerrors.KindOf(err))
}
