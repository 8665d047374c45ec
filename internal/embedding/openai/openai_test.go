package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/sigma-rag/internal/embedding/openai"
)

func TestEmbedRestoresOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "mini", req.Model)
		require.Equal(t, []string{"a", "b"}, req.Input)

		_, _ = w.Write([]byte(`{"data":[
			{"index":1,"embedding":[0,1,0]},
			{"index":0,"embedding":[1,0,0]}
		]}`))
	}))
	defer srv.Close()

	c := openai.NewClient(openai.Config{BaseURL: srv.URL + "/v1", APIKey: "secret", Model: "mini", Dimension: 3})
	require.Equal(t, 3, c.Dimension())

	vecs, err := c.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, vecs)
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	c := openai.NewClient(openai.Config{BaseURL: srv.URL, Dimension: 3})
	_, err := c.Embed(context.Background(), []string{"a"})
	require.ErrorContains(t, err, "2 dimensions")
}

func TestEmbedSurfacesHTTPError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := openai.NewClient(openai.Config{BaseURL: srv.URL})
	_, err := c.Embed(context.Background(), []string{"a"})
	require.ErrorContains(t, err, "503")
	require.Equal(t, 1, calls)
}

func TestEmbedEmptyInput(t *testing.T) {
	c := openai.NewClient(openai.Config{BaseURL: "http://127.0.0.1:1"})
	vecs, err := c.Embed(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, vecs)
}
