package app_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/sigma-rag/internal/app"
	"github.com/DeafMist/sigma-rag/internal/config"
	"github.com/DeafMist/sigma-rag/internal/elasticsearch"
	"github.com/DeafMist/sigma-rag/internal/embedding/hashing"
	embopenai "github.com/DeafMist/sigma-rag/internal/embedding/openai"
	"github.com/DeafMist/sigma-rag/internal/vectorindex/memory"
	"github.com/DeafMist/sigma-rag/internal/vectorindex/qdrant"
)

func loadCommon(t *testing.T, env map[string]string) *config.Common {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := config.LoadCommon()
	require.NoError(t, err)
	return cfg
}

func TestNewBackendSelectsEngine(t *testing.T) {
	b, err := app.NewBackend(loadCommon(t, map[string]string{"VECTOR_BACKEND": "memory"}), nil)
	require.NoError(t, err)
	require.IsType(t, &memory.Backend{}, b)

	b, err = app.NewBackend(loadCommon(t, map[string]string{"VECTOR_BACKEND": "qdrant"}), nil)
	require.NoError(t, err)
	require.IsType(t, &qdrant.Client{}, b)

	b, err = app.NewBackend(loadCommon(t, map[string]string{"VECTOR_BACKEND": "elasticsearch"}), nil)
	require.NoError(t, err)
	require.IsType(t, &elasticsearch.Client{}, b)
}

func TestNewEmbedderSelectsProvider(t *testing.T) {
	e := app.NewEmbedder(loadCommon(t, map[string]string{"EMBEDDING_PROVIDER": "hashing", "VECTOR_DIM": "64"}))
	require.IsType(t, &hashing.Embedder{}, e)
	require.Equal(t, 64, e.Dimension())

	e = app.NewEmbedder(loadCommon(t, map[string]string{"EMBEDDING_PROVIDER": "openai", "VECTOR_DIM": "384"}))
	require.IsType(t, &embopenai.Client{}, e)
	require.Equal(t, 384, e.Dimension())
}

func TestBuildWiresServices(t *testing.T) {
	cfg := loadCommon(t, map[string]string{
		"VECTOR_BACKEND":     "memory",
		"EMBEDDING_PROVIDER": "hashing",
		"COLLECTION_NAME":    "wired",
	})
	svc, err := app.Build(cfg, nil, app.Overrides{})
	require.NoError(t, err)
	require.NotNil(t, svc.Store)
	require.NotNil(t, svc.Pipeline)
	require.Equal(t, "wired", svc.Engine.Collection())
}

func TestBuildRejectsDimensionMismatch(t *testing.T) {
	cfg := loadCommon(t, map[string]string{"VECTOR_BACKEND": "memory", "VECTOR_DIM": "384"})
	_, err := app.Build(cfg, nil, app.Overrides{Embedder: hashing.New(128)})
	require.ErrorContains(t, err, "128 dimensions")
}

func TestBuildRejectsUnknownDistance(t *testing.T) {
	cfg := loadCommon(t, map[string]string{
		"VECTOR_BACKEND":     "memory",
		"EMBEDDING_PROVIDER": "hashing",
		"VECTOR_DISTANCE":    "manhattan",
	})
	_, err := app.Build(cfg, nil, app.Overrides{})
	require.ErrorContains(t, err, "manhattan")
}
