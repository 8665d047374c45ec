package elasticsearch_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/sigma-rag/internal/elasticsearch"
	"github.com/DeafMist/sigma-rag/internal/models"
	"github.com/DeafMist/sigma-rag/internal/vectorindex"
)

// fakeES implements the few endpoints the vector backend uses.
type fakeES struct {
	mu       sync.Mutex
	mappings map[string]json.RawMessage
	docs     []map[string]any
	bulkFail bool
}

func newFakeES() *fakeES {
	return &fakeES{mappings: map[string]json.RawMessage{}}
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	path := strings.Trim(r.URL.Path, "/")
	parts := strings.Split(path, "/")

	switch {
	case path == "_cluster/health":
		_, _ = w.Write([]byte(`{"status":"green"}`))
	case path == "_bulk":
		scanner := bufio.NewScanner(r.Body)
		scanner.Buffer(make([]byte, 1<<20), 1<<20)
		var items []string
		for scanner.Scan() {
			var action map[string]map[string]any
			_ = json.Unmarshal(scanner.Bytes(), &action)
			if !scanner.Scan() {
				break
			}
			var doc map[string]any
			_ = json.Unmarshal(scanner.Bytes(), &doc)
			id := action["index"]["_id"].(string)
			if f.bulkFail {
				items = append(items, `{"index":{"_id":"`+id+`","status":400,"error":{"type":"mapper_parsing_exception"}}}`)
				continue
			}
			f.docs = append(f.docs, doc)
			items = append(items, `{"index":{"_id":"`+id+`","status":201}}`)
		}
		errs := "false"
		if f.bulkFail {
			errs = "true"
		}
		_, _ = w.Write([]byte(`{"errors":` + errs + `,"items":[` + strings.Join(items, ",") + `]}`))
	case len(parts) == 1 && r.Method == http.MethodHead:
		if _, ok := f.mappings[parts[0]]; ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	case len(parts) == 1 && r.Method == http.MethodPut:
		if _, ok := f.mappings[parts[0]]; ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"type":"resource_already_exists_exception"},"status":400}`))
			return
		}
		var body struct {
			Mappings json.RawMessage `json:"mappings"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mappings[parts[0]] = body.Mappings
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if _, ok := f.mappings[parts[0]]; !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"index_not_found_exception"},"status":404}`))
			return
		}
		delete(f.mappings, parts[0])
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	case len(parts) == 2 && parts[1] == "_mapping":
		m, ok := f.mappings[parts[0]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"index_not_found_exception"},"status":404}`))
			return
		}
		_, _ = w.Write([]byte(`{"` + parts[0] + `":{"mappings":` + string(m) + `}}`))
	case len(parts) == 2 && parts[1] == "_search":
		var body struct {
			Knn struct {
				Field string `json:"field"`
				K     int    `json:"k"`
			} `json:"knn"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		hits := make([]map[string]any, 0, len(f.docs))
		for i, d := range f.docs {
			if i >= body.Knn.K {
				break
			}
			hits = append(hits, map[string]any{"_id": d["id"], "_score": 1.0 - float64(i)*0.1, "_source": d})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"hits": map[string]any{"hits": hits}})
	default:
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"unexpected request"}`))
	}
}

func newClient(t *testing.T, fake *fakeES) *elasticsearch.Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c, err := elasticsearch.New(srv.URL, nil)
	require.NoError(t, err)
	return c
}

func TestCollectionLifecycle(t *testing.T) {
	ctx := context.Background()
	fake := newFakeES()
	c := newClient(t, fake)

	require.NoError(t, c.Ping(ctx))

	ok, err := c.CollectionExists(ctx, "Sigma")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = c.DescribeCollection(ctx, "Sigma")
	require.ErrorIs(t, err, vectorindex.ErrCollectionNotFound)

	require.NoError(t, c.CreateCollection(ctx, "Sigma", 384, models.MetricCosine))
	// creating again tolerates resource_already_exists_exception
	require.NoError(t, c.CreateCollection(ctx, "Sigma", 384, models.MetricCosine))

	ok, err = c.CollectionExists(ctx, "Sigma")
	require.NoError(t, err)
	require.True(t, ok)

	info, err := c.DescribeCollection(ctx, "Sigma")
	require.NoError(t, err)
	require.Equal(t, 384, info.Dimension)
	require.Equal(t, models.MetricCosine, info.Metric)
	require.Contains(t, fake.mappings, "sigma")

	require.NoError(t, c.DeleteCollection(ctx, "Sigma"))
	require.NotContains(t, fake.mappings, "sigma")
	// a missing index is not an error
	require.NoError(t, c.DeleteCollection(ctx, "Sigma"))
}

func TestUpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	fake := newFakeES()
	c := newClient(t, fake)
	require.NoError(t, c.CreateCollection(ctx, "sigma", 2, models.MetricCosine))

	require.NoError(t, c.Upsert(ctx, "sigma", []models.IndexEntry{
		{ID: "p1", Vector: []float32{1, 0}, Text: "R1 text", Metadata: map[string]string{models.FieldRuleID: "R1"}},
		{ID: "p2", Vector: []float32{0, 1}, Text: "R2 text", Metadata: map[string]string{models.FieldRuleID: "R2"}},
	}))
	require.Len(t, fake.docs, 2)

	hits, err := c.Query(ctx, "sigma", []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "p1", hits[0].Entry.ID)
	require.Equal(t, "R1 text", hits[0].Entry.Text)
	require.Equal(t, "R1", hits[0].Entry.Metadata[models.FieldRuleID])
}

func TestUpsertReportsItemErrors(t *testing.T) {
	ctx := context.Background()
	fake := newFakeES()
	fake.bulkFail = true
	c := newClient(t, fake)

	err := c.Upsert(ctx, "sigma", []models.IndexEntry{{ID: "p1", Vector: []float32{1}, Text: "x"}})
	require.ErrorContains(t, err, "1 of 1 docs failed")
	require.ErrorContains(t, err, "mapper_parsing_exception")
}
