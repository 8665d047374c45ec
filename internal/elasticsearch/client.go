package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/DeafMist/sigma-rag/internal/logger"
	"github.com/DeafMist/sigma-rag/internal/models"
	"github.com/DeafMist/sigma-rag/internal/vectorindex"
)

var _ vectorindex.Backend = (*Client)(nil)

const vectorField = "vector"

// Client stores collections as Elasticsearch indices with a dense_vector field.
type Client struct {
	es  *elasticsearch.Client
	log *slog.Logger
}

// document is the _source of every indexed entry.
type document struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
	Vector   []float32         `json:"vector"`
}

// New instantiates the Elasticsearch client.
func New(addr string, log *slog.Logger) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{addr},
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	return &Client{es: es, log: logger.OrDiscard(log)}, nil
}

// Ping checks cluster health.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Cluster.Health(c.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("cluster health: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("cluster health bad: %s", strings.TrimSpace(string(data)))
	}
	return nil
}

// CollectionExists checks whether the backing index exists.
func (c *Client) CollectionExists(ctx context.Context, name string) (bool, error) {
	req := esapi.IndicesExistsRequest{Index: []string{indexName(name)}}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return false, fmt.Errorf("index exists: %w", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("index exists failed: %s", res.Status())
	}
}

// CreateCollection creates the index mapping. A concurrent creation of the
// same index is not an error.
func (c *Client) CreateCollection(ctx context.Context, name string, dim int, metric models.Metric) error {
	body := map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"id":   map[string]any{"type": "keyword"},
				"text": map[string]any{"type": "text"},
				"metadata": map[string]any{
					"type":    "object",
					"dynamic": true,
				},
				vectorField: map[string]any{
					"type":       "dense_vector",
					"dims":       dim,
					"index":      true,
					"similarity": similarityName(metric),
				},
			},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}

	req := esapi.IndicesCreateRequest{
		Index: indexName(name),
		Body:  bytes.NewReader(payload),
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		if strings.Contains(string(data), "resource_already_exists_exception") {
			c.log.Debug("index already exists", slog.String("index", indexName(name)))
			return nil
		}
		return fmt.Errorf("create index failed: %s", strings.TrimSpace(string(data)))
	}
	return nil
}

// DeleteCollection drops the backing index.
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	req := esapi.IndicesDeleteRequest{Index: []string{indexName(name)}}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("delete index: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() && res.StatusCode != http.StatusNotFound {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("delete index failed: %s", strings.TrimSpace(string(data)))
	}
	c.log.Info("index deleted", slog.String("index", indexName(name)))
	return nil
}

// DescribeCollection reads dims and similarity back from the index mapping.
func (c *Client) DescribeCollection(ctx context.Context, name string) (*models.CollectionInfo, error) {
	req := esapi.IndicesGetMappingRequest{Index: []string{indexName(name)}}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", vectorindex.ErrCollectionNotFound, name)
	}
	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("get mapping failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed map[string]struct {
		Mappings struct {
			Properties map[string]struct {
				Type       string `json:"type"`
				Dims       int    `json:"dims"`
				Similarity string `json:"similarity"`
			} `json:"properties"`
		} `json:"mappings"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode mapping: %w", err)
	}

	for _, idx := range parsed {
		field, ok := idx.Mappings.Properties[vectorField]
		if !ok || field.Type != "dense_vector" {
			return nil, fmt.Errorf("index %s has no dense_vector field %q", indexName(name), vectorField)
		}
		return &models.CollectionInfo{
			Name:      name,
			Dimension: field.Dims,
			Metric:    metricFromSimilarity(field.Similarity),
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", vectorindex.ErrCollectionNotFound, name)
}

// Upsert writes all entries in one bulk request and waits for a refresh so
// they are searchable when it returns.
func (c *Client) Upsert(ctx context.Context, name string, entries []models.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		action := map[string]any{"index": map[string]any{"_index": indexName(name), "_id": e.ID}}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("marshal bulk action: %w", err)
		}
		if err := enc.Encode(document{ID: e.ID, Text: e.Text, Metadata: e.Metadata, Vector: e.Vector}); err != nil {
			return fmt.Errorf("marshal doc: %w", err)
		}
	}

	req := esapi.BulkRequest{
		Body:    &buf,
		Refresh: "wait_for",
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("bulk index: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("bulk index failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID    string          `json:"_id"`
			Error json.RawMessage `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if !parsed.Errors {
		return nil
	}

	failed := 0
	var first error
	for _, item := range parsed.Items {
		for _, result := range item {
			if len(result.Error) == 0 || string(result.Error) == "null" {
				continue
			}
			failed++
			if first == nil {
				first = fmt.Errorf("doc %s: %s", result.ID, strings.TrimSpace(string(result.Error)))
			}
		}
	}
	if first == nil {
		first = errors.New("bulk response reported errors")
	}
	return fmt.Errorf("bulk index: %d of %d docs failed: %w", failed, len(entries), first)
}

// Query runs an approximate kNN search against the vector field. Scores are
// Elasticsearch _score values, e.g. (1 + cosine) / 2.
func (c *Client) Query(ctx context.Context, name string, vector []float32, k int) ([]models.SearchHit, error) {
	candidates := k * 10
	if candidates < 100 {
		candidates = 100
	}
	body := map[string]any{
		"size": k,
		"knn": map[string]any{
			"field":          vectorField,
			"query_vector":   vector,
			"k":              k,
			"num_candidates": candidates,
		},
		"_source": []string{"id", "text", "metadata"},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(indexName(name)),
		c.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", vectorindex.ErrCollectionNotFound, name)
	}
	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				ID     string   `json:"_id"`
				Score  float64  `json:"_score"`
				Source document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	hits := make([]models.SearchHit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		id := h.Source.ID
		if id == "" {
			id = h.ID
		}
		hits = append(hits, models.SearchHit{
			Entry: models.IndexEntry{ID: id, Text: h.Source.Text, Metadata: h.Source.Metadata},
			Score: h.Score,
		})
	}
	return hits, nil
}

// index names must be lowercase
func indexName(collection string) string {
	return strings.ToLower(collection)
}

func similarityName(m models.Metric) string {
	switch m {
	case models.MetricDot:
		return "dot_product"
	case models.MetricEuclidean:
		return "l2_norm"
	default:
		return "cosine"
	}
}

func metricFromSimilarity(s string) models.Metric {
	switch s {
	case "dot_product", "max_inner_product":
		return models.MetricDot
	case "l2_norm":
		return models.MetricEuclidean
	default:
		// unset similarity defaults to cosine
		return models.MetricCosine
	}
}
