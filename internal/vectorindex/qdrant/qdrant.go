// Package qdrant is a minimal REST client to Qdrant implementing
// vectorindex.Backend. Points carry a LangChain-compatible payload
// (page_content + metadata) so collections can be shared with Python tooling.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DeafMist/sigma-rag/internal/models"
	"github.com/DeafMist/sigma-rag/internal/processing"
	"github.com/DeafMist/sigma-rag/internal/vectorindex"
)

var _ vectorindex.Backend = (*Client)(nil)

const (
	payloadText     = "page_content"
	payloadMetadata = "metadata"
)

type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Client talks to one Qdrant instance over a shared HTTP connection pool.
type Client struct {
	url    string
	apiKey string
	client *http.Client
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url:    strings.TrimRight(cfg.URL, "/"),
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: timeout},
	}
}

// apiError is returned for non-2xx responses.
type apiError struct {
	Method string
	Path   string
	Status int
	Detail string
}

func (e *apiError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("qdrant %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Detail)
	}
	return fmt.Sprintf("qdrant %s %s: status %d", e.Method, e.Path, e.Status)
}

type point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/collections", nil, nil)
}

func (c *Client) CollectionExists(ctx context.Context, name string) (bool, error) {
	var resp struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, collectionPath(name)+"/exists", nil, &resp); err != nil {
		return false, err
	}
	return resp.Result.Exists, nil
}

func (c *Client) CreateCollection(ctx context.Context, name string, dim int, metric models.Metric) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dim,
			"distance": distanceName(metric),
		},
	}
	return c.do(ctx, http.MethodPut, collectionPath(name), body, nil)
}

func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, collectionPath(name), nil, nil)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) DescribeCollection(ctx context.Context, name string) (*models.CollectionInfo, error) {
	var resp struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors json.RawMessage `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, collectionPath(name), nil, &resp); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", vectorindex.ErrCollectionNotFound, name)
		}
		return nil, err
	}

	var params struct {
		Size     int    `json:"size"`
		Distance string `json:"distance"`
	}
	if err := json.Unmarshal(resp.Result.Config.Params.Vectors, &params); err != nil || params.Size == 0 {
		// named vectors are not used by this service
		return nil, fmt.Errorf("collection %s does not have a single unnamed vector", name)
	}
	return &models.CollectionInfo{
		Name:      name,
		Dimension: params.Size,
		Metric:    metricFromDistance(params.Distance),
	}, nil
}

func (c *Client) Upsert(ctx context.Context, name string, entries []models.IndexEntry) error {
	points := make([]point, len(entries))
	for i, e := range entries {
		md := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		points[i] = point{
			ID:     pointID(name, e.ID),
			Vector: e.Vector,
			Payload: map[string]any{
				payloadText:     e.Text,
				payloadMetadata: md,
			},
		}
	}
	return c.do(ctx, http.MethodPut, collectionPath(name)+"/points?wait=true", map[string]any{"points": points}, nil)
}

func (c *Client) Query(ctx context.Context, name string, vector []float32, k int) ([]models.SearchHit, error) {
	req := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
	}
	var resp struct {
		Result []struct {
			ID      json.RawMessage `json:"id"`
			Score   float64         `json:"score"`
			Payload map[string]any  `json:"payload"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, collectionPath(name)+"/points/search", req, &resp); err != nil {
		return nil, err
	}

	hits := make([]models.SearchHit, 0, len(resp.Result))
	for _, r := range resp.Result {
		entry := models.IndexEntry{
			ID:       strings.Trim(string(r.ID), `"`),
			Metadata: map[string]string{},
		}
		if v, ok := r.Payload[payloadText].(string); ok {
			entry.Text = v
		}
		if md, ok := r.Payload[payloadMetadata].(map[string]any); ok {
			for k, v := range md {
				entry.Metadata[k] = payloadString(v)
			}
		}
		hits = append(hits, models.SearchHit{Entry: entry, Score: r.Score})
	}
	return hits, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal qdrant request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return fmt.Errorf("create qdrant request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var status struct {
			Status struct {
				Error string `json:"error"`
			} `json:"status"`
		}
		detail := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &status) == nil && status.Status.Error != "" {
			detail = status.Status.Error
		}
		return &apiError{Method: method, Path: path, Status: resp.StatusCode, Detail: processing.Excerpt(detail, 300)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode qdrant response: %w", err)
		}
	}
	return nil
}

func collectionPath(name string) string {
	return "/collections/" + url.PathEscape(name)
}

// pointID keeps UUID ids as they are; Qdrant accepts only UUIDs or integers.
func pointID(collection, id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return processing.PointID(collection, id)
}

func distanceName(m models.Metric) string {
	switch m {
	case models.MetricDot:
		return "Dot"
	case models.MetricEuclidean:
		return "Euclid"
	default:
		return "Cosine"
	}
}

func metricFromDistance(d string) models.Metric {
	switch strings.ToLower(d) {
	case "dot":
		return models.MetricDot
	case "euclid":
		return models.MetricEuclidean
	case "cosine":
		return models.MetricCosine
	default:
		return models.Metric(strings.ToLower(d))
	}
}

func payloadString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}
