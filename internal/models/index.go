package models

// Metric is the distance function a collection ranks by.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricDot       Metric = "dot"
	MetricEuclidean Metric = "euclidean"
)

// Valid reports whether m is one of the supported metrics.
func (m Metric) Valid() bool {
	switch m {
	case MetricCosine, MetricDot, MetricEuclidean:
		return true
	}
	return false
}

// IndexEntry is a (vector, text, metadata) triple stored in a collection.
// A nil Vector means the entry still has to be embedded.
type IndexEntry struct {
	ID       string            `json:"id"`
	Vector   []float32         `json:"vector,omitempty"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
}

// SearchHit is an entry returned by a nearest-neighbour query.
type SearchHit struct {
	Entry IndexEntry `json:"entry"`
	Score float64    `json:"score"`
}

// CollectionInfo describes the vector schema of an existing collection.
type CollectionInfo struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Metric    Metric `json:"metric"`
}

// Answer is the result of a retrieval-augmented question.
type Answer struct {
	Question  string   `json:"query"`
	Answer    string   `json:"answer"`
	Retrieved []Record `json:"-"`
}
