package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissingCredential is returned when a required API key is not set.
var ErrMissingCredential = errors.New("missing credential")

// DefaultReportHash is the report ingested when no hash is given.
const DefaultReportHash = "b5c001cbcd72b919e9b05e3281cc4e4914fee0748b3d81954772975630233a6e"

// Embedding configures the embedding provider.
type Embedding struct {
	Provider string
	BaseURL  string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// LLM configures the chat completion provider.
type LLM struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// Report configures the report service and local cache.
type Report struct {
	BaseURL string
	APIKey  string
	DataDir string
	Hash    string
	Timeout time.Duration
}

// Extraction configures how records are pulled out of a report.
type Extraction struct {
	Selector     string
	TextMode     string
	ContentField string
}

// Common contains the settings shared by every binary.
type Common struct {
	CollectionName    string
	VectorBackend     string
	QdrantHost        string
	QdrantPort        int
	QdrantAPIKey      string
	ElasticsearchAddr string
	VectorDim         int
	VectorDistance    string
	TopK              int

	Embedding  Embedding
	LLM        LLM
	Report     Report
	Extraction Extraction
}

// API describes HTTP-layer configuration.
type API struct {
	Common
	BindAddr       string
	RequestTimeout time.Duration
}

// Worker holds configuration for the Kafka ingest worker.
type Worker struct {
	Common
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaConsumer  string
	DedupeCapacity int
	DedupeTTL      time.Duration
	IngestTimeout  time.Duration
}

// QdrantURL returns the REST endpoint of the Qdrant service.
func (c *Common) QdrantURL() string {
	return "http://" + net.JoinHostPort(c.QdrantHost, strconv.Itoa(c.QdrantPort))
}

// RequireCredentials fails when an API key needed at runtime is empty.
// Network-facing binaries call it at startup instead of prompting.
func (c *Common) RequireCredentials() error {
	var missing []string
	if c.Report.APIKey == "" {
		missing = append(missing, "VIRUSTOTAL_API_KEY")
	}
	if c.LLM.APIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredential, strings.Join(missing, ", "))
	}
	return nil
}

// LoadCommon builds the shared config from environment variables.
func LoadCommon() (*Common, error) {
	c := &Common{
		CollectionName:    getEnv("COLLECTION_NAME", "virustotal_sigma"),
		VectorBackend:     strings.ToLower(getEnv("VECTOR_BACKEND", "qdrant")),
		QdrantHost:        getEnv("QDRANT_HOST", "localhost"),
		QdrantPort:        getInt("QDRANT_PORT", 6333),
		QdrantAPIKey:      getEnv("QDRANT_API_KEY", ""),
		ElasticsearchAddr: getEnv("ELASTICSEARCH_ADDR", "http://localhost:9200"),
		VectorDim:         getInt("VECTOR_DIM", 384),
		VectorDistance:    strings.ToLower(getEnv("VECTOR_DISTANCE", "cosine")),
		TopK:              getInt("RETRIEVAL_TOP_K", 4),
		Embedding: Embedding{
			Provider: strings.ToLower(getEnv("EMBEDDING_PROVIDER", "openai")),
			BaseURL:  getEnv("EMBEDDING_BASE_URL", "http://localhost:8081/v1"),
			Model:    getEnv("EMBEDDING_MODEL", "sentence-transformers/all-MiniLM-L6-v2"),
			APIKey:   getEnv("EMBEDDING_API_KEY", ""),
			Timeout:  getDuration("EMBEDDING_TIMEOUT", "60s"),
		},
		LLM: LLM{
			BaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:   getEnv("LLM_MODEL", "gpt-4o-mini"),
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			Timeout: getDuration("LLM_TIMEOUT", "120s"),
		},
		Report: Report{
			BaseURL: getEnv("VIRUSTOTAL_BASE_URL", "https://www.virustotal.com/api/v3"),
			APIKey:  getEnv("VIRUSTOTAL_API_KEY", ""),
			DataDir: getEnv("REPORT_DATA_DIR", "data"),
			Hash:    getEnv("REPORT_HASH", DefaultReportHash),
			Timeout: getDuration("REPORT_TIMEOUT", "30s"),
		},
		Extraction: Extraction{
			Selector:     getEnv("EXTRACT_SELECTOR", ".data.attributes.sigma_analysis_results[]"),
			TextMode:     strings.ToLower(getEnv("EXTRACT_TEXT_MODE", "concat")),
			ContentField: getEnv("EXTRACT_CONTENT_FIELD", "rule_description"),
		},
	}

	switch c.VectorBackend {
	case "qdrant", "elasticsearch", "memory":
	default:
		return nil, fmt.Errorf("VECTOR_BACKEND %q is not supported", c.VectorBackend)
	}
	switch c.Embedding.Provider {
	case "openai", "hashing":
	default:
		return nil, fmt.Errorf("EMBEDDING_PROVIDER %q is not supported", c.Embedding.Provider)
	}
	switch c.Extraction.TextMode {
	case "concat", "field":
	default:
		return nil, fmt.Errorf("EXTRACT_TEXT_MODE %q is not supported", c.Extraction.TextMode)
	}
	if c.Extraction.TextMode == "field" && c.Extraction.ContentField == "" {
		return nil, fmt.Errorf("EXTRACT_CONTENT_FIELD must be set when EXTRACT_TEXT_MODE=field")
	}
	if strings.TrimSpace(c.CollectionName) == "" {
		return nil, fmt.Errorf("COLLECTION_NAME cannot be empty")
	}
	if c.VectorDim <= 0 {
		return nil, fmt.Errorf("VECTOR_DIM must be positive")
	}
	if c.TopK <= 0 {
		return nil, fmt.Errorf("RETRIEVAL_TOP_K must be positive")
	}
	if c.QdrantPort <= 0 || c.QdrantPort > 65535 {
		return nil, fmt.Errorf("QDRANT_PORT must be a valid port")
	}

	return c, nil
}

// LoadAPI builds an API config from environment variables.
func LoadAPI() (*API, error) {
	common, err := LoadCommon()
	if err != nil {
		return nil, err
	}
	c := &API{
		Common:         *common,
		BindAddr:       getEnv("API_BIND_ADDR", "0.0.0.0:8080"),
		RequestTimeout: getDuration("API_REQUEST_TIMEOUT", "60s"),
	}

	if c.RequestTimeout <= 0 {
		return nil, fmt.Errorf("API_REQUEST_TIMEOUT must be positive")
	}

	return c, nil
}

// LoadWorker builds a Worker config from environment variables.
func LoadWorker() (*Worker, error) {
	common, err := LoadCommon()
	if err != nil {
		return nil, err
	}
	c := &Worker{
		Common:         *common,
		KafkaBrokers:   splitAndTrim(getEnv("KAFKA_BROKERS", "kafka:9092")),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "report_ingest"),
		KafkaConsumer:  getEnv("KAFKA_CONSUMER_GROUP", "sigma-ingest-worker"),
		DedupeCapacity: getInt("WORKER_DEDUPE_CAPACITY", 1000),
		DedupeTTL:      getDuration("WORKER_DEDUPE_TTL", "1h"),
		IngestTimeout:  getDuration("WORKER_INGEST_TIMEOUT", "10m"),
	}

	if len(c.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS must contain at least one broker")
	}
	if c.DedupeCapacity <= 0 {
		return nil, fmt.Errorf("WORKER_DEDUPE_CAPACITY must be positive")
	}
	if c.IngestTimeout <= 0 {
		return nil, fmt.Errorf("WORKER_INGEST_TIMEOUT must be positive")
	}

	return c, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key, fallback string) time.Duration {
	raw := getEnv(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil {
		fd, ferr := time.ParseDuration(fallback)
		if ferr != nil {
			panic(fmt.Sprintf("invalid fallback duration %q: %v", fallback, ferr))
		}
		return fd
	}
	return d
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
