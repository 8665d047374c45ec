package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/sigma-rag/internal/app"
	"github.com/DeafMist/sigma-rag/internal/config"
	"github.com/DeafMist/sigma-rag/internal/dedupe"
	"github.com/DeafMist/sigma-rag/internal/logger"
)

// ingestRequest asks the worker to index one report into a collection.
type ingestRequest struct {
	Hash       string `json:"hash"`
	Collection string `json:"collection"`
}

type reportIngester interface {
	Ingest(ctx context.Context, collection, hash string) (int, error)
}

func main() {
	_ = godotenv.Load()

	log := logger.New("worker")
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}
	if cfg.Report.APIKey == "" {
		log.Error("load config", slog.Any("err", fmt.Errorf("%w: VIRUSTOTAL_API_KEY", config.ErrMissingCredential)))
		os.Exit(1)
	}

	svc, err := app.Build(&cfg.Common, log, app.Overrides{})
	if err != nil {
		log.Error("init services", slog.Any("err", err))
		os.Exit(1)
	}

	cache := dedupe.NewCache(cfg.DedupeCapacity, cfg.DedupeTTL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		Topic:          cfg.KafkaTopic,
		GroupID:        cfg.KafkaConsumer,
		MinBytes:       1,
		MaxBytes:       1e6,
		CommitInterval: 0, // Disable auto-commit; manual commit only
	})
	defer reader.Close()

	dlqTopic := cfg.KafkaTopic + "_dlq"
	dlqWriter := kafka.NewWriter(kafka.WriterConfig{
		Brokers:     cfg.KafkaBrokers,
		Topic:       dlqTopic,
		MaxAttempts: 3,
	})
	defer dlqWriter.Close()

	log.Info("worker started",
		slog.String("topic", cfg.KafkaTopic),
		slog.String("group", cfg.KafkaConsumer),
		slog.String("dlq_topic", dlqTopic),
		slog.String("backend", cfg.VectorBackend),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("context canceled, stopping")
				return
			}
			log.Error("fetch message", slog.Any("err", err))
			continue
		}

		if err := processMessage(ctx, log, svc.Pipeline, cache, cfg, msg); err != nil {
			log.Warn("process message failed, sending to DLQ",
				slog.Any("err", err),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
			)

			if !sendToDLQ(ctx, log, dlqWriter, dlqMessage(msg, err, time.Now())) {
				if ctx.Err() != nil {
					return
				}
				// Only commit if DLQ write succeeded; otherwise reprocess on restart
				log.Error("DLQ write exhausted retries, message may be lost if later messages commit",
					slog.Int("partition", msg.Partition),
					slog.Int64("offset", msg.Offset),
				)
				continue
			}
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Error("commit message", slog.Any("err", err))
		}
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// sendToDLQ writes msg with exponential backoff and reports success.
func sendToDLQ(ctx context.Context, log *slog.Logger, w messageWriter, msg kafka.Message) bool {
	for attempt := range 5 {
		dlqErr := w.WriteMessages(ctx, msg)
		if dlqErr == nil {
			log.Info("message sent to DLQ", slog.Int("attempt", attempt+1))
			return true
		}
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		log.Warn("DLQ write failed, retrying",
			slog.Any("err", dlqErr),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			log.Info("context canceled during DLQ retry")
			return false
		}
	}
	return false
}

// dlqMessage copies the failed message and records where it came from.
func dlqMessage(msg kafka.Message, cause error, now time.Time) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers)+4)
	headers = append(headers, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: "original_partition", Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: "original_offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: "error", Value: []byte(cause.Error())},
		kafka.Header{Key: "timestamp", Value: []byte(now.UTC().Format(time.RFC3339))},
	)
	return kafka.Message{Key: msg.Key, Value: msg.Value, Headers: headers}
}

func processMessage(ctx context.Context, log *slog.Logger, ingester reportIngester, cache *dedupe.Cache, cfg *config.Worker, msg kafka.Message) error {
	var req ingestRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return fmt.Errorf("decode ingest request: %w", err)
	}

	hash := strings.TrimSpace(req.Hash)
	if hash == "" {
		return errors.New("ingest request without hash")
	}
	collection := strings.TrimSpace(req.Collection)
	if collection == "" {
		collection = cfg.CollectionName
	}

	key := dedupe.Key(collection, hash)
	if !cache.TryAcquire(key) {
		log.Debug("duplicate ingest request", slog.String("collection", collection), slog.String("hash", hash))
		return nil
	}

	ingestCtx, cancel := context.WithTimeout(ctx, cfg.IngestTimeout)
	defer cancel()

	n, err := ingester.Ingest(ingestCtx, collection, hash)
	if err != nil {
		// let a redelivery try again
		cache.Release(key)
		return err
	}

	log.Info("report indexed",
		slog.String("collection", collection),
		slog.String("hash", hash),
		slog.Int("records", n),
	)
	return nil
}
