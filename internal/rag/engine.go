// Package rag answers questions over an indexed report: retrieve the closest
// records, stuff them into one prompt, ask the language model once.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/DeafMist/sigma-rag/internal/llm"
	"github.com/DeafMist/sigma-rag/internal/logger"
	"github.com/DeafMist/sigma-rag/internal/models"
)

// DefaultTopK is the number of records retrieved per question.
const DefaultTopK = 4

// DefaultQuestion is asked when a request carries no question.
const DefaultQuestion = "Give me a short and precise summary about the report."

const promptTemplate = `Use the following pieces of context to answer the question at the end. If you don't know the answer, just say that you don't know, don't try to make up an answer.

%s

Question: %s
Helpful Answer:`

// Retriever returns the entries closest to a text.
type Retriever interface {
	Search(ctx context.Context, collection, text string, k int) ([]models.SearchHit, error)
}

// Options configures an Engine.
type Options struct {
	Collection string
	TopK       int
}

// Engine is stateless; one Answer call is one retrieval and one completion.
type Engine struct {
	retriever Retriever
	generator llm.Generator
	opts      Options
	log       *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(retriever Retriever, generator llm.Generator, opts Options, log *slog.Logger) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	return &Engine{retriever: retriever, generator: generator, opts: opts, log: logger.OrDiscard(log)}
}

// Collection returns the collection questions are answered from.
func (e *Engine) Collection() string { return e.opts.Collection }

// Answer retrieves context for question and asks the language model. The
// question is used and returned as given.
func (e *Engine) Answer(ctx context.Context, question string) (*models.Answer, error) {
	if strings.TrimSpace(question) == "" {
		return nil, errors.New("question is empty")
	}
	start := time.Now()

	hits, err := e.retriever.Search(ctx, e.opts.Collection, question, e.opts.TopK)
	if err != nil {
		return nil, fmt.Errorf("retrieve context: %w", err)
	}

	texts := make([]string, 0, len(hits))
	records := make([]models.Record, 0, len(hits))
	for _, h := range hits {
		texts = append(texts, h.Entry.Text)
		records = append(records, models.RecordFromEntry(h.Entry))
	}

	out, err := e.generator.Generate(ctx, BuildPrompt(texts, question))
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	e.log.Info("question answered",
		slog.String("collection", e.opts.Collection),
		slog.Int("retrieved", len(hits)),
		slog.Duration("took", time.Since(start)),
	)
	return &models.Answer{Question: question, Answer: strings.TrimSpace(out), Retrieved: records}, nil
}

// BuildPrompt joins the context texts with blank lines and appends the question.
func BuildPrompt(contexts []string, question string) string {
	return fmt.Sprintf(promptTemplate, strings.Join(contexts, "\n\n"), question)
}
