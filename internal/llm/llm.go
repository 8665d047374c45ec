// Package llm defines the language model used to phrase answers.
package llm

import "context"

// Generator produces a completion for a single prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}
