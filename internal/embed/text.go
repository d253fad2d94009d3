package embed

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/recallos/recall/internal/engine"
)

// EngineEncoder embeds text through an inference Engine (Ollama).
type EngineEncoder struct {
	engine engine.Engine
	model  string
}

// NewEngineEncoder creates a TextEncoder using the given Engine and model name.
func NewEngineEncoder(e engine.Engine, model string) *EngineEncoder {
	return &EngineEncoder{engine: e, model: model}
}

// EmbedText returns the embedding vector for a single text.
func (e *EngineEncoder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedTextBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *EngineEncoder) EmbedTextBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the engine.

	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			vec, err := e.engine.Embed(gCtx, e.model, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
