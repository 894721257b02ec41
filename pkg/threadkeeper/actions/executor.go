package actions

import (
	"context"
	"fmt"
	"log/slog"
)

// Executor runs approved actions against the configured providers.
type Executor struct {
	search *Searcher
	images *ImageGenerator
	logger *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(search WebSearchConfig, images ImageGenConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		search: NewSearcher(search, logger),
		images: NewImageGenerator(images, logger),
		logger: logger.With("component", "actions"),
	}
}

// RunSearch performs a web search.
func (e *Executor) RunSearch(ctx context.Context, query string) (string, error) {
	out, err := e.search.Search(ctx, query)
	if err != nil {
		return "", fmt.Errorf("web search: %w", err)
	}
	return out, nil
}

// RunGeneration produces an artifact for prompt. Only "image" is supported.
func (e *Executor) RunGeneration(ctx context.Context, prompt, kind, style string) (string, error) {
	if kind != "" && kind != "image" {
		return "", fmt.Errorf("unsupported generation kind %q", kind)
	}
	ref, err := e.images.Generate(ctx, prompt, style)
	if err != nil {
		return "", fmt.Errorf("image generation: %w", err)
	}
	return ref, nil
}
