// Package orchestrator fans a batch of prompts out to the provider with
// bounded concurrency. The CLI gates access to it behind the multi-agent
// feature.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"crowecli/internal/provider"
)

// DefaultConcurrency bounds simultaneous provider calls per batch.
const DefaultConcurrency = 4

// Result pairs one prompt with its completed response.
type Result struct {
	Index    int
	Prompt   string
	Response *provider.Response
	Duration time.Duration
}

// Orchestrator runs prompt batches against a provider.
type Orchestrator struct {
	provider    provider.Provider
	concurrency int
	logger      *slog.Logger
}

// New builds an orchestrator. A non-positive concurrency falls back to
// DefaultConcurrency.
func New(p provider.Provider, concurrency int, logger *slog.Logger) *Orchestrator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{provider: p, concurrency: concurrency, logger: logger}
}

// Run executes every prompt and returns results in prompt order. The first
// failure cancels the remaining work.
func (o *Orchestrator) Run(ctx context.Context, prompts []string) ([]Result, error) {
	if len(prompts) == 0 {
		return nil, nil
	}

	results := make([]Result, len(prompts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	for i, prompt := range prompts {
		g.Go(func() error {
			start := time.Now()
			resp, err := o.provider.Complete(ctx, provider.Request{
				Messages: []provider.Message{{Role: provider.RoleUser, Content: prompt}},
			})
			if err != nil {
				return fmt.Errorf("prompt %d: %w", i, err)
			}
			results[i] = Result{
				Index:    i,
				Prompt:   prompt,
				Response: resp,
				Duration: time.Since(start),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	o.logger.Info("batch complete",
		slog.Int("prompts", len(prompts)),
		slog.Int("concurrency", o.concurrency))
	return results, nil
}
