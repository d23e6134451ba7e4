package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/jse-datasphere/standardize-cli/internal/standardize"
	"github.com/jse-datasphere/standardize-cli/internal/store"
	anthropicpkg "github.com/jse-datasphere/standardize-cli/pkg/anthropic"
)

// engineEnv holds the store and engine needed by the standardize, fiscal,
// and serve commands.
type engineEnv struct {
	Store  store.Store
	Engine *standardize.Engine
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEngine sets up the store, the Anthropic client, and the engine.
// Callers should defer env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	client := anthropicpkg.NewClient(cfg.Anthropic.Key)
	if cfg.Anthropic.RequestsPerSec > 0 {
		client = anthropicpkg.WithRateLimit(client, cfg.Anthropic.RequestsPerSec)
	}
	matcher := standardize.NewMatcher(client, cfg.Anthropic, cfg.Standardize)

	return &engineEnv{
		Store:  st,
		Engine: standardize.NewEngine(st, matcher, cfg.Standardize),
	}, nil
}
