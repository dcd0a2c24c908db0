package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tghub/tghub/internal/config"
	"github.com/tghub/tghub/internal/draft"
	"github.com/tghub/tghub/internal/memory"
	"github.com/tghub/tghub/internal/policy"
	"github.com/tghub/tghub/internal/provider"
	"github.com/tghub/tghub/internal/router"
	"github.com/tghub/tghub/internal/timeline"
)

func setupLogging(cfg *config.Config, w io.Writer) {
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func openTimeline(cfg *config.Config) (*timeline.TimelineService, error) {
	if err := config.EnsureDir(cfg.Paths.Home); err != nil {
		return nil, fmt.Errorf("create home %s: %w", cfg.Paths.Home, err)
	}
	tl, err := timeline.NewTimelineService(cfg.Paths.Database)
	if err != nil {
		return nil, fmt.Errorf("open timeline %s: %w", cfg.Paths.Database, err)
	}
	return tl, nil
}

func newProvider(cfg *config.Config) *provider.OpenAIProvider {
	return provider.NewOpenAIProvider(cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Provider.Model, cfg.Provider.EmbeddingModel)
}

// knowledge bundles the index with the cache it must close.
type knowledge struct {
	Index *memory.Index
	cache *memory.EmbeddingCache
}

func (k *knowledge) Close() error {
	if k.cache == nil {
		return nil
	}
	return k.cache.Close()
}

// openKnowledge builds the index over the timeline chunk store and loads it.
func openKnowledge(ctx context.Context, cfg *config.Config, tl *timeline.TimelineService, emb provider.Embedder) (*knowledge, error) {
	cache, err := memory.OpenEmbeddingCache(cfg.Paths.EmbeddingCache)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}
	ix := memory.NewIndex(
		&memory.CachedEmbedder{Embedder: emb, Cache: cache, Model: cfg.Provider.EmbeddingModel},
		memory.NewSQLiteChunkStore(tl.DB()),
		memory.Options{
			WindowTokens:  cfg.Knowledge.WindowTokens,
			OverlapTokens: cfg.Knowledge.OverlapTokens,
			Model:         cfg.Provider.EmbeddingModel,
		},
	)
	if err := ix.Load(ctx); err != nil {
		cache.Close()
		return nil, fmt.Errorf("load knowledge index: %w", err)
	}
	return &knowledge{Index: ix, cache: cache}, nil
}

func loadMutes(tl *timeline.TimelineService, table *policy.MuteTable) error {
	rows, err := tl.ListMutes()
	if err != nil {
		return fmt.Errorf("load mutes: %w", err)
	}
	entries := make(map[string]policy.MuteSpec, len(rows))
	for _, r := range rows {
		entries[r.ChatID] = policy.MuteSpec{Until: r.Until, Indefinite: r.Indefinite}
	}
	table.Load(entries)
	return nil
}

func routerConfig(cfg *config.Config) router.Config {
	return router.Config{
		PlatformTimeout:  cfg.Router.PlatformTimeout(),
		DeliveryAttempts: cfg.Router.DeliveryAttempts,
		BackoffBase:      cfg.Router.BackoffBase(),
		BackoffMax:       cfg.Router.BackoffMax(),
		IdleAfter:        cfg.Router.IdleAfter(),
		AutoDraft:        cfg.Router.AutoDraft && cfg.Draft.Enabled,
		ConfirmReplies:   cfg.Hub.ConfirmReplies,
	}
}

func draftConfig(cfg *config.Config) draft.Config {
	return draft.Config{
		TopK:          cfg.Draft.TopK,
		MinScore:      cfg.Draft.MinScore,
		HistoryN:      cfg.Draft.HistoryN,
		Timeout:       time.Duration(cfg.Draft.TimeoutSec) * time.Second,
		LookupTimeout: cfg.Router.PlatformTimeout(),
		Workers:       cfg.Draft.Workers,
		QueueSize:     cfg.Draft.QueueSize,
		MaxTokens:     cfg.Draft.MaxTokens,
		Temperature:   cfg.Draft.Temperature,
		Model:         cfg.Provider.Model,
	}
}

func rateConfig(cfg *config.Config) policy.RateConfig {
	return policy.RateConfig{
		Burst:  cfg.Policy.RateBurst,
		Refill: time.Duration(cfg.Policy.RateRefillSec) * time.Second,
	}
}
