package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/wouteroostervld/chaingraph/pkg/config"
	"github.com/wouteroostervld/chaingraph/pkg/db"
	"github.com/wouteroostervld/chaingraph/pkg/embed"
	"github.com/wouteroostervld/chaingraph/pkg/graph"
	"github.com/wouteroostervld/chaingraph/pkg/indexer"
	"github.com/wouteroostervld/chaingraph/pkg/search"
)

// app holds the loaded configuration and the resources opened from it
type app struct {
	loader  *config.Loader
	global  *config.GlobalConfig
	profile *config.Profile

	closers []func() error
}

func loadApp(opts *rootOptions) (*app, error) {
	loader := config.NewDefaultLoader()

	var (
		global *config.GlobalConfig
		err    error
	)
	if opts.configPath != "" {
		global, err = loader.LoadGlobalFromPath(opts.configPath)
		if err != nil {
			return nil, err
		}
	} else {
		global, err = loader.LoadGlobal()
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("Config not found, using defaults. Run `chaingraph init` to create one")
			global, err = config.DefaultGlobalConfig(), nil
		}
		if err != nil {
			return nil, err
		}
	}

	if opts.profile != "" {
		if _, ok := global.Profiles[opts.profile]; !ok {
			return nil, fmt.Errorf("profile %s not found in config", opts.profile)
		}
		global.ActiveProfile = opts.profile
	}

	profile, err := loader.Active(global)
	if err != nil {
		return nil, err
	}
	return &app{loader: loader, global: global, profile: profile}, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("Close failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) openDatabase() (*db.DB, error) {
	mode, err := db.ParseSchemaMode(a.profile.Schema)
	if err != nil {
		return nil, err
	}
	database, err := db.Open(db.Config{
		Path:         a.profile.Database.Path,
		EmbeddingDim: a.profile.EmbeddingDim,
		Schema:       mode,
		SkipVecTable: !*a.profile.Database.SqliteVec,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, database.Close)
	return database, nil
}

func (a *app) embedder() (embed.Embedder, error) {
	e := a.profile.Embedder
	dim := a.profile.EmbeddingDim

	switch e.Backend {
	case "ollama":
		return embed.NewOllamaClient(&embed.OllamaConfig{
			BaseURL:     e.BaseURL,
			Model:       e.Model,
			Dimension:   dim,
			Timeout:     e.Timeout,
			MaxRetries:  e.MaxRetries,
			Concurrency: e.Concurrency,
			APIKey:      apiKey(e.APIKey),
		}), nil
	case "openai":
		key := apiKey(e.APIKey)
		if key == "" {
			return nil, errors.New("openai embedder needs an api key (embedder.api_key, CHAINGRAPH_API_KEY or OPENAI_API_KEY)")
		}
		return embed.NewOpenAIClient(embed.OpenAIConfig{
			APIKey:    key,
			BaseURL:   e.BaseURL,
			Model:     e.Model,
			Dimension: dim,
		}), nil
	case "hash":
		return embed.NewHashEmbedder(dim), nil
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown embedder backend %q", e.Backend)
}

func apiKey(configured string) string {
	if configured != "" {
		return configured
	}
	if k := os.Getenv("CHAINGRAPH_API_KEY"); k != "" {
		return k
	}
	return os.Getenv("OPENAI_API_KEY")
}

// cache builds the LRU tier and, when a path is configured, the Badger tier
// behind it. A Badger directory held by another process falls back to the
// LRU alone.
func (a *app) cache(namespace string) embed.Cache {
	c := a.profile.Cache
	if c.Disabled {
		return nil
	}
	front := embed.NewLRUCache(c.Size, c.TTL)
	if c.Path == "" {
		return front
	}
	back, err := embed.OpenBadgerCache(embed.BadgerConfig{
		Path:      c.Path,
		Namespace: namespace,
		Logger:    slog.Default(),
	})
	if err != nil {
		slog.Warn("Persistent embedding cache unavailable, using memory only", "path", c.Path, "error", err)
		return front
	}
	a.closers = append(a.closers, back.Close)
	return embed.NewTieredCache(front, back)
}

// pipeline returns nil when no embedder backend is configured
func (a *app) pipeline() (*embed.Pipeline, error) {
	e, err := a.embedder()
	if err != nil || e == nil {
		return nil, err
	}

	var fallback embed.Embedder
	if a.profile.Embedder.Fallback == "hash" {
		fallback = embed.NewHashEmbedder(a.profile.EmbeddingDim)
	}

	cfg := embed.DefaultPipelineConfig(a.profile.EmbeddingDim)
	cfg.BatchSize = a.profile.Embedder.BatchSize
	cfg.Concurrency = a.profile.Embedder.Concurrency
	cfg.RequestsPerSecond = a.profile.Embedder.RequestsPerSecond

	return embed.NewPipeline(e, a.cache(e.Name()), fallback, cfg), nil
}

func (a *app) searchConfig() *search.Config {
	return &search.Config{
		Alpha: *a.profile.Alpha,
		Beta:  *a.profile.Beta,
		Retrieve: search.Options{
			TopK:     a.profile.TopK,
			MaxHops:  a.profile.MaxHops,
			PerHop:   a.profile.PerHop,
			Rerank:   *a.profile.Rerank,
			Deadline: a.profile.QueryDeadline,
		},
	}
}

func (a *app) engine(store db.Store, p *embed.Pipeline) *search.Engine {
	// A nil pipeline must stay a nil interface
	var qe search.QueryEmbedder
	if p != nil {
		qe = p
	}
	return search.New(a.searchConfig(), store, qe)
}

func (a *app) indexerConfig(merged *config.MergedConfig) *indexer.Config {
	cfg := &indexer.Config{
		Analyzer: graph.AnalyzerConfig{
			MaxStrength:          a.profile.Analyzer.MaxStrength,
			ExternalPlaceholders: a.profile.Analyzer.ExternalPlaceholders,
		},
		Blacklist: a.profile.Blacklist,
		Whitelist: a.profile.Whitelist,
	}
	if cfg.Analyzer.MaxStrength == 0 {
		cfg.Analyzer.MaxStrength = graph.DefaultMaxStrength
	}
	if merged != nil {
		cfg.Blacklist = merged.Blacklist
		cfg.Whitelist = merged.Whitelist
	}
	return cfg
}
