package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DirName           = ".chaingraph"
	GlobalConfigName  = "config.yaml"
	LocalConfigName   = ".chaingraph.yaml"
	DefaultDBName     = "chaingraph.db"
	DefaultCacheName  = "embeddings"
	DefaultProfile    = "default"
	DefaultServerAddr = "127.0.0.1:7420"

	DefaultEmbeddingDim  = 768
	DefaultMaxHops       = 2
	DefaultAlpha         = 0.7
	DefaultBeta          = 0.3
	DefaultTopK          = 10
	DefaultQueryDeadline = 5 * time.Second
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the global config and every profile
func Validate(cfg *GlobalConfig) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %s", describe(verrs))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, ok := cfg.Profiles[cfg.ActiveProfile]; !ok {
		return fmt.Errorf("active profile %s not found in config", cfg.ActiveProfile)
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	msg := ""
	for i, fe := range verrs {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += fmt.Sprintf(" (%s)", fe.Param())
		}
	}
	return msg
}

// WithDefaults returns a copy of p with every unset option filled in. home
// is the directory holding the default database and cache.
func WithDefaults(p *Profile, home string) *Profile {
	out := &Profile{}
	if p != nil {
		*out = *p
	}
	base := filepath.Join(home, DirName)

	if out.Schema == "" {
		out.Schema = "full"
	}
	if out.EmbeddingDim == 0 {
		out.EmbeddingDim = DefaultEmbeddingDim
	}
	if out.MaxHops == 0 {
		out.MaxHops = DefaultMaxHops
	}
	if out.Alpha == nil && out.Beta == nil {
		a, b := DefaultAlpha, DefaultBeta
		out.Alpha, out.Beta = &a, &b
	}
	if out.Alpha == nil {
		a := 0.0
		out.Alpha = &a
	}
	if out.Beta == nil {
		b := 0.0
		out.Beta = &b
	}
	if out.TopK == 0 {
		out.TopK = DefaultTopK
	}
	if out.Rerank == nil {
		r := true
		out.Rerank = &r
	}
	if out.QueryDeadline == 0 {
		out.QueryDeadline = DefaultQueryDeadline
	}

	if out.Database.Path == "" {
		out.Database.Path = filepath.Join(base, DefaultDBName)
	}
	if out.Database.SqliteVec == nil {
		v := true
		out.Database.SqliteVec = &v
	}

	e := &out.Embedder
	if e.Backend == "" {
		e.Backend = "ollama"
	}
	if e.Model == "" {
		switch e.Backend {
		case "openai":
			e.Model = "text-embedding-3-small"
		case "ollama":
			e.Model = "nomic-embed-text"
		}
	}
	if e.BaseURL == "" && e.Backend == "ollama" {
		e.BaseURL = "http://localhost:11434"
	}
	if e.BatchSize == 0 {
		e.BatchSize = 32
	}
	if e.Concurrency == 0 {
		e.Concurrency = 4
	}
	if e.Timeout == 0 {
		e.Timeout = 60 * time.Second
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = 3
	}

	if out.Cache.Size == 0 {
		out.Cache.Size = 10000
	}
	if out.Cache.Path == "" {
		out.Cache.Path = filepath.Join(base, DefaultCacheName)
	}

	if out.Worker.PollInterval == 0 {
		out.Worker.PollInterval = 2 * time.Second
	}
	if out.Worker.BatchSize == 0 {
		out.Worker.BatchSize = 4
	}
	if out.Worker.MaxRetries == 0 {
		out.Worker.MaxRetries = 3
	}
	if out.Worker.Debounce == 0 {
		out.Worker.Debounce = 500 * time.Millisecond
	}

	if out.Server.Addr == "" {
		out.Server.Addr = DefaultServerAddr
	}
	return out
}

// DefaultGlobalConfig is the config written by `chaingraph init`
func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		Version:       "1",
		ActiveProfile: DefaultProfile,
		Profiles: map[string]*Profile{
			DefaultProfile: {
				Exclude:       []string{".git", "node_modules"},
				Blacklist:     []string{`(^|/)vendor/`, `_test\.go$`},
				Schema:        "full",
				EmbeddingDim:  DefaultEmbeddingDim,
				MaxHops:       DefaultMaxHops,
				TopK:          DefaultTopK,
				QueryDeadline: DefaultQueryDeadline,
				Embedder:      EmbedderConfig{Backend: "ollama", Model: "nomic-embed-text", BaseURL: "http://localhost:11434"},
				Cache:         CacheConfig{Size: 10000},
				Worker:        WorkerConfig{SweepSchedule: "@every 10m"},
			},
		},
	}
}
