package config

import "time"

// GlobalConfig represents the main configuration file at ~/.chaingraph/config.yaml
type GlobalConfig struct {
	Version       string              `yaml:"version"`
	ActiveProfile string              `yaml:"active_profile" validate:"required"`
	Profiles      map[string]*Profile `yaml:"profiles" validate:"required,dive,required"`
}

// Profile represents a single configuration profile with all settings
type Profile struct {
	// Record directories watched by the daemon
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"` // Directory patterns to skip

	// Chunk-level filtering (regex on the chunk's file path)
	Blacklist []string `yaml:"blacklist"` // Reject patterns (applied first)
	Whitelist []string `yaml:"whitelist"` // Exception patterns (override blacklist)

	// Store settings, fixed per deployment
	Schema       string `yaml:"schema" validate:"omitempty,oneof=minimal full"`
	EmbeddingDim int    `yaml:"embedding_dim" validate:"gte=0"`

	// Retrieval settings
	MaxHops       int           `yaml:"max_hops" validate:"gte=0"`
	Alpha         *float64      `yaml:"alpha,omitempty" validate:"omitempty,gte=0"`
	Beta          *float64      `yaml:"beta,omitempty" validate:"omitempty,gte=0"`
	TopK          int           `yaml:"top_k" validate:"gte=0"`
	PerHop        int           `yaml:"per_hop" validate:"gte=0"`
	Rerank        *bool         `yaml:"rerank,omitempty"`
	QueryDeadline time.Duration `yaml:"query_deadline" validate:"gte=0"`

	Database  DatabaseConfig  `yaml:"database"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Cache     CacheConfig     `yaml:"cache"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Worker    WorkerConfig    `yaml:"worker"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DatabaseConfig locates the SQLite store
type DatabaseConfig struct {
	Path      string `yaml:"path"`
	SqliteVec *bool  `yaml:"sqlite_vec,omitempty"` // false runs every search degraded
}

// EmbedderConfig selects and tunes the embedding backend
type EmbedderConfig struct {
	Backend           string        `yaml:"backend" validate:"omitempty,oneof=ollama openai hash none"`
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url,omitempty" validate:"omitempty,url"`
	APIKey            string        `yaml:"api_key,omitempty"` // Falls back to CHAINGRAPH_API_KEY / OPENAI_API_KEY
	BatchSize         int           `yaml:"batch_size" validate:"gte=0"`
	Concurrency       int           `yaml:"concurrency" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxRetries        int           `yaml:"max_retries" validate:"gte=0"`
	Fallback          string        `yaml:"fallback,omitempty" validate:"omitempty,oneof=hash"`
}

// CacheConfig sizes the embedding cache tiers
type CacheConfig struct {
	Size     int           `yaml:"size" validate:"gte=0"`
	TTL      time.Duration `yaml:"ttl" validate:"gte=0"`
	Path     string        `yaml:"path"` // Badger directory; empty keeps the cache in memory
	Disabled bool          `yaml:"disabled"`
}

// AnalyzerConfig tunes dependency extraction
type AnalyzerConfig struct {
	MaxStrength          int  `yaml:"max_strength" validate:"gte=0"`
	ExternalPlaceholders bool `yaml:"external_placeholders"`
}

// WorkerConfig tunes the daemon's ingest worker and watcher
type WorkerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval" validate:"gte=0"`
	BatchSize     int           `yaml:"batch_size" validate:"gte=0"`
	MaxRetries    int           `yaml:"max_retries" validate:"gte=0"`
	SweepSchedule string        `yaml:"sweep_schedule,omitempty"` // cron spec for the stuck-job sweep
	Debounce      time.Duration `yaml:"debounce" validate:"gte=0"`
}

// ServerConfig configures the HTTP query surface
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// TelemetryConfig toggles metrics and trace export
type TelemetryConfig struct {
	Metrics bool `yaml:"metrics"`
	Traces  bool `yaml:"traces"` // spans are written to stderr
}

// LocalConfig represents a .chaingraph.yaml file next to chunk record files.
// It can name the project and tighten filtering, never loosen it.
type LocalConfig struct {
	Project   string   `yaml:"project,omitempty" validate:"omitempty,excludesall=/\\"`
	Include   []string `yaml:"include,omitempty"`   // CLI only - additional record paths
	Exclude   []string `yaml:"exclude,omitempty"`   // Additional directories to skip
	Blacklist []string `yaml:"blacklist,omitempty"` // Additional chunk path patterns to reject
}

// MergedConfig represents the final runtime configuration after merging global + local
type MergedConfig struct {
	// Merged filters
	Include   []string
	Exclude   []string
	Blacklist []string
	Whitelist []string // Global only, never modified by local

	// Project the record files ingest into
	Project string

	// Profile with defaults applied (from global profile only)
	Profile *Profile

	// Metadata for tracking
	LocalConfigPath string // Path to the .chaingraph.yaml that was used (empty if none)
	ProfileName     string // Name of the active profile
}
