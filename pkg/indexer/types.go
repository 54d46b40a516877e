package indexer

import (
	"sync"
	"time"

	"github.com/wouteroostervld/chaingraph/pkg/db"
	"github.com/wouteroostervld/chaingraph/pkg/embed"
	"github.com/wouteroostervld/chaingraph/pkg/filter"
	"github.com/wouteroostervld/chaingraph/pkg/graph"
)

// Config holds indexer configuration
type Config struct {
	Analyzer graph.AnalyzerConfig

	// Blacklist and Whitelist are regexes over chunk file paths
	Blacklist []string
	Whitelist []string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{Analyzer: graph.DefaultAnalyzerConfig()}
}

// Indexer coordinates the ingestion pipeline:
// builder -> analyzer -> metadata -> embeddings -> store
type Indexer struct {
	config   *Config
	store    db.Store
	pipeline *embed.Pipeline // nil stores chunks without computed embeddings
	analyzer *graph.Analyzer
	filter   *filter.PathFilter

	locks projectLocks
}

// Report summarizes one ingestion run. Recoverable problems are counted
// here instead of failing the run.
type Report struct {
	RunID   string `json:"run_id"`
	Project string `json:"project"`

	Records      int `json:"records"`
	Stored       int `json:"stored"`
	Skipped      int `json:"skipped"`  // malformed input records
	Filtered     int `json:"filtered"` // dropped by the path filter
	Orphans      int `json:"orphans"`
	BrokenCycles int `json:"broken_parent_cycles"`

	Edges       int `json:"edges"`
	Unresolved  int `json:"unresolved"`
	Unparseable int `json:"unparseable"`

	Embedded          int `json:"embedded"`
	CacheHits         int `json:"cache_hits"`
	EmbeddingFailed   int `json:"embedding_failed"`
	Substituted       int `json:"substituted"`
	DimensionRejected int `json:"dimension_rejected"`

	Cycles   []graph.Cycle `json:"cycles"`
	Duration time.Duration `json:"duration"`

	// Errors holds the recoverable errors behind the counters
	Errors []error `json:"-"`
}

// projectLocks serializes ingestion per project id
type projectLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (p *projectLocks) lock(project string) func() {
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[string]*sync.Mutex)
	}
	l, ok := p.locks[project]
	if !ok {
		l = &sync.Mutex{}
		p.locks[project] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}
