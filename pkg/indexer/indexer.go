package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/wouteroostervld/chaingraph/pkg/chunk"
	"github.com/wouteroostervld/chaingraph/pkg/db"
	"github.com/wouteroostervld/chaingraph/pkg/embed"
	"github.com/wouteroostervld/chaingraph/pkg/filter"
	"github.com/wouteroostervld/chaingraph/pkg/graph"
)

// New creates a new indexer. pipeline may be nil, in which case only
// embeddings supplied with the records are stored.
func New(cfg *Config, store db.Store, pipeline *embed.Pipeline) (*Indexer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	pf, err := filter.New(cfg.Blacklist, cfg.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("invalid path filter: %w", err)
	}
	return &Indexer{
		config:   cfg,
		store:    store,
		pipeline: pipeline,
		analyzer: graph.NewAnalyzer(cfg.Analyzer),
		filter:   pf,
	}, nil
}

// IngestFile reads a chunk record file and ingests it as the project's new
// snapshot. Malformed records are skipped and reported.
func (idx *Indexer) IngestFile(ctx context.Context, project, path string) (*Report, error) {
	return idx.IngestFiles(ctx, project, []string{path})
}

// IngestFiles reads every record file of a project and ingests their union
// as one snapshot. A node_id already read from an earlier file is skipped
// like any other malformed record.
func (idx *Indexer) IngestFiles(ctx context.Context, project string, paths []string) (*Report, error) {
	var (
		chunks  []*chunk.CodeChunk
		skipped []*chunk.ParseError
	)
	firstFile := make(map[string]string)
	for _, path := range paths {
		read, err := readRecordFile(path)
		if err != nil {
			return nil, err
		}
		for _, perr := range read.Skipped {
			perr.File = path
			slog.Warn("Skipping malformed record", "file", path, "line", perr.Line, "error", perr.Err)
		}
		skipped = append(skipped, read.Skipped...)

		for i, c := range read.Chunks {
			if first, dup := firstFile[c.NodeID]; dup {
				perr := &chunk.ParseError{
					File:   path,
					Line:   read.Lines[i],
					NodeID: c.NodeID,
					Err:    fmt.Errorf("%w, first read from %s", chunk.ErrDuplicateNodeID, first),
				}
				slog.Warn("Skipping duplicate record", "file", path, "line", perr.Line, "node_id", c.NodeID, "first", first)
				skipped = append(skipped, perr)
				continue
			}
			firstFile[c.NodeID] = path
			chunks = append(chunks, c)
		}
	}

	report, err := idx.Ingest(ctx, project, chunks)
	if err != nil {
		return nil, err
	}
	report.Records += len(skipped)
	report.Skipped = len(skipped)
	for _, perr := range skipped {
		report.Errors = append(report.Errors, perr)
	}
	return report, nil
}

func readRecordFile(path string) (*chunk.ReadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open record file: %w", err)
	}
	defer f.Close()

	read, err := chunk.ReadRecords(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return read, nil
}

// Ingest rebuilds the project's graph from chunks and swaps it in
// atomically. Only one ingestion per project runs at a time. Recoverable
// problems are counted in the report; a storage failure aborts the run and
// leaves the previous snapshot in place.
func (idx *Indexer) Ingest(ctx context.Context, project string, chunks []*chunk.CodeChunk) (*Report, error) {
	unlock := idx.locks.lock(project)
	defer unlock()

	start := time.Now()
	report := &Report{RunID: uuid.NewString(), Project: project, Records: len(chunks)}
	log := slog.With("project", project, "run_id", report.RunID)

	// The builder annotates chunks in place
	owned := make([]*chunk.CodeChunk, len(chunks))
	for i, c := range chunks {
		owned[i] = c.Clone()
	}
	owned, report.Filtered = idx.filter.Chunks(owned)

	forest := chunk.BuildForest(owned)
	report.Orphans = forest.Orphans
	report.BrokenCycles = forest.BrokenCycles

	analysis := idx.analyzer.Analyze(forest)
	report.Edges = len(analysis.Graph.Edges)
	report.Unresolved = len(analysis.Unresolved)
	report.Unparseable = len(analysis.Unparseable)

	md := graph.ComputeMetadata(analysis.Graph)
	report.Cycles = md.Cycles
	for _, c := range md.Cycles {
		log.Info("Dependency cycle detected", "members", c.Members)
	}

	if err := idx.embed(ctx, forest, report); err != nil {
		return nil, err
	}

	snap := &db.Snapshot{
		Records: make([]*db.Record, 0, len(analysis.Graph.Nodes)),
		Edges:   analysis.Graph.Edges,
	}
	refs := referenceTypes(analysis.Graph.Edges)
	for _, id := range analysis.Graph.NodeIDs() {
		snap.Records = append(snap.Records, db.NewRecord(analysis.Graph.Nodes[id], md.Nodes[id], refs[id]))
	}

	if err := idx.store.ReplaceProject(ctx, project, snap); err != nil {
		recordRun(ctx, project, time.Since(start), false)
		var storageErr *db.StorageError
		if errors.As(err, &storageErr) {
			log.Error("Ingestion aborted, previous snapshot kept", "error", err)
		}
		return nil, fmt.Errorf("failed to store project %s: %w", project, err)
	}

	report.Stored = len(snap.Records)
	report.Duration = time.Since(start)
	recordRun(ctx, project, report.Duration, true)
	recordChunks(ctx, project, report.Stored)

	log.Info("Ingestion complete",
		"chunks", report.Stored,
		"edges", report.Edges,
		"embedded", report.Embedded,
		"orphans", report.Orphans,
		"unresolved", report.Unresolved,
		"cycles", len(report.Cycles),
		"duration", report.Duration)
	return report, nil
}

// embed attaches embeddings to the forest's chunks. Supplied vectors of
// the right length are kept; wrong-length ones are rejected and the chunk
// is embedded like one without a vector.
func (idx *Indexer) embed(ctx context.Context, forest *chunk.Forest, report *Report) error {
	dim := idx.store.EmbeddingDim()

	var pending []*chunk.CodeChunk
	for _, c := range forest.Chunks() {
		if c.HasEmbedding() {
			if err := embed.CheckDimension(c.Embedding, dim, c.NodeID); err != nil {
				report.DimensionRejected++
				report.Errors = append(report.Errors, err)
				c.Embedding = nil
			} else {
				report.Embedded++
				continue
			}
		}
		pending = append(pending, c)
	}
	if len(pending) == 0 {
		return nil
	}
	if idx.pipeline == nil {
		report.EmbeddingFailed += len(pending)
		return nil
	}

	items := make([]embed.Item, len(pending))
	for i, c := range pending {
		items[i] = embed.Item{ID: c.NodeID, Content: c.Content, Language: c.Language}
	}
	res, err := idx.pipeline.Run(ctx, items)
	if err != nil {
		return err
	}
	for i, c := range pending {
		if v := res.Vectors[i]; v != nil {
			c.Embedding = v
			report.Embedded++
		}
	}
	report.CacheHits += res.CacheHits
	report.EmbeddingFailed += res.Failed
	report.Substituted += res.Substituted
	report.DimensionRejected += res.DimensionRejected
	report.Errors = append(report.Errors, res.Errors...)
	return nil
}

// referenceTypes groups outgoing dependency edge types by source
func referenceTypes(edges []graph.Edge) map[string]map[string]graph.EdgeType {
	out := make(map[string]map[string]graph.EdgeType)
	for _, e := range edges {
		if !e.Type.IsDependency() {
			continue
		}
		m, ok := out[e.SourceID]
		if !ok {
			m = make(map[string]graph.EdgeType)
			out[e.SourceID] = m
		}
		m[e.TargetID] = e.Type
	}
	return out
}
