package db

// Schema version for migration tracking
const SchemaVersion = "3.0.0"

// DDL statements for database initialization
const (
	// Meta table stores configuration and version info
	CreateMetaTable = `
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`

	// Chunks table holds one row per chunk per project. JSON columns carry
	// the closed graph metadata and, in full schema mode, the parser's
	// metadata map and the reference types.
	CreateChunksTable = `
CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project TEXT NOT NULL,
    node_id TEXT NOT NULL,
    chunk_type TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    qualified_name TEXT NOT NULL DEFAULT '',
    file_path TEXT NOT NULL DEFAULT '',
    language TEXT NOT NULL DEFAULT '',
    start_line INTEGER NOT NULL DEFAULT 0,
    end_line INTEGER NOT NULL DEFAULT 0,
    parent_id TEXT,
    depth INTEGER NOT NULL DEFAULT 0,
    orphan BOOLEAN NOT NULL DEFAULT 0,
    children TEXT,
    content TEXT NOT NULL,
    metadata TEXT,
    graph_metadata TEXT,
    reference_types TEXT,
    has_embedding BOOLEAN NOT NULL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(project, node_id)
);`

	CreateChunksProjectIndex = `
CREATE INDEX IF NOT EXISTS idx_chunks_project ON chunks(project, node_id);`

	CreateChunksPathIndex = `
CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(project, file_path);`

	// Vec_chunks virtual table for vector similarity search. chunk_rowid
	// is chunks.id.
	// Note: Dimension must be specified at creation time
	CreateVecChunksTableTemplate = `
CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    chunk_rowid INTEGER PRIMARY KEY,
    embedding FLOAT[%d] distance_metric=cosine
);`

	// Edges table stores the collapsed dependency edges of each project
	CreateEdgesTable = `
CREATE TABLE IF NOT EXISTS edges (
    project TEXT NOT NULL,
    source_id TEXT NOT NULL,
    target_id TEXT NOT NULL,
    edge_type TEXT NOT NULL,
    strength REAL NOT NULL DEFAULT 1.0,
    is_direct BOOLEAN NOT NULL DEFAULT 1,
    is_required BOOLEAN NOT NULL DEFAULT 0,
    description TEXT NOT NULL DEFAULT '',
    unresolved BOOLEAN NOT NULL DEFAULT 0,
    PRIMARY KEY (project, source_id, target_id)
);`

	// Index for finding all edges to a target
	CreateEdgesTargetIndex = `
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(project, target_id);`

	// Index for filtering by edge type
	CreateEdgesTypeIndex = `
CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(project, edge_type);`

	// Ingest jobs table is the work queue fed by the watcher
	CreateIngestJobsTable = `
CREATE TABLE IF NOT EXISTS ingest_jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project TEXT NOT NULL,
    path TEXT NOT NULL,
    content_hash TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    error_message TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    queued_at DATETIME,
    finished_at DATETIME,
    UNIQUE(project, path)
);`

	// Index for queue queries
	CreateIngestJobsStatusIndex = `
CREATE INDEX IF NOT EXISTS idx_ingest_jobs_status ON ingest_jobs(status, queued_at);`

	// Enable WAL mode for concurrent reads/writes
	EnableWALMode = `PRAGMA journal_mode=WAL;`

	// Set reasonable WAL checkpoint parameters
	SetWALCheckpoint = `PRAGMA wal_autocheckpoint=1000;`

	// Enable foreign key constraints
	EnableForeignKeys = `PRAGMA foreign_keys=ON;`
)

// MetaKeys are standard keys stored in the meta table
const (
	MetaKeySchemaVersion = "schema_version"
	MetaKeyCreatedAt     = "created_at"
	MetaKeyEmbeddingDim  = "embedding_dimension"
	MetaKeySchemaMode    = "schema_mode"

	// MetaKeyLastIngestedPrefix is followed by the project id
	MetaKeyLastIngestedPrefix = "last_ingested:"
)
