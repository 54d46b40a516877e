package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection with our schema
type DB struct {
	conn         *sql.DB
	path         string
	embeddingDim int
	mode         SchemaMode
	vec          bool
}

// Config holds database configuration
type Config struct {
	Path         string     // Database file path
	EmbeddingDim int        // Dimension of embedding vectors (e.g., 384, 768, 1024)
	Schema       SchemaMode // minimal or full; empty means full
	SkipVecTable bool       // Skip creating vec_chunks; searches run degraded
}

// Open opens or creates a database with the given configuration
func Open(cfg Config) (*DB, error) {
	// Validate config
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", cfg.EmbeddingDim)
	}
	mode, err := ParseSchemaMode(string(cfg.Schema))
	if err != nil {
		return nil, err
	}

	// Ensure parent directory exists
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, storageErr("create directory", err)
	}

	dbExists := false
	if _, err := os.Stat(cfg.Path); err == nil {
		dbExists = true
	}

	// Enable sqlite-vec extension for all future connections
	sqlite_vec.Auto()

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", cfg.Path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, storageErr("open", err)
	}

	// Configure connection pool (single writer, multiple readers)
	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)

	db := &DB{
		conn:         conn,
		path:         cfg.Path,
		embeddingDim: cfg.EmbeddingDim,
		mode:         mode,
		vec:          !cfg.SkipVecTable,
	}

	if err := db.initSchema(dbExists); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Set file permissions to 0600 (user read/write only)
	if err := os.Chmod(cfg.Path, 0600); err != nil {
		conn.Close()
		return nil, storageErr("chmod", err)
	}

	return db, nil
}

// initSchema creates tables and indexes if they don't exist and validates
// the stored deployment settings against the configuration
func (db *DB) initSchema(dbExists bool) error {
	if _, err := db.conn.Exec(EnableWALMode); err != nil {
		return storageErr("enable WAL mode", err)
	}
	if _, err := db.conn.Exec(SetWALCheckpoint); err != nil {
		return storageErr("set WAL checkpoint", err)
	}
	if _, err := db.conn.Exec(EnableForeignKeys); err != nil {
		return storageErr("enable foreign keys", err)
	}

	schemas := []string{
		CreateMetaTable,
		CreateChunksTable,
		CreateChunksProjectIndex,
		CreateChunksPathIndex,
		CreateEdgesTable,
		CreateEdgesTargetIndex,
		CreateEdgesTypeIndex,
		CreateIngestJobsTable,
		CreateIngestJobsStatusIndex,
	}
	// Only create vec_chunks if not skipped (requires sqlite-vec extension)
	if db.vec {
		schemas = append(schemas, fmt.Sprintf(CreateVecChunksTableTemplate, db.embeddingDim))
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return storageErr("begin schema transaction", err)
	}
	defer tx.Rollback()

	for _, schema := range schemas {
		if _, err := tx.Exec(schema); err != nil {
			return storageErr("execute schema", err)
		}
	}

	if !dbExists {
		now := time.Now().UTC().Format(time.RFC3339)
		metaInserts := map[string]string{
			MetaKeySchemaVersion: SchemaVersion,
			MetaKeyCreatedAt:     now,
			MetaKeyEmbeddingDim:  strconv.Itoa(db.embeddingDim),
			MetaKeySchemaMode:    string(db.mode),
		}
		for key, value := range metaInserts {
			if _, err := tx.Exec("INSERT INTO meta (key, value) VALUES (?, ?)", key, value); err != nil {
				return storageErr("insert meta "+key, err)
			}
		}
	} else if err := db.validateMeta(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit schema transaction", err)
	}
	return nil
}

// validateMeta checks an existing database against the configuration
func (db *DB) validateMeta(tx *sql.Tx) error {
	read := func(key string) (string, error) {
		var v string
		err := tx.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		if err != nil {
			return "", storageErr("read meta "+key, err)
		}
		return v, nil
	}

	version, err := read(MetaKeySchemaVersion)
	if err != nil {
		return err
	}
	if version != "" && version != SchemaVersion {
		return fmt.Errorf("%w: database schema version %s, expected %s", ErrSchemaMismatch, version, SchemaVersion)
	}

	storedDim, err := read(MetaKeyEmbeddingDim)
	if err != nil {
		return err
	}
	if storedDim != "" && storedDim != strconv.Itoa(db.embeddingDim) {
		return fmt.Errorf("%w: database has %s, config has %d", ErrDimensionMismatch, storedDim, db.embeddingDim)
	}

	storedMode, err := read(MetaKeySchemaMode)
	if err != nil {
		return err
	}
	if storedMode == "" {
		_, err := tx.Exec("INSERT INTO meta (key, value) VALUES (?, ?)", MetaKeySchemaMode, string(db.mode))
		return storageErr("insert meta "+MetaKeySchemaMode, err)
	}
	if SchemaMode(storedMode) != db.mode {
		return fmt.Errorf("%w: database is %s, config is %s", ErrSchemaMismatch, storedMode, db.mode)
	}
	return nil
}

// Close closes the database connection and flushes WAL
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	// Checkpoint WAL before closing
	_, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	closeErr := db.conn.Close()
	if err != nil {
		slog.Warn("Failed to checkpoint WAL", "error", err)
	}

	// Mark conn as nil to prevent double-close
	db.conn = nil
	return closeErr
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// EmbeddingDim returns the configured embedding dimension
func (db *DB) EmbeddingDim() int {
	return db.embeddingDim
}

// SchemaMode returns the deployment's schema mode
func (db *DB) SchemaMode() SchemaMode {
	return db.mode
}

// GetMeta retrieves a metadata value by key
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("meta key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", storageErr("get meta", err)
	}
	return value, nil
}

// SetMeta stores a metadata key-value pair
func (db *DB) SetMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return storageErr("set meta", err)
}

// HealthCheck verifies database connectivity and schema
func (db *DB) HealthCheck() error {
	if db.conn == nil {
		return storageErr("ping", errors.New("database is closed"))
	}
	if err := db.conn.Ping(); err != nil {
		return storageErr("ping", err)
	}

	version, err := db.GetMeta(MetaKeySchemaVersion)
	if err != nil {
		return err
	}
	if version != SchemaVersion {
		return fmt.Errorf("%w: expected %s, got %s", ErrSchemaMismatch, SchemaVersion, version)
	}

	// Verify WAL mode is enabled
	var journalMode string
	if err := db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return storageErr("check journal mode", err)
	}
	if journalMode != "wal" {
		return storageErr("check journal mode", fmt.Errorf("WAL mode not enabled, got: %s", journalMode))
	}
	return nil
}

// Projects lists the project ids with stored chunks
func (db *DB) Projects(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT DISTINCT project FROM chunks ORDER BY project")
	if err != nil {
		return nil, storageErr("list projects", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, storageErr("scan project", err)
		}
		out = append(out, p)
	}
	return out, storageErr("iterate projects", rows.Err())
}
