package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/wouteroostervld/chaingraph/pkg/chunk"
	"github.com/wouteroostervld/chaingraph/pkg/embed"
	"github.com/wouteroostervld/chaingraph/pkg/graph"
)

// maxInParams bounds the placeholders of one IN clause
const maxInParams = 500

const upsertChunkSQL = `
INSERT INTO chunks (
    project, node_id, chunk_type, name, qualified_name, file_path, language,
    start_line, end_line, parent_id, depth, orphan, children, content,
    metadata, graph_metadata, reference_types, has_embedding, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(project, node_id) DO UPDATE SET
    chunk_type = excluded.chunk_type,
    name = excluded.name,
    qualified_name = excluded.qualified_name,
    file_path = excluded.file_path,
    language = excluded.language,
    start_line = excluded.start_line,
    end_line = excluded.end_line,
    parent_id = excluded.parent_id,
    depth = excluded.depth,
    orphan = excluded.orphan,
    children = excluded.children,
    content = excluded.content,
    metadata = excluded.metadata,
    graph_metadata = excluded.graph_metadata,
    reference_types = excluded.reference_types,
    has_embedding = excluded.has_embedding,
    updated_at = excluded.updated_at`

const chunkColumns = `c.node_id, c.chunk_type, c.name, c.qualified_name, c.file_path, c.language,
    c.start_line, c.end_line, c.parent_id, c.depth, c.orphan, c.children, c.content,
    c.metadata, c.graph_metadata, c.reference_types, c.has_embedding`

// AddChunks inserts or overwrites records in one transaction. Records with
// a wrong-length embedding are skipped and reported.
func (db *DB) AddChunks(ctx context.Context, project string, records []*Record) error {
	var rejected []error
	valid := make([]*Record, 0, len(records))
	for _, r := range records {
		if r.HasEmbedding() {
			if err := embed.CheckDimension(r.Embedding, db.embeddingDim, r.NodeID); err != nil {
				rejected = append(rejected, err)
				continue
			}
		}
		valid = append(valid, r)
	}

	err := db.withTx(ctx, "add chunks", func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, r := range valid {
			if err := db.writeRecord(ctx, tx, project, r, now, true); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return errors.Join(rejected...)
}

// ReplaceProject swaps the project's chunks and edges in one transaction.
// On any failure the previous snapshot stays in place.
func (db *DB) ReplaceProject(ctx context.Context, project string, snap *Snapshot) error {
	if err := checkSnapshot(snap, db.embeddingDim); err != nil {
		return err
	}

	return db.withTx(ctx, "replace project", func(tx *sql.Tx) error {
		if err := db.deleteProject(ctx, tx, project); err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, r := range snap.Records {
			if err := db.writeRecord(ctx, tx, project, r, now, false); err != nil {
				return err
			}
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO edges (project, source_id, target_id, edge_type, strength, is_direct, is_required, description, unresolved)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return storageErr("prepare edge insert", err)
		}
		defer stmt.Close()
		for _, e := range snap.Edges {
			_, err := stmt.ExecContext(ctx, project, e.SourceID, e.TargetID, e.Type.String(),
				e.Strength, e.IsDirect, e.IsRequired, e.Description, e.Unresolved)
			if err != nil {
				return storageErr("insert edge", err)
			}
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			MetaKeyLastIngestedPrefix+project, now.Format(time.RFC3339))
		return storageErr("record ingestion time", err)
	})
}

func (db *DB) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	if db.conn == nil {
		return storageErr(op, errors.New("database is closed"))
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return storageErr(op, err)
	}
	return storageErr(op, tx.Commit())
}

func (db *DB) deleteProject(ctx context.Context, tx *sql.Tx, project string) error {
	if db.vec {
		rows, err := tx.QueryContext(ctx, "SELECT id FROM chunks WHERE project = ?", project)
		if err != nil {
			return storageErr("list project chunks", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return storageErr("scan chunk id", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, "DELETE FROM vec_chunks WHERE chunk_rowid = ?", id); err != nil {
				return storageErr("delete vectors", err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE project = ?", project); err != nil {
		return storageErr("delete chunks", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM edges WHERE project = ?", project); err != nil {
		return storageErr("delete edges", err)
	}
	return nil
}

// writeRecord upserts one record and its vector. replaceVector removes a
// previous vector first; fresh project snapshots have none.
func (db *DB) writeRecord(ctx context.Context, tx *sql.Tx, project string, r *Record, now time.Time, replaceVector bool) error {
	r = db.mode.conform(r)

	children, err := jsonColumn(r.Children)
	if err != nil {
		return err
	}
	meta, err := jsonColumn(r.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata of %s: %w", r.NodeID, err)
	}
	gm, err := jsonColumn(r.GraphMetadata)
	if err != nil {
		return err
	}
	refs, err := jsonColumn(r.ReferenceTypes)
	if err != nil {
		return err
	}

	var parent sql.NullString
	if r.ParentID != "" {
		parent = sql.NullString{String: r.ParentID, Valid: true}
	}
	hasVec := db.vec && r.HasEmbedding()

	_, err = tx.ExecContext(ctx, upsertChunkSQL,
		project, r.NodeID, string(r.ChunkType), r.Name, r.QualifiedName, r.FilePath, r.Language,
		r.StartLine, r.EndLine, parent, r.Depth, r.Orphan, children, r.Content,
		meta, gm, refs, hasVec, now,
	)
	if err != nil {
		return storageErr("upsert chunk", err)
	}

	if !db.vec {
		return nil
	}

	var rowID int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM chunks WHERE project = ? AND node_id = ?", project, r.NodeID).Scan(&rowID)
	if err != nil {
		return storageErr("get chunk id", err)
	}
	if replaceVector {
		if _, err := tx.ExecContext(ctx, "DELETE FROM vec_chunks WHERE chunk_rowid = ?", rowID); err != nil {
			return storageErr("delete vector", err)
		}
	}
	if !hasVec {
		return nil
	}

	// Serialize embedding to compact binary format for sqlite-vec
	blob, err := sqlite_vec.SerializeFloat32(r.Embedding)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO vec_chunks (chunk_rowid, embedding) VALUES (?, ?)", rowID, blob); err != nil {
		return storageErr("insert vector", err)
	}
	return nil
}

// jsonColumn encodes v for a nullable TEXT column; empty values become NULL
func jsonColumn(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case []string:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]graph.EdgeType:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case *graph.Metadata:
		if x == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// View runs fn inside one read transaction. In WAL mode the transaction
// sees a single committed state for its whole lifetime.
func (db *DB) View(ctx context.Context, project string, fn func(Reader) error) error {
	if db.conn == nil {
		return storageErr("view", errors.New("database is closed"))
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin read transaction", err)
	}
	defer tx.Rollback()

	src := &sqlSource{ctx: ctx, tx: tx, project: project, dim: db.embeddingDim, vec: db.vec}
	return fn(newReader(src, db.mode))
}

// chunkRow scans one chunks row
type chunkRow struct {
	rec *Record
}

func (c *chunkRow) Scan(rows *sql.Rows) error {
	var (
		r                          Record
		chunkType                  string
		parent, children, metadata sql.NullString
		graphMeta, refs            sql.NullString
		hasEmbedding               bool
	)
	err := rows.Scan(&r.NodeID, &chunkType, &r.Name, &r.QualifiedName, &r.FilePath, &r.Language,
		&r.StartLine, &r.EndLine, &parent, &r.Depth, &r.Orphan, &children, &r.Content,
		&metadata, &graphMeta, &refs, &hasEmbedding)
	if err != nil {
		return err
	}

	r.ChunkType = chunk.ParseType(chunkType)
	r.ParentID = parent.String
	if children.Valid {
		if err := json.Unmarshal([]byte(children.String), &r.Children); err != nil {
			return fmt.Errorf("decode children of %s: %w", r.NodeID, err)
		}
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
			return fmt.Errorf("decode metadata of %s: %w", r.NodeID, err)
		}
	}
	if graphMeta.Valid {
		r.GraphMetadata = &graph.Metadata{}
		if err := json.Unmarshal([]byte(graphMeta.String), r.GraphMetadata); err != nil {
			return fmt.Errorf("decode graph metadata of %s: %w", r.NodeID, err)
		}
	}
	if refs.Valid {
		if err := json.Unmarshal([]byte(refs.String), &r.ReferenceTypes); err != nil {
			return fmt.Errorf("decode reference types of %s: %w", r.NodeID, err)
		}
		for id := range r.ReferenceTypes {
			r.ReferenceIDs = append(r.ReferenceIDs, id)
		}
		sort.Strings(r.ReferenceIDs)
	}
	c.rec = &r
	return nil
}

// sqlSource reads one project inside a transaction
type sqlSource struct {
	ctx     context.Context
	tx      *sql.Tx
	project string
	dim     int
	vec     bool
}

func (s *sqlSource) vectors() bool  { return s.vec }
func (s *sqlSource) dimension() int { return s.dim }

// batches splits ids for IN clauses. nil ids yields one nil batch, meaning
// no id restriction.
func batches(ids []string) [][]string {
	if ids == nil {
		return [][]string{nil}
	}
	var out [][]string
	for start := 0; start < len(ids); start += maxInParams {
		out = append(out, ids[start:min(start+maxInParams, len(ids))])
	}
	return out
}

// inClause appends "AND col IN (?,...)" for a non-nil batch
func inClause(query string, args []any, col string, batch []string) (string, []any) {
	if batch == nil {
		return query, args
	}
	query += " AND " + col + " IN (" + strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",") + ")"
	for _, id := range batch {
		args = append(args, id)
	}
	return query, args
}

func (s *sqlSource) similarities(query []float32, ids []string) (map[string]float64, error) {
	out := make(map[string]float64)
	if ids != nil && len(ids) == 0 {
		return out, nil
	}
	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query embedding: %w", err)
	}

	for _, batch := range batches(ids) {
		q, args := inClause(`
			SELECT c.node_id, vec_distance_cosine(v.embedding, ?)
			FROM vec_chunks v
			JOIN chunks c ON c.id = v.chunk_rowid
			WHERE c.project = ?`, []any{blob, s.project}, "c.node_id", batch)

		rows, err := s.tx.QueryContext(s.ctx, q, args...)
		if err != nil {
			return nil, storageErr("vector similarity", err)
		}
		for rows.Next() {
			var id string
			var distance sql.NullFloat64
			if err := rows.Scan(&id, &distance); err != nil {
				rows.Close()
				return nil, storageErr("scan similarity", err)
			}
			// Cosine distance is 1 - similarity; NULL for zero vectors
			if distance.Valid {
				out[id] = 1 - distance.Float64
			} else {
				out[id] = 0
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, storageErr("iterate similarities", err)
		}
	}
	return out, nil
}

func (s *sqlSource) records(ids []string, withVectors bool) (map[string]*Record, error) {
	out := make(map[string]*Record)
	if ids != nil && len(ids) == 0 {
		return out, nil
	}

	for _, batch := range batches(ids) {
		q, args := inClause("SELECT "+chunkColumns+" FROM chunks c WHERE c.project = ?", []any{s.project}, "c.node_id", batch)
		rows, err := s.tx.QueryContext(s.ctx, q, args...)
		if err != nil {
			return nil, storageErr("query chunks", err)
		}
		scanned, err := scanRows[chunkRow](rows)
		if err != nil {
			return nil, storageErr("scan chunks", err)
		}
		for _, row := range scanned {
			out[row.rec.NodeID] = row.rec
		}
	}

	if withVectors && s.vec && len(out) > 0 {
		if err := s.loadVectors(ids, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *sqlSource) loadVectors(ids []string, into map[string]*Record) error {
	for _, batch := range batches(ids) {
		q, args := inClause(`
			SELECT c.node_id, v.embedding
			FROM vec_chunks v
			JOIN chunks c ON c.id = v.chunk_rowid
			WHERE c.project = ?`, []any{s.project}, "c.node_id", batch)

		rows, err := s.tx.QueryContext(s.ctx, q, args...)
		if err != nil {
			return storageErr("query vectors", err)
		}
		for rows.Next() {
			var id string
			var blob []byte
			if err := rows.Scan(&id, &blob); err != nil {
				rows.Close()
				return storageErr("scan vector", err)
			}
			vec, err := embed.DecodeVector(blob)
			if err != nil {
				slog.Warn("Skipping corrupt vector", "node_id", id, "error", err)
				continue
			}
			if r, ok := into[id]; ok {
				r.Embedding = vec
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return storageErr("iterate vectors", err)
		}
	}
	return nil
}

func (s *sqlSource) edges(nodeID string) ([]graph.Edge, error) {
	q := `SELECT source_id, target_id, edge_type, strength, is_direct, is_required, description, unresolved
		FROM edges WHERE project = ?`
	args := []any{s.project}
	if nodeID != "" {
		q += " AND (source_id = ? OR target_id = ?)"
		args = append(args, nodeID, nodeID)
	}
	q += " ORDER BY source_id, target_id"

	rows, err := s.tx.QueryContext(s.ctx, q, args...)
	if err != nil {
		return nil, storageErr("query edges", err)
	}
	defer rows.Close()

	out := []graph.Edge{}
	for rows.Next() {
		var e graph.Edge
		var typ string
		if err := rows.Scan(&e.SourceID, &e.TargetID, &typ, &e.Strength, &e.IsDirect, &e.IsRequired, &e.Description, &e.Unresolved); err != nil {
			return nil, storageErr("scan edge", err)
		}
		if e.Type, err = graph.ParseEdgeType(typ); err != nil {
			return nil, fmt.Errorf("edge %s -> %s: %w", e.SourceID, e.TargetID, err)
		}
		out = append(out, e)
	}
	return out, storageErr("iterate edges", rows.Err())
}

func (s *sqlSource) stats() (*Stats, error) {
	st := &Stats{EdgeTypes: make(map[string]int)}
	err := s.tx.QueryRowContext(s.ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(has_embedding), 0),
		       COALESCE(SUM(orphan), 0),
		       COALESCE(SUM(json_extract(graph_metadata, '$.in_cycle')), 0)
		FROM chunks WHERE project = ?`, s.project).Scan(&st.Chunks, &st.Embedded, &st.Orphans, &st.InCycle)
	if err != nil {
		return nil, storageErr("count chunks", err)
	}

	rows, err := s.tx.QueryContext(s.ctx,
		"SELECT edge_type, COUNT(*) FROM edges WHERE project = ? GROUP BY edge_type", s.project)
	if err != nil {
		return nil, storageErr("count edges", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, storageErr("scan edge count", err)
		}
		st.EdgeTypes[typ] = n
		st.Edges += n
	}
	return st, storageErr("iterate edge counts", rows.Err())
}
