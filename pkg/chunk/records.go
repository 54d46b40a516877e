package chunk

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// maxRecordSize bounds a single JSONL line; whole-file chunks can be large.
const maxRecordSize = 32 * 1024 * 1024

var (
	// ErrMissingNodeID is returned for records without a node_id
	ErrMissingNodeID = errors.New("record has no node_id")

	// ErrDuplicateNodeID is returned when a node_id was already seen in the batch
	ErrDuplicateNodeID = errors.New("duplicate node_id")

	// ErrInvalidLineRange is returned when end_line precedes start_line
	ErrInvalidLineRange = errors.New("end_line before start_line")
)

// ParseError describes one malformed record from the upstream parser.
// The record is skipped; ingestion continues with the rest.
type ParseError struct {
	File   string // set when records come from several files
	Line   int
	NodeID string
	Err    error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("record %d", e.Line)
	if e.NodeID != "" {
		msg += " (" + e.NodeID + ")"
	}
	if e.File != "" {
		msg = e.File + ": " + msg
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ReadResult holds the accepted chunks and the skipped records
type ReadResult struct {
	Chunks  []*CodeChunk
	Lines   []int // record number of each accepted chunk
	Skipped []*ParseError
}

// ReadRecords decodes chunk records from r. Both JSON Lines and a single
// top-level JSON array are accepted. Malformed records are collected in
// Skipped rather than failing the read; only I/O errors are returned.
func ReadRecords(r io.Reader) (*ReadResult, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	first, err := peekNonSpace(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &ReadResult{}, nil
		}
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	v := newValidator()
	if first == '[' {
		var raw []json.RawMessage
		if err := json.NewDecoder(br).Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode record array: %w", err)
		}
		for i, msg := range raw {
			v.add(i+1, msg)
		}
		return v.result(), nil
	}

	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxRecordSize)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		v.add(lineNum, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan records: %w", err)
	}

	return v.result(), nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if b == ' ' || b == '\t' || b == '\r' || b == '\n' {
			continue
		}
		return b, br.UnreadByte()
	}
}

type recordValidator struct {
	seen map[string]struct{}
	res  ReadResult
}

func newValidator() *recordValidator {
	return &recordValidator{seen: make(map[string]struct{})}
}

func (v *recordValidator) add(line int, data []byte) {
	var c CodeChunk
	if err := json.Unmarshal(data, &c); err != nil {
		v.skip(&ParseError{Line: line, Err: err})
		return
	}
	c.NodeID = strings.TrimSpace(c.NodeID)
	if err := Validate(&c); err != nil {
		v.skip(&ParseError{Line: line, NodeID: c.NodeID, Err: err})
		return
	}
	if _, dup := v.seen[c.NodeID]; dup {
		v.skip(&ParseError{Line: line, NodeID: c.NodeID, Err: ErrDuplicateNodeID})
		return
	}
	v.seen[c.NodeID] = struct{}{}

	// Builder annotations are owned by this system, not the parser
	c.Children = nil
	c.Depth = 0
	c.Orphan = false
	if c.ChunkType == "" {
		c.ChunkType = TypeUnknown
	}
	v.res.Chunks = append(v.res.Chunks, &c)
	v.res.Lines = append(v.res.Lines, line)
}

func (v *recordValidator) skip(perr *ParseError) {
	slog.Warn("Skipping malformed chunk record", "line", perr.Line, "node_id", perr.NodeID, "error", perr.Err)
	v.res.Skipped = append(v.res.Skipped, perr)
}

func (v *recordValidator) result() *ReadResult {
	out := v.res
	return &out
}

// Validate checks the fields every chunk record must carry
func Validate(c *CodeChunk) error {
	if c.NodeID == "" {
		return ErrMissingNodeID
	}
	if c.EndLine < c.StartLine {
		return fmt.Errorf("%w: %d < %d", ErrInvalidLineRange, c.EndLine, c.StartLine)
	}
	return nil
}
