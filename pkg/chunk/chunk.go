package chunk

import (
	"encoding/json"
	"strings"
)

// Type classifies a chunk by the syntactic unit it covers
type Type string

const (
	TypeFile      Type = "file"
	TypeClass     Type = "class"
	TypeInterface Type = "interface"
	TypeMethod    Type = "method"
	TypeFunction  Type = "function"
	TypeField     Type = "field"
	TypeUnknown   Type = "unknown"
)

// ParseType maps a parser-supplied type name onto the closed Type set.
// Anything unrecognised becomes TypeUnknown.
func ParseType(s string) Type {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeFile:
		return TypeFile
	case TypeClass, "struct":
		return TypeClass
	case TypeInterface, "trait", "protocol":
		return TypeInterface
	case TypeMethod, "constructor":
		return TypeMethod
	case TypeFunction, "func":
		return TypeFunction
	case TypeField, "property", "variable":
		return TypeField
	default:
		return TypeUnknown
	}
}

// UnmarshalJSON normalises the type on decode
func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = ParseType(s)
	return nil
}

// CodeChunk is a semantic unit of source code with a globally unique id.
// Content never changes after the parser creates it; the embedding, graph
// metadata and builder annotations are attached by the ingestion pipeline.
type CodeChunk struct {
	NodeID        string         `json:"node_id"`
	ChunkType     Type           `json:"chunk_type"`
	Content       string         `json:"content"`
	FilePath      string         `json:"file_path"`
	StartLine     int            `json:"start_line"`
	EndLine       int            `json:"end_line"`
	Language      string         `json:"language"`
	Name          string         `json:"name"`
	QualifiedName string         `json:"qualified_name"`
	ParentID      string         `json:"parent_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	Embedding []float32 `json:"embedding,omitempty"`

	// Containment annotations set by BuildForest
	Children []string `json:"children,omitempty"`
	Depth    int      `json:"depth"`
	Orphan   bool     `json:"orphan,omitempty"`
}

// HasEmbedding reports whether a vector has been attached
func (c *CodeChunk) HasEmbedding() bool {
	return len(c.Embedding) > 0
}

// MetadataStrings returns a metadata entry as a string list. Parsers emit
// either a single string or a list; both are accepted.
func (c *CodeChunk) MetadataStrings(key string) []string {
	if c.Metadata == nil {
		return nil
	}
	switch v := c.Metadata[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Clone returns a deep copy so callers can annotate without touching the
// caller's records.
func (c *CodeChunk) Clone() *CodeChunk {
	out := *c
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	if c.Embedding != nil {
		out.Embedding = append([]float32(nil), c.Embedding...)
	}
	if c.Children != nil {
		out.Children = append([]string(nil), c.Children...)
	}
	return &out
}
