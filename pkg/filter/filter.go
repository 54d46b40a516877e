package filter

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/wouteroostervld/chaingraph/pkg/chunk"
)

// PathFilter decides which chunk file paths are ingested.
// A path is rejected if it matches the blacklist AND NOT the whitelist.
type PathFilter struct {
	blacklist []*regexp.Regexp
	whitelist []*regexp.Regexp
}

// New compiles the blacklist and whitelist patterns
func New(blacklist, whitelist []string) (*PathFilter, error) {
	f := &PathFilter{}
	var err error
	if f.blacklist, err = compile(blacklist); err != nil {
		return nil, fmt.Errorf("blacklist: %w", err)
	}
	if f.whitelist, err = compile(whitelist); err != nil {
		return nil, fmt.Errorf("whitelist: %w", err)
	}
	return f, nil
}

func compile(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Allow reports whether a chunk file path passes the filter. A nil filter
// allows everything.
func (f *PathFilter) Allow(path string) bool {
	if f == nil {
		return true
	}
	blacklisted := ""
	for _, re := range f.blacklist {
		if re.MatchString(path) {
			blacklisted = re.String()
			break
		}
	}
	if blacklisted == "" {
		return true
	}

	// Matches blacklist - check if whitelist provides exception
	for _, re := range f.whitelist {
		if re.MatchString(path) {
			slog.Debug("Whitelist exception matched", "pattern", re.String(), "path", path)
			return true
		}
	}
	slog.Debug("Rejecting path", "path", path, "blacklist_pattern", blacklisted)
	return false
}

// Chunks returns the chunks whose file path is allowed and the number
// dropped. All chunks of one file share its verdict.
func (f *PathFilter) Chunks(chunks []*chunk.CodeChunk) ([]*chunk.CodeChunk, int) {
	if f == nil || len(f.blacklist) == 0 {
		return chunks, 0
	}
	verdict := make(map[string]bool)
	kept := make([]*chunk.CodeChunk, 0, len(chunks))
	for _, c := range chunks {
		ok, seen := verdict[c.FilePath]
		if !seen {
			ok = f.Allow(c.FilePath)
			verdict[c.FilePath] = ok
		}
		if ok {
			kept = append(kept, c)
		}
	}
	return kept, len(chunks) - len(kept)
}

// ShouldWatchDirectory checks if a record directory should be watched
// Returns: is_in_include AND NOT is_in_exclude
func ShouldWatchDirectory(path string, include []string, exclude []string) (bool, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	absPath = filepath.Clean(absPath)

	inInclude := false
	for _, includePath := range include {
		normalizedInclude := filepath.Clean(includePath)

		// Check if path is within or equals the include path
		if strings.HasPrefix(absPath, normalizedInclude+string(filepath.Separator)) ||
			absPath == normalizedInclude {
			inInclude = true
			break
		}
	}
	if !inInclude {
		return false, nil
	}

	for _, excludePattern := range exclude {
		if matched, err := filepath.Match(excludePattern, filepath.Base(absPath)); err == nil && matched {
			return false, nil
		}
		if strings.Contains(absPath, string(filepath.Separator)+excludePattern+string(filepath.Separator)) ||
			strings.HasSuffix(absPath, string(filepath.Separator)+excludePattern) {
			return false, nil
		}
	}
	return true, nil
}

// IsRecordFile reports whether a file name looks like a chunk record file
func IsRecordFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson", ".json":
		return !strings.HasPrefix(filepath.Base(path), ".")
	}
	return false
}
