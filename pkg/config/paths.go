package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome replaces a leading ~/ with the user's home directory
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}

// ResolveRelativePath resolves a path relative to the config file's directory.
// Handles relative paths, absolute paths, and tilde expansion
func ResolveRelativePath(configDir, path string) (string, error) {
	path, err := ExpandHome(path)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	return filepath.Clean(filepath.Join(configDir, path)), nil
}

// NormalizePath expands ~ and returns the cleaned absolute path
func NormalizePath(path string) (string, error) {
	path, err := ExpandHome(path)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	return filepath.Clean(absPath), nil
}

// within reports whether path equals root or lies below it. Both must be clean.
func within(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// ValidatePathSecurity checks that path is within one of the allowed roots
func ValidatePathSecurity(path string, allowedRoots []string) error {
	normalizedPath, err := NormalizePath(path)
	if err != nil {
		return fmt.Errorf("failed to normalize path: %w", err)
	}
	for _, root := range allowedRoots {
		normalizedRoot, err := NormalizePath(root)
		if err != nil {
			continue
		}
		if within(normalizedPath, normalizedRoot) {
			return nil
		}
	}
	return fmt.Errorf("path %s is not within any allowed root", path)
}

// ValidateIncludeWithinGlobal checks that local include paths stay inside the
// global include scope, so a local file cannot pull in foreign record files
func ValidateIncludeWithinGlobal(localInclude []string, globalInclude []string, configDir string) error {
	for _, localPath := range localInclude {
		resolvedLocal, err := ResolveRelativePath(configDir, localPath)
		if err != nil {
			return fmt.Errorf("failed to resolve local include path %s: %w", localPath, err)
		}
		if err := ValidatePathSecurity(resolvedLocal, globalInclude); err != nil {
			return fmt.Errorf("local include path %s is not within global include scope", localPath)
		}
	}
	return nil
}

// ResolvePaths resolves a list of paths relative to a config directory
func ResolvePaths(configDir string, paths []string) ([]string, error) {
	resolved := make([]string, 0, len(paths))
	for _, path := range paths {
		resolvedPath, err := ResolveRelativePath(configDir, path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
		}
		resolved = append(resolved, resolvedPath)
	}
	return resolved, nil
}
