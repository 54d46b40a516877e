package config

import (
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ConfigCache defines the interface for caching merged configurations
type ConfigCache interface {
	Get(key string) (*MergedConfig, bool)
	Set(key string, config *MergedConfig)
	Invalidate(key string)
	Clear()
}

// MemoryCache is a thread-safe, size-bounded ConfigCache
type MemoryCache struct {
	lru *lru.Cache[string, *MergedConfig]
}

// DefaultConfigCacheSize bounds the number of record directories remembered
const DefaultConfigCacheSize = 256

// NewMemoryCache creates a config cache holding up to size entries
func NewMemoryCache(size int) *MemoryCache {
	if size <= 0 {
		size = DefaultConfigCacheSize
	}
	c, _ := lru.New[string, *MergedConfig](size)
	return &MemoryCache{lru: c}
}

func (c *MemoryCache) Get(key string) (*MergedConfig, bool) { return c.lru.Get(key) }

func (c *MemoryCache) Set(key string, config *MergedConfig) { c.lru.Add(key, config) }

func (c *MemoryCache) Invalidate(key string) { c.lru.Remove(key) }

func (c *MemoryCache) Clear() { c.lru.Purge() }

// CachedLoader wraps a Loader with caching. The daemon resolves a project
// for every changed record file, which would otherwise re-read local
// configs on each event.
type CachedLoader struct {
	loader *Loader
	cache  ConfigCache
}

// NewCachedLoader creates a new cached loader
func NewCachedLoader(loader *Loader, cache ConfigCache) *CachedLoader {
	return &CachedLoader{loader: loader, cache: cache}
}

func cacheKey(localConfigPath, dir, profile string, isDaemon bool) string {
	key := localConfigPath
	if key == "" {
		// Without a local config the project follows the directory
		key = "_dir_" + profile + ":" + dir
	}
	if isDaemon {
		return key + "#daemon"
	}
	return key + "#cli"
}

// GetForFile gets config for a record file with caching. Files governed by
// the same local config share an entry.
func (cl *CachedLoader) GetForFile(filePath string, global *GlobalConfig, isDaemon bool) (*MergedConfig, error) {
	dir := filepath.Dir(filePath)
	localConfigPath, err := cl.loader.FindLocal(dir)
	if err != nil {
		return nil, err
	}

	key := cacheKey(localConfigPath, dir, global.ActiveProfile, isDaemon)
	if cached, ok := cl.cache.Get(key); ok {
		return cached, nil
	}

	merged, err := cl.loader.GetForFile(filePath, global, isDaemon)
	if err != nil {
		return nil, err
	}
	cl.cache.Set(key, merged)
	return merged, nil
}

// InvalidateLocalConfig drops the entries built from a local config file
func (cl *CachedLoader) InvalidateLocalConfig(configPath string) {
	cl.cache.Invalidate(configPath + "#daemon")
	cl.cache.Invalidate(configPath + "#cli")
}

// ClearCache clears all cached configs
func (cl *CachedLoader) ClearCache() {
	cl.cache.Clear()
}
