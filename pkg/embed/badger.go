package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures the persistent embedding cache
type BadgerConfig struct {
	// Path is the directory for the cache files. Ignored when InMemory.
	Path string

	// InMemory keeps the cache in memory only, for tests
	InMemory bool

	// Namespace separates entries of different embedding models
	Namespace string

	// Logger receives badger's internal logs; nil disables them
	Logger *slog.Logger
}

// BadgerCache is a persistent embedding cache backed by BadgerDB
type BadgerCache struct {
	db     *badger.DB
	prefix []byte
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadgerCache opens or creates the cache directory
func OpenBadgerCache(cfg BadgerConfig) (*BadgerCache, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent embedding cache")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0700); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}

	return &BadgerCache{db: db, prefix: []byte("embed:" + cfg.Namespace + ":")}, nil
}

func (c *BadgerCache) key(k string) []byte {
	return append(append([]byte(nil), c.prefix...), k...)
}

func (c *BadgerCache) Get(_ context.Context, key string) ([]float32, bool) {
	var vec []float32
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.key(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v, err := DecodeVector(val)
			if err != nil {
				return err
			}
			vec = v
			return nil
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			slog.Warn("Embedding cache read failed", "error", err)
		}
		return nil, false
	}
	return vec, true
}

func (c *BadgerCache) Put(_ context.Context, key string, vec []float32) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(c.key(key), EncodeVector(vec))
	})
	if err != nil {
		slog.Warn("Embedding cache write failed", "error", err)
	}
}

// Len counts the entries in this cache's namespace
func (c *BadgerCache) Len() (int, error) {
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = c.prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close flushes and closes the underlying database
func (c *BadgerCache) Close() error {
	return c.db.Close()
}
