package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wouteroostervld/chaingraph/pkg/api"
	"github.com/wouteroostervld/chaingraph/pkg/config"
	"github.com/wouteroostervld/chaingraph/pkg/db"
	"github.com/wouteroostervld/chaingraph/pkg/embed"
	"github.com/wouteroostervld/chaingraph/pkg/filter"
	"github.com/wouteroostervld/chaingraph/pkg/indexer"
	"github.com/wouteroostervld/chaingraph/pkg/watcher"
	"github.com/wouteroostervld/chaingraph/pkg/worker"
)

// projectIngester re-ingests every record file of a project whenever one of
// them changes, since each ingestion replaces the project snapshot
type projectIngester struct {
	app      *app
	store    db.Store
	pipeline *embed.Pipeline
	configs  *config.CachedLoader
	watcher  *watcher.RecordWatcher
}

func (p *projectIngester) IngestFile(ctx context.Context, project, path string) (*indexer.Report, error) {
	merged, err := p.configs.GetForFile(path, p.app.global, true)
	if err != nil {
		return nil, err
	}
	idx, err := indexer.New(p.app.indexerConfig(merged), p.store, p.pipeline)
	if err != nil {
		return nil, err
	}

	files, err := p.projectFiles(project)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		files = []string{path}
	}
	report, err := idx.IngestFiles(ctx, project, files)
	if err != nil {
		return nil, err
	}
	slog.Info("Project ingested", "project", project, "files", len(files), "stored", report.Stored,
		"edges", report.Edges, "duration", report.Duration)
	return report, nil
}

// projectFiles lists the record files in every directory watched for project
func (p *projectIngester) projectFiles(project string) ([]string, error) {
	var files []string
	for dir, owner := range p.watcher.Watched() {
		if owner != project {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && filter.IsRecordFile(e.Name()) {
				files = append(files, filepath.Join(dir, e.Name()))
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// watchIncludes walks the include roots and watches every directory that
// is not excluded, each for the project its config resolves to
func watchIncludes(a *app, configs *config.CachedLoader, w *watcher.RecordWatcher) (int, error) {
	var roots []string
	for _, inc := range a.profile.Include {
		abs, err := config.NormalizePath(inc)
		if err != nil {
			return 0, err
		}
		roots = append(roots, abs)
	}

	watched := 0
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				slog.Warn("Skipping unreadable path", "path", path, "error", err)
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.IsDir() {
				return nil
			}
			merged, err := configs.GetForFile(filepath.Join(path, "_"), a.global, true)
			if err != nil {
				return err
			}
			ok, err := filter.ShouldWatchDirectory(path, roots, merged.Exclude)
			if err != nil {
				return err
			}
			if !ok {
				return filepath.SkipDir
			}
			if err := w.Watch(merged.Project, path); err != nil {
				slog.Warn("Failed to watch directory", "path", path, "error", err)
				return nil
			}
			slog.Debug("Watching", "path", path, "project", merged.Project)
			watched++
			return nil
		})
		if err != nil {
			return watched, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	return watched, nil
}

func newDaemonCmd(opts *rootOptions) *cobra.Command {
	var (
		serve bool
		addr  string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Watch record directories and ingest changes in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				ctx, cancel := signalContext(cmd.Context())
				defer cancel()
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "🚀 Starting chaingraph daemon...")

				prov, stop, err := a.startTelemetry(ctx)
				if err != nil {
					return err
				}
				defer stop()

				database, err := a.openDatabase()
				if err != nil {
					return err
				}
				if err := database.HealthCheck(); err != nil {
					return fmt.Errorf("database health check: %w", err)
				}
				fmt.Fprintf(out, "✓ Database ready at %s\n", database.Path())

				pipe, err := a.pipeline()
				if err != nil {
					return err
				}
				if pipe == nil {
					slog.Warn("No embedder configured, chunks are stored without embeddings")
				} else if oc, ok := pipe.Embedder().(*embed.OllamaClient); ok {
					if err := oc.Ping(ctx); err != nil {
						slog.Warn("Ollama not available, embedding falls back or is skipped until it is", "error", err)
					} else {
						fmt.Fprintln(out, "✓ Ollama connected")
					}
				}

				w, err := watcher.New(&watcher.Config{
					DebounceDelay: a.profile.Worker.Debounce,
					Queue:         database,
					OnChange: func(project, path string) {
						slog.Debug("Queued record file", "project", project, "path", path)
					},
				})
				if err != nil {
					return err
				}
				defer w.Close()

				configs := config.NewCachedLoader(a.loader, config.NewMemoryCache(0))
				watched, err := watchIncludes(a, configs, w)
				if err != nil {
					return err
				}
				if watched == 0 {
					slog.Warn("No directories being watched. Add include paths to the config")
				}
				queued, err := w.Scan(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Watching %d directories, %d record files queued\n", watched, queued)

				wk := worker.NewIngestWorker(&worker.Config{
					Queue: database,
					Ingester: &projectIngester{
						app:      a,
						store:    database,
						pipeline: pipe,
						configs:  configs,
						watcher:  w,
					},
					PollInterval:  a.profile.Worker.PollInterval,
					BatchSize:     a.profile.Worker.BatchSize,
					MaxRetries:    a.profile.Worker.MaxRetries,
					SweepSchedule: a.profile.Worker.SweepSchedule,
				})

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return wk.Start(gctx) })
				g.Go(func() error { return w.Start(gctx) })
				g.Go(func() error {
					reportQueue(gctx, database)
					return nil
				})
				if serve {
					if addr == "" {
						addr = a.profile.Server.Addr
					}
					server := api.New(a.engine(database, pipe), prov.Handler())
					g.Go(func() error { return server.Run(gctx, addr) })
				}

				fmt.Fprintln(out, "✅ Daemon running. Press Ctrl+C to stop.")
				err = g.Wait()
				fmt.Fprintln(out, "🛑 Shutting down")
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&serve, "serve", false, "also serve the query API")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address for --serve (default from config)")
	return cmd
}

// reportQueue logs the job queue state periodically
func reportQueue(ctx context.Context, q db.JobQueue) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := q.JobCounts(ctx)
			if err != nil {
				slog.Error("Failed to count jobs", "error", err)
				continue
			}
			slog.Info("Queue status",
				"pending", counts[db.JobPending],
				"processing", counts[db.JobProcessing],
				"done", counts[db.JobDone],
				"failed", counts[db.JobFailed])
		}
	}
}
