package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wouteroostervld/chaingraph/pkg/config"
	"github.com/wouteroostervld/chaingraph/pkg/filter"
	"github.com/wouteroostervld/chaingraph/pkg/indexer"
	"github.com/wouteroostervld/chaingraph/pkg/watcher"
)

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var (
		project string
		queue   bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <record-file|dir>...",
		Short: "Ingest chunk record files into their projects",
		Long: `Ingest reads chunk records (JSON lines or a JSON array) produced by the
parser and replaces each project's snapshot with the union of its files.
The project is taken from --project, else from the nearest .chaingraph.yaml,
else from the name of the directory holding the records.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				files, err := expandRecordFiles(args)
				if err != nil {
					return err
				}

				groups := map[string][]string{}
				merged := map[string]*config.MergedConfig{}
				for _, f := range files {
					m, err := a.loader.GetForFile(f, a.global, false)
					if err != nil {
						return err
					}
					p := m.Project
					if project != "" {
						p = project
					}
					groups[p] = append(groups[p], f)
					if _, ok := merged[p]; !ok {
						merged[p] = m
					}
				}

				database, err := a.openDatabase()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()

				if queue {
					for p, paths := range groups {
						for _, path := range paths {
							hash, err := watcher.HashFile(path)
							if err != nil {
								return err
							}
							queued, err := database.EnqueueJob(cmd.Context(), p, path, hash)
							if err != nil {
								return err
							}
							if queued {
								fmt.Fprintf(out, "Queued %s for %s\n", path, p)
							} else {
								fmt.Fprintf(out, "Unchanged %s\n", path)
							}
						}
					}
					return nil
				}

				pipe, err := a.pipeline()
				if err != nil {
					return err
				}

				for _, p := range sortedKeys(groups) {
					idx, err := indexer.New(a.indexerConfig(merged[p]), database, pipe)
					if err != nil {
						return err
					}
					report, err := idx.IngestFiles(cmd.Context(), p, groups[p])
					if err != nil {
						return fmt.Errorf("ingest %s: %w", p, err)
					}
					if opts.jsonOut {
						if err := printJSON(out, report); err != nil {
							return err
						}
						continue
					}
					printReport(out, report)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "project id for all given files")
	cmd.Flags().BoolVar(&queue, "queue", false, "queue the files for a running daemon instead of ingesting")
	return cmd
}

// expandRecordFiles replaces directories by the record files directly inside them
func expandRecordFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, abs)
			continue
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && filter.IsRecordFile(e.Name()) {
				files = append(files, filepath.Join(abs, e.Name()))
			}
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no record files in %s", strings.Join(args, ", "))
	}
	return files, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printReport(w io.Writer, r *indexer.Report) {
	fmt.Fprintf(w, "✓ %s: %d chunks stored, %d edges (%s)\n", r.Project, r.Stored, r.Edges, r.Duration.Round(1e6))
	fmt.Fprintf(w, "  records %d, skipped %d, filtered %d, orphans %d\n", r.Records, r.Skipped, r.Filtered, r.Orphans)
	fmt.Fprintf(w, "  unresolved %d, unparseable %d, cycles %d\n", r.Unresolved, r.Unparseable, len(r.Cycles))
	fmt.Fprintf(w, "  embedded %d (cache hits %d), failed %d, substituted %d, dimension rejected %d\n",
		r.Embedded, r.CacheHits, r.EmbeddingFailed, r.Substituted, r.DimensionRejected)
}
