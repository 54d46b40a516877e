package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wouteroostervld/chaingraph/pkg/db"
)

type projectStatus struct {
	Project string    `json:"project"`
	Stats   *db.Stats `json:"stats"`
}

type statusReport struct {
	Database     string               `json:"database"`
	Schema       db.SchemaMode        `json:"schema"`
	EmbeddingDim int                  `json:"embedding_dim"`
	Embedder     string               `json:"embedder"`
	Jobs         map[db.JobStatus]int `json:"jobs"`
	Projects     []projectStatus      `json:"projects"`
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show database, queue and per-project statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				if _, err := os.Stat(a.profile.Database.Path); err != nil {
					return fmt.Errorf("no database at %s, run `chaingraph init` or ingest first", a.profile.Database.Path)
				}
				database, err := a.openDatabase()
				if err != nil {
					return err
				}
				ctx := cmd.Context()

				report := statusReport{
					Database:     database.Path(),
					Schema:       database.SchemaMode(),
					EmbeddingDim: database.EmbeddingDim(),
					Embedder:     a.profile.Embedder.Backend + "/" + a.profile.Embedder.Model,
				}
				if report.Jobs, err = database.JobCounts(ctx); err != nil {
					return err
				}
				projects, err := database.Projects(ctx)
				if err != nil {
					return err
				}
				engine := a.engine(database, nil)
				for _, p := range projects {
					stats, err := engine.Stats(ctx, p)
					if err != nil {
						return err
					}
					report.Projects = append(report.Projects, projectStatus{Project: p, Stats: stats})
				}

				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), report)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Database:  %s (schema %s, dim %d)\n", report.Database, report.Schema, report.EmbeddingDim)
				fmt.Fprintf(out, "Embedder:  %s\n", report.Embedder)
				fmt.Fprintf(out, "Jobs:      %d pending, %d processing, %d done, %d failed\n",
					report.Jobs[db.JobPending], report.Jobs[db.JobProcessing], report.Jobs[db.JobDone], report.Jobs[db.JobFailed])
				if len(report.Projects) == 0 {
					fmt.Fprintln(out, "No projects ingested yet")
				}
				for _, p := range report.Projects {
					s := p.Stats
					fmt.Fprintf(out, "\n%s\n  chunks %d (embedded %d), edges %d, in cycle %d, orphans %d\n",
						p.Project, s.Chunks, s.Embedded, s.Edges, s.InCycle, s.Orphans)
					for _, t := range sortedKeys(s.EdgeTypes) {
						fmt.Fprintf(out, "  %-10s %d\n", t, s.EdgeTypes[t])
					}
				}
				return nil
			})
		},
	}
}
