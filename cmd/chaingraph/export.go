package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wouteroostervld/chaingraph/pkg/search"
)

func newExportCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <project>",
		Short: "Write a project's dependency graph as JSON nodes and edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(opts, func(e *search.Engine) error {
				export, err := e.Graph(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				var w io.Writer = cmd.OutOrStdout()
				if output != "" && output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				if err := export.Write(w); err != nil {
					return err
				}
				if w != cmd.OutOrStdout() {
					fmt.Fprintf(cmd.ErrOrStderr(), "✓ %d nodes, %d edges written to %s\n", len(export.Nodes), len(export.Edges), output)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}
