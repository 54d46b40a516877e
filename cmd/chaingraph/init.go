package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/wouteroostervld/chaingraph/pkg/config"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if path == "" {
				var err error
				if path, err = config.NewDefaultLoader().GlobalPath(); err != nil {
					return err
				}
			}

			_, statErr := os.Stat(path)
			switch {
			case statErr == nil && !force:
				fmt.Fprintln(cmd.OutOrStdout(), "Config already exists at", path)
			default:
				data, err := config.Marshal(config.DefaultGlobalConfig())
				if err != nil {
					return err
				}
				if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
					return err
				}
				if err := os.WriteFile(path, data, 0600); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "✓ Config written to", path)
			}

			return withApp(opts, func(a *app) error {
				database, err := a.openDatabase()
				if err != nil {
					return err
				}
				if created, _ := database.GetMeta("created_at"); created == "" {
					if err := database.SetMeta("created_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
						return err
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), "✓ Database ready at", database.Path())
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Embedding dimension: %d, schema: %s\n", database.EmbeddingDim(), database.SchemaMode())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}
