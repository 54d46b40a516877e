package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

type rootOptions struct {
	configPath string
	profile    string
	verbose    bool
	jsonOut    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "chaingraph",
		Short:         "Hybrid vector and dependency-graph retrieval over code chunks",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			// API keys may live in a .env next to the invocation
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("Failed to load .env", "error", err)
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (default ~/.chaingraph/config.yaml)")
	pf.StringVar(&opts.profile, "profile", "", "profile to use instead of active_profile")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVar(&opts.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		newInitCmd(opts),
		newIngestCmd(opts),
		newSearchCmd(opts),
		newRelatedCmd(opts),
		newDepsCmd(opts),
		newExportCmd(opts),
		newStatusCmd(opts),
		newDaemonCmd(opts),
		newServeCmd(opts),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp loads the configuration, runs fn and releases what fn opened
func withApp(opts *rootOptions, fn func(a *app) error) error {
	a, err := loadApp(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer a.Close()
	return fn(a)
}
