package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wouteroostervld/chaingraph/pkg/chunk"
	"github.com/wouteroostervld/chaingraph/pkg/db"
	"github.com/wouteroostervld/chaingraph/pkg/graph"
	"github.com/wouteroostervld/chaingraph/pkg/search"
)

// withEngine opens the store and query embedder for a read-only command
func withEngine(opts *rootOptions, fn func(e *search.Engine) error) error {
	return withApp(opts, func(a *app) error {
		database, err := a.openDatabase()
		if err != nil {
			return err
		}
		pipe, err := a.pipeline()
		if err != nil {
			return err
		}
		return fn(a.engine(database, pipe))
	})
}

type filterFlags struct {
	has        []string
	positions  []string
	types      []string
	inCycle    bool
	pathPrefix string
	minIn      int
	minOut     int
}

func (f *filterFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringSliceVar(&f.has, "has", nil, "require dependency kinds: imports, extends, implements, calls, uses")
	fl.StringSliceVar(&f.positions, "position", nil, "graph positions: root, leaf, intermediate, isolated")
	fl.StringSliceVar(&f.types, "type", nil, "chunk types: file, class, interface, method, function, field")
	fl.BoolVar(&f.inCycle, "in-cycle", false, "only chunks in (or with =false, not in) a dependency cycle")
	fl.StringVar(&f.pathPrefix, "path-prefix", "", "only chunks under this file path prefix")
	fl.IntVar(&f.minIn, "min-incoming", 0, "minimum incoming dependencies")
	fl.IntVar(&f.minOut, "min-outgoing", 0, "minimum outgoing dependencies")
}

// build returns nil when no filter flag was given
func (f *filterFlags) build(cmd *cobra.Command) (*db.MetadataFilter, error) {
	mf := &db.MetadataFilter{PathPrefix: f.pathPrefix}
	set := f.pathPrefix != ""
	yes := true

	for _, h := range f.has {
		set = true
		switch strings.ToLower(h) {
		case "imports":
			mf.HasImports = &yes
		case "extends":
			mf.HasExtends = &yes
		case "implements":
			mf.HasImplements = &yes
		case "calls":
			mf.HasCalls = &yes
		case "uses":
			mf.HasUses = &yes
		default:
			return nil, fmt.Errorf("unknown dependency kind %q", h)
		}
	}
	for _, p := range f.positions {
		set = true
		pos := graph.Position(strings.ToLower(p))
		switch pos {
		case graph.PositionRoot, graph.PositionLeaf, graph.PositionIntermediate, graph.PositionIsolated:
		default:
			return nil, fmt.Errorf("unknown graph position %q", p)
		}
		mf.Positions = append(mf.Positions, pos)
	}
	for _, t := range f.types {
		set = true
		mf.ChunkTypes = append(mf.ChunkTypes, chunk.ParseType(t))
	}
	if cmd.Flags().Changed("in-cycle") {
		set = true
		v := f.inCycle
		mf.InCycle = &v
	}
	if cmd.Flags().Changed("min-incoming") {
		set = true
		v := f.minIn
		mf.MinIncoming = &v
	}
	if cmd.Flags().Changed("min-outgoing") {
		set = true
		v := f.minOut
		mf.MinOutgoing = &v
	}
	if !set {
		return nil, nil
	}
	return mf, nil
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var (
		limit       int
		anchor      string
		alpha, beta float64
		filters     filterFlags
	)

	cmd := &cobra.Command{
		Use:   "search <project> <query>...",
		Short: "Vector search, optionally filtered by graph metadata or blended with graph distance",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, req := args[0], search.Request{Text: strings.Join(args[1:], " ")}
			mf, err := filters.build(cmd)
			if err != nil {
				return err
			}
			if mf != nil && anchor != "" {
				return fmt.Errorf("--anchor cannot be combined with metadata filters")
			}

			return withEngine(opts, func(e *search.Engine) error {
				ctx := cmd.Context()
				var (
					res *db.SearchResult
					err error
				)
				switch {
				case anchor != "":
					var a, b *float64
					if cmd.Flags().Changed("alpha") {
						a = &alpha
					}
					if cmd.Flags().Changed("beta") {
						b = &beta
					}
					res, err = e.CombinedSearch(ctx, project, req, anchor, a, b, limit)
				case mf != nil:
					res, err = e.FilteredSearch(ctx, project, req, mf, limit)
				default:
					res, err = e.VectorSearch(ctx, project, req, limit)
				}
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				printHits(cmd.OutOrStdout(), res.Hits, res.Degraded)
				return nil
			})
		},
	}
	fl := cmd.Flags()
	fl.IntVarP(&limit, "limit", "n", db.DefaultLimit, "maximum results")
	fl.StringVar(&anchor, "anchor", "", "node id to rank graph proximity against")
	fl.Float64Var(&alpha, "alpha", 0, "similarity weight for --anchor (default from config)")
	fl.Float64Var(&beta, "beta", 0, "proximity weight for --anchor (default from config)")
	filters.register(cmd)
	return cmd
}

func newRelatedCmd(opts *rootOptions) *cobra.Command {
	var (
		topK, maxHops, perHop int
		noRerank              bool
		deadline              time.Duration
	)

	cmd := &cobra.Command{
		Use:   "related <project> <query>...",
		Short: "Multi-hop retrieval: vector search expanded along dependency edges",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, req := args[0], search.Request{Text: strings.Join(args[1:], " ")}

			return withEngine(opts, func(e *search.Engine) error {
				o := e.Config().Retrieve
				fl := cmd.Flags()
				if fl.Changed("top-k") {
					o.TopK = topK
				}
				if fl.Changed("max-hops") {
					o.MaxHops = maxHops
				}
				if fl.Changed("per-hop") {
					o.PerHop = perHop
				}
				if noRerank {
					o.Rerank = false
				}
				if fl.Changed("deadline") {
					o.Deadline = deadline
				}

				res, err := e.Retrieve(cmd.Context(), project, req, &o)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				out := cmd.OutOrStdout()
				hop := -1
				for _, h := range res.Hits {
					if h.Hop != hop {
						hop = h.Hop
						fmt.Fprintf(out, "── hop %d\n", hop)
					}
					printHit(out, h.Hit)
				}
				if res.Truncated {
					fmt.Fprintf(out, "(deadline reached after %d hops)\n", res.Hops)
				}
				if res.Degraded {
					fmt.Fprintln(out, "(keyword matching: no embeddings available)")
				}
				return nil
			})
		},
	}
	fl := cmd.Flags()
	fl.IntVarP(&topK, "top-k", "k", 0, "initial vector search size")
	fl.IntVar(&maxHops, "max-hops", 0, "expansion hops")
	fl.IntVar(&perHop, "per-hop", 0, "neighbors kept per hop (0 = all)")
	fl.BoolVar(&noRerank, "no-rerank", false, "keep discovery order instead of similarity order")
	fl.DurationVar(&deadline, "deadline", 0, "wall-clock budget for the expansion")
	return cmd
}

func newDepsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deps <project> <node-id>",
		Short: "Show a chunk with its incoming and outgoing dependencies",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(opts, func(e *search.Engine) error {
				res, err := e.Chunk(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}

				out := cmd.OutOrStdout()
				c := res.Chunk
				fmt.Fprintf(out, "%s %s (%s) %s:%d-%d\n", c.ChunkType, c.QualifiedName, c.NodeID, c.FilePath, c.StartLine, c.EndLine)
				if md := c.GraphMetadata; md != nil {
					fmt.Fprintf(out, "  position %s, in %d, out %d, cycle %v\n", md.GraphPosition, md.IncomingCount, md.OutgoingCount, md.InCycle)
				}
				for _, edge := range res.Edges {
					dir, other := "→", edge.TargetID
					if edge.TargetID == c.NodeID {
						dir, other = "←", edge.SourceID
					}
					fmt.Fprintf(out, "  %s %-10s %s (strength %.0f)\n", dir, edge.Type, other, edge.Strength)
				}
				return nil
			})
		},
	}
}

func printHits(w io.Writer, hits []db.Hit, degraded bool) {
	if len(hits) == 0 {
		fmt.Fprintln(w, "No results")
		return
	}
	for _, h := range hits {
		printHit(w, h)
	}
	if degraded {
		fmt.Fprintln(w, "(keyword matching: no embeddings available)")
	}
}

func printHit(w io.Writer, h db.Hit) {
	r := h.Record
	if r == nil {
		fmt.Fprintf(w, "%.3f  %s\n", h.Score, h.ID())
		return
	}
	line := fmt.Sprintf("%.3f  %-9s %s  %s:%d-%d", h.Score, r.ChunkType, r.QualifiedName, r.FilePath, r.StartLine, r.EndLine)
	if h.GraphDistance != nil {
		line += fmt.Sprintf("  (distance %d)", *h.GraphDistance)
	}
	fmt.Fprintln(w, line)
}
