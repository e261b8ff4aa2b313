package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/fyrsmithlabs/tierd/internal/accessfilter"
	"github.com/fyrsmithlabs/tierd/internal/clearance"
	"github.com/fyrsmithlabs/tierd/internal/retrieval"
)

func newResolveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <user-id>",
		Short: "Show a user's effective clearance",
		Long: `Resolve a user's effective clearance from the permission database,
applying every override active now.

Examples:
  tierd resolve alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := initDependencies(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			defer deps.Close(context.Background())

			cl, err := deps.clearanceService(cmd.Context())
			if err != nil {
				return err
			}
			eff, err := cl.ResolveUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printEffective(cmd.OutOrStdout(), eff)
		},
	}
}

func printEffective(out io.Writer, eff clearance.Effective) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "user:\t%s\n", eff.UserID)
	fmt.Fprintf(w, "org level:\t%s\n", eff.OrgValue)
	if eff.DepartmentID != "" {
		fmt.Fprintf(w, "department:\t%s (%s)\n", eff.DepartmentID, eff.DeptValue)
	} else {
		fmt.Fprintf(w, "department:\t-\n")
	}
	expires := "-"
	if !eff.ExpiresAt.IsZero() {
		expires = eff.ExpiresAt.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(w, "expires:\t%s\n", expires)
	fmt.Fprintf(w, "default:\t%t\n", eff.FromDefault)
	return w.Flush()
}

type filterOptions struct {
	backend    string
	level      string
	department string
	user       string
}

func newFilterCmd(root *rootOptions) *cobra.Command {
	opts := &filterOptions{}
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Print the access filter for a clearance",
		Long: `Print the metadata filter a backend receives for a clearance. The
clearance is either given with --level and --department or resolved for
--user from the permission database.

Examples:
  tierd filter --backend qdrant --level CONFIDENTIAL --department eng
  tierd filter --backend sql --user alice`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backend, err := accessfilter.ParseBackend(opts.backend)
			if err != nil {
				return err
			}
			pred, err := filterPredicate(cmd.Context(), root, opts)
			if err != nil {
				return err
			}
			out, err := accessfilter.Translate(backend, pred)
			if err != nil {
				return err
			}
			return printFilter(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&opts.backend, "backend", string(accessfilter.BackendCEL),
		fmt.Sprintf("filter grammar, one of %v", accessfilter.Backends()))
	cmd.Flags().StringVar(&opts.level, "level", "", "clearance level (GENERAL, RESTRICTED, CONFIDENTIAL, HIGHLY_CONFIDENTIAL)")
	cmd.Flags().StringVar(&opts.department, "department", "", "requester department")
	cmd.Flags().StringVar(&opts.user, "user", "", "resolve the clearance of this user instead")
	cmd.MarkFlagsMutuallyExclusive("level", "user")
	cmd.MarkFlagsOneRequired("level", "user")
	return cmd
}

func filterPredicate(ctx context.Context, root *rootOptions, opts *filterOptions) (accessfilter.Predicate, error) {
	if opts.user == "" {
		level, err := clearance.ParseLevel(opts.level)
		if err != nil {
			return nil, err
		}
		return accessfilter.Build(level, opts.department)
	}

	deps, err := initDependencies(ctx, root.configPath)
	if err != nil {
		return nil, err
	}
	defer deps.Close(context.Background())
	cl, err := deps.clearanceService(ctx)
	if err != nil {
		return nil, err
	}
	eff, err := cl.ResolveUser(ctx, opts.user)
	if err != nil {
		return nil, err
	}
	return accessfilter.ForClearance(eff)
}

func printFilter(out io.Writer, filter any) error {
	var (
		data []byte
		err  error
	)
	switch f := filter.(type) {
	case string:
		_, err = fmt.Fprintln(out, f)
		return err
	case *qdrant.Filter:
		data, err = protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(f)
	case accessfilter.SQLFilter:
		data, err = json.MarshalIndent(struct {
			Where string `json:"where"`
			Args  []any  `json:"args"`
		}{f.Where, f.Args}, "", "  ")
	default:
		data, err = json.MarshalIndent(f, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encoding filter: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

// indexRecord is one line of an index input file.
type indexRecord struct {
	ID               string          `json:"id"`
	Content          string          `json:"content"`
	SecurityLevel    clearance.Level `json:"security_level"`
	IsDepartmentOnly bool            `json:"is_department_only"`
	DepartmentID     string          `json:"department_id"`
}

const maxIndexLine = 1 << 20

func newIndexCmd(opts *rootOptions) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "index <file>",
		Short: "Embed and index chunks from a JSON lines file",
		Long: `Embed chunks and write them to the configured retrieval backend. Each
line is an object with id, content, security_level, is_department_only and
department_id. Use - to read standard input.

Examples:
  tierd index chunks.jsonl
  cat chunks.jsonl | tierd index -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			chunks, err := readChunks(in)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			deps, err := initDependencies(ctx, opts.configPath)
			if err != nil {
				return err
			}
			defer deps.Close(context.Background())

			embedder, err := deps.embeddingProvider(ctx)
			if err != nil {
				return err
			}
			r, err := deps.retriever(ctx)
			if err != nil {
				return err
			}
			n, err := indexChunks(ctx, embedder, r, chunks, batch)
			if err != nil {
				return err
			}
			deps.logger.Info(ctx, "indexed chunks",
				zap.Int("count", n), zap.String("backend", string(r.Backend())))
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d chunks into %s\n", n, r.Backend())
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 64, "chunks embedded per request")
	return cmd
}

// readChunks parses and validates every line before anything is indexed.
func readChunks(r io.Reader) ([]retrieval.Chunk, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxIndexLine)
	var chunks []retrieval.Chunk
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec indexRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		doc := accessfilter.Document{
			ID:               rec.ID,
			SecurityLevel:    rec.SecurityLevel,
			IsDepartmentOnly: rec.IsDepartmentOnly,
			DepartmentID:     rec.DepartmentID,
		}
		if err := doc.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		chunks = append(chunks, retrieval.Chunk{Document: doc, Content: rec.Content})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading chunks: %w", err)
	}
	return chunks, nil
}

// documentEmbedder is the part of the embedding provider indexing needs.
type documentEmbedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

func indexChunks(ctx context.Context, embedder documentEmbedder, r retrieval.Retriever, chunks []retrieval.Chunk, batch int) (int, error) {
	if batch <= 0 {
		batch = 64
	}
	done := 0
	for start := 0; start < len(chunks); start += batch {
		part := chunks[start:min(start+batch, len(chunks))]
		texts := make([]string, len(part))
		for i, c := range part {
			texts[i] = c.Content
		}
		vectors, err := embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return done, fmt.Errorf("embedding chunks %d-%d: %w", start, start+len(part)-1, err)
		}
		if err := r.Index(ctx, part, vectors); err != nil {
			return done, fmt.Errorf("indexing chunks %d-%d: %w", start, start+len(part)-1, err)
		}
		done += len(part)
	}
	return done, nil
}
