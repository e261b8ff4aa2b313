// Tierd answers questions over a clearance-gated document corpus.
//
// Usage:
//
//	# Start the HTTP server
//	tierd serve
//
//	# Show a user's effective clearance
//	tierd resolve alice
//
//	# Print the access filter for a clearance on one backend
//	tierd filter --backend qdrant --level CONFIDENTIAL --department eng
//
//	# Embed and index chunks from a JSON lines file
//	tierd index chunks.jsonl
//
// Configuration comes from ~/.config/tierd/config.yaml (or --config) and
// TIERD_* environment variables. See internal/config for the keys.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "Received signal %v, shutting down...\n", sig)
		cancel()
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "tierd",
		Short: "Clearance-aware retrieval and answering service",
		Long: `tierd answers questions from a document corpus without ever showing a
user a document above their clearance. It routes generation for sensitive
context to an internal model and caches answers by clearance tier.`,
		Version:      version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/tierd/config.yaml)")

	cmd.AddCommand(
		newServeCmd(opts),
		newResolveCmd(opts),
		newFilterCmd(opts),
		newIndexCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tierd by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
