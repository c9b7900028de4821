// Package cli implements the trackrank command line tool.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// options are shared by all subcommands.
type options struct {
	precision int
	verbose   bool
	out       io.Writer
}

// NewRootCommand builds the trackrank command tree writing results to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	opts := &options{out: out}

	root := &cobra.Command{
		Use:   "trackrank",
		Short: "Inspect and rerank music track search results",
		Long: `trackrank explains Solr relevance scores, merges result windows from
several search engines and applies business rules, offline against JSON
files. It uses the same code paths as the trackrankd service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.SetOut(out)

	root.PersistentFlags().IntVarP(&opts.precision, "precision", "p", 4, "decimal places in output numbers")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging on stderr")

	root.AddCommand(
		newExplainCommand(opts),
		newRerankCommand(opts),
		newRulesCommand(opts),
		newTokenCommand(opts),
	)
	return root
}

// Execute runs the command tree against the process arguments.
func Execute() int {
	if err := NewRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func readJSON(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func (o *options) printJSON(v any) error {
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
