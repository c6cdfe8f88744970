package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tempora/internal/pipeline"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Answer point-in-time questions about a (subject, predicate)",
	Long: `Query reads the fact lineage of one (subject, predicate).

Example:
  tempora query as-of user:alice lives_in 2023-06-01
  tempora query latest user:alice lives_in
  tempora query range user:alice lives_in 2023-01-01 2024-12-31
  tempora query history user:alice lives_in`,
}

var asOfCmd = &cobra.Command{
	Use:   "as-of <subject> <predicate> <time>",
	Short: "Value that held at a point in valid time",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		at, err := parseTime(args[2])
		if err != nil {
			return err
		}
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			ans, err := p.AsOf(ctx, args[0], args[1], at)
			if err != nil {
				return err
			}
			return printJSON(ans)
		})
	},
}

var latestCmd = &cobra.Command{
	Use:   "latest <subject> <predicate>",
	Short: "Current value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			ans, err := p.Latest(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(ans)
		})
	},
}

var rangeCmd = &cobra.Command{
	Use:   "range <subject> <predicate> <from> <to>",
	Short: "Versions whose valid time overlaps an interval",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseTime(args[2])
		if err != nil {
			return err
		}
		to, err := parseTime(args[3])
		if err != nil {
			return err
		}
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			versions, err := p.Range(ctx, args[0], args[1], from, to)
			if err != nil {
				return err
			}
			return printJSON(versions)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <subject> <predicate>",
	Short: "Every version in chain order",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			versions, err := p.History(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(versions)
		})
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.AddCommand(asOfCmd, latestCmd, rangeCmd, historyCmd)
}
