package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tempora/internal/pipeline"
)

var suppressionText string

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Inspect and maintain the entity registry",
}

var entityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered entities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			return printJSON(p.Entities())
		})
	},
}

var entityResolveCmd = &cobra.Command{
	Use:   "resolve <type> <surface>",
	Short: "Find the entity a surface form refers to",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			e, ok := p.Resolve(args[1], args[0])
			if !ok {
				return fmt.Errorf("no %s entity known as %q", args[0], args[1])
			}
			return printJSON(e)
		})
	},
}

var entityPruneCmd = &cobra.Command{
	Use:   "prune <entity-id> <alias>",
	Short: "Remove a superseded alias from an entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			if err := p.PruneAlias(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("✓ Removed alias %q from %s\n", args[1], args[0])
			return nil
		})
	},
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "List learned recognition patterns",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			return printJSON(p.Patterns())
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire unused learned patterns and enforce the pattern cap",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			report, err := p.Sweep(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	},
}

var suppressionsCmd = &cobra.Command{
	Use:   "suppressions",
	Short: "Show recorded suppression decisions",
	Long: `Suppressions lists the cliff demotions applied while observing text.
With --text only the decisions made for that exact text are shown.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			decisions, err := p.Suppressions(ctx, suppressionText)
			if err != nil {
				return err
			}
			return printJSON(decisions)
		})
	},
}

func init() {
	rootCmd.AddCommand(entityCmd, patternsCmd, sweepCmd, suppressionsCmd)
	entityCmd.AddCommand(entityListCmd, entityResolveCmd, entityPruneCmd)

	suppressionsCmd.Flags().StringVar(&suppressionText, "text", "", "only decisions made for this text")
}
