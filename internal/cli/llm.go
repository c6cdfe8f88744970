package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tempora/internal/pipeline"
)

var llmCmd = &cobra.Command{
	Use:   "llm",
	Short: "Inspect the disambiguation provider",
}

var llmCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the configured LLM provider is reachable",
	Long: `Check asks the configured provider whether it is configured and
answering. Without a provider, extraction keeps its rule results and the
check reports the LLM as disabled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			st := p.CheckLLM(ctx)
			if err := printJSON(st); err != nil {
				return err
			}
			if st.Enabled && !st.Available {
				return fmt.Errorf("provider %s is not reachable", st.Provider)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(llmCmd)
	llmCmd.AddCommand(llmCheckCmd)
}
