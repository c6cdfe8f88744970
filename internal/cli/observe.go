package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tempora/internal/pipeline"
)

var (
	inputFile string
	htmlInput bool
)

var observeCmd = &cobra.Command{
	Use:   "observe [text]",
	Short: "Recognize entity mentions, isolate confusable ones and learn from them",
	Long: `Observe runs the recognition layers over text, demotes confusable
candidates of the same type, registers confident mentions as entities and
feeds them to the pattern learner.

Text comes from the argument, --input, or stdin.

Example:
  tempora observe "robot_7 met project-A in city_12."
  tempora observe --input page.html --html`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readInput(args)
		if err != nil {
			return err
		}
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			var obs *pipeline.Observation
			if htmlInput {
				obs, err = p.ObserveHTML(ctx, text)
			} else {
				obs, err = p.Observe(ctx, text)
			}
			if err != nil {
				return err
			}
			if verbose {
				fmt.Fprintf(os.Stderr, "✓ %d mentions, %d suppressed, %d new entities, %d patterns induced\n",
					len(obs.Mentions), len(obs.Decisions), len(obs.Registered), len(obs.Learning.Induced))
			}
			return printJSON(obs)
		})
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract [text]",
	Short: "Recognize entity mentions without updating the store",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readInput(args)
		if err != nil {
			return err
		}
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			res, err := p.Extract(ctx, text)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var teachCmd = &cobra.Command{
	Use:   "teach <type> <surface>...",
	Short: "Confirm surfaces of one entity type for registration and pattern learning",
	Long: `Teach registers each surface as an entity of the given type and offers
them to the pattern learner as confirmed observations.

Example:
  tempora teach station "Alpha Station" "Bravo Station" "Delta Station"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			report, err := p.Teach(ctx, args[0], args[1:]...)
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	},
}

func init() {
	rootCmd.AddCommand(observeCmd, extractCmd, teachCmd)

	for _, c := range []*cobra.Command{observeCmd, extractCmd} {
		c.Flags().StringVarP(&inputFile, "input", "i", "", "read text from a file (- for stdin)")
	}
	observeCmd.Flags().BoolVar(&htmlInput, "html", false, "input is HTML; only visible text is observed")
}

func readInput(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	var (
		data []byte
		err  error
	)
	if inputFile == "" || inputFile == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(inputFile)
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("no input text")
	}
	return text, nil
}
