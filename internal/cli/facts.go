package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tempora/internal/model"
	"github.com/ppiankov/tempora/internal/pipeline"
)

var (
	assertFile     string
	validFrom      string
	validTo        string
	attribution    string
	source         string
	excerpt        string
	confidence     float64
	contradicts    bool
	retract        bool
	replacement    string
	observedAtFlag string
)

var assertCmd = &cobra.Command{
	Use:   "assert [subject predicate value]",
	Short: "Record a fact version",
	Long: `Assert records a value for (subject, predicate) with its valid time and
evidence. The store decides whether it creates, confirms, updates,
backfills or conflicts with the existing lineage.

With --file, every line of a JSON lines file is asserted concurrently.

Example:
  tempora assert user:alice lives_in Beijing --from 2023-01-01 --source chat:42 --confidence 0.8
  tempora assert user:alice lives_in Beijing --retract --replacement Shanghai --from 2024-06-01
  tempora assert --file drafts.jsonl`,
	Args: func(cmd *cobra.Command, args []string) error {
		if assertFile != "" {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(3)(cmd, args)
	},
	RunE: runAssert,
}

var attachCmd = &cobra.Command{
	Use:   "attach <fact-id>",
	Short: "Attach evidence to an existing fact version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		draft, err := evidenceDraft()
		if err != nil {
			return err
		}
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			ev, err := p.Attach(ctx, args[0], draft)
			if err != nil {
				return err
			}
			return printJSON(ev)
		})
	},
}

var evidenceCmd = &cobra.Command{
	Use:   "evidence <fact-id>",
	Short: "Show the evidence of a fact version and how its confidence is computed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			evs, breakdown, err := p.Evidence(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"evidence":   evs,
				"confidence": breakdown,
			})
		})
	},
}

var resolveConflictCmd = &cobra.Command{
	Use:   "resolve-conflict <subject> <predicate> <winner-fact-id>",
	Short: "Settle a conflict by naming the version that wins",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			res, err := p.ResolveConflict(ctx, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

func init() {
	rootCmd.AddCommand(assertCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(evidenceCmd)
	rootCmd.AddCommand(resolveConflictCmd)

	assertCmd.Flags().StringVar(&assertFile, "file", "", "assert every JSON draft in a JSON lines file")
	assertCmd.Flags().StringVar(&validFrom, "from", "", "start of the valid time (default: now)")
	assertCmd.Flags().StringVar(&validTo, "to", "", "end of the valid time (default: open)")
	assertCmd.Flags().StringVar(&attribution, "attribution", string(model.AttributionUser), "who asserts the fact (user, assistant, third_party)")
	assertCmd.Flags().BoolVar(&retract, "retract", false, "negate the current value instead of asserting it")
	assertCmd.Flags().StringVar(&replacement, "replacement", "", "value that replaces a retracted one")

	for _, c := range []*cobra.Command{assertCmd, attachCmd} {
		c.Flags().StringVar(&source, "source", "cli", "evidence source reference")
		c.Flags().StringVar(&excerpt, "excerpt", "", "text the fact was read from")
		c.Flags().Float64Var(&confidence, "confidence", 0.7, "evidence confidence in [0,1]")
		c.Flags().BoolVar(&contradicts, "contradicts", false, "evidence contradicts the version")
		c.Flags().StringVar(&observedAtFlag, "observed-at", "", "when the evidence was observed (default: now)")
	}
}

func evidenceDraft() (model.EvidenceDraft, error) {
	observed := time.Now().UTC()
	if observedAtFlag != "" {
		t, err := parseTime(observedAtFlag)
		if err != nil {
			return model.EvidenceDraft{}, err
		}
		observed = t
	}
	polarity := model.PolaritySupports
	if contradicts {
		polarity = model.PolarityContradicts
	}
	return model.EvidenceDraft{
		Source:     source,
		Excerpt:    excerpt,
		Confidence: confidence,
		Polarity:   polarity,
		ObservedAt: observed,
	}, nil
}

func runAssert(cmd *cobra.Command, args []string) error {
	if assertFile != "" {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			return assertBatch(ctx, p, assertFile)
		})
	}

	now := time.Now().UTC()
	draft := model.FactDraft{
		SubjectID:   args[0],
		Predicate:   args[1],
		Value:       args[2],
		ValidFrom:   now,
		AssertedAt:  now,
		Attribution: model.Attribution(attribution),
		Retract:     retract,
	}
	if validFrom != "" {
		t, err := parseTime(validFrom)
		if err != nil {
			return err
		}
		draft.ValidFrom = t
	}
	if validTo != "" {
		t, err := parseTime(validTo)
		if err != nil {
			return err
		}
		draft.ValidTo = &t
	}
	if replacement != "" {
		draft.Replacement = &replacement
	}
	ev, err := evidenceDraft()
	if err != nil {
		return err
	}
	draft.Evidence = []model.EvidenceDraft{ev}

	return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
		res, err := p.Assert(ctx, draft)
		if err != nil {
			return err
		}
		return printJSON(res)
	})
}

func assertBatch(ctx context.Context, p *pipeline.Pipeline, file string) error {
	fmt.Fprintf(os.Stderr, "⚙️  Asserting drafts from %s with %d workers...\n", file, p.Config().Worker.Workers)

	results, err := p.AssertFile(ctx, file)
	if err != nil {
		return fmt.Errorf("assert file: %w", err)
	}

	transitions := make(map[model.Transition]int)
	failures := 0
	for _, r := range results {
		if r.Error != nil {
			failures++
			fmt.Fprintf(os.Stderr, "✗ line %d (%s/%s): %v\n", r.Index+1, r.Draft.SubjectID, r.Draft.Predicate, r.Error)
			continue
		}
		transitions[r.Write.Transition]++
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Total:     %d drafts\n", len(results))
	fmt.Fprintf(os.Stderr, "  Success:   %d\n", len(results)-failures)
	fmt.Fprintf(os.Stderr, "  Failures:  %d\n", failures)
	fmt.Fprintf(os.Stderr, "\n")
	if err := printJSON(transitions); err != nil {
		return err
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d drafts failed", failures, len(results))
	}
	return nil
}
