// Demo program walking through fact evolution and entity isolation
// against a throwaway store.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ppiankov/tempora/internal/config"
	"github.com/ppiankov/tempora/internal/model"
	"github.com/ppiankov/tempora/internal/pipeline"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fmt.Println("=== Tempora Demo ===")
	fmt.Println()

	dir, err := os.MkdirTemp("", "tempora-demo")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(dir) }()

	cfg := config.Default()
	cfg.Store.Path = filepath.Join(dir, "demo.db")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p, err := pipeline.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	if err := moves(ctx, p); err != nil {
		return err
	}
	if err := isolation(ctx, p); err != nil {
		return err
	}

	fmt.Println("\n=== Demo Complete ===")
	return nil
}

func moves(ctx context.Context, p *pipeline.Pipeline) error {
	fmt.Println("Alice moves from Beijing to Shanghai")
	fmt.Println(strings.Repeat("-", 60))

	jan23 := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	jun24 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, d := range []model.FactDraft{
		fact("user:alice", "lives_in", "Beijing", jan23, "chat:1"),
		fact("user:alice", "lives_in", "Shanghai", jun24, "chat:2"),
	} {
		res, err := p.Assert(ctx, d)
		if err != nil {
			return err
		}
		fmt.Printf("  assert %-9s -> %s\n", d.Value, res.Transition)
	}

	for _, at := range []time.Time{jan23.AddDate(-1, 0, 0), jan23.AddDate(0, 6, 0), jun24.AddDate(0, 1, 0)} {
		ans, err := p.AsOf(ctx, "user:alice", "lives_in", at)
		if err != nil {
			return err
		}
		value := "unknown"
		if ans.Known {
			value = ans.Value
		}
		fmt.Printf("  as of %s: %s\n", at.Format("2006-01-02"), value)
	}
	fmt.Println()
	return nil
}

func isolation(ctx context.Context, p *pipeline.Pipeline) error {
	fmt.Println("Confusable robots in one message")
	fmt.Println(strings.Repeat("-", 60))

	obs, err := p.Observe(ctx, "robot_1 handed the crate to robot_2 near city_12.")
	if err != nil {
		return err
	}
	for _, m := range obs.Mentions {
		mark := "✓"
		if m.Suppressed {
			mark = "⚠️ "
		}
		fmt.Printf("  %s %-8s %-8s conf=%.2f layer=%s\n", mark, m.Surface, m.Type, m.Confidence, m.Layer)
	}
	for _, d := range obs.Decisions {
		fmt.Printf("  suppressed %s in favour of %s (similarity %.2f)\n", d.LoserID, d.WinnerID, d.Similarity)
	}
	fmt.Printf("  registered %d new entities\n", len(obs.Registered))
	return nil
}

func fact(subject, predicate, value string, from time.Time, src string) model.FactDraft {
	return model.FactDraft{
		SubjectID:   subject,
		Predicate:   predicate,
		Value:       value,
		ValidFrom:   from,
		AssertedAt:  from,
		Attribution: model.AttributionUser,
		Evidence:    []model.EvidenceDraft{{Source: src, Confidence: 0.8, ObservedAt: from}},
	}
}
