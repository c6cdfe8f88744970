package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tempora/internal/config"
	"github.com/ppiankov/tempora/internal/logger"
	"github.com/ppiankov/tempora/internal/pipeline"
)

// Version is set at build time
var Version = "v0.1.0"

var (
	cfgFile  string
	dbPath   string
	apiKey   string
	verbose  bool
	jsonLogs bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tempora",
	Short: "Tempora - temporal memory store with entity isolation",
	Long: `Tempora records facts about subjects with the time they held, the
evidence behind them and how they changed, and answers point-in-time
questions over that history.

It also recognizes entity mentions in free text, learns recognition
patterns from confirmed mentions, and keeps confusable entities of the
same type from bleeding into each other.

Unknown is an answer, not an error.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "warn"
		if verbose {
			level = "debug"
		}
		return logger.Initialize(jsonLogs, level)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tempora %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.tempora/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "store database path (overrides store.path)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "LLM API key (overrides environment and config file)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit logs as JSON")

	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file and TEMPORA_* overrides, then applies flags
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	if err := logger.Initialize(jsonLogs || cfg.Log.JSON, level); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// openPipeline opens the store named by the configuration. Callers close it.
func openPipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	var opts []pipeline.Option
	if apiKey != "" {
		opts = append(opts, pipeline.WithAPIKey(apiKey))
	}
	return pipeline.Open(ctx, cfg, opts...)
}

// withPipeline runs fn against an opened pipeline and closes it afterwards
func withPipeline(fn func(ctx context.Context, p *pipeline.Pipeline) error) error {
	ctx := context.Background()
	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()
	return fn(ctx, p)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseTime accepts RFC 3339 timestamps and plain dates (UTC midnight)
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}
