// Package main provides the Muninn CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/orneryd/muninn/pkg/config"
	"github.com/orneryd/muninn/pkg/muninn"
	"github.com/orneryd/muninn/pkg/search"
	"github.com/orneryd/muninn/pkg/storage"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		configPath = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}
	setLogLevel(cfg.Logging.Level)
	return cfg, nil
}

func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

func openDB(configPath, dataDir string, scheduled bool) (*muninn.DB, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if !scheduled {
		cfg.Dreamer.Schedule = ""
	}
	return muninn.Open(dataDir, cfg)
}

func main() {
	var (
		configPath string
		dataDir    string
	)

	rootCmd := &cobra.Command{
		Use:   "muninn",
		Short: "Muninn - Self-Organizing Memory Substrate",
		Long: `Muninn ingests text and code into an addressable memory store,
tags and clusters it automatically in the background, and answers
literal and associative queries against the result.

Content goes in once; Muninn keeps it searchable, de-duplicated,
temporally organized, and increasingly well-labeled without per-item
curation.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to muninn.yaml (default: auto-discover)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the configured data directory")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Muninn v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	// Ingest command
	var (
		ingestSource     string
		ingestProvenance string
	)
	ingestCmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Ingest a file (or stdin) into the store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content []byte
			source := ingestSource
			if len(args) == 1 {
				data, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				content = data
				if source == "" {
					source = args[0]
				}
			} else {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				content = data
				if source == "" {
					source = "stdin"
				}
			}

			db, err := openDB(configPath, dataDir, false)
			if err != nil {
				return err
			}
			defer db.Close()

			result, err := db.Ingest(cmd.Context(), string(content), source, storage.Provenance(ingestProvenance))
			if err != nil {
				return err
			}
			fmt.Printf("ingested %s: %d new, %d deduplicated\n", source, result.NewAtoms, result.Deduplicated)
			return nil
		},
	}
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "source path recorded for the content (default: file path)")
	ingestCmd.Flags().StringVar(&ingestProvenance, "provenance", "internal", "provenance class: internal or external")
	rootCmd.AddCommand(ingestCmd)

	// Search command
	var (
		searchBuckets    []string
		searchBudget     int
		searchDeep       bool
		searchProvenance string
		searchShowHits   bool
	)
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the store and print assembled context",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(configPath, dataDir, false)
			if err != nil {
				return err
			}
			defer db.Close()

			resp, err := db.Search(cmd.Context(), search.Request{
				Query:      strings.Join(args, " "),
				Buckets:    searchBuckets,
				CharBudget: searchBudget,
				Deep:       searchDeep,
				Provenance: storage.Provenance(searchProvenance),
			})
			if err != nil {
				if errors.Is(err, muninn.ErrStoreUnavailable) {
					return fmt.Errorf("store unavailable: %w", err)
				}
				return err
			}
			if len(resp.Results) == 0 {
				fmt.Println("no results")
				return nil
			}
			if searchShowHits {
				for _, hit := range resp.Results {
					kind := "literal"
					if hit.Associative {
						kind = "associative via " + strings.Join(hit.Path, " > ")
					}
					fmt.Printf("%s  %.2f  %s  (%s)\n", hit.Atom.ID, hit.Score, hit.Atom.Source, kind)
				}
				return nil
			}
			fmt.Println(resp.Context)
			return nil
		},
	}
	searchCmd.Flags().StringSliceVar(&searchBuckets, "bucket", nil, "restrict to these buckets")
	searchCmd.Flags().IntVar(&searchBudget, "budget", 0, "character budget for assembled context (default: configured)")
	searchCmd.Flags().BoolVar(&searchDeep, "deep", false, "enable the associative tag walker")
	searchCmd.Flags().StringVar(&searchProvenance, "provenance", "", "restrict to one provenance class")
	searchCmd.Flags().BoolVar(&searchShowHits, "hits", false, "print ranked hits instead of assembled context")
	rootCmd.AddCommand(searchCmd)

	// Dream command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "dream",
		Short: "Run one reorganization cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(configPath, dataDir, false)
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := db.Dream(cmd.Context())
			if errors.Is(err, muninn.ErrCycleRunning) {
				fmt.Println("skipped: a cycle is already running")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("cycle done: analyzed %d, updated %d, episodes %d\n",
				report.Analyzed, report.Updated, report.Episodes)
			for _, stepErr := range report.StepErrors {
				fmt.Printf("  step failed (will retry next cycle): %s\n", stepErr)
			}
			return nil
		},
	})

	// Stats command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(configPath, dataDir, false)
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := db.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("atoms:     %d\n", stats.Atoms)
			fmt.Printf("summaries: %d\n", stats.Summaries)
			fmt.Printf("edges:     %d\n", stats.Edges)
			return nil
		},
	})

	// Run command: stay resident with the dream schedule active.
	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run resident with the configured dream schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(configPath, dataDir, true)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			fmt.Println("muninn running; ctrl-c to stop")
			<-ctx.Done()
			return nil
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
