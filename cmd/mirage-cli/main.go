// Package main is the mirage operator CLI: load an experiment manifest,
// generate pairwise comparison tasks, and print a rating summary, all
// against the same store the API and worker use.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/mirage-run/mirage/internal/aggregator"
	"github.com/mirage-run/mirage/internal/manifest"
	"github.com/mirage-run/mirage/internal/pairwise"
	"github.com/mirage-run/mirage/internal/store"
)

const name = "mirage-cli"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()

	storeConfig := store.LoadConfig()
	if err := storeConfig.Validate(); err != nil {
		log.Fatalf("%s: invalid store configuration: %v", name, err)
	}

	conn, err := store.NewConnection(storeConfig)
	if err != nil {
		log.Fatalf("%s: connect to database: %v", name, err)
	}

	defer func() { _ = conn.Close() }()

	st := store.New(conn)

	switch os.Args[1] {
	case "apply":
		runApply(ctx, st, os.Args[2:])
	case "generate-pairs":
		runGeneratePairs(ctx, st, os.Args[2:])
	case "summary":
		runSummary(ctx, st, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s <command> [flags]

commands:
  apply           -manifest <path>           seed/resume an experiment from a manifest file
  generate-pairs  -experiment <experiment_id> generate pairwise comparison tasks
  summary         -experiment <experiment_id> print the current rating summary
`, name)
}

func runApply(ctx context.Context, st *store.Store, args []string) {
	fs := flag.NewFlagSet("apply", flag.ExitOnError)
	path := fs.String("manifest", "", "path to the manifest YAML file")
	_ = fs.Parse(args)

	if *path == "" {
		log.Fatal("apply: -manifest is required")
	}

	m, err := manifest.Load(*path)
	if err != nil {
		log.Fatalf("apply: %v", err)
	}

	result, err := manifest.Apply(ctx, st, m)
	if err != nil {
		log.Fatalf("apply: %v", err)
	}

	printJSON(result)
}

func runGeneratePairs(ctx context.Context, st *store.Store, args []string) {
	fs := flag.NewFlagSet("generate-pairs", flag.ExitOnError)
	experimentID := fs.String("experiment", "", "experiment id")
	_ = fs.Parse(args)

	if *experimentID == "" {
		log.Fatal("generate-pairs: -experiment is required")
	}

	generator := pairwise.NewGenerator(st)

	created, taskIDs, err := generator.GeneratePairs(ctx, *experimentID)
	if err != nil {
		log.Fatalf("generate-pairs: %v", err)
	}

	printJSON(struct {
		ExperimentID string   `json:"experiment_id"`
		TasksCreated int      `json:"tasks_created"`
		TaskIDs      []string `json:"task_ids"`
	}{*experimentID, created, taskIDs})
}

func runSummary(ctx context.Context, st *store.Store, args []string) {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	experimentID := fs.String("experiment", "", "experiment id")
	_ = fs.Parse(args)

	if *experimentID == "" {
		log.Fatal("summary: -experiment is required")
	}

	summarizer := aggregator.NewSummarizer(st)

	summary, err := summarizer.Summarize(ctx, *experimentID)
	if err != nil {
		log.Fatalf("summary: %v", err)
	}

	printJSON(summary)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		log.Fatalf("%s: encode output: %v", name, err)
	}
}
