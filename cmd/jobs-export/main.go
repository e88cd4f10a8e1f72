package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joseph-ayodele/calls-transcriber/constants"
	"github.com/joseph-ayodele/calls-transcriber/internal/common"
	"github.com/joseph-ayodele/calls-transcriber/internal/entity"
	"github.com/joseph-ayodele/calls-transcriber/internal/export"
	repo "github.com/joseph-ayodele/calls-transcriber/internal/repository"
	"github.com/joseph-ayodele/calls-transcriber/internal/server"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		out      = flag.String("out", "jobs.xlsx", "output XLSX file path")
		stateStr = flag.String("state", "", "only jobs in this state (QUEUED, RUNNING, SUCCEEDED, FAILED)")
		fromStr  = flag.String("from", "", "submitted on or after YYYY-MM-DD")
		toStr    = flag.String("to", "", "submitted on or before YYYY-MM-DD")
		limit    = flag.Int("limit", 0, "maximum rows (0 = all)")
	)
	flag.Parse()

	filter := entity.JobFilter{State: constants.JobState(strings.ToUpper(*stateStr)), Limit: *limit}
	if filter.State != "" && !filter.State.Valid() {
		printError("Error: unknown --state %q\n", *stateStr)
		os.Exit(1)
	}
	if *fromStr != "" {
		parsed, err := time.Parse("2006-01-02", *fromStr)
		if err != nil {
			printError("Error: invalid --from date format, use YYYY-MM-DD: %v\n", err)
			os.Exit(1)
		}
		filter.From = &parsed
	}
	if *toStr != "" {
		parsed, err := time.Parse("2006-01-02", *toStr)
		if err != nil {
			printError("Error: invalid --to date format, use YYYY-MM-DD: %v\n", err)
			os.Exit(1)
		}
		// the upper bound is exclusive: stop at the next midnight
		end := parsed.AddDate(0, 0, 1)
		filter.To = &end
	}

	cfg := common.LoadConfig()
	logger := common.NewLogger(cfg.Log, os.Stderr)
	ctx := context.Background()

	db, err := server.ConnectDB(ctx, cfg.Database, logger)
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close(logger)

	svc := export.NewService(repo.NewJobRepository(db, logger), logger)
	xlsx, err := svc.ExportJobsXLSX(ctx, filter)
	if err != nil {
		printError("Error: export: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, xlsx, 0o644); err != nil {
		printError("Error: write %s: %v\n", *out, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s (%d bytes)\n", *out, len(xlsx))
}
