// Command migrate applies the versioned transcription_jobs schema.
//
//	migrate up | down | steps N | version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joseph-ayodele/calls-transcriber/db/migrations"
	"github.com/joseph-ayodele/calls-transcriber/internal/common"
	"github.com/joseph-ayodele/calls-transcriber/internal/server"
)

func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	flag.Usage = func() {
		printError("usage: migrate [up|down|steps N|version]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "up"
	}

	cfg := common.LoadConfig()
	logger := common.NewLogger(cfg.Log, os.Stderr)
	if cfg.Database.DSN == "" {
		printError("Error: DB_URL env var is required\n")
		os.Exit(2)
	}

	ctx := context.Background()
	db, err := server.ConnectDB(ctx, cfg.Database, logger)
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close(logger)

	dialect := cfg.Database.Driver
	switch cmd {
	case "up":
		err = migrations.Up(db.SQL, dialect)
	case "down":
		err = migrations.Down(db.SQL, dialect)
	case "steps":
		n, perr := strconv.Atoi(flag.Arg(1))
		if perr != nil || n == 0 {
			printError("Error: steps needs a non-zero integer\n")
			os.Exit(2)
		}
		err = migrations.Steps(db.SQL, dialect, n)
	case "version":
		v, dirty, ok, verr := migrations.Version(db.SQL, dialect)
		if verr != nil {
			err = verr
			break
		}
		if !ok {
			fmt.Println("no migrations applied")
			return
		}
		fmt.Printf("version %d (dirty=%v)\n", v, dirty)
		return
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		printError("Error: migrate %s: %v\n", cmd, err)
		os.Exit(1)
	}
	logger.Info("migration complete", "command", cmd, "driver", dialect)
}
