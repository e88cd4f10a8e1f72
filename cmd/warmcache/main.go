// Command warmcache downloads and verifies model weights into the shared cache.
// Run it at image build time so replicas start without network access.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joseph-ayodele/calls-transcriber/internal/cache"
	"github.com/joseph-ayodele/calls-transcriber/internal/common"
)

func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	cfg := common.LoadConfig()
	var (
		version  = flag.String("version", cfg.Model.Version, "model version to cache")
		dir      = flag.String("dir", cfg.Model.CacheDir, "cache root directory")
		url      = flag.String("url", cfg.Model.URL, "download URL override")
		sum      = flag.String("sha256", cfg.Model.SHA256, "expected SHA-256 of the weights")
		verify   = flag.Bool("verify", true, "re-hash an existing payload")
		attempts = flag.Int("attempts", 3, "download attempts")
	)
	flag.Parse()

	logger := common.NewLogger(cfg.Log, os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, ok := cache.Lookup(*version, *url); !ok {
		printError("Error: unknown model version %q and no --url given\n", *version)
		os.Exit(2)
	}

	w := cache.NewWarmer(cache.Options{
		Dir:      *dir,
		URL:      *url,
		SHA256:   *sum,
		Verify:   *verify,
		Timeout:  cfg.Model.DownloadTimeout,
		Attempts: *attempts,
	}, logger)
	path, err := w.EnsureCached(ctx, *version)
	if err != nil {
		printError("Error: warm cache: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(path)
}
