package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joseph-ayodele/calls-transcriber/internal/cache"
	"github.com/joseph-ayodele/calls-transcriber/internal/common"
	"github.com/joseph-ayodele/calls-transcriber/internal/export"
	"github.com/joseph-ayodele/calls-transcriber/internal/ingest"
	"github.com/joseph-ayodele/calls-transcriber/internal/model"
	"github.com/joseph-ayodele/calls-transcriber/internal/notify"
	"github.com/joseph-ayodele/calls-transcriber/internal/repository"
	"github.com/joseph-ayodele/calls-transcriber/internal/runner"
	"github.com/joseph-ayodele/calls-transcriber/internal/scheduler"
	"github.com/joseph-ayodele/calls-transcriber/internal/server"
)

func main() {
	cfg := common.LoadConfig()
	logger := common.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("calls-transcriber stopped with error", "error", err, "fatal", errors.Is(err, common.ErrStartupFatal))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *common.Config, logger *slog.Logger) error {
	// model weights first: nothing is accepted without them
	warmer := cache.NewWarmer(cache.Options{
		Dir:     cfg.Model.CacheDir,
		URL:     cfg.Model.URL,
		SHA256:  cfg.Model.SHA256,
		Verify:  cfg.Model.VerifyOnStart,
		Timeout: cfg.Model.DownloadTimeout,
	}, logger.With("component", "cache"))
	weights, err := warmer.EnsureCached(ctx, cfg.Model.Version)
	if err != nil {
		return common.Classified(common.ErrStartupFatal, fmt.Errorf("warm model cache: %w", err))
	}

	exec := runner.Exec{Logger: logger.With("component", "runner")}
	scratch := filepath.Join(os.TempDir(), "calls-transcriber")
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return common.Classified(common.ErrStartupFatal, err)
	}

	handles := make([]model.Handle, 0, cfg.Scheduler.Slots)
	defer func() {
		for _, h := range handles {
			_ = h.Close()
		}
	}()
	for i := 0; i < cfg.Scheduler.Slots; i++ {
		h, err := model.Load(ctx, model.Options{
			WeightsPath: weights,
			Version:     cfg.Model.Version,
			Binary:      cfg.Model.WhisperBin,
			Threads:     cfg.Model.Threads,
			Language:    cfg.Model.Language,
			Diarize:     cfg.Model.Diarize,
			Timeout:     cfg.Model.InferenceTimeout,
			ScratchDir:  scratch,
			Runner:      exec,
		}, logger.With("component", "model", "slot", i))
		if err != nil {
			return err
		}
		// mono audio passes straight through; stereo calls are split per side
		handles = append(handles, model.NewSplitStereo(h, scratch, logger.With("component", "model", "slot", i)))
	}

	db, err := server.ConnectDB(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close(logger)
	jobs := repository.NewJobRepository(db, logger.With("component", "store"))

	spool, err := ingest.NewSpool(cfg.Ingest.SpoolDir)
	if err != nil {
		return common.Classified(common.ErrStartupFatal, err)
	}

	notifier := notify.New(notify.Options{
		MaxEvents:       cfg.Notify.EventBuffer,
		WebhookQueue:    cfg.Notify.WebhookQueue,
		WebhookAttempts: cfg.Notify.WebhookAttempts,
		WebhookTimeout:  cfg.Notify.WebhookTimeout,
	}, logger.With("component", "notify"))

	sched := scheduler.New(jobs, spool, notifier, handles, logger.With("component", "scheduler"),
		scheduler.WithMaxAttempts(cfg.Scheduler.MaxAttempts),
		scheduler.WithBackoff(cfg.Scheduler.BackoffBase, cfg.Scheduler.BackoffMax),
		scheduler.WithLease(cfg.Scheduler.LeaseTimeout, cfg.Scheduler.ReaperInterval),
		scheduler.WithStoreRetry(cfg.Scheduler.StoreWriteAttempts, 0),
		scheduler.WithRetainAudio(cfg.Ingest.RetainAudio),
	)

	var transcoder ingest.Transcoder
	if bin, err := runner.LookPath(firstNonEmpty(cfg.Ingest.FFmpegBin, "ffmpeg")); err == nil {
		transcoder = &ingest.FFmpeg{Bin: bin, ScratchDir: scratch, Runner: exec}
	} else {
		logger.Warn("ffmpeg not found; only 16 kHz 16-bit PCM WAV will be accepted", "error", err)
	}
	gateway := ingest.NewGateway(jobs, spool, sched, ingest.Options{
		MaxBytes:      cfg.Ingest.MaxBytes,
		MaxDuration:   cfg.Ingest.MaxDuration,
		ResetAttempts: cfg.Scheduler.ResetAttemptsOnResubmit,
		RetainAudio:   cfg.Ingest.RetainAudio,
		SplitStereo:   cfg.Ingest.SplitStereo,
		Transcoder:    transcoder,
	}, logger.With("component", "ingest"))

	var inbox *ingest.Inbox
	if cfg.Ingest.InboxDir != "" {
		if inbox, err = ingest.NewInbox(cfg.Ingest.InboxDir, gateway, logger.With("component", "inbox")); err != nil {
			return common.Classified(common.ErrStartupFatal, err)
		}
	}

	health := server.NewHealth(logger.With("component", "health"))
	healthLis, err := net.Listen("tcp", cfg.Server.GRPCHealthAddr)
	if err != nil {
		return common.Classified(common.ErrStartupFatal, fmt.Errorf("listen %s: %w", cfg.Server.GRPCHealthAddr, err))
	}
	go func() {
		if err := health.Serve(healthLis); err != nil {
			logger.Error("gRPC health serve error", "error", err)
		}
	}()
	defer health.Stop()

	// recovery runs before anything is accepted
	if err := sched.Recover(ctx); err != nil {
		return err
	}
	notifier.Start(context.WithoutCancel(ctx))
	sched.Start()

	api := server.NewHTTP(server.Deps{
		Submitter: gateway,
		Jobs:      jobs,
		Canceller: sched,
		Outcomes:  notifier,
		Exporter:  export.NewService(jobs, logger.With("component", "export")),
		Readiness: sched,
		MaxWait:   cfg.Server.MaxWait,
		MaxBody:   cfg.Ingest.MaxBytes + 1<<20,
	}, logger.With("component", "http"))
	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("calls-transcriber listening", "addr", cfg.Server.HTTPAddr, "model_version", cfg.Model.Version, "slots", len(handles), "split_stereo", cfg.Ingest.SplitStereo)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	inboxCtx, stopInbox := context.WithCancel(ctx)
	defer stopInbox()
	inboxDone := make(chan struct{})
	if inbox != nil {
		go func() {
			defer close(inboxDone)
			if err := inbox.Run(inboxCtx, ingest.WatchConfig{Debounce: cfg.Ingest.InboxDebounce}); err != nil {
				logger.Error("inbox watcher stopped", "error", err)
			}
		}()
	} else {
		close(inboxDone)
	}

	health.SetServing(true)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-httpErr:
		logger.Error("http server failed", "error", runErr)
	}

	health.SetServing(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// stop intake first, then drain inference, then deliveries
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	stopInbox()
	<-inboxDone
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown incomplete", "error", err)
	}
	if err := notifier.Shutdown(shutdownCtx); err != nil {
		logger.Warn("notifier shutdown incomplete", "error", err)
	}
	logger.Info("stopped")
	return runErr
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
