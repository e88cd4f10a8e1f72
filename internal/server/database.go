package server

import (
	"context"
	"log/slog"

	"github.com/joseph-ayodele/calls-transcriber/internal/common"
	repo "github.com/joseph-ayodele/calls-transcriber/internal/repository"
)

// ConnectDB opens the job store described by cfg and pings it. Failure at this
// point is fatal for the daemon.
func ConnectDB(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*repo.DB, error) {
	logger.Info("connecting to database", "driver", cfg.Driver)
	db, err := repo.Open(ctx, repo.Config{
		Driver:           cfg.Driver,
		DSN:              cfg.DSN,
		MaxConns:         cfg.MaxConns,
		MinConns:         cfg.MinConns,
		MaxConnLifetime:  cfg.MaxConnLifetime,
		MaxConnIdleTime:  cfg.MaxConnIdleTime,
		DialTimeout:      cfg.DialTimeout,
		StatementTimeout: cfg.StatementTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, common.Classified(common.ErrStartupFatal, err)
	}

	if err := PingDB(ctx, db, logger, cfg); err != nil {
		db.Close(logger)
		return nil, common.Classified(common.ErrStartupFatal, err)
	}
	logger.Info("successfully connected to database")
	return db, nil
}

// PingDB pings the database to ensure it's responsive
func PingDB(ctx context.Context, db *repo.DB, logger *slog.Logger, cfg common.DatabaseConfig) error {
	if err := repo.HealthCheck(ctx, db, cfg.DialTimeout, logger); err != nil {
		logger.Error("database ping failed", "error", err)
		return err
	}
	return nil
}
