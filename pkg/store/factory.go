package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/steward/pkg/ledger"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendFile     = "file"
	BackendS3       = "s3"
	BackendGCS      = "gcs"
)

// Config selects and configures a ledger backend.
type Config struct {
	Backend     string
	DatabaseURL string
	Path        string
	S3          S3Config
	GCS         GCSConfig
}

// Open builds the configured store. The returned close func is never nil.
func Open(ctx context.Context, cfg Config) (ledger.Store, func() error, error) {
	noop := func() error { return nil }
	logger := slog.Default().With("component", "store")

	switch cfg.Backend {
	case "", BackendMemory:
		logger.Warn("ledger backend is in-memory; entries will not survive restart")
		return ledger.NewMemoryStore(), noop, nil
	case BackendSQLite:
		path := cfg.Path
		if path == "" {
			path = "steward.db"
		}
		s, err := OpenSQLite(ctx, path)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("ledger backend ready", "backend", cfg.Backend, "path", path)
		return s, s.DB().Close, nil
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, noop, fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
		s, err := OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("ledger backend ready", "backend", cfg.Backend)
		return s, s.DB().Close, nil
	case BackendFile:
		path := cfg.Path
		if path == "" {
			path = "steward-ledger.jsonl"
		}
		s, err := OpenFile(path)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("ledger backend ready", "backend", cfg.Backend, "path", path)
		return s, s.Close, nil
	case BackendS3:
		s, err := NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("ledger backend ready", "backend", cfg.Backend, "bucket", cfg.S3.Bucket)
		return s, noop, nil
	case BackendGCS:
		s, err := NewGCSStore(ctx, cfg.GCS)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("ledger backend ready", "backend", cfg.Backend, "bucket", cfg.GCS.Bucket)
		return s, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}
