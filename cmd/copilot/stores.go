package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/opsrunbook/copilot/pkg/blobstore"
	"github.com/opsrunbook/copilot/pkg/config"
	"github.com/opsrunbook/copilot/pkg/recordstore"
)

// openBlobStore builds the evidence store for the configured backend.
func openBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	switch cfg.BlobBackend {
	case config.BackendMemory:
		bucket := cfg.EvidenceBucket
		if bucket == "" {
			bucket = "evidence-local"
		}
		return blobstore.NewMemoryStore(bucket), nil
	case config.BackendAWS:
		return blobstore.NewS3Store(ctx, blobstore.S3Config{
			Bucket: cfg.EvidenceBucket,
			Region: cfg.AWSRegion,
		})
	case config.BackendGCS:
		return blobstore.NewGCSStore(ctx, cfg.EvidenceBucket)
	}
	return nil, fmt.Errorf("unsupported blob backend %q", cfg.BlobBackend)
}

// openRecordStore builds the record store for the configured backend. The
// returned closer releases the SQL pool when one was opened.
func openRecordStore(ctx context.Context, cfg *config.Config) (recordstore.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.RecordsBackend {
	case config.BackendMemory:
		return recordstore.NewMemoryStore(), noop, nil
	case config.BackendAWS:
		store, err := recordstore.NewDynamoStore(ctx, recordstore.DynamoConfig{
			Table:  cfg.RecordsTable,
			Region: cfg.AWSRegion,
		})
		return store, noop, err
	case config.BackendSQL:
		driver, dialect := sqlDriver(cfg.RecordsDSN)
		db, err := sql.Open(driver, cfg.RecordsDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open records database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping records database: %w", err)
		}
		store, err := recordstore.NewSQLStore(db, dialect)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, db.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported records backend %q", cfg.RecordsBackend)
}

// sqlDriver picks the driver and dialect from the DSN shape. Postgres DSNs
// carry a scheme or key=value pairs; everything else is a sqlite path.
func sqlDriver(dsn string) (driver, dialect string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres", "postgres"
	}
	return "sqlite", "sqlite"
}
