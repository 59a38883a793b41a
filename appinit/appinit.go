// Package appinit holds the small slice of setup logic all four cmd/
// binaries share: logger construction and storage backend selection,
// grounded on OtchereDev-ris-dicom-connector/pkg/logger.Init's
// level-string-to-zerolog.Level switch and the same config.StorageConfig
// every binary is handed by config.Load.
package appinit

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomstack/config"
	"github.com/caio-sobreiro/dicomstack/storage"
)

// NewLogger builds a console-writer zerolog.Logger at the given level (any
// name zerolog.ParseLevel accepts, e.g. "debug", "info", "warn", "error"; a
// string it rejects falls back to info).
func NewLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(parsed).With().Timestamp().Logger()
}

// NewBackend constructs the storage.Backend named by cfg.Backend
// ("filesystem" or "s3").
func NewBackend(ctx context.Context, cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case "s3":
		creds := storage.Credentials{
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			SessionToken:    cfg.S3.SessionToken,
		}
		return storage.NewS3Backend(ctx, cfg.S3.Bucket, cfg.S3.Region, creds, cfg.S3.Prefix)
	case "filesystem", "":
		outDir := cfg.OutDir
		if outDir == "" {
			outDir = "studies"
		}
		return storage.NewFilesystemBackend(outDir)
	default:
		return nil, fmt.Errorf("appinit: unknown storage backend %q", cfg.Backend)
	}
}
