// Package source adapts the account and event inputs from local CSV exports,
// an S3-compatible bucket or a Postgres warehouse into typed records.
//
// All three adapters share one record mapper, so header aliases, date layouts
// and validation behave the same regardless of where the data lives.
package source

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cxhealth/cxhealth/internal/config"
	"github.com/cxhealth/cxhealth/pkg/errors"
	"github.com/cxhealth/cxhealth/pkg/types"
)

// New builds the source selected by cfg.Mode, bounded by cfg.Timeout.
func New(ctx context.Context, cfg config.SourceConfig, logger zerolog.Logger) (types.Source, error) {
	var src types.Source
	switch cfg.Mode {
	case config.SourceLocal, "":
		src = NewLocalSource(cfg.Local, logger)
	case config.SourceS3:
		client, err := NewS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		src = NewS3Source(client, cfg.S3, cfg.Retry, logger)
	case config.SourceWarehouse:
		pool, err := NewWarehousePool(ctx, cfg.Warehouse)
		if err != nil {
			return nil, err
		}
		src = NewWarehouseSource(pool, cfg.Warehouse, logger)
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown source mode %q", cfg.Mode).
			WithComponent("source")
	}
	return WithTimeout(src, cfg.Timeout), nil
}

// Close releases resources held by src, if any.
func Close(src types.Source) error {
	if t, ok := src.(*timeoutSource); ok {
		src = t.Source
	}
	if c, ok := src.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// WithTimeout bounds each load call on src by d. A non-positive d returns src unchanged.
func WithTimeout(src types.Source, d time.Duration) types.Source {
	if d <= 0 {
		return src
	}
	return &timeoutSource{Source: src, timeout: d}
}

type timeoutSource struct {
	types.Source
	timeout time.Duration
}

func (t *timeoutSource) LoadAccounts(ctx context.Context) ([]types.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.Source.LoadAccounts(ctx)
	return out, timeoutError(ctx, err)
}

func (t *timeoutSource) LoadEvents(ctx context.Context) ([]types.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.Source.LoadEvents(ctx)
	return out, timeoutError(ctx, err)
}

func timeoutError(ctx context.Context, err error) error {
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return errors.Wrap(err, errors.ErrCodeOperationTimeout, "source load timed out").
			WithComponent("source")
	}
	return err
}
