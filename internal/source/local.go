package source

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/cxhealth/cxhealth/internal/config"
	"github.com/cxhealth/cxhealth/pkg/errors"
	"github.com/cxhealth/cxhealth/pkg/types"
)

// LocalSource reads the two CSV exports from a directory.
type LocalSource struct {
	accountsPath string
	eventsPath   string
	logger       zerolog.Logger
}

// NewLocalSource creates a source over cfg.Directory.
func NewLocalSource(cfg config.LocalConfig, logger zerolog.Logger) *LocalSource {
	return &LocalSource{
		accountsPath: filepath.Join(cfg.Directory, cfg.AccountsFile),
		eventsPath:   filepath.Join(cfg.Directory, cfg.EventsFile),
		logger:       logger.With().Str("component", "source").Str("source", "local").Logger(),
	}
}

// Name implements types.Source.
func (s *LocalSource) Name() string { return config.SourceLocal }

// LoadAccounts implements types.Source.
func (s *LocalSource) LoadAccounts(ctx context.Context) ([]types.Account, error) {
	var out []types.Account
	err := s.withFile(ctx, s.accountsPath, func(r io.Reader) (err error) {
		out, err = DecodeAccounts(filepath.Base(s.accountsPath), r, s.logger)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int("accounts", len(out)).Str("path", s.accountsPath).Msg("Loaded accounts")
	return out, nil
}

// LoadEvents implements types.Source.
func (s *LocalSource) LoadEvents(ctx context.Context) ([]types.Event, error) {
	var out []types.Event
	err := s.withFile(ctx, s.eventsPath, func(r io.Reader) (err error) {
		out, err = DecodeEvents(filepath.Base(s.eventsPath), r, s.logger)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int("events", len(out)).Str("path", s.eventsPath).Msg("Loaded events")
	return out, nil
}

func (s *LocalSource) withFile(ctx context.Context, path string, fn func(io.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDataSourceUnavailable, "open csv").
			WithComponent("source").
			WithOperation("open").
			WithContext("path", path).
			WithRetryable(false)
	}
	defer f.Close()
	return fn(bufio.NewReaderSize(f, 64*1024))
}
