package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/cxhealth/cxhealth/internal/config"
	"github.com/cxhealth/cxhealth/pkg/errors"
	"github.com/cxhealth/cxhealth/pkg/types"
)

// Querier is the subset of pgxpool.Pool the warehouse source uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// WarehouseSource reads accounts and events from Postgres tables. Each row is
// fetched as row_to_json text and mapped with the same record mapper as CSV.
type WarehouseSource struct {
	db     Querier
	pool   *pgxpool.Pool
	cfg    config.WarehouseConfig
	logger zerolog.Logger
}

// NewWarehousePool opens a connection pool for cfg.DSN.
func NewWarehousePool(ctx context.Context, cfg config.WarehouseConfig) (*pgxpool.Pool, error) {
	pgConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "parse warehouse dsn").
			WithComponent("source")
	}
	if cfg.MaxConns > 0 {
		pgConfig.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDataSourceUnavailable, "create warehouse pool").
			WithComponent("source")
	}
	return pool, nil
}

// NewWarehouseSource creates a source over db. When db is a *pgxpool.Pool,
// Close releases it.
func NewWarehouseSource(db Querier, cfg config.WarehouseConfig, logger zerolog.Logger) *WarehouseSource {
	s := &WarehouseSource{
		db:     db,
		cfg:    cfg,
		logger: logger.With().Str("component", "source").Str("source", "warehouse").Logger(),
	}
	if pool, ok := db.(*pgxpool.Pool); ok {
		s.pool = pool
	}
	return s
}

// Name implements types.Source.
func (s *WarehouseSource) Name() string { return config.SourceWarehouse }

// LoadAccounts implements types.Source.
func (s *WarehouseSource) LoadAccounts(ctx context.Context) ([]types.Account, error) {
	var out []types.Account
	err := s.scan(ctx, s.cfg.AccountsTable, accountRequired, accountOptional, func(row int, rec Record) error {
		a, err := AccountFromRecord(s.cfg.AccountsTable, row, rec)
		if err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int("accounts", len(out)).Str("table", s.cfg.AccountsTable).Msg("Loaded accounts")
	return out, nil
}

// LoadEvents implements types.Source.
func (s *WarehouseSource) LoadEvents(ctx context.Context) ([]types.Event, error) {
	var out []types.Event
	err := s.scan(ctx, s.cfg.EventsTable, eventRequired, eventOptional, func(row int, rec Record) error {
		e, err := EventFromRecord(s.cfg.EventsTable, row, rec)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int("events", len(out)).Str("table", s.cfg.EventsTable).Msg("Loaded events")
	return out, nil
}

// Close releases the pool, if the source owns one.
func (s *WarehouseSource) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// tableQuery selects every row of table as JSON text.
func tableQuery(table string) string {
	ident := pgx.Identifier(strings.Split(table, "."))
	return fmt.Sprintf("SELECT row_to_json(t)::text FROM %s t", ident.Sanitize())
}

func (s *WarehouseSource) scan(ctx context.Context, table string, required, optional []string, fn func(row int, rec Record) error) error {
	rows, err := s.db.Query(ctx, tableQuery(table))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDataSourceUnavailable, "query warehouse").
			WithComponent("source").
			WithOperation("query").
			WithContext("table", table)
	}
	defer rows.Close()

	row := 0
	for rows.Next() {
		row++
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return errors.Wrap(err, errors.ErrCodeDataSourceMalformed, "scan warehouse row").
				WithComponent("source").
				WithContext("table", table).
				WithDetail("row", row)
		}
		rec, err := DecodeJSONRecord([]byte(raw))
		if err != nil {
			return fieldError(table, row, "*", err)
		}
		if row == 1 {
			present := make(map[string]bool, len(rec))
			for col := range rec {
				present[col] = true
			}
			if err := CheckColumns(table, present, required, optional, s.logger); err != nil {
				return err
			}
		}
		if err := fn(row, rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeDataSourceUnavailable, "read warehouse rows").
			WithComponent("source").
			WithContext("table", table)
	}
	return nil
}

// DecodeJSONRecord flattens one JSON object into a Record. Nulls become empty
// values; numbers keep their literal text.
func DecodeJSONRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	rec := make(Record, len(obj))
	for k, v := range obj {
		col := NormalizeColumn(k)
		switch val := v.(type) {
		case nil:
			rec[col] = ""
		case string:
			rec[col] = val
		case json.Number:
			rec[col] = val.String()
		case bool:
			rec[col] = strconv.FormatBool(val)
		default:
			return nil, fmt.Errorf("column %q: unsupported value %T", k, v)
		}
	}
	return rec, nil
}
