package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cxhealth/cxhealth/internal/config"
	"github.com/cxhealth/cxhealth/pkg/errors"
	"github.com/cxhealth/cxhealth/pkg/types"
)

func writeFixtures(t *testing.T) config.LocalConfig {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "users_cx.csv"), []byte(accountsCSV), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "events_cx_clean.csv"), []byte(eventsCSV), 0o644))
	return config.LocalConfig{Directory: dir, AccountsFile: "users_cx.csv", EventsFile: "events_cx_clean.csv"}
}

func TestLocalSource(t *testing.T) {
	t.Parallel()

	src := NewLocalSource(writeFixtures(t), zerolog.Nop())
	assert.Equal(t, config.SourceLocal, src.Name())

	accounts, err := src.LoadAccounts(context.Background())
	require.NoError(t, err)
	assert.Len(t, accounts, 2)

	events, err := src.LoadEvents(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestLocalSourceMissingFile(t *testing.T) {
	t.Parallel()

	src := NewLocalSource(config.LocalConfig{Directory: t.TempDir(), AccountsFile: "nope.csv"}, zerolog.Nop())
	_, err := src.LoadAccounts(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeDataSourceUnavailable))
	assert.False(t, errors.IsRetryable(err))
}

func TestLocalSourceCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocalSource(writeFixtures(t), zerolog.Nop()).LoadEvents(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeS3 struct {
	objects map[string]string
	fails   int32
	calls   atomic.Int32
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	n := f.calls.Add(1)
	if n <= f.fails {
		return nil, io.ErrUnexpectedEOF
	}
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func s3Config() config.S3Config {
	return config.S3Config{
		Bucket:      "exports",
		Prefix:      "cx/daily",
		AccountsKey: "users_cx.csv",
		EventsKey:   "events_cx_clean.csv",
	}
}

func fastRetry() config.RetryConfig {
	return config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestS3Source(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{objects: map[string]string{
		"exports/cx/daily/users_cx.csv":        accountsCSV,
		"exports/cx/daily/events_cx_clean.csv": eventsCSV,
	}}
	src := NewS3Source(fake, s3Config(), fastRetry(), zerolog.Nop())
	assert.Equal(t, config.SourceS3, src.Name())

	accounts, err := src.LoadAccounts(context.Background())
	require.NoError(t, err)
	assert.Len(t, accounts, 2)

	events, err := src.LoadEvents(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestS3SourceRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{
		objects: map[string]string{"exports/cx/daily/users_cx.csv": accountsCSV},
		fails:   2,
	}
	src := NewS3Source(fake, s3Config(), fastRetry(), zerolog.Nop())

	accounts, err := src.LoadAccounts(context.Background())
	require.NoError(t, err)
	assert.Len(t, accounts, 2)
	assert.Equal(t, int32(3), fake.calls.Load())
}

func TestS3SourceGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{fails: 10}
	src := NewS3Source(fake, s3Config(), fastRetry(), zerolog.Nop())

	_, err := src.LoadAccounts(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeDataSourceUnavailable))
	assert.Equal(t, int32(3), fake.calls.Load())
}

func TestS3SourceMissingKeyIsNotRetried(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{objects: map[string]string{}}
	src := NewS3Source(fake, s3Config(), fastRetry(), zerolog.Nop())

	_, err := src.LoadEvents(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDataSourceUnavailable, errors.CodeOf(err))
	assert.Equal(t, int32(1), fake.calls.Load())
}

func TestS3SourceMalformedIsNotRetried(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{objects: map[string]string{"exports/cx/daily/users_cx.csv": "account_id\na\n"}}
	src := NewS3Source(fake, s3Config(), fastRetry(), zerolog.Nop())

	_, err := src.LoadAccounts(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeSchemaFieldMissing, errors.CodeOf(err))
	assert.Equal(t, int32(1), fake.calls.Load())
}

// fakeRows serves row_to_json text values.
type fakeRows struct {
	rows []string
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.rows[r.idx-1]
	return nil
}

func (r *fakeRows) Values() ([]any, error) {
	return []any{r.rows[r.idx-1]}, nil
}

type fakeWarehouse struct {
	tables  map[string][]string
	queries []string
}

func (w *fakeWarehouse) Query(ctx context.Context, sql string, _ ...any) (pgx.Rows, error) {
	w.queries = append(w.queries, sql)
	for table, rows := range w.tables {
		if strings.Contains(sql, table) {
			return &fakeRows{rows: rows}, nil
		}
	}
	return nil, &pgconn.PgError{Code: "42P01", Message: "relation does not exist"}
}

func TestWarehouseSource(t *testing.T) {
	t.Parallel()

	db := &fakeWarehouse{tables: map[string][]string{
		`"analytics"."users_cx"`: {
			`{"user_id":"u-1","signup_date":"2024-01-15","plan_type":"premium","portfolio_size":40,"annual_revenue":24000,"nps_score":55,"support_tickets_last_90d":1,"renewal_due_date":"2025-01-15","success_manager_assigned":true,"is_active":true}`,
			`{"user_id":"u-2","signup_date":"2024-02-01","plan_type":"starter","portfolio_size":3,"annual_revenue":1200,"nps_score":null,"support_tickets_last_90d":0,"renewal_due_date":null,"success_manager_assigned":false,"is_active":false}`,
		},
		`"analytics"."events_cx_clean"`: {
			`{"event_id":"e-1","user_id":"u-1","event_ts":"2024-06-01T10:00:00+00:00","event_type":"login","event_value_num":31.5,"event_value_txt":null}`,
		},
	}}
	src := NewWarehouseSource(db, config.WarehouseConfig{
		AccountsTable: "analytics.users_cx",
		EventsTable:   "analytics.events_cx_clean",
	}, zerolog.Nop())
	assert.Equal(t, config.SourceWarehouse, src.Name())

	accounts, err := src.LoadAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, types.PlanTop, accounts[0].PlanTier)
	assert.Equal(t, 55, accounts[0].NPSScore)
	assert.Zero(t, accounts[1].NPSScore)
	assert.True(t, accounts[1].RenewalDueDate.IsZero())

	events, err := src.LoadEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), events[0].Timestamp)
	require.NotNil(t, events[0].ValueNum)
	assert.Equal(t, 31.5, *events[0].ValueNum)
	assert.Nil(t, events[0].ValueText)

	assert.Equal(t, `SELECT row_to_json(t)::text FROM "analytics"."users_cx" t`, db.queries[0])
	assert.NoError(t, src.Close())
}

func TestWarehouseSourceQueryFailure(t *testing.T) {
	t.Parallel()

	src := NewWarehouseSource(&fakeWarehouse{}, config.WarehouseConfig{AccountsTable: "accounts"}, zerolog.Nop())
	_, err := src.LoadAccounts(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDataSourceUnavailable, errors.CodeOf(err))
}

func TestWarehouseSourceMissingColumn(t *testing.T) {
	t.Parallel()

	db := &fakeWarehouse{tables: map[string][]string{
		`"events"`: {`{"user_id":"u-1","event_type":"login"}`},
	}}
	src := NewWarehouseSource(db, config.WarehouseConfig{EventsTable: "events"}, zerolog.Nop())
	_, err := src.LoadEvents(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeSchemaFieldMissing, errors.CodeOf(err))
}

func TestNewSelectsMode(t *testing.T) {
	t.Parallel()

	cfg := config.NewDefault().Source
	cfg.Local = writeFixtures(t)

	src, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, config.SourceLocal, src.Name())
	accounts, err := src.LoadAccounts(context.Background())
	require.NoError(t, err)
	assert.Len(t, accounts, 2)
	assert.NoError(t, Close(src))

	cfg.Mode = "ftp"
	_, err = New(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
}

type slowSource struct{ types.Source }

func (slowSource) LoadAccounts(ctx context.Context) ([]types.Account, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWithTimeout(t *testing.T) {
	t.Parallel()

	src := WithTimeout(slowSource{}, 5*time.Millisecond)
	_, err := src.LoadAccounts(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeOperationTimeout, errors.CodeOf(err))

	inner := slowSource{}
	assert.Equal(t, types.Source(inner), WithTimeout(inner, 0))
}
