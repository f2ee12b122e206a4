package retry

import (
	"context"
	stderr "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cxhealth/cxhealth/pkg/errors"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	assert.Equal(t, 3, r.config.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, r.config.InitialDelay)
	assert.Equal(t, 2.0, r.config.Multiplier)
	assert.NotNil(t, r.config.Clock)
}

func TestDo_SucceedsAfterRetryableFailures(t *testing.T) {
	t.Parallel()

	var calls int32
	var retries []int
	r := New(fastConfig()).WithOnRetry(func(attempt int, _ error, _ time.Duration) {
		retries = append(retries, attempt)
	})

	err := r.Do(func() error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New(errors.ErrCodeDataSourceUnavailable, "s3 unreachable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()

	var calls int
	err := New(fastConfig()).Do(func() error {
		calls++
		return errors.New(errors.ErrCodeDataSourceMalformed, "bad header")
	})

	assert.Equal(t, 1, calls)
	assert.True(t, errors.HasCode(err, errors.ErrCodeDataSourceMalformed))
}

func TestDo_PlainErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	var calls int
	plain := stderr.New("boom")
	err := New(fastConfig()).Do(func() error {
		calls++
		return plain
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, plain)
}

func TestDo_Exhausted(t *testing.T) {
	t.Parallel()

	cause := errors.New(errors.ErrCodeDataSourceUnavailable, "still down")
	err := New(fastConfig()).Do(func() error { return cause })

	assert.True(t, errors.HasCode(err, errors.ErrCodeRetryExhausted))
	assert.ErrorIs(t, err, cause)
}

func TestDo_RetryableErrorsList(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.RetryableErrors = []errors.ErrorCode{errors.ErrCodeCacheTierCorrupt}

	var calls int
	_ = New(cfg).Do(func() error {
		calls++
		return errors.New(errors.ErrCodeCacheTierCorrupt, "bad parquet")
	})
	assert.Equal(t, 3, calls)
}

func TestDoWithContext_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	err := New(fastConfig()).DoWithContext(ctx, func(context.Context) error {
		calls++
		return nil
	})

	assert.Equal(t, 0, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateDelay(t *testing.T) {
	t.Parallel()

	r := New(Config{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2})
	assert.Equal(t, 100*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 200*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 300*time.Millisecond, r.calculateDelay(3))
}
