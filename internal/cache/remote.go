package cache

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cxhealth/cxhealth/internal/circuit"
	"github.com/cxhealth/cxhealth/internal/config"
	"github.com/cxhealth/cxhealth/pkg/errors"
)

const scanBatch = 100

// Connect initializes a Redis client from URL or host:port input.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RemoteTier is the shared Redis tier. Every call is bounded by a short timeout
// and guarded by a circuit breaker; callers treat any error as a miss.
type RemoteTier struct {
	client    *redis.Client
	timeout   time.Duration
	breaker   *circuit.CircuitBreaker
	logger    zerolog.Logger
	connected atomic.Bool
}

// NewRemoteTier wraps an existing client.
func NewRemoteTier(client *redis.Client, cfg config.DistributedConfig, clock clockwork.Clock, logger zerolog.Logger) *RemoteTier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	r := &RemoteTier{
		client:  client,
		timeout: timeout,
		logger:  logger.With().Str("tier", "distributed").Logger(),
	}
	if cfg.CircuitBreaker.Enabled {
		r.breaker = circuit.NewCircuitBreaker("redis", circuit.Config{
			FailureThreshold: uint32(max(cfg.CircuitBreaker.FailureThreshold, 1)),
			Timeout:          cfg.CircuitBreaker.Timeout,
			Clock:            clock,
			IsSuccessful: func(err error) bool {
				return err == nil || stderrors.Is(err, redis.Nil)
			},
			OnStateChange: func(name string, from, to circuit.State) {
				r.logger.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state changed")
			},
		})
	}
	return r
}

// Ping checks connectivity and updates Connected.
func (r *RemoteTier) Ping(ctx context.Context) error {
	return r.do(ctx, "ping", func(ctx context.Context) error {
		return r.client.Ping(ctx).Err()
	})
}

// Connected reports whether the last call reached Redis.
func (r *RemoteTier) Connected() bool {
	return r.connected.Load()
}

// Get returns the string stored under key. A missing key is not an error.
func (r *RemoteTier) Get(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := r.do(ctx, "get", func(ctx context.Context) error {
		var err error
		val, err = r.client.Get(ctx, key).Result()
		return err
	})
	if stderrors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set stores val under key with ttl.
func (r *RemoteTier) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	return r.do(ctx, "set", func(ctx context.Context) error {
		return r.client.Set(ctx, key, val, ttl).Err()
	})
}

// Delete removes keys.
func (r *RemoteTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.do(ctx, "del", func(ctx context.Context) error {
		return r.client.Del(ctx, keys...).Err()
	})
}

// DeletePrefix removes every key starting with prefix using SCAN and DEL.
// Each batch gets its own timeout.
func (r *RemoteTier) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		var keys []string
		err := r.do(ctx, "scan", func(ctx context.Context) error {
			var err error
			keys, cursor, err = r.client.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
			return err
		})
		if err != nil {
			return removed, err
		}
		if err := r.Delete(ctx, keys...); err != nil {
			return removed, err
		}
		removed += len(keys)
		if cursor == 0 {
			return removed, nil
		}
	}
}

// BreakerState returns the circuit breaker state and consecutive failures.
// ok is false when the breaker is disabled.
func (r *RemoteTier) BreakerState() (state string, failures uint32, ok bool) {
	if r.breaker == nil {
		return "", 0, false
	}
	return r.breaker.GetState().String(), r.breaker.GetCounts().ConsecutiveFailures, true
}

// Close closes the client.
func (r *RemoteTier) Close() error {
	return r.client.Close()
}

func (r *RemoteTier) do(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var err error
	if r.breaker != nil {
		err = r.breaker.ExecuteWithContext(ctx, fn)
	} else {
		err = fn(ctx)
	}

	if err == nil || stderrors.Is(err, redis.Nil) {
		r.connected.Store(true)
		return err
	}
	r.connected.Store(false)
	return errors.Wrap(err, errors.ErrCodeCacheTierUnavailable, "distributed tier call failed").
		WithComponent("cache").WithOperation(op)
}
