package source

import (
	"bufio"
	"context"
	stderrors "errors"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/cxhealth/cxhealth/internal/config"
	"github.com/cxhealth/cxhealth/pkg/errors"
	"github.com/cxhealth/cxhealth/pkg/retry"
	"github.com/cxhealth/cxhealth/pkg/types"
)

// ObjectGetter is the subset of the S3 client the source uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads the CSV exports from an S3-compatible bucket.
type S3Source struct {
	client  ObjectGetter
	cfg     config.S3Config
	retryer *retry.Retryer
	logger  zerolog.Logger
}

// NewS3Client builds an S3 client from cfg. Static credentials are used when set,
// otherwise the default AWS credential chain applies.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		// pkg/retry owns retries
		awsconfig.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "load aws config").
			WithComponent("source")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// NewS3Source creates a source reading through client.
func NewS3Source(client ObjectGetter, cfg config.S3Config, rc config.RetryConfig, logger zerolog.Logger) *S3Source {
	logger = logger.With().Str("component", "source").Str("source", "s3").Str("bucket", cfg.Bucket).Logger()
	retryer := retry.New(retry.Config{
		MaxAttempts:  rc.MaxAttempts,
		InitialDelay: rc.BaseDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   2.0,
		Jitter:       true,
	}).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Retrying S3 read")
	})
	return &S3Source{client: client, cfg: cfg, retryer: retryer, logger: logger}
}

// Name implements types.Source.
func (s *S3Source) Name() string { return config.SourceS3 }

// LoadAccounts implements types.Source.
func (s *S3Source) LoadAccounts(ctx context.Context) ([]types.Account, error) {
	var out []types.Account
	err := s.read(ctx, s.cfg.AccountsKey, func(origin string, r io.Reader) (err error) {
		out, err = DecodeAccounts(origin, r, s.logger)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int("accounts", len(out)).Msg("Loaded accounts")
	return out, nil
}

// LoadEvents implements types.Source.
func (s *S3Source) LoadEvents(ctx context.Context) ([]types.Event, error) {
	var out []types.Event
	err := s.read(ctx, s.cfg.EventsKey, func(origin string, r io.Reader) (err error) {
		out, err = DecodeEvents(origin, r, s.logger)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int("events", len(out)).Msg("Loaded events")
	return out, nil
}

// read fetches one object and decodes it. Transport failures are retried;
// decode failures are not.
func (s *S3Source) read(ctx context.Context, name string, decode func(origin string, r io.Reader) error) error {
	key := path.Join(s.cfg.Prefix, name)
	return s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return s.translateError(err, key)
		}
		defer out.Body.Close()

		tr := &trackingReader{r: out.Body}
		err = decode(key, bufio.NewReaderSize(tr, 64*1024))
		if err != nil && tr.err != nil {
			return errors.Wrap(tr.err, errors.ErrCodeDataSourceUnavailable, "read object body").
				WithComponent("source").
				WithOperation("get_object").
				WithContext("key", key)
		}
		return err
	})
}

func (s *S3Source) translateError(err error, key string) error {
	e := errors.Wrap(err, errors.ErrCodeDataSourceUnavailable, "get object").
		WithComponent("source").
		WithOperation("get_object").
		WithContext("bucket", s.cfg.Bucket).
		WithContext("key", key)
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NoSuchBucket](err):
		return e.WithRetryable(false)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return e.WithRetryable(false)
	}
	return e
}

func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}

// trackingReader remembers the first non-EOF error from the body so that a
// dropped connection is reported as unavailable rather than malformed.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}
